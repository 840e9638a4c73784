package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSigningSecret = "unit-test-secret"

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "flexsync-admin",
		Audience:      "flexsync-api",
		TokenTTL:      time.Minute,
		Clock:         clock,
	})
}

func TestIssueTokenRoundTrip(t *testing.T) {
	issuer := newTestIssuer(nil)

	token, expiresIn, err := issuer.IssueToken(context.Background(), "operator-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != 60 {
		t.Fatalf("expected sixty-second expiry, got %d", expiresIn)
	}

	operator, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if operator != "operator-1" {
		t.Fatalf("expected operator-1, got %q", operator)
	}
}

func TestIssueTokenRequiresOperator(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueToken(context.Background(), "  "); !errors.Is(err, ErrNoOperator) {
		t.Fatalf("expected ErrNoOperator for blank operator, got %v", err)
	}
}

func TestIssueTokenRequiresSigningSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{Issuer: "flexsync-admin", Audience: "flexsync-api"})
	if _, _, err := issuer.IssueToken(context.Background(), "operator-1"); !errors.Is(err, ErrNoSigningSecret) {
		t.Fatalf("expected ErrNoSigningSecret, got %v", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issued := time.Now().Add(-2 * time.Hour)
	issuer := newTestIssuer(func() time.Time { return issued })

	token, _, err := issuer.IssueToken(context.Background(), "operator-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	validator := newTestIssuer(nil)
	if _, err := validator.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateTokenRejectsWrongAlgorithm(t *testing.T) {
	claims := OperatorClaims{
		TokenUse: tokenUseAdminAPI,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			Issuer:    "flexsync-admin",
			Audience:  []string{"flexsync-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("unexpected signing error: %v", err)
	}

	issuer := newTestIssuer(nil)
	if _, err := issuer.ValidateToken(signed); err == nil {
		t.Fatalf("expected foreign algorithm to be rejected")
	}
}

func TestValidateTokenRejectsForeignTokenUse(t *testing.T) {
	// A token signed with the shared secret but minted for some other service.
	claims := jwt.RegisteredClaims{
		Subject:   "operator-1",
		Issuer:    "flexsync-admin",
		Audience:  []string{"flexsync-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("unexpected signing error: %v", err)
	}

	issuer := newTestIssuer(nil)
	if _, err := issuer.ValidateToken(signed); !errors.Is(err, ErrWrongTokenUse) {
		t.Fatalf("expected ErrWrongTokenUse, got %v", err)
	}
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "flexsync-admin",
		Audience:      "another-service",
		TokenTTL:      time.Minute,
	})
	token, _, err := other.IssueToken(context.Background(), "operator-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	issuer := newTestIssuer(nil)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected audience mismatch to be rejected")
	}
}
