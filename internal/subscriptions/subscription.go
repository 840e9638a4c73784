package subscriptions

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is a single declaration of interest in the rows of one object
// class matching one textual query. Values are immutable outside a mutable
// subscription set.
type Subscription struct {
	id          uuid.UUID
	createdAt   time.Time
	updatedAt   time.Time
	name        string
	named       bool
	objectClass string
	query       string
}

func newSubscription(name string, named bool, objectClass, query string, now time.Time) Subscription {
	return Subscription{
		id:          uuid.New(),
		createdAt:   now,
		updatedAt:   now,
		name:        name,
		named:       named,
		objectClass: objectClass,
		query:       query,
	}
}

// ID returns the 128-bit identifier assigned at creation.
func (s Subscription) ID() uuid.UUID {
	return s.id
}

// CreatedAt returns when the subscription was first created.
func (s Subscription) CreatedAt() time.Time {
	return s.createdAt
}

// UpdatedAt returns when the subscription's query was last reassigned.
func (s Subscription) UpdatedAt() time.Time {
	return s.updatedAt
}

// HasName reports whether the subscription carries a stable name.
func (s Subscription) HasName() bool {
	return s.named
}

// Name returns the subscription's name, or "" when unnamed.
func (s Subscription) Name() string {
	if !s.named {
		return ""
	}
	return s.name
}

// ObjectClassName returns the object class the query is over.
func (s Subscription) ObjectClassName() string {
	return s.objectClass
}

// QueryString returns the canonical textual form of the query.
func (s Subscription) QueryString() string {
	return s.query
}

func subscriptionFromRow(row subscriptionRow) Subscription {
	sub := Subscription{
		createdAt:   time.Unix(0, row.CreatedAtNanos).UTC(),
		updatedAt:   time.Unix(0, row.UpdatedAtNanos).UTC(),
		objectClass: row.ObjectClass,
		query:       row.Query,
	}
	if parsed, err := uuid.Parse(row.SubID); err == nil {
		sub.id = parsed
	}
	if row.Name != nil {
		sub.name = *row.Name
		sub.named = true
	}
	return sub
}

func (s Subscription) row(setVersion, position int64) subscriptionRow {
	row := subscriptionRow{
		SetVersion:     setVersion,
		Position:       position,
		SubID:          s.id.String(),
		CreatedAtNanos: s.createdAt.UnixNano(),
		UpdatedAtNanos: s.updatedAt.UnixNano(),
		ObjectClass:    s.objectClass,
		Query:          s.query,
	}
	if s.named {
		name := s.name
		row.Name = &name
	}
	return row
}
