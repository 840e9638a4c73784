package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coastline-labs/flexsync/internal/storage"
	"github.com/coastline-labs/flexsync/internal/subscriptions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const operatorContextKey = "flexsync_operator"

var (
	errMissingStore        = errors.New("subscription store dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingAdminSecret  = errors.New("admin secret required")
)

const (
	opTokenExchange = "server.token_exchange"
	opAuthorize     = "server.authorize"
	opLatest        = "server.latest"
	opActive        = "server.active"
	opPending       = "server.pending"
	opVersionPair   = "server.versions"
	opByVersion     = "server.by_version"
	opExport        = "server.export"
	opTables        = "server.tables"
)

type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Store        *subscriptions.Store
	TokenManager TokenManager
	Events       *EventDispatcher
	AdminSecret  string
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if strings.TrimSpace(deps.AdminSecret) == "" {
		return nil, errMissingAdminSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:       deps.Store,
		tokens:      deps.TokenManager,
		events:      events,
		adminSecret: deps.AdminSecret,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/subscriptions/latest", handler.handleLatest)
	protected.GET("/subscriptions/active", handler.handleActive)
	protected.GET("/subscriptions/pending", handler.handlePending)
	protected.GET("/subscriptions/versions", handler.handleVersionPair)
	protected.GET("/subscriptions/latest/export", handler.handleExport)
	protected.GET("/subscriptions/latest/tables", handler.handleTables)
	protected.GET("/subscriptions/:version", handler.handleByVersion)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	store       *subscriptions.Store
	tokens      TokenManager
	events      *EventDispatcher
	adminSecret string
	logger      *zap.Logger
}

type tokenRequestPayload struct {
	AdminSecret string `json:"admin_secret"`
	Subject     string `json:"subject"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if subtle.ConstantTimeCompare([]byte(request.AdminSecret), []byte(h.adminSecret)) != 1 {
		h.logError(opTokenExchange, "admin_secret_mismatch", nil, zap.String("operator", request.Subject))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), request.Subject)
	if err != nil {
		h.logError(opTokenExchange, "token_issue_failed", err, zap.String("operator", request.Subject))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type subscriptionPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	ObjectClass string `json:"object_class"`
	Query       string `json:"query"`
	CreatedAt   int64  `json:"created_at_ns"`
	UpdatedAt   int64  `json:"updated_at_ns"`
}

type setPayload struct {
	Version         int64                 `json:"version"`
	State           string                `json:"state"`
	SnapshotVersion int64                 `json:"snapshot_version"`
	Error           string                `json:"error,omitempty"`
	Subscriptions   []subscriptionPayload `json:"subscriptions"`
}

func renderSet(set *subscriptions.SubscriptionSet) setPayload {
	payload := setPayload{
		Version:         set.Version(),
		State:           set.State().String(),
		SnapshotVersion: set.SnapshotVersion(),
		Error:           set.ErrorString(),
		Subscriptions:   make([]subscriptionPayload, 0, set.Len()),
	}
	for _, sub := range set.Subscriptions() {
		payload.Subscriptions = append(payload.Subscriptions, subscriptionPayload{
			ID:          sub.ID().String(),
			Name:        sub.Name(),
			ObjectClass: sub.ObjectClassName(),
			Query:       sub.QueryString(),
			CreatedAt:   sub.CreatedAt().UnixNano(),
			UpdatedAt:   sub.UpdatedAt().UnixNano(),
		})
	}
	return payload
}

func (h *httpHandler) handleLatest(c *gin.Context) {
	set, err := h.store.GetLatest()
	if err != nil {
		h.logError(opLatest, "store_read_failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_read_failed"})
		return
	}
	c.JSON(http.StatusOK, renderSet(set))
}

func (h *httpHandler) handleActive(c *gin.Context) {
	set, err := h.store.GetActive()
	if err != nil {
		h.logError(opActive, "store_read_failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_read_failed"})
		return
	}
	c.JSON(http.StatusOK, renderSet(set))
}

func (h *httpHandler) handlePending(c *gin.Context) {
	pending, err := h.store.GetPendingSubscriptions()
	if err != nil {
		h.logError(opPending, "store_read_failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_read_failed"})
		return
	}
	payloads := make([]setPayload, 0, len(pending))
	for _, set := range pending {
		payloads = append(payloads, renderSet(set))
	}
	c.JSON(http.StatusOK, gin.H{"pending": payloads})
}

func (h *httpHandler) handleVersionPair(c *gin.Context) {
	active, latest, err := h.store.GetActiveAndLatestVersions()
	if err != nil {
		h.logError(opVersionPair, "store_read_failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active, "latest": latest})
}

func (h *httpHandler) handleByVersion(c *gin.Context) {
	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	set, err := h.store.GetByVersion(version)
	if errors.Is(err, storage.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_version"})
		return
	}
	if err != nil {
		h.logError(opByVersion, "store_read_failed", err, zap.Int64("version", version))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_read_failed"})
		return
	}
	c.JSON(http.StatusOK, renderSet(set))
}

func (h *httpHandler) handleExport(c *gin.Context) {
	set, err := h.store.GetLatest()
	if err != nil {
		h.logError(opExport, "store_read_failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_read_failed"})
		return
	}
	document, err := set.ToExtJSON()
	if err != nil {
		h.logError(opExport, "export_failed", err, zap.Int64("version", set.Version()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed"})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(document))
}

func (h *httpHandler) handleTables(c *gin.Context) {
	tables, err := h.store.GetTablesForLatest()
	if err != nil {
		h.logError(opTables, "store_read_failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cleanup := h.events.Subscribe(c.Request.Context())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// authorizeRequest admits only requests carrying a valid operator token and
// records the operator for downstream handlers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	scheme, credential, found := strings.Cut(c.GetHeader("Authorization"), " ")
	credential = strings.TrimSpace(credential)
	if !found || !strings.EqualFold(scheme, "Bearer") || credential == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer_token"})
		return
	}
	operator, err := h.tokens.ValidateToken(credential)
	if err != nil {
		h.logError(opAuthorize, "invalid_operator_token", err, zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, operator)
	c.Next()
}

func (h *httpHandler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	h.logger.Error("admin api error", attrs...)
}
