package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cadenza-app/backend/internal/changelog"
	"github.com/cadenza-app/backend/internal/idempotency"
	"github.com/cadenza-app/backend/internal/syncer"
)

const (
	userIDContextKey     = "cadenza_user_id"
	idempotencyKeyHeader = "Idempotency-Key"
	deviceIDHeader       = "X-Device-Id"
)

var (
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingSyncService      = errors.New("sync service dependency required")
	errMissingChangeLogService = errors.New("change log service dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// BackendTokenManager issues and validates tokens for the sync routes.
type BackendTokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IdempotencyGuard wraps the legacy push path with at-most-once semantics.
type IdempotencyGuard interface {
	WithIdempotency(ctx context.Context, key, userID string, requestBody map[string]any, handler func(context.Context) (any, error)) (idempotency.Outcome, error)
}

// Dependencies collects everything the HTTP handler needs.
type Dependencies struct {
	TokenManager BackendTokenManager
	SyncService  *syncer.Service
	ChangeLog    *changelog.Service
	Idempotency  IdempotencyGuard
	Logger       *zap.Logger
}

// NewHTTPHandler wires the sync API routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.ChangeLog == nil {
		return nil, errMissingChangeLogService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", idempotencyKeyHeader, deviceIDHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		syncService: deps.SyncService,
		changeLog:   deps.ChangeLog,
		idempotency: deps.Idempotency,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleTokenIssue)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/push", handler.handlePush)
	protected.GET("/sync/pull", handler.handlePull)
	protected.POST("/sync/batch", handler.handleBatch)
	protected.POST("/v2/sync", handler.handleChangeLogSync)
	protected.POST("/v2/sync/migrate", handler.handleChangeLogMigrate)

	return router, nil
}

type httpHandler struct {
	tokens      BackendTokenManager
	syncService *syncer.Service
	changeLog   *changelog.Service
	idempotency IdempotencyGuard
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tokenRequestPayload struct {
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenIssue(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), strings.TrimSpace(request.UserID))
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := strings.TrimSpace(c.GetHeader(deviceIDHeader))

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var request syncer.PushRequest
	if err := json.Unmarshal(body, &request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var genericBody map[string]any
	if err := json.Unmarshal(body, &genericBody); err != nil {
		genericBody = map[string]any{}
	}

	handler := func(ctx context.Context) (any, error) {
		return h.syncService.Push(ctx, userID, deviceID, request)
	}

	key := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	if h.idempotency == nil {
		key = ""
	}

	var outcome idempotency.Outcome
	if key == "" {
		result, err := handler(c.Request.Context())
		if err != nil {
			h.logger.Error("push failed", zap.Error(err), zap.String("user_id", userID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
			return
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			h.logger.Error("push response encode failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
			return
		}
		outcome = idempotency.Outcome{Response: encoded}
	} else {
		outcome, err = h.idempotency.WithIdempotency(c.Request.Context(), key, userID, genericBody, handler)
		if errors.Is(err, idempotency.ErrKeyConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "idempotency_key_conflict"})
			return
		}
		if err != nil {
			h.logger.Error("push failed", zap.Error(err), zap.String("user_id", userID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
			return
		}
	}

	if outcome.WasReplayed {
		c.Header("Idempotent-Replay", "true")
	}
	c.Data(http.StatusOK, "application/json", outcome.Response)
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	entityType := strings.TrimSpace(c.Query("type"))
	entities := h.syncService.Pull(c.Request.Context(), userID, entityType)
	c.JSON(http.StatusOK, gin.H{"entities": entities})
}

type batchRequestPayload struct {
	Entities []syncer.BatchItem `json:"entities"`
}

func (h *httpHandler) handleBatch(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := strings.TrimSpace(c.GetHeader(deviceIDHeader))

	var request batchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.syncService.Batch(c.Request.Context(), userID, deviceID, request.Entities)
	if err != nil {
		h.logger.Error("batch reconcile failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleChangeLogSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := strings.TrimSpace(c.GetHeader(deviceIDHeader))

	var request changelog.SyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response, err := h.changeLog.Sync(c.Request.Context(), userID, deviceID, request)
	if err != nil {
		h.logger.Error("change log sync failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleChangeLogMigrate(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	seeded, err := h.changeLog.Migrate(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("change log migration failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "migration_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"seeded": seeded})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
