package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/foamsync/internal/auth"
	"github.com/MarcoPoloResearchLab/foamsync/internal/syncengine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	actionContextKey         = "foamsync_action"
	defaultHeartbeatInterval = 25 * time.Second
	defaultMaxBodyBytes      = 32 << 20
	actionStream             = "STREAM"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingAccounts       = errors.New("account service dependency required")
	errMissingDataService    = errors.New("data service dependency required")
	errMissingCredentials    = fmt.Errorf("%w: token and tenant id required", apperr.ErrUnauthorized)
	errUnknownAction         = fmt.Errorf("%w: unknown action", apperr.ErrValidation)
	errInvalidEnvelope       = fmt.Errorf("%w: invalid request envelope", apperr.ErrValidation)
)

// TokenValidator verifies a session token against the tenant it is presented for.
type TokenValidator interface {
	Validate(token, expectedTenantID string) (auth.Principal, error)
}

// AccountService backs the /auth actions.
type AccountService interface {
	Signup(ctx context.Context, request accounts.SignupRequest) (accounts.Session, error)
	Login(ctx context.Context, username, password string) (accounts.Session, error)
	CrewLogin(ctx context.Context, username, pin string) (accounts.Session, error)
	UpdatePassword(ctx context.Context, username, currentPassword, newPassword string) error
	SubmitTrial(ctx context.Context, submission accounts.TrialSubmission) error
}

// DataService backs the /data actions.
type DataService interface {
	SyncDown(ctx context.Context, tenantID string, lastSync int64) (syncengine.Snapshot, error)
	SyncUp(ctx context.Context, tenantID string, state json.RawMessage) (syncengine.SyncUpResult, error)
	StartJob(ctx context.Context, tenantID, estimateID string) error
	CompleteJob(ctx context.Context, tenantID, estimateID string, actuals json.RawMessage) (syncengine.CompletionResult, error)
	MarkJobPaid(ctx context.Context, tenantID, estimateID string) (syncengine.PaidResult, error)
	DeleteEstimate(ctx context.Context, tenantID, estimateID string) error
	SavePDF(ctx context.Context, tenantID string, request syncengine.SavePDFRequest) (syncengine.StoredDocument, error)
	UploadImage(ctx context.Context, tenantID string, request syncengine.UploadImageRequest) (syncengine.StoredDocument, error)
	CreateWorkOrder(ctx context.Context, tenantID string, estimateData json.RawMessage) (syncengine.StoredDocument, error)
	LogTime(ctx context.Context, tenantID string, request syncengine.LogTimeRequest) error
}

type Dependencies struct {
	Tokens            TokenValidator
	Accounts          AccountService
	Data              DataService
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	MaxBodyBytes      int64
	Clock             func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Data == nil {
		return nil, errMissingDataService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		accounts:  deps.Accounts,
		data:      deps.Data,
		realtime:  deps.Realtime,
		logger:    logger,
		heartbeat: heartbeat,
		maxBody:   maxBody,
		now:       clock,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/auth", handler.limitBody, handler.handleAuth)
	router.POST("/data", handler.limitBody, handler.handleData)
	router.GET("/data/stream", handler.handleDataStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:   []string{"Retry-After"},
		MaxAge:          12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	accounts  AccountService
	data      DataService
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	heartbeat time.Duration
	maxBody   int64
	now       func() time.Time
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	c.Next()
}

// decodeEnvelope reads {action, payload} and normalizes the action name.
func decodeEnvelope(c *gin.Context) (string, json.RawMessage, error) {
	var envelope requestEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		return "", nil, errInvalidEnvelope
	}
	action := strings.ToUpper(strings.TrimSpace(envelope.Action))
	payload := envelope.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	return action, payload, nil
}

// decodePayload unmarshals an action payload, classifying failures as validation errors.
func decodePayload(payload json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", apperr.ErrValidation, err)
	}
	return nil
}

// authorize validates the token for the tenant it is presented against.
// Both values are required; nothing reaches the store before this succeeds.
func (h *httpHandler) authorize(token, tenantID string) (auth.Principal, error) {
	token = strings.TrimSpace(token)
	tenantID = strings.TrimSpace(tenantID)
	if token == "" || tenantID == "" {
		return auth.Principal{}, errMissingCredentials
	}
	principal, err := h.tokens.Validate(token, tenantID)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		if !errors.Is(err, apperr.ErrUnauthorized) {
			err = fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
		}
		return auth.Principal{}, err
	}
	return principal, nil
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func (h *httpHandler) publish(tenantID, action string) {
	if h.realtime == nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		TenantID:  tenantID,
		EventType: RealtimeEventDatasetChanged,
		Action:    action,
		Timestamp: h.now().UTC(),
	})
}
