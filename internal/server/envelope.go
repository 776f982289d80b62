package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	statusSuccess     = "success"
	statusError       = "error"
	busyRetryAfterSec = "5"
)

// requestEnvelope is the body of every /auth and /data call.
type requestEnvelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type successEnvelope struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data"`
}

type errorEnvelope struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type codedError interface {
	Code() string
}

var errorMessages = map[string]string{
	apperr.CodeUnauthorized:     "Authorization failed.",
	apperr.CodeBusy:             "Database is busy. Retry in 5s.",
	apperr.CodeNotFound:         "Requested record was not found.",
	apperr.CodeValidation:       "Request was rejected as invalid.",
	apperr.CodeStoreUnavailable: "Tenant data is temporarily unavailable.",
	apperr.CodeInternal:         "Internal server error.",
}

func statusForCode(code string) int {
	switch code {
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeBusy:
		return http.StatusTooManyRequests
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, successEnvelope{Status: statusSuccess, Data: data})
}

// respondError classifies err and writes the error envelope. Messages are fixed per code so
// nothing from the underlying error reaches the caller beyond the service reason code.
func (h *httpHandler) respondError(c *gin.Context, action string, err error) {
	code := apperr.Code(err)
	if code == apperr.CodeTransport {
		code = apperr.CodeInternal
	}
	status := statusForCode(code)
	envelope := errorEnvelope{
		Status:  statusError,
		Code:    code,
		Message: errorMessages[code],
	}
	var coded codedError
	if errors.As(err, &coded) {
		envelope.Reason = coded.Code()
	}
	if code == apperr.CodeBusy {
		c.Header("Retry-After", busyRetryAfterSec)
	}

	fields := []zap.Field{
		zap.String("action", action),
		zap.String("code", code),
		zap.Int("status", status),
		zap.Error(err),
	}
	switch status {
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		h.logger.Error("request failed", fields...)
	default:
		h.logger.Info("request rejected", fields...)
	}
	c.AbortWithStatusJSON(status, envelope)
}
