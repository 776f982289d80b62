package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/foamsync/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeLogsExpiredTokenAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenValidator{validateErr: auth.ErrExpiredToken},
		logger: zap.New(core),
	}

	_, err := handler.authorize("expired-token", "tenant-1")
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenValidator{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	_, err := handler.authorize("invalid-token", "tenant-1")
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unexpected validator errors to classify as unauthorized, got %v", err)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestAuthorizeRequiresTokenAndTenant(t *testing.T) {
	validator := &recordingTokenValidator{}
	handler := &httpHandler{tokens: validator, logger: zap.NewNop()}

	for _, input := range [][2]string{{"", "tenant-1"}, {"token", ""}, {"  ", "  "}} {
		if _, err := handler.authorize(input[0], input[1]); !errors.Is(err, apperr.ErrUnauthorized) {
			t.Fatalf("expected unauthorized for %q, got %v", input, err)
		}
	}
	if validator.calls != 0 {
		t.Fatalf("expected validator not to be consulted without credentials")
	}
}

func TestDataRejectsMissingTokenBeforeTouchingData(t *testing.T) {
	gin.SetMode(gin.TestMode)
	data := &stubDataService{}
	router := newStubRouter(t, stubTokenValidator{}, data)

	recorder := postJSON(router, "/data", `{"action":"SYNC_DOWN","payload":{"tenantId":"tenant-1"}}`)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized status, got %d", recorder.Code)
	}
	if len(data.calls) != 0 {
		t.Fatalf("expected data service to be untouched, got %v", data.calls)
	}
	if !strings.Contains(recorder.Body.String(), `"code":"unauthorized"`) {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestDataAcceptsBearerHeaderAndSpreadsheetAlias(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := &recordingTokenValidator{}
	data := &stubDataService{}
	router := newStubRouter(t, validator, data)

	request := httptest.NewRequest(http.MethodPost, "/data", strings.NewReader(`{"action":"sync_down","payload":{"spreadsheetId":"tenant-9"}}`))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer header-token")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected success, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if validator.lastToken != "header-token" || validator.lastTenant != "tenant-9" {
		t.Fatalf("expected header token bound to aliased tenant, got %q %q", validator.lastToken, validator.lastTenant)
	}
}
