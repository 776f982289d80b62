package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/foamsync/internal/auth"
	"github.com/MarcoPoloResearchLab/foamsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/foamsync/internal/coordinator"
	"github.com/MarcoPoloResearchLab/foamsync/internal/database"
	"github.com/MarcoPoloResearchLab/foamsync/internal/server"
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"github.com/MarcoPoloResearchLab/foamsync/internal/syncengine"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const jsonContentType = "application/json"

type envelopeResponse struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

func newIntegrationServer(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(db); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	tenantStore, err := store.New(store.Config{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	tokens, err := auth.NewTokenService(auth.TokenServiceConfig{SigningSecret: []byte("integration-secret")})
	if err != nil {
		testContext.Fatalf("failed to build token service: %v", err)
	}
	engine, err := syncengine.NewEngine(syncengine.Config{
		Store:      tenantStore,
		Locker:     coordinator.New(coordinator.Config{MaxWait: 2 * time.Second}),
		Blobs:      blobstore.NewMemoryStore(),
		IDProvider: syncengine.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Store:      tenantStore,
		Tokens:     tokens,
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		testContext.Fatalf("failed to build account service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:            tokens,
		Accounts:          accountService,
		Data:              engine,
		Realtime:          server.NewRealtimeDispatcher(),
		Logger:            zap.NewNop(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return testServer
}

func call(testContext *testing.T, baseURL, path, action string, payload map[string]any) (int, envelopeResponse) {
	testContext.Helper()
	body, err := json.Marshal(map[string]any{"action": action, "payload": payload})
	if err != nil {
		testContext.Fatalf("failed to encode request: %v", err)
	}
	response, err := http.Post(baseURL+path, jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("%s request failed: %v", action, err)
	}
	defer response.Body.Close()
	var envelope envelopeResponse
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		testContext.Fatalf("failed to decode %s response: %v", action, err)
	}
	return response.StatusCode, envelope
}

func mustSignup(testContext *testing.T, baseURL, username string) accounts.Session {
	testContext.Helper()
	status, envelope := call(testContext, baseURL, "/auth", server.ActionSignup, map[string]any{
		"username":    username,
		"password":    "integration-pass",
		"companyName": "Acme Foam",
		"email":       username + "@acme.test",
	})
	if status != http.StatusOK || envelope.Status != "success" {
		testContext.Fatalf("signup failed: %d %#v", status, envelope)
	}
	var session accounts.Session
	if err := json.Unmarshal(envelope.Data, &session); err != nil {
		testContext.Fatalf("failed to decode session: %v", err)
	}
	return session
}

func credentials(session accounts.Session, extra map[string]any) map[string]any {
	payload := map[string]any{"token": session.Token, "tenantId": session.TenantID}
	for key, value := range extra {
		payload[key] = value
	}
	return payload
}

func TestSignupSyncAndCompleteFlow(testContext *testing.T) {
	testServer := newIntegrationServer(testContext)
	owner := mustSignup(testContext, testServer.URL, "owner")

	status, envelope := call(testContext, testServer.URL, "/data", server.ActionSyncDown, credentials(owner, nil))
	if status != http.StatusOK {
		testContext.Fatalf("initial sync down failed: %d %#v", status, envelope)
	}
	initial := gjson.ParseBytes(envelope.Data)
	if initial.Get("warehouse.openCellSets").Float() != 0 || initial.Get("companyProfile.companyName").String() != "Acme Foam" {
		testContext.Fatalf("expected default tenant settings, got %s", envelope.Data)
	}

	state := map[string]any{
		"warehouse":      map[string]any{"openCellSets": 10, "closedCellSets": 0, "items": []any{}},
		"savedEstimates": []any{map[string]any{"id": "job-1", "status": "Sent", "materials": map[string]any{"openCellSets": 5}}},
	}
	if status, envelope = call(testContext, testServer.URL, "/data", server.ActionSyncUp, credentials(owner, map[string]any{"state": state})); status != http.StatusOK {
		testContext.Fatalf("sync up failed: %d %#v", status, envelope)
	}

	actuals := map[string]any{"openCellSets": 6, "completedBy": "Sam"}
	status, envelope = call(testContext, testServer.URL, "/data", server.ActionCompleteJob, credentials(owner, map[string]any{"estimateId": "job-1", "actuals": actuals}))
	if status != http.StatusOK {
		testContext.Fatalf("complete job failed: %d %#v", status, envelope)
	}
	status, envelope = call(testContext, testServer.URL, "/data", server.ActionCompleteJob, credentials(owner, map[string]any{"estimateId": "job-1", "actuals": actuals}))
	if status != http.StatusOK || gjson.GetBytes(envelope.Data, "message").String() != "Job already finalized." {
		testContext.Fatalf("expected idempotent completion, got %d %s", status, envelope.Data)
	}

	stale := map[string]any{"savedEstimates": []any{map[string]any{"id": "job-1", "status": "Draft", "executionStatus": "Pending"}}}
	if status, envelope = call(testContext, testServer.URL, "/data", server.ActionSyncUp, credentials(owner, map[string]any{"state": stale})); status != http.StatusOK {
		testContext.Fatalf("stale sync up failed: %d %#v", status, envelope)
	}

	status, envelope = call(testContext, testServer.URL, "/data", server.ActionSyncDown, credentials(owner, map[string]any{"lastSyncTimestamp": 0}))
	if status != http.StatusOK {
		testContext.Fatalf("sync down failed: %d %#v", status, envelope)
	}
	snapshot := gjson.ParseBytes(envelope.Data)
	if snapshot.Get("warehouse.openCellSets").Float() != 9 {
		testContext.Fatalf("expected warehouse to drop by the overage, got %s", snapshot.Get("warehouse").Raw)
	}
	if snapshot.Get("lifetimeUsage.openCell").Float() != 6 {
		testContext.Fatalf("expected lifetime usage of 6, got %s", snapshot.Get("lifetimeUsage").Raw)
	}
	estimate := snapshot.Get(`savedEstimates.#(id=="job-1")`)
	if estimate.Get("executionStatus").String() != "Completed" || estimate.Get("actuals.openCellSets").Float() != 6 {
		testContext.Fatalf("expected completion to survive a stale push, got %s", estimate.Raw)
	}
	if len(snapshot.Get("materialLogs").Array()) != 1 {
		testContext.Fatalf("expected one material log entry, got %s", snapshot.Get("materialLogs").Raw)
	}
	if snapshot.Get("serverTimestamp").Int() == 0 {
		testContext.Fatalf("expected server timestamp")
	}
}

func TestCrossTenantTokenIsRejected(testContext *testing.T) {
	testServer := newIntegrationServer(testContext)
	first := mustSignup(testContext, testServer.URL, "first")
	second := mustSignup(testContext, testServer.URL, "second")

	payload := map[string]any{"token": second.Token, "tenantId": first.TenantID}
	status, envelope := call(testContext, testServer.URL, "/data", server.ActionSyncDown, payload)
	if status != http.StatusUnauthorized || envelope.Code != "unauthorized" {
		testContext.Fatalf("expected cross-tenant token to be rejected, got %d %#v", status, envelope)
	}

	status, envelope = call(testContext, testServer.URL, "/auth", server.ActionCrewLogin, map[string]any{"username": "first", "pin": first.CrewPin})
	if status != http.StatusOK {
		testContext.Fatalf("crew login failed: %d %#v", status, envelope)
	}
	var crew accounts.Session
	if err := json.Unmarshal(envelope.Data, &crew); err != nil {
		testContext.Fatalf("failed to decode crew session: %v", err)
	}
	if status, _ = call(testContext, testServer.URL, "/data", server.ActionSyncDown, credentials(crew, nil)); status != http.StatusOK {
		testContext.Fatalf("expected crew token to read its own tenant, got %d", status)
	}
	payload = map[string]any{"token": crew.Token, "tenantId": second.TenantID}
	if status, _ = call(testContext, testServer.URL, "/data", server.ActionSyncDown, payload); status != http.StatusUnauthorized {
		testContext.Fatalf("expected crew token to be rejected on another tenant, got %d", status)
	}
}

func TestRealtimeStreamEmitsDatasetChangeEvents(testContext *testing.T) {
	testServer := newIntegrationServer(testContext)
	owner := mustSignup(testContext, testServer.URL, "owner")

	query := url.Values{"token": {owner.Token}, "tenantId": {owner.TenantID}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, testServer.URL+"/data/stream?"+query.Encode(), http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		testContext.Fatalf("failed to open stream: %v", err)
	}
	testContext.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	state := map[string]any{"savedEstimates": []any{map[string]any{"id": "job-1", "status": "Draft"}}}
	if status, envelope := call(testContext, testServer.URL, "/data", server.ActionSyncUp, credentials(owner, map[string]any{"state": state})); status != http.StatusOK {
		testContext.Fatalf("sync up failed: %d %#v", status, envelope)
	}

	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			testContext.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				testContext.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != server.RealtimeEventDatasetChanged {
				continue
			}
			var message server.RealtimeMessage
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &message); err != nil {
				testContext.Fatalf("failed to decode event payload: %v", err)
			}
			if message.TenantID != owner.TenantID || message.Action != server.ActionSyncUp {
				testContext.Fatalf("unexpected realtime message: %#v", message)
			}
			return
		}
	}
}

func TestStreamRejectsInvalidToken(testContext *testing.T) {
	testServer := newIntegrationServer(testContext)
	owner := mustSignup(testContext, testServer.URL, "owner")

	response, err := http.Get(testServer.URL + "/data/stream?token=bogus&tenantId=" + url.QueryEscape(owner.TenantID))
	if err != nil {
		testContext.Fatalf("stream request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized stream, got %d", response.StatusCode)
	}
}
