package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/foamsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/foamsync/internal/auth"
	"github.com/MarcoPoloResearchLab/foamsync/internal/syncengine"
	"go.uber.org/zap"
)

type stubTokenValidator struct {
	validateErr error
}

func (s stubTokenValidator) Validate(_ string, expectedTenantID string) (auth.Principal, error) {
	if s.validateErr != nil {
		return auth.Principal{}, s.validateErr
	}
	return auth.Principal{Subject: "owner", Role: auth.RoleAdmin, TenantID: expectedTenantID}, nil
}

type recordingTokenValidator struct {
	calls      int
	lastToken  string
	lastTenant string
}

func (r *recordingTokenValidator) Validate(token, expectedTenantID string) (auth.Principal, error) {
	r.calls++
	r.lastToken = token
	r.lastTenant = expectedTenantID
	return auth.Principal{Subject: "owner", Role: auth.RoleAdmin, TenantID: expectedTenantID}, nil
}

type stubDataService struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (s *stubDataService) record(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	return s.err
}

func (s *stubDataService) SyncDown(context.Context, string, int64) (syncengine.Snapshot, error) {
	return syncengine.Snapshot{}, s.record(ActionSyncDown)
}

func (s *stubDataService) SyncUp(context.Context, string, json.RawMessage) (syncengine.SyncUpResult, error) {
	return syncengine.SyncUpResult{Synced: true}, s.record(ActionSyncUp)
}

func (s *stubDataService) StartJob(context.Context, string, string) error {
	return s.record(ActionStartJob)
}

func (s *stubDataService) CompleteJob(context.Context, string, string, json.RawMessage) (syncengine.CompletionResult, error) {
	return syncengine.CompletionResult{Success: true}, s.record(ActionCompleteJob)
}

func (s *stubDataService) MarkJobPaid(context.Context, string, string) (syncengine.PaidResult, error) {
	return syncengine.PaidResult{Success: true}, s.record(ActionMarkJobPaid)
}

func (s *stubDataService) DeleteEstimate(context.Context, string, string) error {
	return s.record(ActionDeleteEstimate)
}

func (s *stubDataService) SavePDF(context.Context, string, syncengine.SavePDFRequest) (syncengine.StoredDocument, error) {
	return syncengine.StoredDocument{Success: true, URL: "mem://doc.pdf"}, s.record(ActionSavePDF)
}

func (s *stubDataService) UploadImage(context.Context, string, syncengine.UploadImageRequest) (syncengine.StoredDocument, error) {
	return syncengine.StoredDocument{Success: true, URL: "mem://photo.jpg"}, s.record(ActionUploadImage)
}

func (s *stubDataService) CreateWorkOrder(context.Context, string, json.RawMessage) (syncengine.StoredDocument, error) {
	return syncengine.StoredDocument{Success: true, URL: "mem://wo.json"}, s.record(ActionCreateWorkOrder)
}

func (s *stubDataService) LogTime(context.Context, string, syncengine.LogTimeRequest) error {
	return s.record(ActionLogTime)
}

type stubAccountService struct {
	err error
}

func (s stubAccountService) Signup(_ context.Context, request accounts.SignupRequest) (accounts.Session, error) {
	return accounts.Session{Username: request.Username, Role: auth.RoleAdmin}, s.err
}

func (s stubAccountService) Login(_ context.Context, username, _ string) (accounts.Session, error) {
	return accounts.Session{Username: username, Role: auth.RoleAdmin}, s.err
}

func (s stubAccountService) CrewLogin(_ context.Context, username, _ string) (accounts.Session, error) {
	return accounts.Session{Username: username, Role: auth.RoleCrew}, s.err
}

func (s stubAccountService) UpdatePassword(context.Context, string, string, string) error {
	return s.err
}

func (s stubAccountService) SubmitTrial(context.Context, accounts.TrialSubmission) error {
	return s.err
}

func newStubRouter(t *testing.T, tokens TokenValidator, data DataService) http.Handler {
	t.Helper()
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:   tokens,
		Accounts: stubAccountService{},
		Data:     data,
		Realtime: NewRealtimeDispatcher(),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func postJSON(handler http.Handler, path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}
