package clientcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

type recordedCall struct {
	Path    string
	Action  string
	Payload gjson.Result
}

type actionHandler func(payload gjson.Result) (json.RawMessage, error)

// fakeTransport plays the server. While offline > 0 each call fails with a transport error and decrements it.
type fakeTransport struct {
	mu       sync.Mutex
	offline  int
	down     bool
	calls    []recordedCall
	handlers map[string]actionHandler
}

func newFakeTransport() *fakeTransport {
	transport := &fakeTransport{handlers: make(map[string]actionHandler)}
	session := func(payload gjson.Result) (json.RawMessage, error) {
		tenant := "tenant-" + payload.Get("username").String()
		return json.RawMessage(fmt.Sprintf(`{"username":%q,"tenantId":%q,"role":"admin","token":"token-%s"}`,
			payload.Get("username").String(), tenant, tenant)), nil
	}
	transport.handlers[actionLogin] = session
	transport.handlers[actionSignup] = session
	transport.handlers[actionSyncDown] = func(gjson.Result) (json.RawMessage, error) {
		return json.RawMessage(`{"warehouse":{"openCellSets":0,"closedCellSets":0,"items":[]},"serverTimestamp":1}`), nil
	}
	return transport
}

func (f *fakeTransport) Call(_ context.Context, path, action string, payload json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{Path: path, Action: action, Payload: gjson.ParseBytes(payload)})
	if f.down {
		return nil, fmt.Errorf("%w: connection refused", apperr.ErrTransport)
	}
	if f.offline > 0 {
		f.offline--
		return nil, fmt.Errorf("%w: connection reset", apperr.ErrTransport)
	}
	handler, ok := f.handlers[action]
	if !ok {
		return json.RawMessage(`{"success":true}`), nil
	}
	return handler(gjson.ParseBytes(payload))
}

func (f *fakeTransport) handle(action string, handler actionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[action] = handler
}

func (f *fakeTransport) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeTransport) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func (f *fakeTransport) actions() []string {
	calls := f.recorded()
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, call.Action)
	}
	return out
}

func remoteError(code, message string) error {
	return &RemoteError{Code: code, Message: message}
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:clientcache_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestCache(t *testing.T, transport Transport) *Cache {
	t.Helper()
	cache, err := New(Config{
		Database:   openTestDatabase(t),
		Transport:  transport,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Clock:      func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return cache
}

func loggedInCache(t *testing.T, transport *fakeTransport) *Cache {
	t.Helper()
	cache := newTestCache(t, transport)
	_, err := cache.Login(context.Background(), "owner", "secret")
	require.NoError(t, err)
	return cache
}
