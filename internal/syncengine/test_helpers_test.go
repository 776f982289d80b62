package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/foamsync/internal/coordinator"
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

const testTenant = "tenant-a"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDs struct {
	next atomic.Int64
}

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.next.Add(1)), nil
}

type engineFixture struct {
	engine      *Engine
	store       *store.Store
	blobs       *blobstore.MemoryStore
	clock       *testClock
	coordinator *coordinator.Coordinator
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(store.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := newTestClock(time.Date(2026, time.October, 1, 9, 0, 0, 0, time.UTC))
	tenantStore, err := store.New(store.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	locks := coordinator.New(coordinator.Config{MaxWait: 2 * time.Second})
	blobs := blobstore.NewMemoryStore()
	engine, err := NewEngine(Config{
		Store:      tenantStore,
		Locker:     locks,
		Blobs:      blobs,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	ctx := context.Background()
	if err := tenantStore.CreateTenant(ctx, store.Tenant{ID: testTenant, CompanyName: "Acme Foam"}); err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	mustPutSetting(t, tenantStore, SettingWarehouseCounts, `{"openCellSets":0,"closedCellSets":0}`)
	mustPutSetting(t, tenantStore, SettingLifetimeUsage, `{"openCell":0,"closedCell":0}`)

	return engineFixture{engine: engine, store: tenantStore, blobs: blobs, clock: clock, coordinator: locks}
}

func mustPutSetting(t *testing.T, tenantStore *store.Store, key, value string) {
	t.Helper()
	if err := tenantStore.PutSetting(context.Background(), testTenant, key, json.RawMessage(value)); err != nil {
		t.Fatalf("failed to put setting %s: %v", key, err)
	}
}

func mustSetting(t *testing.T, tenantStore *store.Store, key string) gjson.Result {
	t.Helper()
	value, err := tenantStore.GetSetting(context.Background(), testTenant, key)
	if err != nil {
		t.Fatalf("failed to read setting %s: %v", key, err)
	}
	return gjson.ParseBytes(value)
}

func mustPutRecord(t *testing.T, tenantStore *store.Store, collection store.Collection, raw string) {
	t.Helper()
	record, err := store.NewRecord([]byte(raw))
	if err != nil {
		t.Fatalf("invalid fixture record: %v", err)
	}
	if err := tenantStore.PutByID(context.Background(), testTenant, collection, record); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}
}

func mustGetRecord(t *testing.T, tenantStore *store.Store, collection store.Collection, id string) gjson.Result {
	t.Helper()
	record, err := tenantStore.GetByID(context.Background(), testTenant, collection, id)
	if err != nil {
		t.Fatalf("failed to get %s/%s: %v", collection, id, err)
	}
	return gjson.ParseBytes(record.Payload)
}

func mustSyncUp(t *testing.T, engine *Engine, state string) SyncUpResult {
	t.Helper()
	result, err := engine.SyncUp(context.Background(), testTenant, json.RawMessage(state))
	if err != nil {
		t.Fatalf("sync up failed: %v", err)
	}
	return result
}
