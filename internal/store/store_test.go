package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	tenantStore, err := New(Config{
		Database: db,
		Clock:    func() time.Time { return time.UnixMilli(5_000).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return tenantStore
}

func mustCreateTenant(t *testing.T, tenantStore *Store, tenantID string) {
	t.Helper()
	if err := tenantStore.CreateTenant(context.Background(), Tenant{ID: tenantID, CompanyName: "Acme Foam"}); err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
}

func mustRecord(t *testing.T, raw string) Record {
	t.Helper()
	record, err := NewRecord([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected record error for %s: %v", raw, err)
	}
	return record
}

func mustFull(t *testing.T, collection Collection, records ...Record) FullCollection {
	t.Helper()
	full, err := NewFullCollection(collection, records)
	if err != nil {
		t.Fatalf("unexpected collection error: %v", err)
	}
	return full
}

func recordIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestListChangedSinceIncludesAbsentZeroAndNewer(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)
	mustCreateTenant(t, tenantStore, "tenant-a")

	full := mustFull(t, CollectionEstimates,
		mustRecord(t, `{"id":"old","lastModified":100}`),
		mustRecord(t, `{"id":"equal","lastModified":200}`),
		mustRecord(t, `{"id":"newer","lastModified":300}`),
		mustRecord(t, `{"id":"zero","lastModified":0}`),
		mustRecord(t, `{"id":"absent"}`),
		mustRecord(t, `{"id":"iso","lastModified":"1970-01-01T00:00:00.250Z"}`),
	)
	if err := tenantStore.ReplaceAll(ctx, "tenant-a", full); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	changed, err := tenantStore.ListChangedSince(ctx, "tenant-a", CollectionEstimates, 200)
	if err != nil {
		t.Fatalf("list changed failed: %v", err)
	}
	got := recordIDs(changed)
	expected := []string{"absent", "iso", "newer", "zero"}
	if fmt.Sprint(got) != fmt.Sprint(expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}

func TestReplaceAllOverwritesInsteadOfMerging(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)
	mustCreateTenant(t, tenantStore, "tenant-a")

	if err := tenantStore.ReplaceAll(ctx, "tenant-a", mustFull(t, CollectionCustomers,
		mustRecord(t, `{"id":"c1","name":"Ann"}`),
		mustRecord(t, `{"id":"c2","name":"Bo"}`),
	)); err != nil {
		t.Fatalf("first replace failed: %v", err)
	}
	if err := tenantStore.ReplaceAll(ctx, "tenant-a", mustFull(t, CollectionCustomers,
		mustRecord(t, `{"id":"c3","name":"Cy"}`),
	)); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}

	all, err := tenantStore.ListAll(ctx, "tenant-a", CollectionCustomers)
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if got := recordIDs(all); len(got) != 1 || got[0] != "c3" {
		t.Fatalf("expected only c3 after replace, got %v", got)
	}
}

func TestCollectionsAndTenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)
	mustCreateTenant(t, tenantStore, "tenant-a")
	mustCreateTenant(t, tenantStore, "tenant-b")

	if err := tenantStore.PutByID(ctx, "tenant-a", CollectionInventory, mustRecord(t, `{"id":"x","quantity":3}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := tenantStore.GetByID(ctx, "tenant-b", CollectionInventory, "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected other tenant lookup to miss, got %v", err)
	}
	if _, err := tenantStore.GetByID(ctx, "tenant-a", CollectionEquipment, "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected other collection lookup to miss, got %v", err)
	}
}

func TestPointOperations(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)
	mustCreateTenant(t, tenantStore, "tenant-a")

	if err := tenantStore.PutByID(ctx, "tenant-a", CollectionEstimates, mustRecord(t, `{"id":"e1","status":"Draft"}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := tenantStore.PutByID(ctx, "tenant-a", CollectionEstimates, mustRecord(t, `{"id":"e1","status":"Sent"}`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	record, err := tenantStore.GetByID(ctx, "tenant-a", CollectionEstimates, "e1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload["status"] != "Sent" {
		t.Fatalf("expected overwritten status, got %v", payload)
	}

	deleted, err := tenantStore.DeleteByID(ctx, "tenant-a", CollectionEstimates, "e1")
	if err != nil || !deleted {
		t.Fatalf("expected delete to report removal, got %v %v", deleted, err)
	}
	deleted, err = tenantStore.DeleteByID(ctx, "tenant-a", CollectionEstimates, "e1")
	if err != nil || deleted {
		t.Fatalf("expected second delete to be a no-op, got %v %v", deleted, err)
	}
}

func TestRemovalsLeaveTombstones(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)
	mustCreateTenant(t, tenantStore, "tenant-a")
	mustCreateTenant(t, tenantStore, "tenant-b")
	deletedSince := func(tenantID string, watermark int64) []string {
		t.Helper()
		ids, err := tenantStore.ListDeletedSince(ctx, tenantID, CollectionEstimates, watermark)
		if err != nil {
			t.Fatalf("list deleted failed: %v", err)
		}
		return ids
	}

	for _, raw := range []string{`{"id":"e1"}`, `{"id":"e2"}`} {
		if err := tenantStore.PutByID(ctx, "tenant-a", CollectionEstimates, mustRecord(t, raw)); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	if _, err := tenantStore.DeleteByID(ctx, "tenant-a", CollectionEstimates, "e1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got := deletedSince("tenant-a", 0); len(got) != 1 || got[0] != "e1" {
		t.Fatalf("expected tombstone for e1, got %v", got)
	}
	if got := deletedSince("tenant-a", 5_000); len(got) != 0 {
		t.Fatalf("expected no tombstones after the deletion time, got %v", got)
	}
	if got := deletedSince("tenant-b", 0); len(got) != 0 {
		t.Fatalf("expected tombstones to stay with their tenant, got %v", got)
	}

	if err := tenantStore.ReplaceAll(ctx, "tenant-a", mustFull(t, CollectionEstimates, mustRecord(t, `{"id":"e3"}`))); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if got := deletedSince("tenant-a", 0); len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Fatalf("expected replace to tombstone e2, got %v", got)
	}

	if err := tenantStore.PutByID(ctx, "tenant-a", CollectionEstimates, mustRecord(t, `{"id":"e1"}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := tenantStore.ReplaceAll(ctx, "tenant-a", mustFull(t, CollectionEstimates,
		mustRecord(t, `{"id":"e2"}`),
		mustRecord(t, `{"id":"e3"}`),
	)); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if got := deletedSince("tenant-a", 0); len(got) != 1 || got[0] != "e1" {
		t.Fatalf("expected rewritten records to lose their tombstones, got %v", got)
	}
}

func TestMissingTenantIsStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)

	_, err := tenantStore.ListAll(ctx, "ghost", CollectionEstimates)
	if !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if err := tenantStore.PutSetting(ctx, "ghost", "costs", json.RawMessage(`{}`)); !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable for settings, got %v", err)
	}
}

func TestSettingsReplaceWholeValue(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)
	mustCreateTenant(t, tenantStore, "tenant-a")

	if value, err := tenantStore.GetSetting(ctx, "tenant-a", "costs"); err != nil || value != nil {
		t.Fatalf("expected absent setting, got %s %v", value, err)
	}
	if err := tenantStore.PutSetting(ctx, "tenant-a", "costs", json.RawMessage(`{"openCell":2000,"closedCell":2600}`)); err != nil {
		t.Fatalf("put setting failed: %v", err)
	}
	if err := tenantStore.PutSetting(ctx, "tenant-a", "costs", json.RawMessage(`{"laborRate":90}`)); err != nil {
		t.Fatalf("replace setting failed: %v", err)
	}
	settings, err := tenantStore.ListSettings(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("list settings failed: %v", err)
	}
	if string(settings["costs"]) != `{"laborRate":90}` {
		t.Fatalf("expected full replacement, got %s", settings["costs"])
	}
	if err := tenantStore.PutSetting(ctx, "tenant-a", "", json.RawMessage(`1`)); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation failure for empty key, got %v", err)
	}
}

func TestMaterialLogAssignsCompositeIDs(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)
	mustCreateTenant(t, tenantStore, "tenant-a")

	first, err := tenantStore.AppendMaterialLog(ctx, "tenant-a", "job-1", []json.RawMessage{
		json.RawMessage(`{"materialName":"Open Cell","quantity":2}`),
		json.RawMessage(`{"materialName":"Closed Cell","quantity":1}`),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	second, err := tenantStore.AppendMaterialLog(ctx, "tenant-a", "job-2", []json.RawMessage{
		json.RawMessage(`{"materialName":"Tape","quantity":4}`),
	})
	if err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if len(first) != 2 || len(second) != 1 {
		t.Fatalf("unexpected append results %d %d", len(first), len(second))
	}

	entries, err := tenantStore.ListMaterialLog(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	expectedIDs := []string{"job-1-0", "job-1-1", "job-2-2"}
	if len(entries) != len(expectedIDs) {
		t.Fatalf("expected %d entries, got %d", len(expectedIDs), len(entries))
	}
	for index, entry := range entries {
		var decoded map[string]interface{}
		if err := json.Unmarshal(entry, &decoded); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded["id"] != expectedIDs[index] {
			t.Fatalf("entry %d: expected id %s, got %v", index, expectedIDs[index], decoded["id"])
		}
	}
}

func TestLedgerIsIdempotentPerJob(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)
	mustCreateTenant(t, tenantStore, "tenant-a")

	inserted, err := tenantStore.AppendLedger(ctx, LedgerRow{EntryID: "l1", TenantID: "tenant-a", JobID: "job-1", Date: "2026-10-01", Revenue: 100, Cost: 60, Profit: 40})
	if err != nil || !inserted {
		t.Fatalf("expected first ledger insert, got %v %v", inserted, err)
	}
	inserted, err = tenantStore.AppendLedger(ctx, LedgerRow{EntryID: "l2", TenantID: "tenant-a", JobID: "job-1", Date: "2026-10-02", Revenue: 100, Cost: 60, Profit: 40})
	if err != nil || inserted {
		t.Fatalf("expected duplicate ledger insert to be ignored, got %v %v", inserted, err)
	}
	rows, err := tenantStore.ListLedger(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("list ledger failed: %v", err)
	}
	if len(rows) != 1 || rows[0].EntryID != "l1" {
		t.Fatalf("expected single ledger row, got %#v", rows)
	}
}

func TestAtomicRollsBackEveryWrite(t *testing.T) {
	ctx := context.Background()
	tenantStore := newTestStore(t)
	mustCreateTenant(t, tenantStore, "tenant-a")

	sentinel := errors.New("abort")
	err := tenantStore.Atomic(ctx, func(tx *Store) error {
		if err := tx.PutSetting(ctx, "tenant-a", "warehouse_counts", json.RawMessage(`{"openCellSets":1}`)); err != nil {
			return err
		}
		if err := tx.PutByID(ctx, "tenant-a", CollectionEstimates, mustRecord(t, `{"id":"e1"}`)); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if value, err := tenantStore.GetSetting(ctx, "tenant-a", "warehouse_counts"); err != nil || value != nil {
		t.Fatalf("expected setting write to roll back, got %s %v", value, err)
	}
	if _, err := tenantStore.GetByID(ctx, "tenant-a", CollectionEstimates, "e1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected record write to roll back, got %v", err)
	}
}

func TestNewFullCollectionRejectsDuplicates(t *testing.T) {
	_, err := NewFullCollection(CollectionEstimates, []Record{{ID: "a"}, {ID: "a"}})
	if !errors.Is(err, ErrDuplicateRecordID) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	if _, err := NewFullCollection(Collection("invoices"), nil); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected unknown collection error, got %v", err)
	}
}

func TestNewRecordValidatesID(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{`},
		{name: "array", raw: `[1,2]`},
		{name: "missing id", raw: `{"name":"x"}`},
		{name: "numeric id", raw: `{"id":7}`},
		{name: "blank id", raw: `{"id":"  "}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewRecord([]byte(testCase.raw)); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestWatermarkOfParsesSupportedShapes(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		expected int64
		present  bool
	}{
		{name: "number", raw: `{"lastModified":1700000000000}`, expected: 1700000000000, present: true},
		{name: "numeric string", raw: `{"lastModified":"42"}`, expected: 42, present: true},
		{name: "rfc3339", raw: `{"lastModified":"1970-01-01T00:00:01Z"}`, expected: 1000, present: true},
		{name: "zero", raw: `{"lastModified":0}`, expected: 0, present: true},
		{name: "absent", raw: `{}`, present: false},
		{name: "garbage", raw: `{"lastModified":"yesterday"}`, present: false},
		{name: "null", raw: `{"lastModified":null}`, present: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			value, present := WatermarkOf([]byte(testCase.raw))
			if present != testCase.present || (present && value != testCase.expected) {
				t.Fatalf("expected (%d,%v), got (%d,%v)", testCase.expected, testCase.present, value, present)
			}
		})
	}
}
