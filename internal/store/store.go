// Package store persists per-tenant record collections, settings and append-only logs as JSON blobs in SQL tables.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew         = "store.new"
	opCreateTenant     = "store.create_tenant"
	opEnsureTenant     = "store.ensure_tenant"
	opListChanged      = "store.list_changed_since"
	opListAll          = "store.list_all"
	opReplaceAll       = "store.replace_all"
	opGetByID          = "store.get_by_id"
	opPutByID          = "store.put_by_id"
	opDeleteByID       = "store.delete_by_id"
	opGetSetting       = "store.get_setting"
	opPutSetting       = "store.put_setting"
	opListSettings     = "store.list_settings"
	opAppendMaterial   = "store.append_material_log"
	opListMaterial     = "store.list_material_log"
	opAppendLedger     = "store.append_ledger"
	opListLedger       = "store.list_ledger"
	opAppendCrewTime   = "store.append_crew_time"
	opListCrewTime     = "store.list_crew_time"
	opListDeleted      = "store.list_deleted_since"
	replaceBatchSize   = 200
	defaultCacheSize   = 1024
	defaultCacheTTL    = 5 * time.Minute
	maxSettingKeyBytes = 64
)

var (
	errMissingDatabase = errors.New("store: database handle is required")

	// ErrTenantNotFound marks an operation against a tenant dataset that does not exist.
	ErrTenantNotFound = fmt.Errorf("%w: tenant dataset not found", apperr.ErrStoreUnavailable)
	// ErrRecordNotFound marks a point lookup for an absent record.
	ErrRecordNotFound = fmt.Errorf("%w: record not found", apperr.ErrNotFound)
	// ErrInvalidSettingKey marks an empty or oversized settings key.
	ErrInvalidSettingKey = fmt.Errorf("%w: invalid setting key", apperr.ErrValidation)

	noOpLogger = zap.NewNop()
)

// Config wires the store's collaborators.
type Config struct {
	Database        *gorm.DB
	Clock           func() time.Time
	Logger          *zap.Logger
	TenantCacheSize int
	TenantCacheTTL  time.Duration
}

// Store is the sole durable owner of tenant record state.
// A Store handed to an Atomic callback is bound to that transaction.
type Store struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	tenants *tenantCache
	inTx    bool
}

// New constructs a Store over an already-migrated database.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opStoreNew, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	size := cfg.TenantCacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.TenantCacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Store{
		db:      cfg.Database,
		clock:   clock,
		logger:  logger,
		tenants: newTenantCache(size, ttl),
	}, nil
}

// Atomic runs fn inside one database transaction. fn must use only the Store it receives.
// Any error returned by fn rolls back every write made through that Store.
func (s *Store) Atomic(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, clock: s.clock, logger: s.logger, tenants: s.tenants, inTx: true})
	})
}

// Handle returns the database handle this Store is bound to. Inside Atomic it is the transaction,
// so collaborators that own their own tables can join the same unit of work.
func (s *Store) Handle(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Now returns the store clock in epoch milliseconds.
func (s *Store) Now() int64 {
	return s.clock().UTC().UnixMilli()
}

// CreateTenant inserts a new tenant dataset.
func (s *Store) CreateTenant(ctx context.Context, tenant Tenant) error {
	tenant.ID = strings.TrimSpace(tenant.ID)
	if tenant.ID == "" {
		return fmt.Errorf("%w: tenant id required", apperr.ErrValidation)
	}
	if tenant.CreatedAtSeconds == 0 {
		tenant.CreatedAtSeconds = s.clock().UTC().Unix()
	}
	if err := s.db.WithContext(ctx).Create(&tenant).Error; err != nil {
		return s.unavailable(opCreateTenant, err, zap.String("tenant_id", tenant.ID))
	}
	return nil
}

// EnsureTenant fails with ErrTenantNotFound when the tenant dataset does not exist.
// Positive lookups are cached.
func (s *Store) EnsureTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrTenantNotFound
	}
	if s.tenants.contains(tenantID) {
		return nil
	}
	var tenant Tenant
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTenantNotFound
	}
	if err != nil {
		return s.unavailable(opEnsureTenant, err, zap.String("tenant_id", tenantID))
	}
	if !s.inTx {
		// A tenant created inside a transaction may still roll back.
		s.tenants.add(tenantID)
	}
	return nil
}

// ListChangedSince returns every record whose watermark is absent, zero, or strictly greater than watermark.
// Each call rescans the collection; there is no persisted cursor.
func (s *Store) ListChangedSince(ctx context.Context, tenantID string, collection Collection, watermark int64) ([]Record, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	var rows []RecordRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND collection = ?", tenantID, string(collection)).
		Where("last_modified_ms IS NULL OR last_modified_ms = 0 OR last_modified_ms > ?", watermark).
		Order("record_id").
		Find(&rows).Error
	if err != nil {
		return nil, s.unavailable(opListChanged, err, zap.String("tenant_id", tenantID), zap.String("collection", string(collection)))
	}
	return rowsToRecords(rows), nil
}

// ListAll returns every record in the collection.
func (s *Store) ListAll(ctx context.Context, tenantID string, collection Collection) ([]Record, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	var rows []RecordRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND collection = ?", tenantID, string(collection)).
		Order("record_id").
		Find(&rows).Error
	if err != nil {
		return nil, s.unavailable(opListAll, err, zap.String("tenant_id", tenantID), zap.String("collection", string(collection)))
	}
	return rowsToRecords(rows), nil
}

// ReplaceAll clears the collection and rewrites it from records in one batch.
func (s *Store) ReplaceAll(ctx context.Context, tenantID string, records FullCollection) error {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return err
	}
	collection := string(records.Collection())
	rows := make([]RecordRow, 0, records.Len())
	for _, record := range records.records {
		rows = append(rows, recordToRow(tenantID, records.Collection(), record))
	}
	kept := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		kept[row.RecordID] = struct{}{}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&RecordRow{}).
			Where("tenant_id = ? AND collection = ?", tenantID, collection).
			Pluck("record_id", &existing).Error; err != nil {
			return err
		}
		if err := tx.Where("tenant_id = ? AND collection = ?", tenantID, collection).Delete(&RecordRow{}).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, replaceBatchSize).Error; err != nil {
				return err
			}
		}
		var removed []string
		for _, id := range existing {
			if _, ok := kept[id]; !ok {
				removed = append(removed, id)
			}
		}
		if err := s.writeTombstones(tx, tenantID, records.Collection(), removed); err != nil {
			return err
		}
		return tx.Where("tenant_id = ? AND collection = ?", tenantID, collection).
			Where("record_id IN (SELECT record_id FROM tenant_records WHERE tenant_id = ? AND collection = ?)", tenantID, collection).
			Delete(&TombstoneRow{}).Error
	})
	if err != nil {
		return s.unavailable(opReplaceAll, err,
			zap.String("tenant_id", tenantID),
			zap.String("collection", collection),
			zap.Int("records", len(rows)))
	}
	return nil
}

// GetByID returns one record or ErrRecordNotFound.
func (s *Store) GetByID(ctx context.Context, tenantID string, collection Collection, id string) (Record, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return Record{}, err
	}
	var row RecordRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND collection = ? AND record_id = ?", tenantID, string(collection), id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: %s %s", ErrRecordNotFound, collection, id)
	}
	if err != nil {
		return Record{}, s.unavailable(opGetByID, err, zap.String("tenant_id", tenantID), zap.String("record_id", id))
	}
	return Record{ID: row.RecordID, Payload: json.RawMessage(row.PayloadJSON)}, nil
}

// PutByID inserts or overwrites one record.
func (s *Store) PutByID(ctx context.Context, tenantID string, collection Collection, record Record) error {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return err
	}
	if _, err := ParseCollection(string(collection)); err != nil {
		return err
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	row := recordToRow(tenantID, collection, record)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ? AND collection = ? AND record_id = ?", tenantID, string(collection), record.ID).
			Delete(&TombstoneRow{}).Error
	})
	if err != nil {
		return s.unavailable(opPutByID, err, zap.String("tenant_id", tenantID), zap.String("record_id", record.ID))
	}
	return nil
}

// DeleteByID removes one record, leaves a tombstone for it and reports whether it existed.
func (s *Store) DeleteByID(ctx context.Context, tenantID string, collection Collection, id string) (bool, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return false, err
	}
	existed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("tenant_id = ? AND collection = ? AND record_id = ?", tenantID, string(collection), id).
			Delete(&RecordRow{})
		if result.Error != nil {
			return result.Error
		}
		existed = result.RowsAffected > 0
		if !existed {
			return nil
		}
		return s.writeTombstones(tx, tenantID, collection, []string{id})
	})
	if err != nil {
		return false, s.unavailable(opDeleteByID, err, zap.String("tenant_id", tenantID), zap.String("record_id", id))
	}
	return existed, nil
}

// ListDeletedSince returns the ids of records removed from the collection after watermark.
func (s *Store) ListDeletedSince(ctx context.Context, tenantID string, collection Collection, watermark int64) ([]string, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	err := s.db.WithContext(ctx).Model(&TombstoneRow{}).
		Where("tenant_id = ? AND collection = ? AND deleted_at_ms > ?", tenantID, string(collection), watermark).
		Order("record_id").
		Pluck("record_id", &ids).Error
	if err != nil {
		return nil, s.unavailable(opListDeleted, err, zap.String("tenant_id", tenantID), zap.String("collection", string(collection)))
	}
	return ids, nil
}

func (s *Store) writeTombstones(tx *gorm.DB, tenantID string, collection Collection, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	deletedAt := s.Now()
	rows := make([]TombstoneRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, TombstoneRow{
			TenantID:        tenantID,
			Collection:      string(collection),
			RecordID:        id,
			DeletedAtMillis: deletedAt,
		})
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, replaceBatchSize).Error
}

// GetSetting returns the stored value, or nil when the key has never been written.
func (s *Store) GetSetting(ctx context.Context, tenantID, key string) (json.RawMessage, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	var row SettingRow
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND setting_key = ?", tenantID, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.unavailable(opGetSetting, err, zap.String("tenant_id", tenantID), zap.String("key", key))
	}
	return json.RawMessage(row.ValueJSON), nil
}

// PutSetting fully replaces the value stored under key.
func (s *Store) PutSetting(ctx context.Context, tenantID, key string, value json.RawMessage) error {
	if key == "" || len(key) > maxSettingKeyBytes {
		return fmt.Errorf("%w: %q", ErrInvalidSettingKey, key)
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: setting %s is not valid json", apperr.ErrValidation, key)
	}
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return err
	}
	row := SettingRow{
		TenantID:         tenantID,
		Key:              key,
		ValueJSON:        string(value),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return s.unavailable(opPutSetting, err, zap.String("tenant_id", tenantID), zap.String("key", key))
	}
	return nil
}

// ListSettings returns every settings entry keyed by name.
func (s *Store) ListSettings(ctx context.Context, tenantID string) (map[string]json.RawMessage, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	var rows []SettingRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Find(&rows).Error; err != nil {
		return nil, s.unavailable(opListSettings, err, zap.String("tenant_id", tenantID))
	}
	settings := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		settings[row.Key] = json.RawMessage(row.ValueJSON)
	}
	return settings, nil
}

// AppendMaterialLog appends entries for jobID. Each entry receives id "<jobID>-<index>",
// where index is its position in the tenant's log.
func (s *Store) AppendMaterialLog(ctx context.Context, tenantID, jobID string, entries []json.RawMessage) ([]json.RawMessage, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	appended := make([]json.RawMessage, 0, len(entries))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&MaterialLogRow{}).Where("tenant_id = ?", tenantID).Count(&existing).Error; err != nil {
			return err
		}
		rows := make([]MaterialLogRow, 0, len(entries))
		for index, entry := range entries {
			entryID := fmt.Sprintf("%s-%d", jobID, existing+int64(index))
			payload, err := sjson.SetBytes(entry, FieldID, entryID)
			if err != nil {
				return fmt.Errorf("%w: material log entry: %v", apperr.ErrValidation, err)
			}
			payload, err = sjson.SetBytes(payload, "jobId", jobID)
			if err != nil {
				return fmt.Errorf("%w: material log entry: %v", apperr.ErrValidation, err)
			}
			rows = append(rows, MaterialLogRow{
				TenantID:    tenantID,
				EntryID:     entryID,
				JobID:       jobID,
				PayloadJSON: string(payload),
			})
			appended = append(appended, payload)
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			return nil, err
		}
		return nil, s.unavailable(opAppendMaterial, err, zap.String("tenant_id", tenantID), zap.String("job_id", jobID))
	}
	return appended, nil
}

// ListMaterialLog returns the full log in append order.
func (s *Store) ListMaterialLog(ctx context.Context, tenantID string) ([]json.RawMessage, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	var rows []MaterialLogRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("seq").Find(&rows).Error; err != nil {
		return nil, s.unavailable(opListMaterial, err, zap.String("tenant_id", tenantID))
	}
	entries := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, json.RawMessage(row.PayloadJSON))
	}
	return entries, nil
}

// AppendLedger records the profit line for a job. It reports false when the job already has one.
func (s *Store) AppendLedger(ctx context.Context, row LedgerRow) (bool, error) {
	if err := s.EnsureTenant(ctx, row.TenantID); err != nil {
		return false, err
	}
	if row.CreatedAtMillis == 0 {
		row.CreatedAtMillis = s.Now()
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "job_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, s.unavailable(opAppendLedger, result.Error, zap.String("tenant_id", row.TenantID), zap.String("job_id", row.JobID))
	}
	return result.RowsAffected > 0, nil
}

// ListLedger returns the tenant's profit ledger ordered by creation time.
func (s *Store) ListLedger(ctx context.Context, tenantID string) ([]LedgerRow, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	var rows []LedgerRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at_ms, entry_id").Find(&rows).Error; err != nil {
		return nil, s.unavailable(opListLedger, err, zap.String("tenant_id", tenantID))
	}
	return rows, nil
}

// AppendCrewTime records one crew time entry.
func (s *Store) AppendCrewTime(ctx context.Context, row CrewTimeRow) error {
	if err := s.EnsureTenant(ctx, row.TenantID); err != nil {
		return err
	}
	if row.CreatedAtMillis == 0 {
		row.CreatedAtMillis = s.Now()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return s.unavailable(opAppendCrewTime, err, zap.String("tenant_id", row.TenantID))
	}
	return nil
}

// ListCrewTime returns the tenant's crew time entries ordered by creation time.
func (s *Store) ListCrewTime(ctx context.Context, tenantID string) ([]CrewTimeRow, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	var rows []CrewTimeRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at_ms, entry_id").Find(&rows).Error; err != nil {
		return nil, s.unavailable(opListCrewTime, err, zap.String("tenant_id", tenantID))
	}
	return rows, nil
}

func recordToRow(tenantID string, collection Collection, record Record) RecordRow {
	row := RecordRow{
		TenantID:    tenantID,
		Collection:  string(collection),
		RecordID:    record.ID,
		PayloadJSON: string(record.Payload),
	}
	if millis, ok := record.Watermark(); ok {
		row.LastModifiedMillis = &millis
	}
	return row
}

func rowsToRecords(rows []RecordRow) []Record {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{ID: row.RecordID, Payload: json.RawMessage(row.PayloadJSON)})
	}
	return records
}

// unavailable logs a backing store failure and classifies it as apperr.ErrStoreUnavailable.
func (s *Store) unavailable(operation string, err error, fields ...zap.Field) error {
	s.logError(operation, "query_failed", err, fields...)
	return fmt.Errorf("%w: %s: %v", apperr.ErrStoreUnavailable, operation, err)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("tenant store error", attrs...)
}
