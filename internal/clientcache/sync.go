package clientcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Working copy collections.
const (
	CollectionEstimates = "estimates"
	CollectionCustomers = "customers"
	CollectionInventory = "inventory"
	CollectionEquipment = "equipment"
)

// snapshotCollections maps pull response keys to working copy collections.
var snapshotCollections = []struct {
	path       string
	collection string
}{
	{path: "savedEstimates", collection: CollectionEstimates},
	{path: "customers", collection: CollectionCustomers},
	{path: "warehouse.items", collection: CollectionInventory},
	{path: "equipment", collection: CollectionEquipment},
}

var reservedSnapshotKeys = map[string]struct{}{
	"warehouse":       {},
	"lifetimeUsage":   {},
	"materialLogs":    {},
	"equipment":       {},
	"savedEstimates":  {},
	"customers":       {},
	"serverTimestamp": {},
	"deletedRecords":  {},
}

// PullResult describes one applied pull.
type PullResult struct {
	Flush           FlushReport
	ServerTimestamp int64
	Records         int
	Deleted         int
	Settings        int
}

// Warehouse is the cached stock count.
type Warehouse struct {
	OpenCellSets   float64 `json:"openCellSets"`
	ClosedCellSets float64 `json:"closedCellSets"`
}

// Pull flushes the outbox and then applies the changed-since snapshot to the working copy.
// Server records overwrite cached ones unconditionally, so server-held sticky fields always win.
// A flush that stops early aborts the pull; pulling over unsent mutations would hide them locally.
func (c *Cache) Pull(ctx context.Context) (PullResult, error) {
	var result PullResult
	report, err := c.Flush(ctx)
	result.Flush = report
	if err != nil {
		return result, err
	}
	session, err := c.Session(ctx)
	if err != nil {
		return result, err
	}
	watermark, err := c.LastSyncTimestamp(ctx)
	if err != nil {
		return result, err
	}
	payload, err := withCredentials(json.RawMessage(`{}`), session)
	if err == nil {
		payload, err = sjson.SetBytes(payload, "lastSyncTimestamp", watermark)
	}
	if err != nil {
		return result, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	data, err := c.call(ctx, PathData, actionSyncDown, payload)
	if err != nil {
		return result, err
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return result, fmt.Errorf("%w: malformed snapshot", apperr.ErrTransport)
	}
	snapshot := gjson.ParseBytes(data)
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deleted, err := applyDeletions(tx, snapshot.Get("deletedRecords"))
		if err != nil {
			return err
		}
		result.Deleted = deleted
		records, err := applyRecords(tx, snapshot)
		if err != nil {
			return err
		}
		result.Records = records
		settings, err := applySettings(tx, snapshot)
		if err != nil {
			return err
		}
		result.Settings = settings
		if err := applyMaterialLog(tx, snapshot.Get("materialLogs")); err != nil {
			return err
		}
		warehouse := Warehouse{
			OpenCellSets:   snapshot.Get("warehouse.openCellSets").Float(),
			ClosedCellSets: snapshot.Get("warehouse.closedCellSets").Float(),
		}
		if err := c.putJSON(tx, kvWarehouse, warehouse); err != nil {
			return err
		}
		if lifetime := snapshot.Get("lifetimeUsage"); lifetime.IsObject() {
			if err := c.putJSON(tx, kvLifetime, json.RawMessage(lifetime.Raw)); err != nil {
				return err
			}
		}
		result.ServerTimestamp = snapshot.Get("serverTimestamp").Int()
		return c.putJSON(tx, kvWatermark, result.ServerTimestamp)
	})
	if err != nil {
		return result, fmt.Errorf("clientcache: apply snapshot: %w", err)
	}
	c.logger.Info("pull applied",
		zap.String("tenant_id", session.TenantID),
		zap.Int64("since", watermark),
		zap.Int64("server_timestamp", result.ServerTimestamp),
		zap.Int("records", result.Records),
		zap.Int("deleted", result.Deleted),
	)
	return result, nil
}

// applyDeletions drops cached records the server reports removed. Unknown collections are ignored.
func applyDeletions(tx *gorm.DB, deleted gjson.Result) (int, error) {
	if !deleted.IsObject() {
		return 0, nil
	}
	count := 0
	for _, source := range snapshotCollections {
		ids := make([]string, 0)
		for _, id := range deleted.Get(source.collection).Array() {
			if id.String() != "" {
				ids = append(ids, id.String())
			}
		}
		if len(ids) == 0 {
			continue
		}
		result := tx.Where("collection = ? AND record_id IN ?", source.collection, ids).Delete(&cachedRecordRow{})
		if result.Error != nil {
			return 0, result.Error
		}
		count += int(result.RowsAffected)
	}
	return count, nil
}

func applyRecords(tx *gorm.DB, snapshot gjson.Result) (int, error) {
	count := 0
	for _, source := range snapshotCollections {
		items := snapshot.Get(source.path)
		if !items.IsArray() {
			continue
		}
		rows := make([]cachedRecordRow, 0, len(items.Array()))
		for _, item := range items.Array() {
			id := item.Get("id").String()
			if id == "" {
				continue
			}
			rows = append(rows, cachedRecordRow{
				Collection:         source.collection,
				RecordID:           id,
				PayloadJSON:        item.Raw,
				LastModifiedMillis: item.Get("lastModified").Int(),
			})
		}
		if len(rows) == 0 {
			continue
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload_json", "last_modified_ms"}),
		}).Create(&rows).Error
		if err != nil {
			return 0, err
		}
		count += len(rows)
	}
	return count, nil
}

func applySettings(tx *gorm.DB, snapshot gjson.Result) (int, error) {
	var rows []cachedSettingRow
	snapshot.ForEach(func(key, value gjson.Result) bool {
		if _, reserved := reservedSnapshotKeys[key.String()]; !reserved {
			rows = append(rows, cachedSettingRow{Key: key.String(), ValueJSON: value.Raw})
		}
		return true
	})
	if len(rows) == 0 {
		return 0, nil
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json"}),
	}).Create(&rows).Error
	return len(rows), err
}

// applyMaterialLog replaces the cached log; the server always sends it whole.
func applyMaterialLog(tx *gorm.DB, logs gjson.Result) error {
	if !logs.IsArray() {
		return nil
	}
	if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&cachedMaterialLogRow{}).Error; err != nil {
		return err
	}
	entries := logs.Array()
	if len(entries) == 0 {
		return nil
	}
	rows := make([]cachedMaterialLogRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, cachedMaterialLogRow{PayloadJSON: entry.Raw})
	}
	return tx.Create(&rows).Error
}

// LastSyncTimestamp returns the stored watermark, zero before the first pull.
func (c *Cache) LastSyncTimestamp(ctx context.Context) (int64, error) {
	var watermark int64
	if _, err := c.getJSON(c.db.WithContext(ctx), kvWatermark, &watermark); err != nil {
		return 0, err
	}
	return watermark, nil
}

// Records returns the cached payloads of one collection ordered by id.
func (c *Cache) Records(ctx context.Context, collection string) ([]json.RawMessage, error) {
	var rows []cachedRecordRow
	if err := c.db.WithContext(ctx).Where("collection = ?", collection).Order("record_id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("clientcache: list %s: %w", collection, err)
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, json.RawMessage(row.PayloadJSON))
	}
	return out, nil
}

// Setting returns one cached settings entry.
func (c *Cache) Setting(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var row cachedSettingRow
	err := c.db.WithContext(ctx).Where("setting_key = ?", key).Limit(1).Find(&row).Error
	if err != nil {
		return nil, false, fmt.Errorf("clientcache: load setting %s: %w", key, err)
	}
	if row.Key == "" {
		return nil, false, nil
	}
	return json.RawMessage(row.ValueJSON), true, nil
}

// Warehouse returns the cached stock counts.
func (c *Cache) Warehouse(ctx context.Context) (Warehouse, error) {
	var warehouse Warehouse
	if _, err := c.getJSON(c.db.WithContext(ctx), kvWarehouse, &warehouse); err != nil {
		return Warehouse{}, err
	}
	return warehouse, nil
}

// MaterialLog returns the cached material log in server order.
func (c *Cache) MaterialLog(ctx context.Context) ([]json.RawMessage, error) {
	var rows []cachedMaterialLogRow
	if err := c.db.WithContext(ctx).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("clientcache: list material log: %w", err)
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, json.RawMessage(row.PayloadJSON))
	}
	return out, nil
}

// Status summarizes the cache for display.
type Status struct {
	LoggedIn          bool
	Session           Session
	LastSyncTimestamp int64
	Records           map[string]int64
	Pending           int64
	// Held counts pending entries queued under another tenant's session.
	Held     int64
	Rejected int64
	Sent     int64
}

// Status reports the session, watermark, record counts and outbox counts.
func (c *Cache) Status(ctx context.Context) (Status, error) {
	status := Status{Records: make(map[string]int64)}
	session, err := c.Session(ctx)
	switch {
	case err == nil:
		status.LoggedIn = true
		status.Session = session
	case !errors.Is(err, ErrNoSession):
		return Status{}, err
	}
	if status.LastSyncTimestamp, err = c.LastSyncTimestamp(ctx); err != nil {
		return Status{}, err
	}
	var recordCounts []struct {
		Collection string
		Total      int64
	}
	if err := c.db.WithContext(ctx).Model(&cachedRecordRow{}).
		Select("collection, COUNT(*) AS total").Group("collection").Scan(&recordCounts).Error; err != nil {
		return Status{}, fmt.Errorf("clientcache: count records: %w", err)
	}
	for _, row := range recordCounts {
		status.Records[row.Collection] = row.Total
	}
	var outboxCounts []struct {
		State    string
		TenantID string
		Total    int64
	}
	if err := c.db.WithContext(ctx).Model(&OutboxEntry{}).
		Select("state, tenant_id, COUNT(*) AS total").Group("state, tenant_id").Scan(&outboxCounts).Error; err != nil {
		return Status{}, fmt.Errorf("clientcache: count outbox: %w", err)
	}
	for _, row := range outboxCounts {
		switch {
		case row.State == OutboxPending && row.TenantID == session.TenantID && status.LoggedIn:
			status.Pending += row.Total
		case row.State == OutboxPending:
			status.Held += row.Total
		case row.State == OutboxRejected:
			status.Rejected += row.Total
		case row.State == OutboxSent:
			status.Sent += row.Total
		}
	}
	return status, nil
}
