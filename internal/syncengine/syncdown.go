package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Snapshot keys reserved by the pull response; settings cannot shadow them.
const (
	snapshotWarehouse       = "warehouse"
	snapshotLifetimeUsage   = "lifetimeUsage"
	snapshotMaterialLogs    = "materialLogs"
	snapshotEquipment       = "equipment"
	snapshotSavedEstimates  = "savedEstimates"
	snapshotCustomers       = "customers"
	snapshotServerTimestamp = "serverTimestamp"
	snapshotDeletedRecords  = "deletedRecords"
)

var syncedCollections = []store.Collection{
	store.CollectionInventory,
	store.CollectionEquipment,
	store.CollectionEstimates,
	store.CollectionCustomers,
}

var defaultLifetimeUsage = json.RawMessage(`{"openCell":0,"closedCell":0}`)

// Warehouse carries the stock counts plus the changed inventory items.
type Warehouse struct {
	OpenCellSets   float64           `json:"openCellSets"`
	ClosedCellSets float64           `json:"closedCellSets"`
	Items          []json.RawMessage `json:"items"`
}

// Snapshot is the pull response. Settings entries are spread at the top level of its JSON form.
// DeletedRecords lists, per collection, the ids removed since the requested watermark.
type Snapshot struct {
	Settings        map[string]json.RawMessage
	Warehouse       Warehouse
	LifetimeUsage   json.RawMessage
	MaterialLogs    []json.RawMessage
	Equipment       []json.RawMessage
	SavedEstimates  []json.RawMessage
	Customers       []json.RawMessage
	DeletedRecords  map[string][]string
	ServerTimestamp int64
}

// MarshalJSON flattens settings next to the fixed snapshot fields.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Settings)+8)
	for key, value := range s.Settings {
		out[key] = value
	}
	lifetime := s.LifetimeUsage
	if len(lifetime) == 0 {
		lifetime = defaultLifetimeUsage
	}
	warehouse := s.Warehouse
	warehouse.Items = nonNil(warehouse.Items)
	out[snapshotWarehouse] = warehouse
	out[snapshotLifetimeUsage] = lifetime
	out[snapshotMaterialLogs] = nonNil(s.MaterialLogs)
	out[snapshotEquipment] = nonNil(s.Equipment)
	out[snapshotSavedEstimates] = nonNil(s.SavedEstimates)
	out[snapshotCustomers] = nonNil(s.Customers)
	deleted := make(map[string][]string, len(syncedCollections))
	for _, collection := range syncedCollections {
		ids := s.DeletedRecords[string(collection)]
		if ids == nil {
			ids = []string{}
		}
		deleted[string(collection)] = ids
	}
	out[snapshotDeletedRecords] = deleted
	out[snapshotServerTimestamp] = s.ServerTimestamp
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON: unknown top-level keys become settings.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	decoded := Snapshot{Settings: make(map[string]json.RawMessage)}
	for key, value := range fields {
		var err error
		switch key {
		case snapshotWarehouse:
			err = json.Unmarshal(value, &decoded.Warehouse)
		case snapshotLifetimeUsage:
			decoded.LifetimeUsage = value
		case snapshotMaterialLogs:
			err = json.Unmarshal(value, &decoded.MaterialLogs)
		case snapshotEquipment:
			err = json.Unmarshal(value, &decoded.Equipment)
		case snapshotSavedEstimates:
			err = json.Unmarshal(value, &decoded.SavedEstimates)
		case snapshotCustomers:
			err = json.Unmarshal(value, &decoded.Customers)
		case snapshotDeletedRecords:
			err = json.Unmarshal(value, &decoded.DeletedRecords)
		case snapshotServerTimestamp:
			err = json.Unmarshal(value, &decoded.ServerTimestamp)
		default:
			decoded.Settings[key] = value
		}
		if err != nil {
			return fmt.Errorf("snapshot field %s: %w", key, err)
		}
	}
	*s = decoded
	return nil
}

func nonNil(values []json.RawMessage) []json.RawMessage {
	if values == nil {
		return []json.RawMessage{}
	}
	return values
}

// SyncDown returns all settings, the full material log, every record changed since lastSync and
// the ids of records removed since lastSync.
// It never takes the tenant lock. The returned ServerTimestamp is one millisecond before the scan
// started, so a write racing the scan is delivered again on the next pull rather than skipped.
func (e *Engine) SyncDown(ctx context.Context, tenantID string, lastSync int64) (Snapshot, error) {
	scanStart := e.nowMillis()

	snapshot, err := e.readSnapshot(ctx, tenantID, lastSync)
	observeOperation(opSyncDown, err)
	if err != nil {
		reason := "read_failed"
		if !apperr.Retryable(err) {
			reason = "rejected"
		}
		e.logError(opSyncDown, reason, err, zap.String("tenant_id", tenantID))
		return Snapshot{}, newServiceError(opSyncDown, reason, err)
	}
	snapshot.ServerTimestamp = scanStart - 1
	return snapshot, nil
}

func (e *Engine) readSnapshot(ctx context.Context, tenantID string, lastSync int64) (Snapshot, error) {
	settings, err := e.store.ListSettings(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	materialLogs, err := e.store.ListMaterialLog(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	changed := make(map[store.Collection][]json.RawMessage, len(syncedCollections))
	deleted := make(map[string][]string, len(syncedCollections))
	for _, collection := range syncedCollections {
		records, err := e.store.ListChangedSince(ctx, tenantID, collection, lastSync)
		if err != nil {
			return Snapshot{}, err
		}
		if deleted[string(collection)], err = e.store.ListDeletedSince(ctx, tenantID, collection, lastSync); err != nil {
			return Snapshot{}, err
		}
		payloads := make([]json.RawMessage, 0, len(records))
		for _, record := range records {
			payloads = append(payloads, record.Payload)
		}
		changed[collection] = payloads
	}

	counts := gjson.ParseBytes(settings[SettingWarehouseCounts])
	lifetime := settings[SettingLifetimeUsage]
	if len(lifetime) == 0 || gjson.ParseBytes(lifetime).Type == gjson.Null {
		lifetime = defaultLifetimeUsage
	}

	return Snapshot{
		Settings: settings,
		Warehouse: Warehouse{
			OpenCellSets:   numberOf(counts.Get("openCellSets")),
			ClosedCellSets: numberOf(counts.Get("closedCellSets")),
			Items:          changed[store.CollectionInventory],
		},
		LifetimeUsage:  lifetime,
		MaterialLogs:   materialLogs,
		Equipment:      changed[store.CollectionEquipment],
		SavedEstimates: changed[store.CollectionEstimates],
		Customers:      changed[store.CollectionCustomers],
		DeletedRecords: deleted,
	}, nil
}
