package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// SyncUpResult summarizes an applied push.
type SyncUpResult struct {
	Synced             bool     `json:"synced"`
	SettingsWritten    []string `json:"settingsWritten"`
	ReplacedCollection []string `json:"replacedCollections"`
	Estimates          int      `json:"estimates"`
	Overridden         []string `json:"overridden"`
}

// pushPlan is a fully validated push, ready to write.
type pushPlan struct {
	settings    []settingWrite
	collections []store.FullCollection
	estimates   []store.Record
	hasEstimate bool
}

type settingWrite struct {
	key   string
	value json.RawMessage
}

// SyncUp applies a client state push. Named settings and the count-shaped entries are replaced
// whole. Inventory, equipment and customers are replaced by any non-empty pushed array.
// Estimates are reconciled against the server copy so sticky fields never regress.
// The push is validated completely before any write; all writes commit together.
func (e *Engine) SyncUp(ctx context.Context, tenantID string, state json.RawMessage) (SyncUpResult, error) {
	plan, err := planPush(state)
	if err != nil {
		observeOperation(opSyncUp, err)
		return SyncUpResult{}, newServiceError(opSyncUp, "invalid_state", err)
	}

	result := SyncUpResult{Synced: true, SettingsWritten: []string{}, ReplacedCollection: []string{}, Overridden: []string{}}
	err = e.mutate(ctx, opSyncUp, tenantID, func(ctx context.Context) error {
		return e.store.Atomic(ctx, func(tx *store.Store) error {
			for _, write := range plan.settings {
				if err := tx.PutSetting(ctx, tenantID, write.key, write.value); err != nil {
					return err
				}
				result.SettingsWritten = append(result.SettingsWritten, write.key)
			}
			for _, collection := range plan.collections {
				if err := tx.ReplaceAll(ctx, tenantID, collection); err != nil {
					return err
				}
				result.ReplacedCollection = append(result.ReplacedCollection, string(collection.Collection()))
			}
			if !plan.hasEstimate {
				return nil
			}
			existing, err := tx.ListAll(ctx, tenantID, store.CollectionEstimates)
			if err != nil {
				return err
			}
			merged, err := reconcileEstimates(existing, plan.estimates, e.nowMillis())
			if err != nil {
				return err
			}
			full, err := store.NewFullCollection(store.CollectionEstimates, merged.records)
			if err != nil {
				return err
			}
			if err := tx.ReplaceAll(ctx, tenantID, full); err != nil {
				return err
			}
			result.Estimates = full.Len()
			result.Overridden = append(result.Overridden, merged.overridden...)
			return nil
		})
	})
	if err != nil {
		return SyncUpResult{}, err
	}
	if len(result.Overridden) > 0 {
		e.logger.Info("sticky estimate fields preserved",
			zap.String("tenant_id", tenantID),
			zap.Strings("estimate_ids", result.Overridden))
	}
	return result, nil
}

func planPush(state json.RawMessage) (pushPlan, error) {
	if len(state) == 0 || !gjson.ValidBytes(state) {
		return pushPlan{}, fmt.Errorf("%w: state must be a json object", errInvalidPayload)
	}
	doc := gjson.ParseBytes(state)
	if !doc.IsObject() {
		return pushPlan{}, fmt.Errorf("%w: state must be a json object", errInvalidPayload)
	}

	var plan pushPlan
	for _, key := range pushedSettingKeys {
		if value := doc.Get(key); value.Exists() {
			plan.settings = append(plan.settings, settingWrite{key: key, value: json.RawMessage(value.Raw)})
		}
	}

	warehouse := doc.Get("warehouse")
	if warehouse.IsObject() {
		counts, err := countsDocument(map[string]float64{
			"openCellSets":   numberOf(warehouse.Get("openCellSets")),
			"closedCellSets": numberOf(warehouse.Get("closedCellSets")),
		})
		if err != nil {
			return pushPlan{}, err
		}
		plan.settings = append(plan.settings, settingWrite{key: SettingWarehouseCounts, value: counts})
	}
	lifetime := doc.Get("lifetimeUsage")
	if lifetime.IsObject() {
		counts, err := countsDocument(map[string]float64{
			"openCell":   numberOf(lifetime.Get("openCell")),
			"closedCell": numberOf(lifetime.Get("closedCell")),
		})
		if err != nil {
			return pushPlan{}, err
		}
		plan.settings = append(plan.settings, settingWrite{key: SettingLifetimeUsage, value: counts})
	}

	replaceable := []struct {
		collection store.Collection
		value      gjson.Result
	}{
		{collection: store.CollectionInventory, value: warehouse.Get("items")},
		{collection: store.CollectionEquipment, value: doc.Get("equipment")},
		{collection: store.CollectionCustomers, value: doc.Get("customers")},
	}
	for _, entry := range replaceable {
		records, err := parseRecordArray(entry.collection, entry.value)
		if err != nil {
			return pushPlan{}, err
		}
		if len(records) == 0 {
			continue
		}
		full, err := store.NewFullCollection(entry.collection, records)
		if err != nil {
			return pushPlan{}, err
		}
		plan.collections = append(plan.collections, full)
	}

	estimates := doc.Get("savedEstimates")
	if estimates.Exists() && estimates.Type != gjson.Null {
		records, err := parseRecordArray(store.CollectionEstimates, estimates)
		if err != nil {
			return pushPlan{}, err
		}
		plan.estimates = records
		plan.hasEstimate = true
	}
	return plan, nil
}

func parseRecordArray(collection store.Collection, value gjson.Result) ([]store.Record, error) {
	if !value.Exists() || value.Type == gjson.Null {
		return nil, nil
	}
	if !value.IsArray() {
		return nil, fmt.Errorf("%w: %s must be an array", errInvalidPayload, collection)
	}
	items := value.Array()
	records := make([]store.Record, 0, len(items))
	for index, item := range items {
		record, err := store.NewRecord([]byte(item.Raw))
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", collection, index, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func countsDocument(values map[string]float64) (json.RawMessage, error) {
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return encoded, nil
}
