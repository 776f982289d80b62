package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const defaultLoggedBy = "Crew"

var defaultWarehouseCounts = json.RawMessage(`{"openCellSets":0,"closedCellSets":0}`)

// CompletionResult reports whether CompleteJob applied inventory changes.
type CompletionResult struct {
	Success          bool   `json:"success"`
	AlreadyFinalized bool   `json:"alreadyFinalized,omitempty"`
	Message          string `json:"message,omitempty"`
}

// PaidResult is the MARK_JOB_PAID response.
type PaidResult struct {
	Success  bool            `json:"success"`
	Estimate json.RawMessage `json:"estimate"`
}

// StartJob moves an estimate to In Progress. A completed job is left untouched.
func (e *Engine) StartJob(ctx context.Context, tenantID, estimateID string) error {
	estimateID = strings.TrimSpace(estimateID)
	if estimateID == "" {
		return validationError(opStartJob, "missing_estimate_id", "estimateId required")
	}
	return e.mutate(ctx, opStartJob, tenantID, func(ctx context.Context) error {
		record, err := e.store.GetByID(ctx, tenantID, store.CollectionEstimates, estimateID)
		if err != nil {
			return err
		}
		if gjson.GetBytes(record.Payload, fieldExecutionStatus).String() == ExecutionCompleted {
			return nil
		}
		updated, err := newPatch(record.Payload).
			set(fieldExecutionStatus, ExecutionInProgress).
			set(fieldLastModified, e.nowMillis()).
			result()
		if err != nil {
			return err
		}
		return e.store.PutByID(ctx, tenantID, store.CollectionEstimates, store.Record{ID: record.ID, Payload: updated})
	})
}

// CompleteJob finalizes a job: it adjusts warehouse counts by the actual-minus-estimated delta
// (floored at zero), adds actual usage to lifetime counters, adjusts itemized inventory,
// marks the estimate Completed and appends one material log entry per consumed line.
// A job already Completed with inventory processed is acknowledged without reapplying anything.
// All writes commit in one transaction under the tenant lock.
func (e *Engine) CompleteJob(ctx context.Context, tenantID, estimateID string, actuals json.RawMessage) (CompletionResult, error) {
	estimateID = strings.TrimSpace(estimateID)
	if estimateID == "" {
		return CompletionResult{}, validationError(opCompleteJob, "missing_estimate_id", "estimateId required")
	}
	if len(actuals) == 0 || !gjson.ValidBytes(actuals) || !gjson.ParseBytes(actuals).IsObject() {
		return CompletionResult{}, validationError(opCompleteJob, "invalid_actuals", "actuals must be a json object")
	}
	if inventory := gjson.GetBytes(actuals, "inventory"); inventory.Exists() && inventory.Type != gjson.Null && !inventory.IsArray() {
		return CompletionResult{}, validationError(opCompleteJob, "invalid_actuals", "actuals.inventory must be an array")
	}

	result := CompletionResult{Success: true}
	err := e.mutate(ctx, opCompleteJob, tenantID, func(ctx context.Context) error {
		return e.store.Atomic(ctx, func(tx *store.Store) error {
			record, err := tx.GetByID(ctx, tenantID, store.CollectionEstimates, estimateID)
			if err != nil {
				return err
			}
			estimate := gjson.ParseBytes(record.Payload)
			if estimate.Get(fieldExecutionStatus).String() == ExecutionCompleted && estimate.Get(fieldInventoryProcessed).Bool() {
				result.AlreadyFinalized = true
				result.Message = "Job already finalized."
				return nil
			}
			return e.applyCompletion(ctx, tx, tenantID, record, estimate, gjson.ParseBytes(actuals))
		})
	})
	if err != nil {
		return CompletionResult{}, err
	}
	return result, nil
}

func (e *Engine) applyCompletion(ctx context.Context, tx *store.Store, tenantID string, record store.Record, estimate, actuals gjson.Result) error {
	now := e.nowMillis()
	actualOpen := numberOf(actuals.Get("openCellSets"))
	actualClosed := numberOf(actuals.Get("closedCellSets"))
	deltaOpen := actualOpen - numberOf(estimate.Get("materials.openCellSets"))
	deltaClosed := actualClosed - numberOf(estimate.Get("materials.closedCellSets"))

	counts, err := settingOrDefault(ctx, tx, tenantID, SettingWarehouseCounts, defaultWarehouseCounts)
	if err != nil {
		return err
	}
	countsDoc := gjson.ParseBytes(counts)
	updatedCounts, err := newPatch(counts).
		set("openCellSets", math.Max(0, numberOf(countsDoc.Get("openCellSets"))-deltaOpen)).
		set("closedCellSets", math.Max(0, numberOf(countsDoc.Get("closedCellSets"))-deltaClosed)).
		result()
	if err != nil {
		return err
	}
	if err := tx.PutSetting(ctx, tenantID, SettingWarehouseCounts, updatedCounts); err != nil {
		return err
	}

	lifetime, err := settingOrDefault(ctx, tx, tenantID, SettingLifetimeUsage, defaultLifetimeUsage)
	if err != nil {
		return err
	}
	lifetimeDoc := gjson.ParseBytes(lifetime)
	updatedLifetime, err := newPatch(lifetime).
		set("openCell", numberOf(lifetimeDoc.Get("openCell"))+actualOpen).
		set("closedCell", numberOf(lifetimeDoc.Get("closedCell"))+actualClosed).
		result()
	if err != nil {
		return err
	}
	if err := tx.PutSetting(ctx, tenantID, SettingLifetimeUsage, updatedLifetime); err != nil {
		return err
	}

	estimatedItems := make(map[string]float64)
	for _, item := range estimate.Get("materials.inventory").Array() {
		estimatedItems[item.Get("id").String()] = numberOf(item.Get(fieldQuantity))
	}
	for _, item := range actuals.Get("inventory").Array() {
		itemID := item.Get("id").String()
		if itemID == "" {
			continue
		}
		stock, err := tx.GetByID(ctx, tenantID, store.CollectionInventory, itemID)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		delta := numberOf(item.Get(fieldQuantity)) - estimatedItems[itemID]
		updated, err := newPatch(stock.Payload).
			set(fieldQuantity, numberOf(gjson.GetBytes(stock.Payload, fieldQuantity))-delta).
			set(fieldLastModified, now).
			result()
		if err != nil {
			return err
		}
		if err := tx.PutByID(ctx, tenantID, store.CollectionInventory, store.Record{ID: stock.ID, Payload: updated}); err != nil {
			return err
		}
	}

	completed, err := newPatch(record.Payload).
		set(fieldExecutionStatus, ExecutionCompleted).
		setRaw(fieldActuals, actuals.Raw).
		set(fieldInventoryProcessed, true).
		set(fieldLastModified, now).
		result()
	if err != nil {
		return err
	}
	if err := tx.PutByID(ctx, tenantID, store.CollectionEstimates, store.Record{ID: record.ID, Payload: completed}); err != nil {
		return err
	}

	entries, err := materialLogEntries(estimate, actuals, e.clock())
	if err != nil {
		return err
	}
	if _, err := tx.AppendMaterialLog(ctx, tenantID, record.ID, entries); err != nil {
		return err
	}
	return nil
}

type materialLine struct {
	name     string
	quantity float64
	unit     string
}

// materialLogEntry is the stored shape of one consumption line.
type materialLogEntry struct {
	Date         string  `json:"date"`
	CustomerName string  `json:"customerName"`
	MaterialName string  `json:"materialName"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit"`
	LoggedBy     string  `json:"loggedBy"`
}

func materialLogEntries(estimate, actuals gjson.Result, now time.Time) ([]json.RawMessage, error) {
	lines := []materialLine{
		{name: "Open Cell", quantity: numberOf(actuals.Get("openCellSets")), unit: "Sets"},
		{name: "Closed Cell", quantity: numberOf(actuals.Get("closedCellSets")), unit: "Sets"},
	}
	for _, item := range actuals.Get("inventory").Array() {
		lines = append(lines, materialLine{
			name:     item.Get("name").String(),
			quantity: numberOf(item.Get(fieldQuantity)),
			unit:     item.Get("unit").String(),
		})
	}

	date := actuals.Get("completionDate").String()
	if date == "" {
		date = now.UTC().Format(time.RFC3339)
	}
	loggedBy := actuals.Get("completedBy").String()
	if loggedBy == "" {
		loggedBy = defaultLoggedBy
	}
	customer := estimate.Get("customer.name").String()

	entries := make([]json.RawMessage, 0, len(lines))
	for _, line := range lines {
		if line.quantity <= 0 {
			continue
		}
		encoded, err := json.Marshal(materialLogEntry{
			Date:         date,
			CustomerName: customer,
			MaterialName: line.name,
			Quantity:     line.quantity,
			Unit:         line.unit,
			LoggedBy:     loggedBy,
		})
		if err != nil {
			return nil, fmt.Errorf("syncengine: encode material log entry: %w", err)
		}
		entries = append(entries, encoded)
	}
	return entries, nil
}

func settingOrDefault(ctx context.Context, tx *store.Store, tenantID, key string, fallback json.RawMessage) (json.RawMessage, error) {
	value, err := tx.GetSetting(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if len(value) == 0 || !gjson.ParseBytes(value).IsObject() {
		return append(json.RawMessage(nil), fallback...), nil
	}
	return value, nil
}

// MarkJobPaid sets status Paid and records one profit ledger line per job.
// Repeating the call leaves the ledger unchanged.
func (e *Engine) MarkJobPaid(ctx context.Context, tenantID, estimateID string) (PaidResult, error) {
	estimateID = strings.TrimSpace(estimateID)
	if estimateID == "" {
		return PaidResult{}, validationError(opMarkJobPaid, "missing_estimate_id", "estimateId required")
	}
	entryID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opMarkJobPaid, "id_generation_failed", err)
		return PaidResult{}, newServiceError(opMarkJobPaid, "id_generation_failed", err)
	}

	var paid json.RawMessage
	err = e.mutate(ctx, opMarkJobPaid, tenantID, func(ctx context.Context) error {
		return e.store.Atomic(ctx, func(tx *store.Store) error {
			record, err := tx.GetByID(ctx, tenantID, store.CollectionEstimates, estimateID)
			if err != nil {
				return err
			}
			now := e.clock().UTC()
			updated, err := newPatch(record.Payload).
				set(fieldStatus, StatusPaid).
				set(fieldLastModified, now.UnixMilli()).
				result()
			if err != nil {
				return err
			}
			if err := tx.PutByID(ctx, tenantID, store.CollectionEstimates, store.Record{ID: record.ID, Payload: updated}); err != nil {
				return err
			}

			estimate := gjson.ParseBytes(updated)
			revenue := numberOf(estimate.Get("totalValue"))
			cost := numberOf(estimate.Get("results.totalCost"))
			inserted, err := tx.AppendLedger(ctx, store.LedgerRow{
				EntryID:         entryID,
				TenantID:        tenantID,
				JobID:           record.ID,
				Date:            now.Format(time.RFC3339),
				Customer:        estimate.Get("customer.name").String(),
				InvoiceNumber:   estimate.Get("invoiceNumber").String(),
				Revenue:         revenue,
				Cost:            cost,
				Profit:          revenue - cost,
				CreatedAtMillis: now.UnixMilli(),
			})
			if err != nil {
				return err
			}
			if !inserted {
				e.logger.Debug("ledger entry already recorded",
					zap.String("tenant_id", tenantID),
					zap.String("estimate_id", record.ID))
			}
			paid = updated
			return nil
		})
	})
	if err != nil {
		return PaidResult{}, err
	}
	return PaidResult{Success: true, Estimate: paid}, nil
}

// DeleteEstimate removes an estimate. Deleting an absent estimate succeeds.
func (e *Engine) DeleteEstimate(ctx context.Context, tenantID, estimateID string) error {
	estimateID = strings.TrimSpace(estimateID)
	if estimateID == "" {
		return validationError(opDeleteEstimate, "missing_estimate_id", "estimateId required")
	}
	return e.mutate(ctx, opDeleteEstimate, tenantID, func(ctx context.Context) error {
		_, err := e.store.DeleteByID(ctx, tenantID, store.CollectionEstimates, estimateID)
		return err
	})
}
