package syncengine

import (
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"github.com/tidwall/gjson"
)

// stickyRule protects one server-held estimate field from regression by a pushed copy.
// Rules are evaluated in declaration order against the server copy and the incoming copy.
type stickyRule struct {
	field   string
	applies func(existing, incoming gjson.Result) bool
	apply   func(existing gjson.Result, incoming *patch)
}

var stickyRules = []stickyRule{
	{
		// Completion is final; the actuals and inventory flag travel with it.
		field: fieldExecutionStatus,
		applies: func(existing, _ gjson.Result) bool {
			return existing.Get(fieldExecutionStatus).String() == ExecutionCompleted
		},
		apply: func(existing gjson.Result, incoming *patch) {
			incoming.set(fieldExecutionStatus, ExecutionCompleted)
			if actuals := existing.Get(fieldActuals); actuals.Exists() {
				incoming.setRaw(fieldActuals, actuals.Raw)
			} else {
				incoming.remove(fieldActuals)
			}
			if existing.Get(fieldInventoryProcessed).Bool() {
				incoming.set(fieldInventoryProcessed, true)
			}
		},
	},
	{
		field: fieldStatus,
		applies: func(existing, _ gjson.Result) bool {
			return existing.Get(fieldStatus).String() == StatusPaid
		},
		apply: func(_ gjson.Result, incoming *patch) {
			incoming.set(fieldStatus, StatusPaid)
		},
	},
	{
		field: fieldPDFLink,
		applies: func(existing, incoming gjson.Result) bool {
			return truthy(existing.Get(fieldPDFLink)) && !truthy(incoming.Get(fieldPDFLink))
		},
		apply: func(existing gjson.Result, incoming *patch) {
			incoming.setRaw(fieldPDFLink, existing.Get(fieldPDFLink).Raw)
		},
	},
	{
		field: fieldWorkOrderSheetURL,
		applies: func(existing, _ gjson.Result) bool {
			return truthy(existing.Get(fieldWorkOrderSheetURL))
		},
		apply: func(existing gjson.Result, incoming *patch) {
			incoming.setRaw(fieldWorkOrderSheetURL, existing.Get(fieldWorkOrderSheetURL).Raw)
		},
	},
}

// applyStickyRules returns incoming with every applicable rule enforced, and the fields that changed it.
func applyStickyRules(existing, incoming []byte) ([]byte, []string, error) {
	existingDoc := gjson.ParseBytes(existing)
	incomingDoc := gjson.ParseBytes(incoming)
	edited := newPatch(incoming)
	var changed []string
	for _, rule := range stickyRules {
		if !rule.applies(existingDoc, incomingDoc) {
			continue
		}
		before := incomingDoc.Get(rule.field).Raw
		rule.apply(existingDoc, edited)
		if edited.err != nil {
			return nil, nil, edited.err
		}
		if gjson.GetBytes(edited.doc, rule.field).Raw != before || rule.field == fieldExecutionStatus && actualsDiffer(existingDoc, incomingDoc) {
			changed = append(changed, rule.field)
		}
	}
	doc, err := edited.result()
	if err != nil {
		return nil, nil, err
	}
	return doc, changed, nil
}

func actualsDiffer(existing, incoming gjson.Result) bool {
	return existing.Get(fieldActuals).Raw != incoming.Get(fieldActuals).Raw
}

// mergeResult is the full reconciled estimate set plus the ids whose incoming copy was overridden.
type mergeResult struct {
	records    []store.Record
	overridden []string
}

// reconcileEstimates seeds a map with every server record, then lays each incoming record over it
// with sticky protection. Nothing present only on the server is dropped. Duplicate incoming ids
// resolve to the last occurrence. When a rule rewrote an incoming copy, lastModified is restamped
// with nowMillis so the correction reaches every client on its next pull.
func reconcileEstimates(existing, incoming []store.Record, nowMillis int64) (mergeResult, error) {
	order := make([]string, 0, len(existing)+len(incoming))
	byID := make(map[string]store.Record, len(existing)+len(incoming))
	for _, record := range existing {
		if _, seen := byID[record.ID]; !seen {
			order = append(order, record.ID)
		}
		byID[record.ID] = record
	}

	overridden := make(map[string]struct{})
	for _, record := range incoming {
		server, exists := byID[record.ID]
		payload := record.Payload
		if exists {
			merged, changed, err := applyStickyRules(server.Payload, payload)
			if err != nil {
				return mergeResult{}, err
			}
			if len(changed) > 0 {
				for _, field := range changed {
					stickyOverridesTotal.WithLabelValues(field).Inc()
				}
				stamped, err := newPatch(merged).set(fieldLastModified, nowMillis).result()
				if err != nil {
					return mergeResult{}, err
				}
				merged = stamped
				overridden[record.ID] = struct{}{}
			}
			payload = merged
		} else {
			order = append(order, record.ID)
		}
		byID[record.ID] = store.Record{ID: record.ID, Payload: payload}
	}

	result := mergeResult{records: make([]store.Record, 0, len(order))}
	for _, id := range order {
		result.records = append(result.records, byID[id])
		if _, ok := overridden[id]; ok {
			result.overridden = append(result.overridden, id)
		}
	}
	return result, nil
}
