package syncengine

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Estimate status values.
const (
	StatusDraft = "Draft"
	StatusSent  = "Sent"
	StatusPaid  = "Paid"

	ExecutionPending    = "Pending"
	ExecutionInProgress = "In Progress"
	ExecutionCompleted  = "Completed"
)

// Settings keys with a dedicated meaning.
const (
	SettingWarehouseCounts = "warehouse_counts"
	SettingLifetimeUsage   = "lifetime_usage"
)

// pushedSettingKeys are copied verbatim from a pushed state when present.
var pushedSettingKeys = []string{
	"companyProfile",
	"yields",
	"costs",
	"expenses",
	"jobNotes",
	"sqFtRates",
	"pricingMode",
	"purchaseOrders",
}

const (
	fieldStatus             = "status"
	fieldExecutionStatus    = "executionStatus"
	fieldActuals            = "actuals"
	fieldInventoryProcessed = "inventoryProcessed"
	fieldPDFLink            = "pdfLink"
	fieldWorkOrderSheetURL  = "workOrderSheetUrl"
	fieldLastModified       = "lastModified"
	fieldQuantity           = "quantity"
)

// truthy mirrors loose boolean coercion: absent, null, false, zero and empty string are false.
func truthy(value gjson.Result) bool {
	switch value.Type {
	case gjson.Null:
		return false
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return value.Num != 0
	case gjson.String:
		return value.Str != ""
	case gjson.JSON:
		return true
	default:
		return false
	}
}

// numberOf coerces a JSON value to a number; absent or non-numeric values are zero.
func numberOf(value gjson.Result) float64 {
	switch value.Type {
	case gjson.Number, gjson.String:
		return value.Float()
	case gjson.True:
		return 1
	default:
		return 0
	}
}

// patch applies a sequence of sjson edits to a JSON document.
type patch struct {
	doc []byte
	err error
}

func newPatch(doc []byte) *patch {
	return &patch{doc: append([]byte(nil), doc...)}
}

func (p *patch) set(path string, value interface{}) *patch {
	if p.err != nil {
		return p
	}
	p.doc, p.err = sjson.SetBytes(p.doc, path, value)
	return p
}

func (p *patch) setRaw(path string, raw string) *patch {
	if p.err != nil {
		return p
	}
	p.doc, p.err = sjson.SetRawBytes(p.doc, path, []byte(raw))
	return p
}

func (p *patch) remove(path string) *patch {
	if p.err != nil {
		return p
	}
	p.doc, p.err = sjson.DeleteBytes(p.doc, path)
	return p
}

func (p *patch) result() (json.RawMessage, error) {
	if p.err != nil {
		return nil, fmt.Errorf("syncengine: patch document: %w", p.err)
	}
	return json.RawMessage(p.doc), nil
}
