package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/tidwall/gjson"
)

// Collection names one keyed record table of a tenant.
type Collection string

const (
	CollectionEstimates Collection = "estimates"
	CollectionCustomers Collection = "customers"
	CollectionInventory Collection = "inventory"
	CollectionEquipment Collection = "equipment"
)

const (
	// FieldID is the payload field carrying the record key.
	FieldID = "id"
	// FieldLastModified is the payload field carrying the watermark in epoch milliseconds.
	FieldLastModified = "lastModified"
	maxRecordIDLength = 190
)

var (
	ErrUnknownCollection = fmt.Errorf("%w: unknown collection", apperr.ErrValidation)
	ErrInvalidRecord     = fmt.Errorf("%w: invalid record", apperr.ErrValidation)
	ErrDuplicateRecordID = fmt.Errorf("%w: duplicate record id", apperr.ErrValidation)
)

// ParseCollection validates a raw collection name.
func ParseCollection(raw string) (Collection, error) {
	switch Collection(raw) {
	case CollectionEstimates, CollectionCustomers, CollectionInventory, CollectionEquipment:
		return Collection(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, raw)
	}
}

// Record is a key-addressed JSON object. The key is duplicated from the payload's id field.
type Record struct {
	ID      string
	Payload json.RawMessage
}

// NewRecord validates that payload is a JSON object with a non-empty string id.
func NewRecord(payload []byte) (Record, error) {
	if !gjson.ValidBytes(payload) {
		return Record{}, fmt.Errorf("%w: payload is not valid json", ErrInvalidRecord)
	}
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsObject() {
		return Record{}, fmt.Errorf("%w: payload is not an object", ErrInvalidRecord)
	}
	idValue := parsed.Get(FieldID)
	if idValue.Type != gjson.String {
		return Record{}, fmt.Errorf("%w: id must be a string", ErrInvalidRecord)
	}
	id := strings.TrimSpace(idValue.String())
	if id == "" {
		return Record{}, fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if len(id) > maxRecordIDLength {
		return Record{}, fmt.Errorf("%w: id exceeds %d characters", ErrInvalidRecord, maxRecordIDLength)
	}
	return Record{ID: id, Payload: append(json.RawMessage(nil), payload...)}, nil
}

// Watermark reports the record's lastModified value in epoch milliseconds.
func (r Record) Watermark() (int64, bool) {
	return WatermarkOf(r.Payload)
}

// FullCollection is the complete desired state of a collection.
// ReplaceAll only accepts this type, so callers cannot pass a delta by accident.
type FullCollection struct {
	collection Collection
	records    []Record
}

// NewFullCollection validates that records carry unique ids.
func NewFullCollection(collection Collection, records []Record) (FullCollection, error) {
	if _, err := ParseCollection(string(collection)); err != nil {
		return FullCollection{}, err
	}
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if strings.TrimSpace(record.ID) == "" {
			return FullCollection{}, fmt.Errorf("%w: empty id", ErrInvalidRecord)
		}
		if _, exists := seen[record.ID]; exists {
			return FullCollection{}, fmt.Errorf("%w: %s", ErrDuplicateRecordID, record.ID)
		}
		seen[record.ID] = struct{}{}
	}
	return FullCollection{collection: collection, records: append([]Record(nil), records...)}, nil
}

// Collection reports which collection the set belongs to.
func (c FullCollection) Collection() Collection {
	return c.collection
}

// Records returns a copy of the member records.
func (c FullCollection) Records() []Record {
	return append([]Record(nil), c.records...)
}

// Len reports the number of records.
func (c FullCollection) Len() int {
	return len(c.records)
}

var errUnparsableWatermark = errors.New("store: unparsable watermark")

// WatermarkOf extracts lastModified from a JSON payload.
// Numbers and numeric strings are epoch milliseconds; RFC 3339 strings are converted.
// Anything else reports absent.
func WatermarkOf(payload []byte) (int64, bool) {
	value := gjson.GetBytes(payload, FieldLastModified)
	switch value.Type {
	case gjson.Number:
		return clampMillis(value.Float()), true
	case gjson.String:
		millis, err := parseWatermarkString(value.String())
		if err != nil {
			return 0, false
		}
		return millis, true
	default:
		return 0, false
	}
}

func parseWatermarkString(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errUnparsableWatermark
	}
	if millis, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return millis, nil
	}
	if millis, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return clampMillis(millis), nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return parsed.UnixMilli(), nil
	}
	return 0, errUnparsableWatermark
}

func clampMillis(value float64) int64 {
	if math.IsNaN(value) {
		return 0
	}
	if value >= math.MaxInt64 {
		return math.MaxInt64
	}
	if value <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(value)
}
