package syncengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"github.com/tidwall/gjson"
)

const (
	contentTypePDF       = "application/pdf"
	contentTypeJPEG      = "image/jpeg"
	contentTypeJSON      = "application/json"
	defaultImageName     = "photo.jpg"
	defaultDocumentName  = "document.pdf"
	workOrderIDPrefixLen = 8
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9 ]`)
var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SavePDFRequest is the SAVE_PDF payload.
type SavePDFRequest struct {
	FileName   string `json:"fileName"`
	Base64Data string `json:"base64Data"`
	EstimateID string `json:"estimateId"`
}

// UploadImageRequest is the UPLOAD_IMAGE payload.
type UploadImageRequest struct {
	FileName   string `json:"fileName"`
	Base64Data string `json:"base64Data"`
}

// LogTimeRequest is the LOG_TIME payload.
type LogTimeRequest struct {
	WorkOrderURL string `json:"workOrderUrl"`
	User         string `json:"user"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
}

// StoredDocument is the response for document writes.
type StoredDocument struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	FileID  string `json:"fileId,omitempty"`
}

// WorkOrderDocument is the job sheet handed to crews.
type WorkOrderDocument struct {
	Title          string          `json:"title"`
	EstimateID     string          `json:"estimateId"`
	Customer       string          `json:"customer"`
	Address        string          `json:"address"`
	OpenCellSets   float64         `json:"openCellSets,omitempty"`
	ClosedCellSets float64         `json:"closedCellSets,omitempty"`
	Items          []WorkOrderItem `json:"additionalItems"`
	Notes          string          `json:"notes"`
	CreatedAt      string          `json:"createdAt"`
}

// WorkOrderItem is one itemized material line on a work order.
type WorkOrderItem struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
}

// decodeBase64Payload accepts raw base64 or a data URL.
func decodeBase64Payload(raw string) ([]byte, error) {
	encoded := strings.TrimSpace(raw)
	if comma := strings.Index(encoded, ","); comma >= 0 {
		encoded = encoded[comma+1:]
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: base64Data required", apperr.ErrValidation)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64Data is not valid base64", apperr.ErrValidation)
	}
	return data, nil
}

func safeFileName(name, fallback string) string {
	base := path.Base(strings.TrimSpace(name))
	cleaned := unsafeFileChars.ReplaceAllString(base, "_")
	if cleaned == "" || cleaned == "." || cleaned == "_" {
		return fallback
	}
	return cleaned
}

// SavePDF stores a PDF and, when estimateId names a stored estimate, attaches the link to it.
func (e *Engine) SavePDF(ctx context.Context, tenantID string, request SavePDFRequest) (StoredDocument, error) {
	data, err := decodeBase64Payload(request.Base64Data)
	if err != nil {
		observeOperation(opSavePDF, err)
		return StoredDocument{}, newServiceError(opSavePDF, "invalid_payload", err)
	}
	fileID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opSavePDF, "id_generation_failed", err)
		return StoredDocument{}, newServiceError(opSavePDF, "id_generation_failed", err)
	}
	key := fmt.Sprintf("tenants/%s/documents/%s-%s", tenantID, fileID, safeFileName(request.FileName, defaultDocumentName))
	estimateID := strings.TrimSpace(request.EstimateID)

	var url string
	err = e.mutate(ctx, opSavePDF, tenantID, func(ctx context.Context) error {
		if err := e.store.EnsureTenant(ctx, tenantID); err != nil {
			return err
		}
		stored, err := e.blobs.Put(ctx, key, contentTypePDF, data)
		if err != nil {
			return err
		}
		url = stored
		if estimateID == "" {
			return nil
		}
		return e.attachLink(ctx, tenantID, estimateID, fieldPDFLink, url)
	})
	if err != nil {
		return StoredDocument{}, err
	}
	return StoredDocument{Success: true, URL: url, FileID: fileID}, nil
}

// UploadImage stores a JPEG image and returns its URL and file id.
func (e *Engine) UploadImage(ctx context.Context, tenantID string, request UploadImageRequest) (StoredDocument, error) {
	data, err := decodeBase64Payload(request.Base64Data)
	if err != nil {
		observeOperation(opUploadImage, err)
		return StoredDocument{}, newServiceError(opUploadImage, "invalid_payload", err)
	}
	fileID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opUploadImage, "id_generation_failed", err)
		return StoredDocument{}, newServiceError(opUploadImage, "id_generation_failed", err)
	}
	key := fmt.Sprintf("tenants/%s/images/%s-%s", tenantID, fileID, safeFileName(request.FileName, defaultImageName))

	var url string
	err = e.mutate(ctx, opUploadImage, tenantID, func(ctx context.Context) error {
		if err := e.store.EnsureTenant(ctx, tenantID); err != nil {
			return err
		}
		stored, err := e.blobs.Put(ctx, key, contentTypeJPEG, data)
		if err != nil {
			return err
		}
		url = stored
		return nil
	})
	if err != nil {
		return StoredDocument{}, err
	}
	return StoredDocument{Success: true, URL: url, FileID: fileID}, nil
}

// WorkOrderName renders "WO-<first 8 of id, upper> - <customer>" with the customer name reduced to
// letters, digits and spaces.
func WorkOrderName(estimateID, customerName string) string {
	prefix := []rune(estimateID)
	if len(prefix) > workOrderIDPrefixLen {
		prefix = prefix[:workOrderIDPrefixLen]
	}
	customer := "Unknown"
	if customerName != "" {
		customer = unsafeNameChars.ReplaceAllString(customerName, "")
	}
	return fmt.Sprintf("WO-%s - %s", strings.ToUpper(string(prefix)), customer)
}

func buildWorkOrder(estimate gjson.Result, now time.Time) WorkOrderDocument {
	id := estimate.Get("id").String()
	customer := estimate.Get("customer")
	document := WorkOrderDocument{
		Title:          WorkOrderName(id, customer.Get("name").String()),
		EstimateID:     id,
		Customer:       customer.Get("name").String(),
		Address:        strings.TrimSpace(customer.Get("address").String() + " " + customer.Get("city").String()),
		OpenCellSets:   numberOf(estimate.Get("materials.openCellSets")),
		ClosedCellSets: numberOf(estimate.Get("materials.closedCellSets")),
		Items:          []WorkOrderItem{},
		Notes:          estimate.Get("notes").String(),
		CreatedAt:      now.UTC().Format(time.RFC3339),
	}
	if document.Notes == "" {
		document.Notes = "No notes."
	}
	for _, item := range estimate.Get("materials.inventory").Array() {
		document.Items = append(document.Items, WorkOrderItem{
			Name:     item.Get("name").String(),
			Quantity: numberOf(item.Get(fieldQuantity)),
			Unit:     item.Get("unit").String(),
		})
	}
	return document
}

// CreateWorkOrder stores a work order document for an estimate and, when the estimate is stored,
// attaches the document URL as workOrderSheetUrl.
func (e *Engine) CreateWorkOrder(ctx context.Context, tenantID string, estimateData json.RawMessage) (StoredDocument, error) {
	if len(estimateData) == 0 || !gjson.ValidBytes(estimateData) || !gjson.ParseBytes(estimateData).IsObject() {
		return StoredDocument{}, validationError(opCreateWorkOrder, "invalid_estimate", "estimateData must be a json object")
	}
	estimate := gjson.ParseBytes(estimateData)
	estimateID := strings.TrimSpace(estimate.Get("id").String())
	if estimate.Get("id").Type != gjson.String || estimateID == "" {
		return StoredDocument{}, validationError(opCreateWorkOrder, "missing_estimate_id", "estimateData.id required")
	}
	fileID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opCreateWorkOrder, "id_generation_failed", err)
		return StoredDocument{}, newServiceError(opCreateWorkOrder, "id_generation_failed", err)
	}
	document := buildWorkOrder(estimate, e.clock())
	encoded, err := json.Marshal(document)
	if err != nil {
		return StoredDocument{}, newServiceError(opCreateWorkOrder, "encode_failed", err)
	}
	key := workOrderKeyPrefix(tenantID) + fileID + ".json"

	var url string
	err = e.mutate(ctx, opCreateWorkOrder, tenantID, func(ctx context.Context) error {
		if err := e.store.EnsureTenant(ctx, tenantID); err != nil {
			return err
		}
		stored, err := e.blobs.Put(ctx, key, contentTypeJSON, encoded)
		if err != nil {
			return err
		}
		url = stored
		return e.attachLink(ctx, tenantID, estimateID, fieldWorkOrderSheetURL, url)
	})
	if err != nil {
		return StoredDocument{}, err
	}
	return StoredDocument{Success: true, URL: url, FileID: fileID}, nil
}

// attachLink sets a link field on a stored estimate. A missing estimate is not an error.
func (e *Engine) attachLink(ctx context.Context, tenantID, estimateID, field, url string) error {
	record, err := e.store.GetByID(ctx, tenantID, store.CollectionEstimates, estimateID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	updated, err := newPatch(record.Payload).
		set(field, url).
		set(fieldLastModified, e.nowMillis()).
		result()
	if err != nil {
		return err
	}
	return e.store.PutByID(ctx, tenantID, store.CollectionEstimates, store.Record{ID: record.ID, Payload: updated})
}

// workOrderKeyPrefix is the blob key prefix under which a tenant's work orders live.
func workOrderKeyPrefix(tenantID string) string {
	return "tenants/" + tenantID + "/work-orders/"
}

// LogTime appends a crew time entry against an existing work order.
func (e *Engine) LogTime(ctx context.Context, tenantID string, request LogTimeRequest) error {
	workOrderURL := strings.TrimSpace(request.WorkOrderURL)
	if workOrderURL == "" {
		return validationError(opLogTime, "missing_work_order", "workOrderUrl required")
	}
	user := strings.TrimSpace(request.User)
	if user == "" {
		return validationError(opLogTime, "missing_user", "user required")
	}
	entryID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opLogTime, "id_generation_failed", err)
		return newServiceError(opLogTime, "id_generation_failed", err)
	}
	if key, err := e.blobs.Key(workOrderURL); err != nil || !strings.HasPrefix(key, workOrderKeyPrefix(tenantID)) {
		err := fmt.Errorf("%w: work order does not belong to tenant", apperr.ErrNotFound)
		observeOperation(opLogTime, err)
		return newServiceError(opLogTime, "unknown_work_order", err)
	}
	return e.mutate(ctx, opLogTime, tenantID, func(ctx context.Context) error {
		if _, err := e.blobs.Get(ctx, workOrderURL); err != nil {
			return err
		}
		return e.store.AppendCrewTime(ctx, store.CrewTimeRow{
			EntryID:         entryID,
			TenantID:        tenantID,
			WorkOrderURL:    workOrderURL,
			User:            user,
			StartTime:       request.StartTime,
			EndTime:         request.EndTime,
			CreatedAtMillis: e.nowMillis(),
		})
	})
}
