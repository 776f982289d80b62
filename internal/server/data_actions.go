package server

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/foamsync/internal/syncengine"
	"github.com/gin-gonic/gin"
)

const (
	ActionSyncDown        = "SYNC_DOWN"
	ActionSyncUp          = "SYNC_UP"
	ActionStartJob        = "START_JOB"
	ActionCompleteJob     = "COMPLETE_JOB"
	ActionMarkJobPaid     = "MARK_JOB_PAID"
	ActionDeleteEstimate  = "DELETE_ESTIMATE"
	ActionSavePDF         = "SAVE_PDF"
	ActionUploadImage     = "UPLOAD_IMAGE"
	ActionCreateWorkOrder = "CREATE_WORK_ORDER"
	ActionLogTime         = "LOG_TIME"
)

// credentialsPayload holds the fields every /data payload carries.
// spreadsheetId is accepted as a legacy alias of tenantId.
type credentialsPayload struct {
	Token         string `json:"token"`
	TenantID      string `json:"tenantId"`
	SpreadsheetID string `json:"spreadsheetId"`
}

type syncDownPayload struct {
	LastSyncTimestamp float64 `json:"lastSyncTimestamp"`
}

type syncUpPayload struct {
	State json.RawMessage `json:"state"`
}

type estimatePayload struct {
	EstimateID string          `json:"estimateId"`
	Actuals    json.RawMessage `json:"actuals"`
}

type workOrderPayload struct {
	EstimateData json.RawMessage `json:"estimateData"`
}

type successResult struct {
	Success bool `json:"success"`
}

type dataAction struct {
	run func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error)
	// publishes marks actions that change data other clients pull.
	publishes bool
}

var dataActions = map[string]dataAction{
	ActionSyncDown: {run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request syncDownPayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return data.SyncDown(ctx, tenantID, int64(request.LastSyncTimestamp))
	}},
	ActionSyncUp: {publishes: true, run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request syncUpPayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return data.SyncUp(ctx, tenantID, request.State)
	}},
	ActionStartJob: {publishes: true, run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request estimatePayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		if err := data.StartJob(ctx, tenantID, request.EstimateID); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil
	}},
	ActionCompleteJob: {publishes: true, run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request estimatePayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return data.CompleteJob(ctx, tenantID, request.EstimateID, request.Actuals)
	}},
	ActionMarkJobPaid: {publishes: true, run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request estimatePayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return data.MarkJobPaid(ctx, tenantID, request.EstimateID)
	}},
	ActionDeleteEstimate: {publishes: true, run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request estimatePayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		if err := data.DeleteEstimate(ctx, tenantID, request.EstimateID); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil
	}},
	ActionSavePDF: {publishes: true, run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request syncengine.SavePDFRequest
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return data.SavePDF(ctx, tenantID, request)
	}},
	ActionUploadImage: {run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request syncengine.UploadImageRequest
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return data.UploadImage(ctx, tenantID, request)
	}},
	ActionCreateWorkOrder: {publishes: true, run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request workOrderPayload
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		return data.CreateWorkOrder(ctx, tenantID, request.EstimateData)
	}},
	ActionLogTime: {run: func(ctx context.Context, data DataService, tenantID string, payload json.RawMessage) (interface{}, error) {
		var request syncengine.LogTimeRequest
		if err := decodePayload(payload, &request); err != nil {
			return nil, err
		}
		if err := data.LogTime(ctx, tenantID, request); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil
	}},
}

func (h *httpHandler) handleData(c *gin.Context) {
	action, payload, err := decodeEnvelope(c)
	if err != nil {
		h.respondError(c, "", err)
		return
	}
	handler, ok := dataActions[action]
	if !ok {
		h.respondError(c, "", errUnknownAction)
		return
	}
	c.Set(actionContextKey, action)

	var credentials credentialsPayload
	if err := decodePayload(payload, &credentials); err != nil {
		h.respondError(c, action, err)
		return
	}
	tenantID := firstNonEmpty(credentials.TenantID, credentials.SpreadsheetID)
	token := firstNonEmpty(credentials.Token, bearerToken(c))
	if _, err := h.authorize(token, tenantID); err != nil {
		h.respondError(c, action, err)
		return
	}

	result, err := handler.run(c.Request.Context(), h.data, tenantID, payload)
	if err != nil {
		h.respondError(c, action, err)
		return
	}
	if handler.publishes {
		h.publish(tenantID, action)
	}
	respondSuccess(c, result)
}
