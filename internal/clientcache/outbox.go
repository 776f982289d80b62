package clientcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// Mutating actions accepted by the outbox.
const (
	ActionSyncUp          = "SYNC_UP"
	ActionStartJob        = "START_JOB"
	ActionCompleteJob     = "COMPLETE_JOB"
	ActionMarkJobPaid     = "MARK_JOB_PAID"
	ActionDeleteEstimate  = "DELETE_ESTIMATE"
	ActionSavePDF         = "SAVE_PDF"
	ActionUploadImage     = "UPLOAD_IMAGE"
	ActionCreateWorkOrder = "CREATE_WORK_ORDER"
	ActionLogTime         = "LOG_TIME"

	actionSyncDown = "SYNC_DOWN"
)

var mutatingActions = map[string]struct{}{
	ActionSyncUp:          {},
	ActionStartJob:        {},
	ActionCompleteJob:     {},
	ActionMarkJobPaid:     {},
	ActionDeleteEstimate:  {},
	ActionSavePDF:         {},
	ActionUploadImage:     {},
	ActionCreateWorkOrder: {},
	ActionLogTime:         {},
}

// credentialFields are stripped from queued payloads and injected from the session at send time.
var credentialFields = []string{"token", "tenantId", "spreadsheetId"}

// FlushReport counts what one Flush did.
type FlushReport struct {
	Sent     int
	Rejected int
	Pending  int
}

// Enqueue appends a mutation to the outbox without sending it. The entry belongs to the tenant of the
// current session, so queueing requires one.
func (c *Cache) Enqueue(ctx context.Context, action string, payload json.RawMessage) (OutboxEntry, error) {
	action = strings.ToUpper(strings.TrimSpace(action))
	if _, ok := mutatingActions[action]; !ok {
		return OutboxEntry{}, fmt.Errorf("%w: %q is not a queueable action", apperr.ErrValidation, action)
	}
	session, err := c.Session(ctx)
	if err != nil {
		return OutboxEntry{}, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return OutboxEntry{}, fmt.Errorf("%w: payload must be a json object", apperr.ErrValidation)
	}
	stripped := []byte(payload)
	for _, field := range credentialFields {
		var err error
		if stripped, err = sjson.DeleteBytes(stripped, field); err != nil {
			return OutboxEntry{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
		}
	}
	entryID, err := c.newEntryID()
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("clientcache: entry id: %w", err)
	}
	now := c.now().UTC().Unix()
	entry := OutboxEntry{
		EntryID:          entryID,
		TenantID:         session.TenantID,
		Action:           action,
		PayloadJSON:      string(stripped),
		State:            OutboxPending,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := c.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return OutboxEntry{}, fmt.Errorf("clientcache: enqueue %s: %w", action, err)
	}
	c.logger.Debug("mutation queued", zap.String("action", action), zap.Int64("seq", entry.Seq))
	return entry, nil
}

// Mutate queues a mutation and then flushes the outbox. The entry is durable before any network call,
// so a returned error never means the mutation was lost: a transport failure leaves it pending.
func (c *Cache) Mutate(ctx context.Context, action string, payload json.RawMessage) (OutboxEntry, error) {
	entry, err := c.Enqueue(ctx, action, payload)
	if err != nil {
		return OutboxEntry{}, err
	}
	_, flushErr := c.Flush(ctx)
	current, err := c.outboxEntry(ctx, entry.Seq)
	if err != nil {
		return entry, err
	}
	if flushErr != nil {
		return current, flushErr
	}
	if current.State == OutboxRejected {
		return current, rejectionError(current)
	}
	return current, nil
}

// SyncUp queues a full client state push.
func (c *Cache) SyncUp(ctx context.Context, state json.RawMessage) (OutboxEntry, error) {
	if len(state) == 0 || !gjson.ValidBytes(state) || !gjson.ParseBytes(state).IsObject() {
		return OutboxEntry{}, fmt.Errorf("%w: state must be a json object", apperr.ErrValidation)
	}
	payload, err := sjson.SetRawBytes([]byte(`{}`), "state", state)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return c.Mutate(ctx, ActionSyncUp, payload)
}

// Flush sends the current tenant's pending entries in submission order. A terminal rejection marks the
// entry rejected and moves on. Unauthorized, Busy, StoreUnavailable and exhausted transport retries stop
// the flush and leave the remaining entries pending. Entries queued under another tenant stay pending
// until a session for that tenant flushes them.
func (c *Cache) Flush(ctx context.Context) (FlushReport, error) {
	var report FlushReport
	session, err := c.Session(ctx)
	if err != nil {
		return report, err
	}
	var pending []OutboxEntry
	if err := c.db.WithContext(ctx).Where("state = ? AND tenant_id = ?", OutboxPending, session.TenantID).
		Order("seq asc").Find(&pending).Error; err != nil {
		return report, fmt.Errorf("clientcache: load outbox: %w", err)
	}
	for index := range pending {
		entry := &pending[index]
		payload, err := withCredentials(json.RawMessage(entry.PayloadJSON), session)
		if err != nil {
			return report, err
		}
		_, callErr := c.call(ctx, PathData, entry.Action, payload)
		entry.Attempts++
		entry.UpdatedAtSeconds = c.now().UTC().Unix()
		switch {
		case callErr == nil:
			entry.State = OutboxSent
			entry.LastError = ""
			entry.ErrorCode = ""
			report.Sent++
		case terminalRejection(callErr):
			entry.State = OutboxRejected
			entry.LastError = callErr.Error()
			entry.ErrorCode = apperr.Code(callErr)
			report.Rejected++
			c.logger.Warn("queued mutation rejected",
				zap.String("action", entry.Action),
				zap.Int64("seq", entry.Seq),
				zap.Error(callErr),
			)
		default:
			entry.LastError = callErr.Error()
			entry.ErrorCode = apperr.Code(callErr)
			if err := c.saveEntry(ctx, entry); err != nil {
				return report, err
			}
			report.Pending = len(pending) - index
			return report, fmt.Errorf("clientcache: flush stopped at %s: %w", entry.Action, callErr)
		}
		if err := c.saveEntry(ctx, entry); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Outbox lists entries in submission order, optionally filtered by state.
func (c *Cache) Outbox(ctx context.Context, state string) ([]OutboxEntry, error) {
	query := c.db.WithContext(ctx).Order("seq asc")
	if state != "" {
		query = query.Where("state = ?", state)
	}
	var entries []OutboxEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("clientcache: list outbox: %w", err)
	}
	return entries, nil
}

func (c *Cache) outboxEntry(ctx context.Context, seq int64) (OutboxEntry, error) {
	var entry OutboxEntry
	if err := c.db.WithContext(ctx).Where("seq = ?", seq).Take(&entry).Error; err != nil {
		return OutboxEntry{}, fmt.Errorf("clientcache: load outbox entry %d: %w", seq, err)
	}
	return entry, nil
}

func (c *Cache) saveEntry(ctx context.Context, entry *OutboxEntry) error {
	if err := c.db.WithContext(ctx).Save(entry).Error; err != nil {
		return fmt.Errorf("clientcache: update outbox entry %d: %w", entry.Seq, err)
	}
	return nil
}

func withCredentials(payload json.RawMessage, session Session) (json.RawMessage, error) {
	out, err := sjson.SetBytes([]byte(payload), "token", session.Token)
	if err == nil {
		out, err = sjson.SetBytes(out, "tenantId", session.TenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: attach credentials: %v", apperr.ErrValidation, err)
	}
	return out, nil
}

// terminalRejection reports whether the server refused the request for a reason a resend cannot fix.
func terminalRejection(err error) bool {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return errors.Is(err, apperr.ErrValidation)
	}
	if errors.Is(err, apperr.ErrUnauthorized) || apperr.Retryable(err) {
		return false
	}
	return true
}

func rejectionError(entry OutboxEntry) error {
	sentinel := apperr.FromCode(entry.ErrorCode)
	if sentinel == nil {
		return fmt.Errorf("clientcache: %s rejected: %s", entry.Action, entry.LastError)
	}
	return fmt.Errorf("%w: %s rejected: %s", sentinel, entry.Action, entry.LastError)
}
