// Package syncengine reconciles client datasets with the tenant store and applies job lifecycle transitions.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/foamsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("syncengine: tenant store is required")
	errMissingLocker     = errors.New("syncengine: tenant locker is required")
	errMissingBlobStore  = errors.New("syncengine: blob store is required")
	errMissingIDProvider = errors.New("syncengine: id provider is required")
	errInvalidPayload    = fmt.Errorf("%w: invalid payload", apperr.ErrValidation)
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code and unwraps to its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew       = "syncengine.new"
	opSyncDown        = "syncengine.sync_down"
	opSyncUp          = "syncengine.sync_up"
	opStartJob        = "syncengine.start_job"
	opCompleteJob     = "syncengine.complete_job"
	opMarkJobPaid     = "syncengine.mark_job_paid"
	opDeleteEstimate  = "syncengine.delete_estimate"
	opSavePDF         = "syncengine.save_pdf"
	opUploadImage     = "syncengine.upload_image"
	opCreateWorkOrder = "syncengine.create_work_order"
	opLogTime         = "syncengine.log_time"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// TenantLocker serializes mutating work per tenant. fn runs with the lock held and
// the lock is released on every exit path.
type TenantLocker interface {
	WithLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

// IDProvider issues unique identifiers for blobs and ledger rows.
type IDProvider interface {
	NewID() (string, error)
}

// Config wires the engine's collaborators.
type Config struct {
	Store      *store.Store
	Locker     TenantLocker
	Blobs      blobstore.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Engine implements pull, push and the job lifecycle over one tenant store.
// Every mutating operation runs under the tenant lock; SyncDown never takes it.
type Engine struct {
	store      *store.Store
	locker     TenantLocker
	blobs      blobstore.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewEngine validates the configuration and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Locker == nil {
		return nil, newServiceError(opEngineNew, "missing_locker", errMissingLocker)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(opEngineNew, "missing_blob_store", errMissingBlobStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opEngineNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:      cfg.Store,
		locker:     cfg.Locker,
		blobs:      cfg.Blobs,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func (e *Engine) nowMillis() int64 {
	return e.clock().UTC().UnixMilli()
}

// mutate runs fn under the tenant lock and records the outcome.
func (e *Engine) mutate(ctx context.Context, operation, tenantID string, fn func(ctx context.Context) error) error {
	err := e.locker.WithLock(ctx, tenantID, fn)
	observeOperation(operation, err)
	if err == nil {
		return nil
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newServiceError(operation, "cancelled", err)
	}
	reason := apperr.Code(err)
	if reason == apperr.CodeInternal || reason == apperr.CodeStoreUnavailable {
		e.logError(operation, reason, err, zap.String("tenant_id", tenantID))
	}
	return newServiceError(operation, reason, err)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}

func validationError(operation, reason, detail string) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %s", apperr.ErrValidation, detail))
}
