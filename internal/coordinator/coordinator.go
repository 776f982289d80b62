// Package coordinator serializes mutating operations per tenant with a bounded-wait exclusive lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxWait bounds how long a writer waits for a tenant lock.
const DefaultMaxWait = 10 * time.Second

var (
	// ErrBusy reports that the tenant lock could not be obtained within the wait bound.
	ErrBusy = fmt.Errorf("%w: tenant is locked by another writer", apperr.ErrBusy)

	errMissingTenant = fmt.Errorf("%w: tenant id required", apperr.ErrValidation)

	lockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foamsync_tenant_lock_wait_seconds",
			Help:    "Time spent waiting for a tenant write lock.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"outcome"},
	)
	lockBusyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foamsync_tenant_lock_busy_total",
		Help: "Lock acquisitions that timed out and were reported as busy.",
	})
)

// Config wires the coordinator.
type Config struct {
	MaxWait time.Duration
	Logger  *zap.Logger
}

// Coordinator hands out one exclusive lock per tenant. The zero value is not usable; call New.
type Coordinator struct {
	mu      sync.Mutex
	tenants map[string]*semaphore.Weighted
	maxWait time.Duration
	logger  *zap.Logger
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		tenants: make(map[string]*semaphore.Weighted),
		maxWait: maxWait,
		logger:  logger,
	}
}

// MaxWait reports the default wait bound.
func (c *Coordinator) MaxWait() time.Duration {
	return c.maxWait
}

// Lock is a held tenant lock. Release is safe to call more than once.
type Lock struct {
	tenantID string
	sem      *semaphore.Weighted
	once     sync.Once
}

// TenantID reports which tenant the lock guards.
func (l *Lock) TenantID() string {
	return l.tenantID
}

// Release gives the lock back.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.sem.Release(1)
	})
}

// Acquire waits up to maxWait for the tenant lock. A non-positive maxWait uses the configured default.
// Timing out returns ErrBusy; cancellation of ctx returns ctx's error.
func (c *Coordinator) Acquire(ctx context.Context, tenantID string, maxWait time.Duration) (*Lock, error) {
	if tenantID == "" {
		return nil, errMissingTenant
	}
	if maxWait <= 0 {
		maxWait = c.maxWait
	}
	sem := c.semaphoreFor(tenantID)

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	if err := sem.Acquire(waitCtx, 1); err != nil {
		elapsed := time.Since(start).Seconds()
		if parentErr := ctx.Err(); parentErr != nil {
			lockWaitSeconds.WithLabelValues("cancelled").Observe(elapsed)
			return nil, parentErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			lockWaitSeconds.WithLabelValues("busy").Observe(elapsed)
			lockBusyTotal.Inc()
			c.logger.Warn("tenant lock busy",
				zap.String("tenant_id", tenantID),
				zap.Duration("max_wait", maxWait))
			return nil, ErrBusy
		}
		return nil, err
	}
	lockWaitSeconds.WithLabelValues("acquired").Observe(time.Since(start).Seconds())
	return &Lock{tenantID: tenantID, sem: sem}, nil
}

// WithLock runs fn while holding the tenant lock and releases it on every exit path.
func (c *Coordinator) WithLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	lock, err := c.Acquire(ctx, tenantID, 0)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn(ctx)
}

func (c *Coordinator) semaphoreFor(tenantID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.tenants[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		c.tenants[tenantID] = sem
	}
	return sem
}
