// Package clientcache keeps the offline client's working copy of a tenant dataset, its session and
// sync watermark, and an outbox of mutations that replays in submission order once the server is reachable.
package clientcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/foamsync/internal/logging"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultRetryDelay = time.Second

	actionLogin     = "LOGIN"
	actionSignup    = "SIGNUP"
	actionCrewLogin = "CREW_LOGIN"
)

var (
	errMissingDatabase  = errors.New("clientcache: database handle required")
	errMissingTransport = errors.New("clientcache: transport required")
	errNegativeRetries  = errors.New("clientcache: max retries must not be negative")

	// ErrNoSession is returned by operations that need credentials before any login.
	ErrNoSession = fmt.Errorf("%w: not logged in", apperr.ErrUnauthorized)
)

// Config describes the dependencies of a Cache.
// MaxRetries counts retries after the first attempt; RetryDelay defaults to one second.
type Config struct {
	Database   *gorm.DB
	Transport  Transport
	Logger     *zap.Logger
	Clock      func() time.Time
	MaxRetries int
	RetryDelay time.Duration
	NewEntryID func() (string, error)
}

// Cache is the client side of the sync protocol.
type Cache struct {
	db         *gorm.DB
	transport  Transport
	logger     *zap.Logger
	now        func() time.Time
	maxRetries int
	retryDelay time.Duration
	newEntryID func() (string, error)
}

// Session is the credential set persisted after a login or signup.
type Session struct {
	Username    string    `json:"username"`
	CompanyName string    `json:"companyName"`
	TenantID    string    `json:"tenantId"`
	Role        string    `json:"role"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CrewPin     string    `json:"crewPin,omitempty"`
}

// SignupRequest is the SIGNUP payload.
type SignupRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	CompanyName string `json:"companyName"`
	Email       string `json:"email"`
}

// Open connects to the local cache database at path. Query failures go to logger; a lookup that finds
// no row is not one.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("clientcache: cache path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logging.NewGormLogger(logger)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// New migrates the cache tables and returns a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.MaxRetries < 0 {
		return nil, errNegativeRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	newEntryID := cfg.NewEntryID
	if newEntryID == nil {
		newEntryID = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	if err := cfg.Database.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("clientcache: migrate: %w", err)
	}
	return &Cache{
		db:         cfg.Database,
		transport:  cfg.Transport,
		logger:     logger,
		now:        clock,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		newEntryID: newEntryID,
	}, nil
}

// Login exchanges owner credentials for a session and persists it.
func (c *Cache) Login(ctx context.Context, username, password string) (Session, error) {
	return c.authenticate(ctx, actionLogin, map[string]string{"username": username, "password": password})
}

// CrewLogin exchanges a username and crew PIN for a crew session and persists it.
func (c *Cache) CrewLogin(ctx context.Context, username, pin string) (Session, error) {
	return c.authenticate(ctx, actionCrewLogin, map[string]string{"username": username, "pin": pin})
}

// Signup provisions a new tenant and persists the returned owner session.
func (c *Cache) Signup(ctx context.Context, request SignupRequest) (Session, error) {
	return c.authenticate(ctx, actionSignup, request)
}

func (c *Cache) authenticate(ctx context.Context, action string, payload interface{}) (Session, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	data, err := c.call(ctx, PathAuth, action, encoded)
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("%w: decode session: %v", apperr.ErrTransport, err)
	}
	if session.Token == "" || session.TenantID == "" {
		return Session{}, fmt.Errorf("%w: session without credentials", apperr.ErrTransport)
	}
	previous, err := c.Session(ctx)
	switch {
	case err == nil && previous.TenantID != session.TenantID:
		if err := c.resetWorkingCopy(ctx); err != nil {
			return Session{}, err
		}
	case err != nil && !errors.Is(err, ErrNoSession):
		return Session{}, err
	}
	if err := c.putJSON(c.db.WithContext(ctx), kvSession, session); err != nil {
		return Session{}, err
	}
	c.logger.Info("session stored",
		zap.String("action", action),
		zap.String("tenant_id", session.TenantID),
		zap.String("role", session.Role),
	)
	return session, nil
}

// Session returns the persisted session or ErrNoSession.
func (c *Cache) Session(ctx context.Context) (Session, error) {
	var session Session
	found, err := c.getJSON(c.db.WithContext(ctx), kvSession, &session)
	if err != nil {
		return Session{}, err
	}
	if !found {
		return Session{}, ErrNoSession
	}
	return session, nil
}

// Logout forgets the session. The working copy and the outbox stay for the next login of the same tenant.
func (c *Cache) Logout(ctx context.Context) error {
	if err := c.db.WithContext(ctx).Delete(&kvRow{Key: kvSession}).Error; err != nil {
		return fmt.Errorf("clientcache: logout: %w", err)
	}
	return nil
}

// resetWorkingCopy drops cached data of a previous tenant. Pending outbox entries are kept.
func (c *Cache) resetWorkingCopy(ctx context.Context) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&cachedRecordRow{}).Error; err != nil {
			return err
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&cachedSettingRow{}).Error; err != nil {
			return err
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&cachedMaterialLogRow{}).Error; err != nil {
			return err
		}
		return tx.Where("kv_key IN ?", []string{kvWatermark, kvWarehouse, kvLifetime}).Delete(&kvRow{}).Error
	})
}

func (c *Cache) putJSON(db *gorm.DB, key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("clientcache: encode %s: %w", key, err)
	}
	row := kvRow{Key: key, Value: string(encoded)}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("clientcache: store %s: %w", key, err)
	}
	return nil
}

func (c *Cache) getJSON(db *gorm.DB, key string, target interface{}) (bool, error) {
	var row kvRow
	err := db.Where("kv_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("clientcache: load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(row.Value), target); err != nil {
		return false, fmt.Errorf("clientcache: decode %s: %w", key, err)
	}
	return true, nil
}
