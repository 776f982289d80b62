// Package accounts owns owner logins, crew PINs and trial requests, and provisions a tenant dataset per signup.
package accounts

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/foamsync/internal/auth"
	"github.com/MarcoPoloResearchLab/foamsync/internal/store"
	"github.com/MarcoPoloResearchLab/foamsync/internal/syncengine"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	opSignup         = "accounts.signup"
	opLogin          = "accounts.login"
	opCrewLogin      = "accounts.crew_login"
	opUpdatePassword = "accounts.update_password"
	opSubmitTrial    = "accounts.submit_trial"

	settingCompanyProfile = "companyProfile"
	settingCosts          = "costs"

	maxUsernameLength = 190
	crewPinMin        = 1000
	crewPinSpan       = 9000
)

var (
	errMissingStore  = errors.New("accounts: tenant store required")
	errMissingTokens = errors.New("accounts: token service required")

	// ErrUsernameTaken rejects a signup for an existing username.
	ErrUsernameTaken = fmt.Errorf("%w: username already taken", apperr.ErrValidation)
	// ErrInvalidCredentials is returned for any failed login. It never says which part was wrong.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)
	// ErrInvalidSignup marks missing signup or trial fields.
	ErrInvalidSignup = fmt.Errorf("%w: invalid request", apperr.ErrValidation)
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Store       *store.Store
	Tokens      *auth.TokenService
	Clock       func() time.Time
	Logger      *zap.Logger
	NewTenantID func() (string, error)
	PinSource   io.Reader
	BcryptCost  int
}

// Service signs owners up, logs owners and crews in, and records trial requests.
type Service struct {
	store       *store.Store
	tokens      *auth.TokenService
	now         func() time.Time
	logger      *zap.Logger
	newTenantID func() (string, error)
	pinSource   io.Reader
	bcryptCost  int
}

// SignupRequest is the SIGNUP payload.
type SignupRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	CompanyName string `json:"companyName"`
	Email       string `json:"email"`
}

// TrialSubmission is the SUBMIT_TRIAL payload.
type TrialSubmission struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Session is returned by every successful login or signup.
type Session struct {
	Username    string    `json:"username"`
	CompanyName string    `json:"companyName"`
	TenantID    string    `json:"tenantId"`
	Role        auth.Role `json:"role"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CrewPin     string    `json:"crewPin,omitempty"`
}

type companyProfile struct {
	CompanyName   string `json:"companyName"`
	CrewAccessPin string `json:"crewAccessPin"`
	Email         string `json:"email"`
	LogoURL       string `json:"logoUrl"`
	Phone         string `json:"phone"`
	AddressLine1  string `json:"addressLine1"`
}

type defaultCosts struct {
	OpenCell   float64 `json:"openCell"`
	ClosedCell float64 `json:"closedCell"`
	LaborRate  float64 `json:"laborRate"`
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newTenantID := cfg.NewTenantID
	if newTenantID == nil {
		newTenantID = func() (string, error) {
			identifier, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return identifier.String(), nil
		}
	}
	pinSource := cfg.PinSource
	if pinSource == nil {
		pinSource = rand.Reader
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		store:       cfg.Store,
		tokens:      cfg.Tokens,
		now:         clock,
		logger:      logger,
		newTenantID: newTenantID,
		pinSource:   pinSource,
		bcryptCost:  cost,
	}, nil
}

// Signup creates the account, its tenant dataset and the tenant's default settings in one transaction.
func (s *Service) Signup(ctx context.Context, request SignupRequest) (Session, error) {
	username := normalize(request.Username)
	companyName := normalize(request.CompanyName)
	if username == "" || len(username) > maxUsernameLength || request.Password == "" || companyName == "" {
		return Session{}, fmt.Errorf("%w: username, password and companyName required", ErrInvalidSignup)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), s.bcryptCost)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSignup, err)
	}
	tenantID, err := s.newTenantID()
	if err != nil {
		s.logError(opSignup, "tenant_id_failed", err)
		return Session{}, fmt.Errorf("%s: %w", opSignup, err)
	}
	crewPin, err := s.generatePin()
	if err != nil {
		s.logError(opSignup, "pin_generation_failed", err)
		return Session{}, fmt.Errorf("%s: %w", opSignup, err)
	}
	email := normalize(request.Email)

	account := Account{
		Username:         username,
		PasswordHash:     string(hash),
		CompanyName:      companyName,
		TenantID:         tenantID,
		CrewPin:          crewPin,
		Email:            email,
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	defaults, err := defaultSettings(companyName, crewPin, email)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", opSignup, err)
	}

	err = s.store.Atomic(ctx, func(tx *store.Store) error {
		db := tx.Handle(ctx)
		var existing Account
		lookupErr := db.Where("username = ?", username).Take(&existing).Error
		if lookupErr == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return s.unavailable(opSignup, lookupErr)
		}
		if err := tx.CreateTenant(ctx, store.Tenant{ID: tenantID, CompanyName: companyName}); err != nil {
			return err
		}
		for key, value := range defaults {
			if err := tx.PutSetting(ctx, tenantID, key, value); err != nil {
				return err
			}
		}
		if err := db.Create(&account).Error; err != nil {
			return s.unavailable(opSignup, err)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	s.logger.Info("tenant provisioned", zap.String("tenant_id", tenantID), zap.String("username", username))
	session, err := s.issueSession(opSignup, account, auth.RoleAdmin)
	if err != nil {
		return Session{}, err
	}
	session.CrewPin = crewPin
	return session, nil
}

// Login verifies an owner's password and returns an admin session.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	account, err := s.findAccount(ctx, opLogin, username)
	if err != nil {
		return Session{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.issueSession(opLogin, account, auth.RoleAdmin)
}

// CrewLogin verifies the company's crew PIN and returns a crew session.
func (s *Service) CrewLogin(ctx context.Context, username, pin string) (Session, error) {
	account, err := s.findAccount(ctx, opCrewLogin, username)
	if err != nil {
		return Session{}, err
	}
	if subtle.ConstantTimeCompare([]byte(normalize(pin)), []byte(account.CrewPin)) != 1 {
		return Session{}, ErrInvalidCredentials
	}
	return s.issueSession(opCrewLogin, account, auth.RoleCrew)
}

// UpdatePassword replaces the owner's password after verifying the current one.
func (s *Service) UpdatePassword(ctx context.Context, username, currentPassword, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("%w: newPassword required", ErrInvalidSignup)
	}
	account, err := s.findAccount(ctx, opUpdatePassword, username)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(currentPassword)) != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignup, err)
	}
	err = s.store.Handle(ctx).
		Model(&Account{}).
		Where("username = ?", account.Username).
		Update("password_hash", string(hash)).
		Error
	if err != nil {
		return s.unavailable(opUpdatePassword, err)
	}
	return nil
}

// SubmitTrial records a trial membership request.
func (s *Service) SubmitTrial(ctx context.Context, submission TrialSubmission) error {
	request := TrialRequest{
		Name:             normalize(submission.Name),
		Email:            normalize(submission.Email),
		Phone:            normalize(submission.Phone),
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	if request.Name == "" && request.Email == "" {
		return fmt.Errorf("%w: name or email required", ErrInvalidSignup)
	}
	identifier, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("%s: %w", opSubmitTrial, err)
	}
	request.ID = identifier.String()
	if err := s.store.Handle(ctx).Create(&request).Error; err != nil {
		return s.unavailable(opSubmitTrial, err)
	}
	return nil
}

func (s *Service) findAccount(ctx context.Context, operation, username string) (Account, error) {
	username = normalize(username)
	if username == "" {
		return Account{}, ErrInvalidCredentials
	}
	var account Account
	err := s.store.Handle(ctx).Where("username = ?", username).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, s.unavailable(operation, err)
	}
	return account, nil
}

func (s *Service) issueSession(operation string, account Account, role auth.Role) (Session, error) {
	token, expiresAt, err := s.tokens.Issue(account.Username, role, account.TenantID)
	if err != nil {
		s.logError(operation, "token_issue_failed", err)
		return Session{}, fmt.Errorf("%s: %w", operation, err)
	}
	return Session{
		Username:    account.Username,
		CompanyName: account.CompanyName,
		TenantID:    account.TenantID,
		Role:        role,
		Token:       token,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *Service) generatePin() (string, error) {
	value, err := rand.Int(s.pinSource, big.NewInt(crewPinSpan))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", value.Int64()+crewPinMin), nil
}

func defaultSettings(companyName, crewPin, email string) (map[string]json.RawMessage, error) {
	values := map[string]interface{}{
		settingCompanyProfile: companyProfile{
			CompanyName:   companyName,
			CrewAccessPin: crewPin,
			Email:         email,
		},
		settingCosts:                      defaultCosts{OpenCell: 2000, ClosedCell: 2600, LaborRate: 85},
		syncengine.SettingWarehouseCounts: map[string]float64{"openCellSets": 0, "closedCellSets": 0},
		syncengine.SettingLifetimeUsage:   map[string]float64{"openCell": 0, "closedCell": 0},
	}
	settings := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		settings[key] = encoded
	}
	return settings, nil
}

func (s *Service) unavailable(operation string, err error) error {
	s.logError(operation, "query_failed", err)
	return fmt.Errorf("%w: %s: %v", apperr.ErrStoreUnavailable, operation, err)
}

func (s *Service) logError(operation, reason string, err error) {
	s.logger.Error("account operation failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
}
