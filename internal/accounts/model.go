package accounts

import (
	"strings"
)

// Account maps an owner login to the tenant dataset created at signup.
type Account struct {
	Username         string `gorm:"column:username;primaryKey;size:190;not null"`
	PasswordHash     string `gorm:"column:password_hash;size:100;not null"`
	CompanyName      string `gorm:"column:company_name;size:255;not null"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null;uniqueIndex"`
	CrewPin          string `gorm:"column:crew_pin;size:8;not null"`
	Email            string `gorm:"column:email;size:320"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing owner accounts.
func (Account) TableName() string {
	return "accounts"
}

// TrialRequest is one trial membership sign-up.
type TrialRequest struct {
	ID               string `gorm:"column:request_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:255"`
	Email            string `gorm:"column:email;size:320"`
	Phone            string `gorm:"column:phone;size:64"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing trial requests.
func (TrialRequest) TableName() string {
	return "trial_requests"
}

// Models lists the tables owned by this package.
func Models() []interface{} {
	return []interface{}{&Account{}, &TrialRequest{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
