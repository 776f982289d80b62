package store

// Tenant is one isolated dataset. Created at signup, never deleted by the sync core.
type Tenant struct {
	ID               string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	CompanyName      string `gorm:"column:company_name;size:255;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tenant) TableName() string {
	return "tenants"
}

// RecordRow stores one record of a keyed collection as a JSON blob.
// LastModifiedMillis mirrors the payload's lastModified field; nil means the payload carries none.
type RecordRow struct {
	TenantID           string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_records_watermark,priority:1"`
	Collection         string `gorm:"column:collection;primaryKey;size:32;not null;index:idx_records_watermark,priority:2"`
	RecordID           string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON        string `gorm:"column:payload_json;type:text;not null"`
	LastModifiedMillis *int64 `gorm:"column:last_modified_ms;index:idx_records_watermark,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (RecordRow) TableName() string {
	return "tenant_records"
}

// SettingRow stores one named settings entry. Each write replaces the previous value.
type SettingRow struct {
	TenantID         string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	Key              string `gorm:"column:setting_key;primaryKey;size:64;not null"`
	ValueJSON        string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SettingRow) TableName() string {
	return "tenant_settings"
}

// MaterialLogRow is one append-only material consumption entry.
type MaterialLogRow struct {
	Seq         int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	TenantID    string `gorm:"column:tenant_id;size:190;not null;index:idx_material_log_tenant"`
	EntryID     string `gorm:"column:entry_id;size:255;not null"`
	JobID       string `gorm:"column:job_id;size:190;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MaterialLogRow) TableName() string {
	return "tenant_material_log"
}

// LedgerRow is the profit and loss line derived when a job is marked paid.
// At most one row exists per job.
type LedgerRow struct {
	EntryID         string  `gorm:"column:entry_id;primaryKey;size:190;not null"`
	TenantID        string  `gorm:"column:tenant_id;size:190;not null;uniqueIndex:idx_ledger_tenant_job,priority:1"`
	JobID           string  `gorm:"column:job_id;size:190;not null;uniqueIndex:idx_ledger_tenant_job,priority:2"`
	Date            string  `gorm:"column:entry_date;size:64;not null"`
	Customer        string  `gorm:"column:customer;size:255;not null;default:''"`
	InvoiceNumber   string  `gorm:"column:invoice_number;size:190;not null;default:''"`
	Revenue         float64 `gorm:"column:revenue;not null;default:0"`
	Cost            float64 `gorm:"column:cost;not null;default:0"`
	Profit          float64 `gorm:"column:profit;not null;default:0"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LedgerRow) TableName() string {
	return "tenant_profit_ledger"
}

// CrewTimeRow records one crew clock-in against a work order.
type CrewTimeRow struct {
	EntryID         string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	TenantID        string `gorm:"column:tenant_id;size:190;not null;index:idx_crew_time_tenant"`
	WorkOrderURL    string `gorm:"column:work_order_url;type:text;not null"`
	User            string `gorm:"column:user_name;size:255;not null"`
	StartTime       string `gorm:"column:start_time;size:64;not null"`
	EndTime         string `gorm:"column:end_time;size:64;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CrewTimeRow) TableName() string {
	return "tenant_crew_time"
}

// TombstoneRow marks a record removed from a collection, so incremental pulls can delete it from
// client working copies. Writing the record again removes its tombstone.
type TombstoneRow struct {
	TenantID        string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_tombstones_watermark,priority:1"`
	Collection      string `gorm:"column:collection;primaryKey;size:32;not null;index:idx_tombstones_watermark,priority:2"`
	RecordID        string `gorm:"column:record_id;primaryKey;size:190;not null"`
	DeletedAtMillis int64  `gorm:"column:deleted_at_ms;not null;index:idx_tombstones_watermark,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (TombstoneRow) TableName() string {
	return "tenant_tombstones"
}

// Models lists every table owned by this package, for schema migration.
func Models() []interface{} {
	return []interface{}{
		&Tenant{},
		&RecordRow{},
		&SettingRow{},
		&MaterialLogRow{},
		&LedgerRow{},
		&CrewTimeRow{},
		&TombstoneRow{},
	}
}
