package clientcache

// Outbox entry states.
const (
	OutboxPending  = "pending"
	OutboxSent     = "sent"
	OutboxRejected = "rejected"
)

// Keys of the kv table.
const (
	kvSession   = "session"
	kvWatermark = "last_sync_timestamp"
	kvWarehouse = "warehouse"
	kvLifetime  = "lifetime_usage"
)

// kvRow holds one piece of client bookkeeping: the session, the watermark, the warehouse counts.
type kvRow struct {
	Key   string `gorm:"column:kv_key;primaryKey;size:64;not null"`
	Value string `gorm:"column:kv_value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (kvRow) TableName() string {
	return "kv"
}

// cachedRecordRow is the working copy of one server record.
type cachedRecordRow struct {
	Collection         string `gorm:"column:collection;primaryKey;size:32;not null"`
	RecordID           string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON        string `gorm:"column:payload_json;type:text;not null"`
	LastModifiedMillis int64  `gorm:"column:last_modified_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (cachedRecordRow) TableName() string {
	return "cached_records"
}

// cachedSettingRow is the working copy of one settings entry.
type cachedSettingRow struct {
	Key       string `gorm:"column:setting_key;primaryKey;size:64;not null"`
	ValueJSON string `gorm:"column:value_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (cachedSettingRow) TableName() string {
	return "cached_settings"
}

// cachedMaterialLogRow is one entry of the append-only material log, replaced whole on every pull.
type cachedMaterialLogRow struct {
	Seq         int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (cachedMaterialLogRow) TableName() string {
	return "cached_material_log"
}

// OutboxEntry is one queued mutation. Entries are replayed in Seq order and never deleted;
// a terminal rejection keeps the entry with its server message. TenantID is the tenant whose
// session queued the entry; only a session for that tenant sends it.
type OutboxEntry struct {
	Seq              int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	EntryID          string `gorm:"column:entry_id;size:190;not null;uniqueIndex"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null;default:'';index"`
	Action           string `gorm:"column:action;size:64;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	State            string `gorm:"column:state;size:16;not null;index"`
	Attempts         int    `gorm:"column:attempts;not null;default:0"`
	LastError        string `gorm:"column:last_error;type:text;not null;default:''"`
	ErrorCode        string `gorm:"column:error_code;size:64;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OutboxEntry) TableName() string {
	return "outbox"
}

// Models lists the tables of the client cache database.
func Models() []interface{} {
	return []interface{}{
		&kvRow{},
		&cachedRecordRow{},
		&cachedSettingRow{},
		&cachedMaterialLogRow{},
		&OutboxEntry{},
	}
}
