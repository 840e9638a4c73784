package subscriptions

// setRow persists one numbered subscription set version.
type setRow struct {
	Version         int64   `gorm:"column:version;primaryKey;autoIncrement:false"`
	State           int64   `gorm:"column:state;not null"`
	SnapshotVersion int64   `gorm:"column:snapshot_version;not null;default:0"`
	Error           *string `gorm:"column:error;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (setRow) TableName() string {
	return "flx_subscription_sets"
}

// subscriptionRow persists one subscription embedded in its parent set; the
// composite key preserves stored order and rows are deleted with the parent.
type subscriptionRow struct {
	SetVersion     int64   `gorm:"column:set_version;primaryKey;autoIncrement:false"`
	Position       int64   `gorm:"column:position;primaryKey;autoIncrement:false"`
	SubID          string  `gorm:"column:id;size:36;not null"`
	CreatedAtNanos int64   `gorm:"column:created_at_ns;not null"`
	UpdatedAtNanos int64   `gorm:"column:updated_at_ns;not null"`
	Name           *string `gorm:"column:name;size:190"`
	ObjectClass    string  `gorm:"column:object_class;size:190;not null"`
	Query          string  `gorm:"column:query;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (subscriptionRow) TableName() string {
	return "flx_subscriptions"
}
