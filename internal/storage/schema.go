package storage

import (
	"errors"

	"gorm.io/gorm"
)

type schemaVersionRecord struct {
	GroupName string `gorm:"column:group_name;primaryKey;size:190;not null"`
	Version   int64  `gorm:"column:version;not null"`
}

func (schemaVersionRecord) TableName() string {
	return "sync_schema_versions"
}

// SchemaVersion looks up the installed schema version for a metadata group.
// The second return value reports whether any version has been recorded.
func (d *DB) SchemaVersion(group string) (int64, bool, error) {
	var rec schemaVersionRecord
	err := d.orm.Where("group_name = ?", group).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rec.Version, true, nil
}

// SetSchemaVersion records the installed schema version for a metadata group
// within the supplied transaction.
func SetSchemaVersion(tx *gorm.DB, group string, version int64) error {
	return tx.Create(&schemaVersionRecord{GroupName: group, Version: version}).Error
}
