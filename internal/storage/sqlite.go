package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrKeyNotFound indicates a primary-key lookup matched no row.
	ErrKeyNotFound = errors.New("storage: key not found")
	// ErrTxNotWriting indicates a write transaction was used after commit or rollback.
	ErrTxNotWriting = errors.New("storage: transaction is not writing")
)

// DB wraps a SQLite file with single-writer transactions and a monotonically
// increasing snapshot version advanced by every committed write.
type DB struct {
	orm     *gorm.DB
	logger  *zap.Logger
	writeMu sync.Mutex
	latest  atomic.Int64
}

type snapshotRecord struct {
	ID      int64 `gorm:"column:id;primaryKey;autoIncrement:false"`
	Version int64 `gorm:"column:version;not null"`
}

func (snapshotRecord) TableName() string {
	return "storage_snapshots"
}

const snapshotRowID = 1

// Open establishes a SQLite connection, applies concurrency pragmas and
// migrates the storage bookkeeping tables.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	orm, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA synchronous = NORMAL;",
	} {
		if err := orm.Exec(pragma).Error; err != nil {
			return nil, err
		}
	}

	if err := orm.AutoMigrate(&snapshotRecord{}, &schemaVersionRecord{}); err != nil {
		return nil, err
	}

	db := &DB{orm: orm, logger: logger}
	if err := db.loadSnapshotVersion(); err != nil {
		return nil, err
	}

	logger.Info("storage initialized",
		zap.String("path", path),
		zap.Int64("snapshot_version", db.latest.Load()))

	return db, nil
}

func (d *DB) loadSnapshotVersion() error {
	var rec snapshotRecord
	err := d.orm.Where("id = ?", snapshotRowID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = snapshotRecord{ID: snapshotRowID, Version: 1}
		if err := d.orm.Create(&rec).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	d.latest.Store(rec.Version)
	return nil
}

// LatestSnapshot returns the version of the most recently committed snapshot.
func (d *DB) LatestSnapshot() int64 {
	return d.latest.Load()
}

// Read runs fn inside a transaction. Callers copy rows out, so the values fn
// produces stay frozen at the snapshot it observed.
func (d *DB) Read(fn func(tx *gorm.DB) error) error {
	return d.orm.Transaction(fn)
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WriteTx is an exclusive write transaction. Exactly one exists at a time; the
// snapshot version it will publish is reserved at begin and becomes the latest
// snapshot when Commit succeeds.
type WriteTx struct {
	db       *DB
	orm      *gorm.DB
	snapshot int64
	open     bool
}

// BeginWrite blocks until the writer slot is free and opens a transaction.
func (d *DB) BeginWrite() (*WriteTx, error) {
	d.writeMu.Lock()
	tx := d.orm.Begin()
	if tx.Error != nil {
		d.writeMu.Unlock()
		return nil, tx.Error
	}
	return &WriteTx{db: d, orm: tx, snapshot: d.latest.Load() + 1, open: true}, nil
}

// Tx exposes the transaction handle for row operations.
func (t *WriteTx) Tx() *gorm.DB {
	return t.orm
}

// SnapshotVersion returns the snapshot number this transaction publishes on commit.
func (t *WriteTx) SnapshotVersion() int64 {
	return t.snapshot
}

// Writing reports whether the transaction is still open for mutation.
func (t *WriteTx) Writing() bool {
	return t != nil && t.open
}

// Commit persists the advanced snapshot counter and commits the transaction.
func (t *WriteTx) Commit() error {
	if !t.Writing() {
		return ErrTxNotWriting
	}
	err := t.orm.Model(&snapshotRecord{}).
		Where("id = ?", snapshotRowID).
		Update("version", t.snapshot).Error
	if err != nil {
		t.orm.Rollback()
		t.release()
		return err
	}
	if err := t.orm.Commit().Error; err != nil {
		t.release()
		return err
	}
	t.db.latest.Store(t.snapshot)
	t.release()
	return nil
}

// Rollback abandons the transaction. Safe to call after Commit.
func (t *WriteTx) Rollback() error {
	if !t.Writing() {
		return nil
	}
	err := t.orm.Rollback().Error
	t.release()
	return err
}

func (t *WriteTx) release() {
	t.open = false
	t.db.writeMu.Unlock()
}
