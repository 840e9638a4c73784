package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type widgetRow struct {
	ID    int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Label string `gorm:"column:label;not null"`
}

func (widgetRow) TableName() string {
	return "test_widgets"
}

func openTempDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "storage.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("unexpected close error: %v", err)
		}
	})
	return db
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("", zap.NewNop()); err == nil {
		t.Fatalf("expected missing path to fail")
	}
}

func TestSnapshotVersionAdvancesPerCommit(t *testing.T) {
	db := openTempDB(t)
	initial := db.LatestSnapshot()

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("unexpected begin write error: %v", err)
	}
	if tx.SnapshotVersion() != initial+1 {
		t.Fatalf("expected reserved snapshot %d, got %d", initial+1, tx.SnapshotVersion())
	}
	if db.LatestSnapshot() != initial {
		t.Fatalf("snapshot must not advance before commit")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if db.LatestSnapshot() != initial+1 {
		t.Fatalf("expected snapshot %d after commit, got %d", initial+1, db.LatestSnapshot())
	}
}

func TestSnapshotVersionSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.db")
	db, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("unexpected begin write error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	want := db.LatestSnapshot()
	if err := db.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	reopened, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	defer reopened.Close() //nolint:errcheck
	if reopened.LatestSnapshot() != want {
		t.Fatalf("expected snapshot %d after reopen, got %d", want, reopened.LatestSnapshot())
	}
}

func TestRollbackDoesNotAdvanceSnapshot(t *testing.T) {
	db := openTempDB(t)
	initial := db.LatestSnapshot()

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("unexpected begin write error: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("unexpected rollback error: %v", err)
	}
	if db.LatestSnapshot() != initial {
		t.Fatalf("expected snapshot %d after rollback, got %d", initial, db.LatestSnapshot())
	}
}

func TestWriteTxClosedAfterCommit(t *testing.T) {
	db := openTempDB(t)

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("unexpected begin write error: %v", err)
	}
	if !tx.Writing() {
		t.Fatalf("expected open transaction to be writing")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if tx.Writing() {
		t.Fatalf("expected committed transaction to stop writing")
	}
	if err := tx.Commit(); !errors.Is(err, ErrTxNotWriting) {
		t.Fatalf("expected recommit to fail with ErrTxNotWriting, got %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("expected rollback after commit to be a no-op, got %v", err)
	}
}

func TestWritersSerialize(t *testing.T) {
	db := openTempDB(t)
	if err := db.orm.AutoMigrate(&widgetRow{}); err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}

	first, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("unexpected begin write error: %v", err)
	}

	secondReady := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(secondReady)
		second, err := db.BeginWrite()
		if err != nil {
			done <- err
			return
		}
		err = second.Tx().Create(&widgetRow{ID: 2, Label: "second"}).Error
		if err != nil {
			second.Rollback() //nolint:errcheck
			done <- err
			return
		}
		done <- second.Commit()
	}()

	<-secondReady
	if err := first.Tx().Create(&widgetRow{ID: 1, Label: "first"}).Error; err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := first.Commit(); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("unexpected second writer error: %v", err)
	}

	var count int64
	if err := db.Read(func(tx *gorm.DB) error {
		return tx.Model(&widgetRow{}).Count(&count).Error
	}); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected both writers to land, got %d rows", count)
	}
}

func TestSchemaVersionRegistry(t *testing.T) {
	db := openTempDB(t)

	if _, found, err := db.SchemaVersion("example_group"); err != nil || found {
		t.Fatalf("expected no recorded version, got found=%v err=%v", found, err)
	}

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("unexpected begin write error: %v", err)
	}
	if err := SetSchemaVersion(tx.Tx(), "example_group", 2); err != nil {
		t.Fatalf("unexpected set version error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	version, found, err := db.SchemaVersion("example_group")
	if err != nil || !found || version != 2 {
		t.Fatalf("expected recorded version 2, got version=%d found=%v err=%v", version, found, err)
	}
}
