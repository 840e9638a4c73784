package subscriptions

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coastline-labs/flexsync/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	schemaGroupName = "flx_subscription_store"
	schemaVersion   = 2
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig configures a subscription store.
type StoreConfig struct {
	Database *storage.DB
	// OnNewSubscriptionSet is invoked after every commit that results in a
	// pending set; the sync client uses it to wake its uploader.
	OnNewSubscriptionSet func(version int64)
	Clock                func() time.Time
	Logger               *zap.Logger
}

// Store is the authority on the totally-ordered history of subscription set
// versions, their states, and the notifications awaiting them.
type Store struct {
	db                   *storage.DB
	logger               *zap.Logger
	onNewSubscriptionSet func(int64)
	clock                func() time.Time

	notifyMu              sync.Mutex
	notifyCond            *sync.Cond
	pendingNotifications  []*notificationRequest
	minOutstandingVersion int64
	outstandingRequests   int
}

// PendingSubscription identifies one set version the sync client still has to
// submit, together with its snapshot anchor.
type PendingSubscription struct {
	QueryVersion    int64
	SnapshotVersion int64
}

// NewStore opens the store over the supplied database, installing or verifying
// the metadata schema and seeding the version-0 set when the table is empty.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store{
		db:                   cfg.Database,
		logger:               logger,
		onNewSubscriptionSet: cfg.OnNewSubscriptionSet,
		clock:                clock,
	}
	s.notifyCond = sync.NewCond(&s.notifyMu)

	if err := s.bootstrapSchema(); err != nil {
		return nil, err
	}
	if err := s.seedInitialSet(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrapSchema() error {
	version, found, err := s.db.SchemaVersion(schemaGroupName)
	if err != nil {
		s.logError(opBootstrapSchema, "schema_version_lookup_failed", err)
		return newStoreError(opBootstrapSchema, "schema_version_lookup_failed", err)
	}
	if found {
		if version != schemaVersion {
			mismatch := fmt.Errorf("%w: found %d, expected %d", ErrInvalidSchemaVersion, version, schemaVersion)
			s.logError(opBootstrapSchema, "schema_version_mismatch", mismatch,
				zap.Int64("found", version), zap.Int64("expected", schemaVersion))
			return newStoreError(opBootstrapSchema, "schema_version_mismatch", mismatch)
		}
		return nil
	}

	tx, err := s.db.BeginWrite()
	if err != nil {
		s.logError(opBootstrapSchema, "begin_write_failed", err)
		return newStoreError(opBootstrapSchema, "begin_write_failed", err)
	}
	if err := tx.Tx().AutoMigrate(&setRow{}, &subscriptionRow{}); err != nil {
		tx.Rollback() //nolint:errcheck
		s.logError(opBootstrapSchema, "migrate_failed", err)
		return newStoreError(opBootstrapSchema, "migrate_failed", err)
	}
	if err := storage.SetSchemaVersion(tx.Tx(), schemaGroupName, schemaVersion); err != nil {
		tx.Rollback() //nolint:errcheck
		s.logError(opBootstrapSchema, "schema_version_write_failed", err)
		return newStoreError(opBootstrapSchema, "schema_version_write_failed", err)
	}
	if err := tx.Commit(); err != nil {
		s.logError(opBootstrapSchema, "commit_failed", err)
		return newStoreError(opBootstrapSchema, "commit_failed", err)
	}
	s.logger.Info("subscription store schema installed", zap.Int64("schema_version", schemaVersion))
	return nil
}

// seedInitialSet guarantees GetLatest always returns a meaningful set. The
// write transaction serializes concurrent openers so exactly one seed lands.
func (s *Store) seedInitialSet() error {
	tx, err := s.db.BeginWrite()
	if err != nil {
		s.logError(opSeedInitialSet, "begin_write_failed", err)
		return newStoreError(opSeedInitialSet, "begin_write_failed", err)
	}
	var count int64
	if err := tx.Tx().Model(&setRow{}).Count(&count).Error; err != nil {
		tx.Rollback() //nolint:errcheck
		s.logError(opSeedInitialSet, "count_failed", err)
		return newStoreError(opSeedInitialSet, "count_failed", err)
	}
	if count > 0 {
		return tx.Rollback()
	}
	seed := setRow{Version: 0, State: int64(StatePending), SnapshotVersion: tx.SnapshotVersion()}
	if err := tx.Tx().Create(&seed).Error; err != nil {
		tx.Rollback() //nolint:errcheck
		s.logError(opSeedInitialSet, "insert_failed", err)
		return newStoreError(opSeedInitialSet, "insert_failed", err)
	}
	if err := tx.Commit(); err != nil {
		s.logError(opSeedInitialSet, "commit_failed", err)
		return newStoreError(opSeedInitialSet, "commit_failed", err)
	}
	s.logger.Info("seeded initial subscription set", zap.Int64("version", 0))
	return nil
}

func (s *Store) loadSet(tx *gorm.DB, row setRow, curVersion int64) (*SubscriptionSet, error) {
	var rows []subscriptionRow
	err := tx.Where("set_version = ?", row.Version).Order("position ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(rows))
	for _, subRow := range rows {
		subs = append(subs, subscriptionFromRow(subRow))
	}
	errorStr := ""
	if row.Error != nil {
		errorStr = *row.Error
	}
	return &SubscriptionSet{
		store:           s,
		curVersion:      curVersion,
		version:         row.Version,
		state:           State(row.State),
		errorStr:        errorStr,
		snapshotVersion: row.SnapshotVersion,
		subs:            subs,
	}, nil
}

func (s *Store) emptySet(curVersion int64) *SubscriptionSet {
	return &SubscriptionSet{store: s, curVersion: curVersion, version: 0, state: StateUncommitted}
}

// GetLatest returns the set with the highest version.
func (s *Store) GetLatest() (*SubscriptionSet, error) {
	curVersion := s.db.LatestSnapshot()
	var set *SubscriptionSet
	err := s.db.Read(func(tx *gorm.DB) error {
		var rows []setRow
		if err := tx.Order("version DESC").Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			set = s.emptySet(curVersion)
			return nil
		}
		loaded, err := s.loadSet(tx, rows[0], curVersion)
		if err != nil {
			return err
		}
		set = loaded
		return nil
	})
	if err != nil {
		s.logError(opGetLatest, "read_failed", err)
		return nil, newStoreError(opGetLatest, "read_failed", err)
	}
	return set, nil
}

// GetActive returns the highest-versioned complete set, or an empty view when
// no set has completed.
func (s *Store) GetActive() (*SubscriptionSet, error) {
	curVersion := s.db.LatestSnapshot()
	var set *SubscriptionSet
	err := s.db.Read(func(tx *gorm.DB) error {
		var rows []setRow
		err := tx.Where("state = ?", int64(StateComplete)).
			Order("version DESC").Limit(1).Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			set = s.emptySet(curVersion)
			return nil
		}
		loaded, err := s.loadSet(tx, rows[0], curVersion)
		if err != nil {
			return err
		}
		set = loaded
		return nil
	})
	if err != nil {
		s.logError(opGetActive, "read_failed", err)
		return nil, newStoreError(opGetActive, "read_failed", err)
	}
	return set, nil
}

// GetActiveAndLatestVersions returns the numeric pair of the active (highest
// complete) and latest versions. Active is -1 when no complete set exists.
func (s *Store) GetActiveAndLatestVersions() (int64, int64, error) {
	active, latest := int64(-1), int64(0)
	err := s.db.Read(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&setRow{}).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			active, latest = -1, 0
			return nil
		}
		var rows []setRow
		if err := tx.Order("version DESC").Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		latest = rows[0].Version
		rows = nil
		err := tx.Where("state = ?", int64(StateComplete)).
			Order("version DESC").Limit(1).Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			active = rows[0].Version
		}
		return nil
	})
	if err != nil {
		s.logError(opVersionPair, "read_failed", err)
		return 0, 0, newStoreError(opVersionPair, "read_failed", err)
	}
	return active, latest, nil
}

// GetByVersion returns the frozen view of an exact version. A deleted version
// below the supersedence watermark yields a synthetic superseded view.
func (s *Store) GetByVersion(version int64) (*SubscriptionSet, error) {
	curVersion := s.db.LatestSnapshot()
	var set *SubscriptionSet
	err := s.db.Read(func(tx *gorm.DB) error {
		var row setRow
		err := tx.Where("version = ?", version).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		loaded, err := s.loadSet(tx, row, curVersion)
		if err != nil {
			return err
		}
		set = loaded
		return nil
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		if version < s.minOutstandingVersion {
			return &SubscriptionSet{store: s, curVersion: curVersion, version: version, state: StateSuperseded}, nil
		}
		missing := fmt.Errorf("%w: subscription set version %d", storage.ErrKeyNotFound, version)
		return nil, newStoreError(opGetByVersion, "version_not_found", missing)
	}
	if err != nil {
		s.logError(opGetByVersion, "read_failed", err, zap.Int64("version", version))
		return nil, newStoreError(opGetByVersion, "read_failed", err)
	}
	return set, nil
}

// GetNextPendingVersion returns the smallest version above lastQueryVersion
// still pending or bootstrapping whose snapshot anchor is at least
// afterClientVersion, or nil when none remains.
func (s *Store) GetNextPendingVersion(lastQueryVersion, afterClientVersion int64) (*PendingSubscription, error) {
	var next *PendingSubscription
	err := s.db.Read(func(tx *gorm.DB) error {
		var rows []setRow
		err := tx.Where("version > ?", lastQueryVersion).
			Where("state IN ?", []int64{int64(StatePending), int64(StateBootstrapping)}).
			Where("snapshot_version >= ?", afterClientVersion).
			Order("version ASC").Limit(1).Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			next = &PendingSubscription{QueryVersion: rows[0].Version, SnapshotVersion: rows[0].SnapshotVersion}
		}
		return nil
	})
	if err != nil {
		s.logError(opNextPending, "read_failed", err,
			zap.Int64("last_query_version", lastQueryVersion),
			zap.Int64("after_client_version", afterClientVersion))
		return nil, newStoreError(opNextPending, "read_failed", err)
	}
	return next, nil
}

// GetPendingSubscriptions enumerates every set still awaiting bootstrap after
// the active one, in increasing version order. The sync client replays these
// after a restart.
func (s *Store) GetPendingSubscriptions() ([]*SubscriptionSet, error) {
	active, err := s.GetActive()
	if err != nil {
		return nil, err
	}
	curQueryVersion := active.Version()
	var dbVersion int64
	if active.State() == StateComplete {
		dbVersion = active.SnapshotVersion()
	}

	var toRecover []*SubscriptionSet
	for {
		next, err := s.GetNextPendingVersion(curQueryVersion, dbVersion)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return toRecover, nil
		}
		curQueryVersion = next.QueryVersion
		dbVersion = next.SnapshotVersion
		set, err := s.GetByVersion(curQueryVersion)
		if err != nil {
			s.logError(opPendingList, "reload_failed", err, zap.Int64("version", curQueryVersion))
			return nil, err
		}
		toRecover = append(toRecover, set)
	}
}

// GetTablesForLatest returns the distinct object classes named by the latest
// set, sorted.
func (s *Store) GetTablesForLatest() ([]string, error) {
	latest, err := s.GetLatest()
	if err != nil {
		s.logError(opTablesForLatest, "latest_read_failed", err)
		return nil, err
	}
	seen := make(map[string]struct{}, latest.Len())
	for _, sub := range latest.Subscriptions() {
		seen[sub.ObjectClassName()] = struct{}{}
	}
	tables := make([]string, 0, len(seen))
	for name := range seen {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables, nil
}

// GetMutableByVersion opens an editor on an existing version.
func (s *Store) GetMutableByVersion(version int64) (*MutableSubscriptionSet, error) {
	tx, err := s.db.BeginWrite()
	if err != nil {
		s.logError(opGetMutable, "begin_write_failed", err)
		return nil, newStoreError(opGetMutable, "begin_write_failed", err)
	}
	var row setRow
	err = tx.Tx().Where("version = ?", version).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback() //nolint:errcheck
		missing := fmt.Errorf("%w: subscription set version %d", storage.ErrKeyNotFound, version)
		return nil, newStoreError(opGetMutable, "version_not_found", missing)
	}
	if err != nil {
		tx.Rollback() //nolint:errcheck
		s.logError(opGetMutable, "read_failed", err, zap.Int64("version", version))
		return nil, newStoreError(opGetMutable, "read_failed", err)
	}
	base, err := s.loadSet(tx.Tx(), row, s.db.LatestSnapshot())
	if err != nil {
		tx.Rollback() //nolint:errcheck
		s.logError(opGetMutable, "load_failed", err, zap.Int64("version", version))
		return nil, newStoreError(opGetMutable, "load_failed", err)
	}
	return &MutableSubscriptionSet{SubscriptionSet: *base, tx: tx, oldState: base.state}, nil
}

// MakeMutableCopy allocates max(existing)+1, clones src's subscriptions into a
// new uncommitted row and returns the editor holding the write transaction.
func (s *Store) MakeMutableCopy(src *SubscriptionSet) (*MutableSubscriptionSet, error) {
	tx, err := s.db.BeginWrite()
	if err != nil {
		s.logError(opMakeMutableCopy, "begin_write_failed", err)
		return nil, newStoreError(opMakeMutableCopy, "begin_write_failed", err)
	}
	var maxVersion int64
	err = tx.Tx().Model(&setRow{}).
		Select("COALESCE(MAX(version), -1)").Scan(&maxVersion).Error
	if err != nil {
		tx.Rollback() //nolint:errcheck
		s.logError(opMakeMutableCopy, "max_version_failed", err)
		return nil, newStoreError(opMakeMutableCopy, "max_version_failed", err)
	}
	newVersion := maxVersion + 1
	row := setRow{Version: newVersion, State: int64(StateUncommitted)}
	if err := tx.Tx().Create(&row).Error; err != nil {
		tx.Rollback() //nolint:errcheck
		s.logError(opMakeMutableCopy, "insert_failed", err, zap.Int64("version", newVersion))
		return nil, newStoreError(opMakeMutableCopy, "insert_failed", err)
	}

	editor := &MutableSubscriptionSet{
		SubscriptionSet: SubscriptionSet{
			store:      s,
			curVersion: s.db.LatestSnapshot(),
			version:    newVersion,
			state:      StateUncommitted,
		},
		tx:       tx,
		oldState: StateUncommitted,
	}
	for _, sub := range src.Subscriptions() {
		editor.insertSub(sub)
	}
	return editor, nil
}

// SupercedePriorTo deletes every set with a smaller version, and its embedded
// subscriptions, within the supplied transaction.
func (s *Store) SupercedePriorTo(tx *storage.WriteTx, version int64) error {
	if !tx.Writing() {
		return newStoreError(opSupercede, "transaction_not_writing", storage.ErrTxNotWriting)
	}
	if err := tx.Tx().Where("set_version < ?", version).Delete(&subscriptionRow{}).Error; err != nil {
		s.logError(opSupercede, "subscription_delete_failed", err, zap.Int64("version", version))
		return newStoreError(opSupercede, "subscription_delete_failed", err)
	}
	if err := tx.Tx().Where("version < ?", version).Delete(&setRow{}).Error; err != nil {
		s.logError(opSupercede, "set_delete_failed", err, zap.Int64("version", version))
		return newStoreError(opSupercede, "set_delete_failed", err)
	}
	return nil
}

// SupercedeAllExcept deletes every other version inside the editor's
// transaction, advances the supersedence watermark to the kept version and
// resolves every notification registered for any other version.
func (s *Store) SupercedeAllExcept(editor *MutableSubscriptionSet) error {
	tx := editor.Tx()
	if !tx.Writing() {
		return newStoreError(opSupercede, "transaction_not_writing", storage.ErrTxNotWriting)
	}
	keep := editor.Version()
	if err := tx.Tx().Where("set_version <> ?", keep).Delete(&subscriptionRow{}).Error; err != nil {
		s.logError(opSupercede, "subscription_delete_failed", err, zap.Int64("kept_version", keep))
		return newStoreError(opSupercede, "subscription_delete_failed", err)
	}
	if err := tx.Tx().Where("version <> ?", keep).Delete(&setRow{}).Error; err != nil {
		s.logError(opSupercede, "set_delete_failed", err, zap.Int64("kept_version", keep))
		return newStoreError(opSupercede, "set_delete_failed", err)
	}

	var toFinish []*notificationRequest
	s.notifyMu.Lock()
	for s.outstandingRequests > 0 {
		s.notifyCond.Wait()
	}
	kept := s.pendingNotifications[:0]
	for _, req := range s.pendingNotifications {
		if req.version != keep {
			toFinish = append(toFinish, req)
		} else {
			kept = append(kept, req)
		}
	}
	s.pendingNotifications = kept
	if keep > s.minOutstandingVersion {
		s.minOutstandingVersion = keep
	}
	s.notifyMu.Unlock()

	for _, req := range toFinish {
		req.result <- StateNotification{State: StateSuperseded}
	}
	return nil
}

// WouldRefresh reports whether the storage layer has committed a snapshot newer
// than the supplied one.
func (s *Store) WouldRefresh(curVersion int64) bool {
	return curVersion < s.db.LatestSnapshot()
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("subscription store error", attrs...)
}
