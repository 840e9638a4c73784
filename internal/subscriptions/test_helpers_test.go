package subscriptions

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coastline-labs/flexsync/internal/storage"
	"go.uber.org/zap"
)

// stepClock hands out strictly increasing instants so created-at and
// updated-at stamps are always distinguishable in assertions.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "flexsync.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected storage open error: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("unexpected storage close error: %v", err)
		}
	})
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreOn(t, openTestDB(t))
}

func newTestStoreOn(t *testing.T, db *storage.DB) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: db, Clock: newStepClock().Now})
	if err != nil {
		t.Fatalf("unexpected store construction error: %v", err)
	}
	return store
}

func mustLatest(t *testing.T, store *Store) *SubscriptionSet {
	t.Helper()
	latest, err := store.GetLatest()
	if err != nil {
		t.Fatalf("unexpected get latest error: %v", err)
	}
	return latest
}

func mustMutableCopy(t *testing.T, set *SubscriptionSet) *MutableSubscriptionSet {
	t.Helper()
	editor, err := set.MakeMutableCopy()
	if err != nil {
		t.Fatalf("unexpected mutable copy error: %v", err)
	}
	return editor
}

func mustCommit(t *testing.T, editor *MutableSubscriptionSet) *SubscriptionSet {
	t.Helper()
	committed, err := editor.Commit()
	if err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	return committed
}

// commitNextPending commits a fresh pending version cloned from the latest set.
func commitNextPending(t *testing.T, store *Store) *SubscriptionSet {
	t.Helper()
	return mustCommit(t, mustMutableCopy(t, mustLatest(t, store)))
}

// advanceState transitions an already committed version and recommits it.
func advanceState(t *testing.T, store *Store, version int64, state State, errorMessage string) *SubscriptionSet {
	t.Helper()
	editor, err := store.GetMutableByVersion(version)
	if err != nil {
		t.Fatalf("unexpected get mutable by version error: %v", err)
	}
	if err := editor.UpdateState(state, errorMessage); err != nil {
		t.Fatalf("unexpected update state error: %v", err)
	}
	return mustCommit(t, editor)
}

func receiveNotification(t *testing.T, ch <-chan StateNotification) StateNotification {
	t.Helper()
	select {
	case notification := <-ch:
		return notification
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for state notification")
		return StateNotification{}
	}
}

func requireNoNotification(t *testing.T, ch <-chan StateNotification) {
	t.Helper()
	select {
	case notification := <-ch:
		t.Fatalf("unexpected notification: %+v", notification)
	case <-time.After(50 * time.Millisecond):
	}
}
