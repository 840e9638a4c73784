package subscriptions

import (
	"fmt"

	"github.com/coastline-labs/flexsync/internal/storage"
	"go.uber.org/zap"
)

// MutableSubscriptionSet edits the next version of a subscription set inside an
// exclusive write transaction. All mutations fail once the transaction has
// committed or rolled back.
type MutableSubscriptionSet struct {
	SubscriptionSet
	tx       *storage.WriteTx
	oldState State
}

func (m *MutableSubscriptionSet) checkMutable() error {
	if !m.tx.Writing() {
		return fmt.Errorf("%w: subscription set is no longer mutable", ErrLogic)
	}
	return nil
}

// Tx exposes the editor's write transaction for store-level pruning.
func (m *MutableSubscriptionSet) Tx() *storage.WriteTx {
	return m.tx
}

func (m *MutableSubscriptionSet) insertSub(sub Subscription) {
	m.subs = append(m.subs, sub)
}

// InsertOrAssign upserts the named subscription: an existing subscription with
// that name has its class, query and updated-at reassigned, otherwise a new one
// is appended. The second return value reports whether an insert happened.
func (m *MutableSubscriptionSet) InsertOrAssign(name string, query Query) (Subscription, bool, error) {
	if err := m.checkMutable(); err != nil {
		return Subscription{}, false, err
	}
	className := classNameForTable(query.TableName())
	description := query.Description()
	for i := range m.subs {
		if m.subs[i].HasName() && m.subs[i].Name() == name {
			return m.assignAt(i, className, description), false, nil
		}
	}
	sub := newSubscription(name, true, className, description, m.store.clock().UTC())
	m.insertSub(sub)
	return sub, true, nil
}

// InsertOrAssignQuery upserts an unnamed subscription matched by object class
// and canonical query text.
func (m *MutableSubscriptionSet) InsertOrAssignQuery(query Query) (Subscription, bool, error) {
	if err := m.checkMutable(); err != nil {
		return Subscription{}, false, err
	}
	className := classNameForTable(query.TableName())
	description := query.Description()
	for i := range m.subs {
		if !m.subs[i].HasName() && m.subs[i].ObjectClassName() == className && m.subs[i].QueryString() == description {
			return m.assignAt(i, className, description), false, nil
		}
	}
	sub := newSubscription("", false, className, description, m.store.clock().UTC())
	m.insertSub(sub)
	return sub, true, nil
}

func (m *MutableSubscriptionSet) assignAt(index int, className, description string) Subscription {
	m.subs[index].objectClass = className
	m.subs[index].query = description
	m.subs[index].updatedAt = m.store.clock().UTC()
	return m.subs[index]
}

// Erase removes the subscription at the given position.
func (m *MutableSubscriptionSet) Erase(index int) error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	if index < 0 || index >= len(m.subs) {
		return fmt.Errorf("%w: subscription index %d out of range", ErrLogic, index)
	}
	m.subs = append(m.subs[:index], m.subs[index+1:]...)
	return nil
}

// EraseByName removes the subscription with the given name.
func (m *MutableSubscriptionSet) EraseByName(name string) (bool, error) {
	if err := m.checkMutable(); err != nil {
		return false, err
	}
	for i := range m.subs {
		if m.subs[i].HasName() && m.subs[i].Name() == name {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Clear removes every subscription from the set.
func (m *MutableSubscriptionSet) Clear() error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	m.subs = m.subs[:0]
	return nil
}

// Import replaces the set's contents with the subscriptions of src.
func (m *MutableSubscriptionSet) Import(src *SubscriptionSet) error {
	if err := m.Clear(); err != nil {
		return err
	}
	for _, sub := range src.Subscriptions() {
		m.insertSub(sub)
	}
	return nil
}

// UpdateState advances the set along the legal transition table. Entering the
// error state requires a non-empty errorMessage; every other target rejects one.
// Entering complete supersedes all older versions within the same transaction.
func (m *MutableSubscriptionSet) UpdateState(newState State, errorMessage string) error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	old := m.state
	switch newState {
	case StateUncommitted:
		return fmt.Errorf("%w: cannot set subscription set state to uncommitted", ErrLogic)
	case StateSuperseded:
		return fmt.Errorf("%w: cannot set subscription set state to superseded", ErrLogic)
	case StatePending:
		return fmt.Errorf("%w: cannot set subscription set state to pending", ErrLogic)
	case StateError:
		if old == StateComplete {
			return fmt.Errorf("%w: subscription set in state %s cannot transition to error", ErrLogic, old)
		}
		if errorMessage == "" {
			return fmt.Errorf("%w: an error message is required when entering the error state", ErrLogic)
		}
		m.state = StateError
		m.errorStr = errorMessage
	case StateBootstrapping, StateComplete:
		if errorMessage != "" {
			return fmt.Errorf("%w: an error message is only valid when entering the error state", ErrLogic)
		}
		if old == StateUncommitted {
			return fmt.Errorf("%w: subscription set must be committed before entering state %s", ErrLogic, newState)
		}
		if newState == StateComplete {
			if err := m.store.SupercedePriorTo(m.tx, m.version); err != nil {
				return err
			}
		}
		m.state = newState
		m.errorStr = ""
	default:
		return fmt.Errorf("%w: unknown subscription set state %d", ErrLogic, newState)
	}
	return nil
}

// Commit persists the set, resolves notifications against the newly visible
// state and returns a fresh frozen view of the committed version. A set still
// uncommitted at this point commits as pending and captures its snapshot anchor.
func (m *MutableSubscriptionSet) Commit() (*SubscriptionSet, error) {
	if !m.tx.Writing() {
		return nil, fmt.Errorf("%w: subscription set is not in a commitable state", ErrLogic)
	}
	tx := m.tx.Tx()

	if m.oldState == StateUncommitted {
		if m.state == StateUncommitted {
			m.state = StatePending
		}
		m.snapshotVersion = m.tx.SnapshotVersion()
		if err := tx.Where("set_version = ?", m.version).Delete(&subscriptionRow{}).Error; err != nil {
			m.tx.Rollback() //nolint:errcheck
			m.store.logError(opCommit, "subscription_clear_failed", err, zap.Int64("version", m.version))
			return nil, newStoreError(opCommit, "subscription_clear_failed", err)
		}
		for i, sub := range m.subs {
			row := sub.row(m.version, int64(i))
			if err := tx.Create(&row).Error; err != nil {
				m.tx.Rollback() //nolint:errcheck
				m.store.logError(opCommit, "subscription_insert_failed", err, zap.Int64("version", m.version))
				return nil, newStoreError(opCommit, "subscription_insert_failed", err)
			}
		}
	}

	updates := map[string]any{"state": int64(m.state)}
	if m.oldState == StateUncommitted {
		updates["snapshot_version"] = m.snapshotVersion
	}
	if m.state == StateError {
		updates["error"] = m.errorStr
	} else {
		updates["error"] = nil
	}
	if err := tx.Model(&setRow{}).Where("version = ?", m.version).Updates(updates).Error; err != nil {
		m.tx.Rollback() //nolint:errcheck
		m.store.logError(opCommit, "set_update_failed", err, zap.Int64("version", m.version))
		return nil, newStoreError(opCommit, "set_update_failed", err)
	}

	if err := m.tx.Commit(); err != nil {
		m.store.logError(opCommit, "transaction_commit_failed", err, zap.Int64("version", m.version))
		return nil, newStoreError(opCommit, "transaction_commit_failed", err)
	}

	m.store.processNotifications(m.version, m.state, m.errorStr)

	if m.state == StatePending && m.store.onNewSubscriptionSet != nil {
		m.store.onNewSubscriptionSet(m.version)
	}

	return m.store.GetByVersion(m.version)
}

// Abandon rolls back the write transaction, discarding all in-memory edits.
func (m *MutableSubscriptionSet) Abandon() error {
	return m.tx.Rollback()
}
