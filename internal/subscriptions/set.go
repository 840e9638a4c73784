package subscriptions

import "fmt"

// SubscriptionSet is a frozen read view of one numbered subscription set
// version. Views are safe to share across goroutines and never observe later
// writes unless explicitly refreshed.
type SubscriptionSet struct {
	store           *Store
	curVersion      int64
	version         int64
	state           State
	errorStr        string
	snapshotVersion int64
	subs            []Subscription
}

// Version returns the set's version number.
func (s *SubscriptionSet) Version() int64 {
	return s.version
}

// SnapshotVersion returns the storage snapshot captured when the set committed.
func (s *SubscriptionSet) SnapshotVersion() int64 {
	return s.snapshotVersion
}

// State returns the set's state as of the view's snapshot.
func (s *SubscriptionSet) State() State {
	return s.state
}

// ErrorString returns the persisted error text; empty unless the state is error.
func (s *SubscriptionSet) ErrorString() string {
	return s.errorStr
}

// Len returns the number of subscriptions in the set.
func (s *SubscriptionSet) Len() int {
	return len(s.subs)
}

// At returns the subscription at the given position in stored order.
func (s *SubscriptionSet) At(index int) Subscription {
	return s.subs[index]
}

// Subscriptions returns a copy of the set's subscriptions in stored order.
func (s *SubscriptionSet) Subscriptions() []Subscription {
	out := make([]Subscription, len(s.subs))
	copy(out, s.subs)
	return out
}

// Find locates the subscription with the given name.
func (s *SubscriptionSet) Find(name string) (Subscription, bool) {
	for _, sub := range s.subs {
		if sub.HasName() && sub.Name() == name {
			return sub, true
		}
	}
	return Subscription{}, false
}

// FindByQuery locates the subscription matching the query's object class and
// canonical description.
func (s *SubscriptionSet) FindByQuery(query Query) (Subscription, bool) {
	className := classNameForTable(query.TableName())
	description := query.Description()
	for _, sub := range s.subs {
		if sub.ObjectClassName() == className && sub.QueryString() == description {
			return sub, true
		}
	}
	return Subscription{}, false
}

// MakeMutableCopy allocates the next version number, opens a write transaction
// and returns an editor seeded with this set's subscriptions.
func (s *SubscriptionSet) MakeMutableCopy() (*MutableSubscriptionSet, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: subscription set is not attached to a store", ErrLogic)
	}
	return s.store.MakeMutableCopy(s)
}

// Refresh re-reads the same version from the current snapshot if the store has
// advanced past this view. A view whose row was superseded reloads with state
// superseded.
func (s *SubscriptionSet) Refresh() error {
	if s.store == nil {
		return fmt.Errorf("%w: subscription set is not attached to a store", ErrLogic)
	}
	if !s.store.WouldRefresh(s.curVersion) {
		return nil
	}
	fresh, err := s.store.GetByVersion(s.version)
	if err != nil {
		return err
	}
	*s = *fresh
	return nil
}

// GetStateChangeNotification returns a channel that resolves exactly once when
// the set reaches or passes notifyWhen, enters the error state, or is
// superseded by a newer complete version.
func (s *SubscriptionSet) GetStateChangeNotification(notifyWhen State) <-chan StateNotification {
	if s.store == nil {
		return readyNotification(StateNotification{
			Err: fmt.Errorf("%w: subscription set is not attached to a store", ErrLogic),
		})
	}
	return s.store.stateChangeNotification(s, notifyWhen)
}
