package subscriptions

import (
	"errors"
	"fmt"
)

var (
	// ErrLogic indicates programmer misuse of the store API: mutating after
	// commit, requesting an illegal state transition, or pairing an error
	// message with a non-error target state.
	ErrLogic = errors.New("subscriptions: logic error")
	// ErrInvalidSchemaVersion indicates the on-disk metadata schema was written
	// by an incompatible release. There is no in-place upgrade path.
	ErrInvalidSchemaVersion = errors.New("subscriptions: invalid schema version for flexible sync metadata")
)

// SetStateError carries the persisted error text of a subscription set that
// entered the error state. The text is delivered verbatim.
type SetStateError struct {
	Message string
}

func (e *SetStateError) Error() string {
	return e.Message
}

// StoreError tags a failure with the operation and reason it surfaced from
// while keeping the cause visible to errors.Is/As.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew        = "subscriptions.store.new"
	opBootstrapSchema = "subscriptions.bootstrap_schema"
	opSeedInitialSet  = "subscriptions.seed_initial_set"
	opGetLatest       = "subscriptions.get_latest"
	opGetActive       = "subscriptions.get_active"
	opVersionPair     = "subscriptions.active_and_latest_versions"
	opGetByVersion    = "subscriptions.get_by_version"
	opNextPending     = "subscriptions.next_pending_version"
	opPendingList     = "subscriptions.pending_subscriptions"
	opTablesForLatest = "subscriptions.tables_for_latest"
	opGetMutable      = "subscriptions.get_mutable_by_version"
	opMakeMutableCopy = "subscriptions.make_mutable_copy"
	opSupercede       = "subscriptions.supercede"
	opCommit          = "subscriptions.commit"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}
