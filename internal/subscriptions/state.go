package subscriptions

import "fmt"

// State describes where a subscription set is in its bootstrap lifecycle.
// Uncommitted and Superseded never reach the database; they exist only on
// in-memory views.
type State int64

const (
	StateUncommitted State = iota
	StatePending
	StateBootstrapping
	StateComplete
	StateError
	StateSuperseded
)

// String returns the lowercase wire name of the state.
func (s State) String() string {
	switch s {
	case StateUncommitted:
		return "uncommitted"
	case StatePending:
		return "pending"
	case StateBootstrapping:
		return "bootstrapping"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("unknown(%d)", int64(s))
	}
}

// stateRank places the monotonic bootstrap states on their ladder:
// Uncommitted < Pending < Bootstrapping < Complete. Error and Superseded are
// terminal sinks outside the ladder and have no rank.
func stateRank(s State) (int, bool) {
	switch s {
	case StateUncommitted:
		return 0, true
	case StatePending:
		return 1, true
	case StateBootstrapping:
		return 2, true
	case StateComplete:
		return 3, true
	default:
		return 0, false
	}
}

// reached reports whether cur has progressed at least as far as target on the
// ladder. Terminal states never satisfy a ladder target.
func reached(cur, target State) bool {
	curRank, ok := stateRank(cur)
	if !ok {
		return false
	}
	targetRank, ok := stateRank(target)
	if !ok {
		return false
	}
	return curRank >= targetRank
}
