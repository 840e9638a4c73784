package subscriptions

// StateNotification is the terminal outcome of a state-change request: the
// reached state, or a non-nil Err carrying the set's persisted error text.
type StateNotification struct {
	State State
	Err   error
}

type notificationRequest struct {
	version    int64
	result     chan StateNotification
	notifyWhen State
}

func readyNotification(n StateNotification) <-chan StateNotification {
	ch := make(chan StateNotification, 1)
	ch <- n
	return ch
}

// stateChangeNotification registers a request for the view's version to reach
// notifyWhen. The outstanding-requests interlock keeps a commit's dispatch from
// running between the state probe below and the enqueue at the end, so no
// request can miss the transition it is waiting for.
func (s *Store) stateChangeNotification(set *SubscriptionSet, notifyWhen State) <-chan StateNotification {
	s.notifyMu.Lock()
	// A version below the watermark has already been superseded by a completed
	// newer version; its transition may never fire.
	if set.version < s.minOutstandingVersion {
		s.notifyMu.Unlock()
		return readyNotification(StateNotification{State: StateSuperseded})
	}
	s.outstandingRequests++
	s.notifyMu.Unlock()
	defer func() {
		s.notifyMu.Lock()
		s.outstandingRequests--
		s.notifyCond.Broadcast()
		s.notifyMu.Unlock()
	}()

	curState := set.state
	errStr := set.errorStr
	// The view may predate later commits; fetch the row from the current
	// snapshot to learn the true state before deciding on a ready result.
	if set.curVersion < s.db.LatestSnapshot() {
		refreshed, err := s.GetByVersion(set.version)
		if err != nil {
			return readyNotification(StateNotification{Err: err})
		}
		curState = refreshed.state
		errStr = refreshed.errorStr
	}

	if curState == StateError {
		return readyNotification(StateNotification{State: StateError, Err: &SetStateError{Message: errStr}})
	}
	if curState == StateSuperseded {
		return readyNotification(StateNotification{State: StateSuperseded})
	}
	if reached(curState, notifyWhen) {
		return readyNotification(StateNotification{State: curState})
	}

	req := &notificationRequest{
		version:    set.version,
		result:     make(chan StateNotification, 1),
		notifyWhen: notifyWhen,
	}
	s.notifyMu.Lock()
	s.pendingNotifications = append(s.pendingNotifications, req)
	s.notifyMu.Unlock()
	return req.result
}

// processNotifications resolves every request satisfied by the commit that just
// made (version, newState) visible: requests on this version whose target was
// reached or that must fail with the error text, and requests on older versions
// cascaded into superseded by a completion. Each request resolves exactly once;
// resolution happens outside the lock.
func (s *Store) processNotifications(version int64, newState State, errStr string) {
	var toFinish []*notificationRequest
	s.notifyMu.Lock()
	for s.outstandingRequests > 0 {
		s.notifyCond.Wait()
	}
	kept := s.pendingNotifications[:0]
	for _, req := range s.pendingNotifications {
		matched := (req.version == version && (newState == StateError || reached(newState, req.notifyWhen))) ||
			(newState == StateComplete && req.version < version)
		if matched {
			toFinish = append(toFinish, req)
		} else {
			kept = append(kept, req)
		}
	}
	s.pendingNotifications = kept
	if newState == StateComplete {
		s.minOutstandingVersion = version
	}
	s.notifyMu.Unlock()

	for _, req := range toFinish {
		switch {
		case newState == StateError && req.version == version:
			req.result <- StateNotification{State: StateError, Err: &SetStateError{Message: errStr}}
		case req.version < version:
			req.result <- StateNotification{State: StateSuperseded}
		default:
			req.result <- StateNotification{State: newState}
		}
	}
}
