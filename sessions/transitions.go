package sessions

import (
	"fmt"

	"github.com/ruteri/web3-uploader/interfaces"
)

// Transition returns a mutation moving a session to next along an allowed edge.
func Transition(next interfaces.SessionState) func(*interfaces.Session) error {
	return func(s *interfaces.Session) error {
		if !s.State.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, s.State, next)
		}
		s.State = next
		return nil
	}
}

// Advance walks a session forward to target through every intermediate
// state of the main path. Sessions already at target are left alone. Targets
// off the main path, such as Failed, are rejected without touching the
// session.
func Advance(target interfaces.SessionState) func(*interfaces.Session) error {
	return func(s *interfaces.Session) error {
		if !onMainPath(target) {
			return fmt.Errorf("%w: %s is not on the upload path", interfaces.ErrInvalidTransition, target)
		}
		state := s.State
		for state != target {
			next, ok := nextOnPath(state)
			if !ok {
				return fmt.Errorf("%w: %s -> %s", interfaces.ErrInvalidTransition, s.State, target)
			}
			state = next
		}
		s.State = state
		return nil
	}
}

func onMainPath(state interfaces.SessionState) bool {
	switch state {
	case interfaces.StateWaiting, interfaces.StateReceiving, interfaces.StateReceived,
		interfaces.StateUploading, interfaces.StateUploaded:
		return true
	}
	return false
}

func nextOnPath(state interfaces.SessionState) (interfaces.SessionState, bool) {
	switch state {
	case interfaces.StateWaiting:
		return interfaces.StateReceiving, true
	case interfaces.StateReceiving:
		return interfaces.StateReceived, true
	case interfaces.StateReceived:
		return interfaces.StateUploading, true
	case interfaces.StateUploading:
		return interfaces.StateUploaded, true
	default:
		return interfaces.StateUnknown, false
	}
}
