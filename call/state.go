// Package call drives peer-to-peer call setup and teardown over the
// realtime socket: outbound offers, inbound ringing, answer/decline, the
// busy/offline/no-answer/cancel outcomes and the peer-connection lifecycle.
package call

// State is the explicit call state. Moves between states go through
// transition; illegal pairs are rejected there instead of being silently
// absorbed by ad-hoc string comparisons.
type State int

const (
	StateIdle State = iota
	StateRinging
	StateAnswering
	StateLive
	StateEnded
	StateNoAnswer
	StateBusy
	StateOffline
	StateCanceled
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateAnswering:
		return "answering"
	case StateLive:
		return "live"
	case StateEnded:
		return "ended"
	case StateNoAnswer:
		return "no-answer"
	case StateBusy:
		return "busy"
	case StateOffline:
		return "offline"
	case StateCanceled:
		return "canceled"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether the state ends the call session.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateNoAnswer, StateBusy, StateOffline, StateCanceled, StateError:
		return true
	}
	return false
}

// Status returns the user-facing status string for a terminal state, or ""
// while the call is idle or live.
func (s State) Status() string {
	switch s {
	case StateNoAnswer:
		return "NO ANSWER"
	case StateEnded:
		return "CALL ENDED"
	case StateCanceled:
		return "CALL CANCELED"
	case StateBusy:
		return "BUSY"
	case StateOffline:
		return "OFFLINE"
	}
	return ""
}

// Event is something that can move the call state machine.
type Event int

const (
	EventPlaceCall Event = iota
	EventAcceptOffer
	EventAnswerReceived
	EventStreamAttached
	EventNoAnswer
	EventPeerBusy
	EventPeerOffline
	EventCancelLocal
	EventCancelRemote
	EventPeerClosed
	EventAuthExpired
	EventMediaFailure
)

// transition is the single place that decides whether (state, event) is a
// legal move and what it leads to. ok=false means the event is ignored in
// the current state.
func transition(s State, e Event) (State, bool) {
	switch e {
	case EventPlaceCall:
		if s == StateIdle || s.Terminal() {
			return StateRinging, true
		}
	case EventAcceptOffer:
		if s == StateIdle || s.Terminal() {
			return StateAnswering, true
		}
	case EventAnswerReceived:
		// The answer alone does not go live; the stream event does.
		if s == StateRinging {
			return StateRinging, true
		}
	case EventStreamAttached:
		if s == StateRinging || s == StateAnswering {
			return StateLive, true
		}
	case EventNoAnswer:
		if s == StateRinging {
			return StateNoAnswer, true
		}
	case EventPeerBusy:
		if s == StateRinging {
			return StateBusy, true
		}
	case EventPeerOffline:
		if s == StateRinging {
			return StateOffline, true
		}
	case EventCancelLocal:
		if s == StateRinging {
			return StateCanceled, true
		}
	case EventCancelRemote:
		if s == StateRinging || s == StateAnswering {
			return StateCanceled, true
		}
	case EventPeerClosed:
		if s == StateRinging || s == StateAnswering || s == StateLive {
			return StateEnded, true
		}
	case EventAuthExpired:
		if s == StateRinging || s == StateAnswering || s == StateLive {
			return StateError, true
		}
	case EventMediaFailure:
		if !s.Terminal() {
			return StateError, true
		}
	}
	return s, false
}
