package protocol

import "sync/atomic"

// State is a peer session's place in the handshake lifecycle:
// CONNECTING -> HANDSHAKING (Hello sent) -> AUTHORIZED (Hello received,
// version compatible, VerAck exchanged) -> CLOSED.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateAuthorized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthorized:
		return "AUTHORIZED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// sessionState is an atomically-guarded State, matching the
// Connection.state idiom in the stratum server package.
type sessionState struct {
	v int32
}

func (s *sessionState) load() State {
	return State(atomic.LoadInt32(&s.v))
}

func (s *sessionState) store(state State) {
	atomic.StoreInt32(&s.v, int32(state))
}
