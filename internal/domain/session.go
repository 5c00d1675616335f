package domain

import "sync"

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type StreamState int

const (
	StreamEnded StreamState = iota
	StreamPresent
)

func (s StreamState) String() string {
	if s == StreamPresent {
		return "present"
	}
	return "ended"
}

// Session is one logical pairing of a local and a remote endpoint.
// No transport here; the state is updated by the call controller.
type Session struct {
	Local  PeerID
	Remote PeerID

	mu    sync.RWMutex
	state ConnState
}

func NewSession(local, remote PeerID) *Session {
	return &Session{Local: local, Remote: remote}
}

func (s *Session) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition sets the state and returns the previous one.
func (s *Session) Transition(to ConnState) ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = to
	return prev
}
