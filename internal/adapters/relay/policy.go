package relay

import "github.com/dkeye/peercall/internal/domain"

type BackpressureAction int

const (
	DropMessage BackpressureAction = iota
	KickPeer
)

func (a BackpressureAction) String() string {
	switch a {
	case DropMessage:
		return "drop"
	case KickPeer:
		return "kick"
	default:
		return "unknown"
	}
}

// Policy decides what happens to a peer whose send queue is full.
type Policy interface {
	OnBackpressure(peer domain.PeerID) BackpressureAction
}

// SimplePolicy drops the peer; it reconnects and gets a fresh queue.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(domain.PeerID) BackpressureAction {
	return KickPeer
}

// DropPolicy keeps the peer and loses the message.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.PeerID) BackpressureAction {
	return DropMessage
}
