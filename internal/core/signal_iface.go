package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
)

// Credentials identify the local peer to the signaling server.
type Credentials struct {
	Host  string        `json:"host"`
	Token domain.PeerID `json:"token"`
}

// Publication is an active outbound stream towards one peer.
type Publication interface {
	ID() string
	Stop()
}

// SignalingChannel abstracts the external transport used to reach the peer.
// Each call is a single attempt; retry policy belongs to the caller.
type SignalingChannel interface {
	Connect(ctx context.Context, creds Credentials) error
	// Send is an at-most-once delivery attempt of an opaque payload.
	Send(ctx context.Context, peerID domain.PeerID, message string) error
	Publish(ctx context.Context, peerID domain.PeerID) (Publication, error)
	// Stop tears down everything towards peerID.
	Stop(ctx context.Context, peerID domain.PeerID) error
	// AllowPeer whitelists a remote; data from unknown peers is dropped.
	AllowPeer(peerID domain.PeerID)
	Disconnect()
	// Subscribe registers h for inbound events of the given kind.
	Subscribe(kind EventKind, h Handler) (unsubscribe func())
}
