// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxPeerIDLen = 36

var (
	ErrPeerIDTooLong = errors.New("peer id too long")
	ErrPeerIDEmpty   = errors.New("peer id empty")
)

type PeerID string

// NewPeerID trims raw and validates its length.
func NewPeerID(raw string) (PeerID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrPeerIDEmpty
	}
	if len(raw) > MaxPeerIDLen {
		return "", ErrPeerIDTooLong
	}
	return PeerID(raw), nil
}

// NewGuestID is used when no identity was configured.
func NewGuestID() PeerID {
	return PeerID(uuid.NewString())
}

func (p PeerID) String() string { return string(p) }
