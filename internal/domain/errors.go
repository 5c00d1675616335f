package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrPermissionDenied = errors.New("permission denied")
)

// ConnectError reports a failed login. Retry is up to the caller.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a control or chat message that was not sent.
type SendError struct {
	PeerID  PeerID
	Message string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %q to %s: %v", e.Message, e.PeerID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
