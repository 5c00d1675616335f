package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Envelope types.
const (
	TypeLogin       = "login"
	TypeWelcome     = "welcome"
	TypeError       = "error"
	TypeData        = "data"
	TypePublish     = "publish"
	TypeUnpublish   = "unpublish"
	TypeStreamAdded = "stream_added"
	TypeStreamEnded = "stream_ended"
	TypePing        = "ping"
	TypePong        = "pong"
)

// Error codes carried in error envelopes.
const (
	ErrCodeBadPayload      = "bad_payload"
	ErrCodeInvalidToken    = "invalid_token"
	ErrCodeNotLoggedIn     = "not_logged_in"
	ErrCodeAlreadyLoggedIn = "already_logged_in"
	ErrCodePeerOffline     = "peer_offline"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeUnknownStream   = "unknown_stream"
	ErrCodeMissingTarget   = "missing_target"
)

type Envelope struct {
	Type       string             `json:"type"`
	Token      string             `json:"token,omitempty"`
	ID         string             `json:"id,omitempty"`
	From       string             `json:"from,omitempty"`
	To         string             `json:"to,omitempty"`
	Message    string             `json:"message,omitempty"`
	Stream     string             `json:"stream,omitempty"`
	Error      string             `json:"error,omitempty"`
	ICEServers []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

func Pong() Envelope { return Envelope{Type: TypePong} }

func Failure(code string) Envelope { return Envelope{Type: TypeError, Error: code} }
