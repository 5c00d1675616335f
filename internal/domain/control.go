package domain

import "strings"

// Control is an application-level message exchanged as an opaque string
// over the signaling channel's data path.
type Control string

const (
	PingRequest          Control = "ping_request"
	PingResponse         Control = "ping_response"
	RemoteStreamRequest  Control = "remote_stream_request"
	RemoteStreamResponse Control = "remote_stream_response"
	ProcessingStream     Control = "processing_stream"
)

var controls = []Control{
	PingRequest,
	PingResponse,
	RemoteStreamRequest,
	RemoteStreamResponse,
	ProcessingStream,
}

// ParseControl matches s against the vocabulary ignoring case.
func ParseControl(s string) (Control, bool) {
	s = strings.TrimSpace(s)
	for _, c := range controls {
		if strings.EqualFold(s, string(c)) {
			return c, true
		}
	}
	return "", false
}

func (c Control) String() string { return string(c) }
