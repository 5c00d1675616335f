package signal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":        "ws://localhost:8080/api/ws",
		"https://relay.example.org/":   "wss://relay.example.org/api/ws",
		"ws://10.0.0.1:9000":           "ws://10.0.0.1:9000/api/ws",
		"https://relay.example.org/rt": "wss://relay.example.org/rt/api/ws",
	}
	for in, want := range cases {
		got, err := wsURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, bad := range []string{"ftp://x", "relay.local:8080", "http://"} {
		_, err := wsURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestConnQueue(t *testing.T) {
	c := NewConn(nil, 1)
	require.NoError(t, c.TrySend([]byte("a")))
	assert.ErrorIs(t, c.TrySend([]byte("b")), ErrBackpressure)

	c.Close()
	c.Close()
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.TrySend([]byte("c")), ErrConnClosed)
}

func TestEnvelopeOmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(Envelope{Type: TypeData, To: "peer11", Message: "PING_REQUEST"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"data","to":"peer11","message":"PING_REQUEST"}`, string(b))

	env, err := Decode([]byte(`{"type":"stream_added","from":"peer11","stream":"s1"}`))
	require.NoError(t, err)
	assert.Equal(t, Envelope{Type: TypeStreamAdded, From: "peer11", Stream: "s1"}, env)
}

func TestHandleFiltersUnknownPeers(t *testing.T) {
	c := NewClient(Options{})
	c.AllowPeer("peer11")

	var got []core.Event
	for _, k := range []core.EventKind{core.EventDataReceived, core.EventStreamAdded, core.EventStreamEnded} {
		c.Subscribe(k, func(ev core.Event) { got = append(got, ev) })
	}

	c.handle([]byte(`{"type":"data","from":"stranger","message":"PING_REQUEST"}`))
	c.handle([]byte(`{"type":"data","from":"peer11","message":"PING_REQUEST"}`))
	c.handle([]byte(`{"type":"stream_added","from":"peer11","stream":"s1"}`))
	c.handle([]byte(`{"type":"stream_ended","from":"stranger","stream":"s2"}`))
	c.handle([]byte(`{"type":"stream_ended","from":"peer11","stream":"s1"}`))
	c.handle([]byte(`not json`))
	c.handle([]byte(`{"type":"error","error":"peer_offline","to":"peer11"}`))

	assert.Equal(t, []core.Event{
		{Kind: core.EventDataReceived, PeerID: "peer11", Message: "PING_REQUEST"},
		{Kind: core.EventStreamAdded, PeerID: "peer11", StreamID: "s1"},
		{Kind: core.EventStreamEnded, PeerID: "peer11", StreamID: "s1"},
	}, got)
}

func TestSendAndPublishWithoutConnection(t *testing.T) {
	c := NewClient(Options{})

	err := c.Send(context.Background(), "peer11", "hi")
	var se *domain.SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "hi", se.Message)
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	_, err = c.Publish(context.Background(), "peer11")
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	assert.NoError(t, c.Stop(context.Background(), "peer11"))
	c.Disconnect()
}
