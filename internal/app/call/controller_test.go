package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/app/supervisor"
	"github.com/dkeye/peercall/internal/app/worker"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type fakePublication struct {
	id      string
	mu      sync.Mutex
	stopped bool
}

func (p *fakePublication) ID() string { return p.id }
func (p *fakePublication) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
func (p *fakePublication) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakeChannel struct {
	bus *core.Bus

	mu         sync.Mutex
	connectErr error
	sendErr    error
	logins     []core.Credentials
	allowed    []domain.PeerID
	sent       []string
	pubs       []*fakePublication
	stops      int
	disconnect int
}

func newFakeChannel() *fakeChannel { return &fakeChannel{bus: core.NewBus()} }

func (f *fakeChannel) Connect(_ context.Context, creds core.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, creds)
	return f.connectErr
}

func (f *fakeChannel) Send(_ context.Context, peer domain.PeerID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.sendErr
}

func (f *fakeChannel) Publish(_ context.Context, peer domain.PeerID) (core.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePublication{id: fmt.Sprintf("stream-%d", len(f.pubs)+1)}
	f.pubs = append(f.pubs, p)
	return p, nil
}

func (f *fakeChannel) Stop(context.Context, domain.PeerID) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) AllowPeer(p domain.PeerID) {
	f.mu.Lock()
	f.allowed = append(f.allowed, p)
	f.mu.Unlock()
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.disconnect++
	f.mu.Unlock()
}

func (f *fakeChannel) Subscribe(kind core.EventKind, h core.Handler) func() {
	return f.bus.Subscribe(kind, h)
}

func (f *fakeChannel) sentCount(msg string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s == msg {
			n++
		}
	}
	return n
}

func (f *fakeChannel) publications() []*fakePublication {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePublication(nil), f.pubs...)
}

type fixture struct {
	ch   *fakeChannel
	clk  *clock.Mock
	w    *worker.Worker
	ctrl *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ch: newFakeChannel(), clk: clock.NewMock(), w: worker.New(16)}
	f.w.Start(context.Background())
	session := domain.NewSession("peer22", "peer11")
	f.ctrl = New(session, "http://relay.local", f.ch, f.w, supervisor.Options{Clock: f.clk})
	t.Cleanup(func() {
		f.ctrl.Close()
		f.w.Stop()
	})
	return f
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.w.Submit(func(context.Context) { close(done) }))
	<-done
}

func collect(bus *core.Bus, kind core.EventKind) func() []core.Event {
	var mu sync.Mutex
	var events []core.Event
	bus.Subscribe(kind, func(ev core.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return func() []core.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]core.Event(nil), events...)
	}
}

func TestConnectSuccess(t *testing.T) {
	f := newFixture(t)
	connected := collect(f.ctrl.Bus(), core.EventConnected)

	require.NoError(t, f.ctrl.Connect())
	f.drain(t)

	assert.Equal(t, domain.Connected, f.ctrl.Session().State())
	assert.Len(t, connected(), 1)
	require.Len(t, f.ch.logins, 1)
	assert.Equal(t, core.Credentials{Host: "http://relay.local", Token: "peer22"}, f.ch.logins[0])
	assert.ElementsMatch(t, []domain.PeerID{"peer22", "peer11"}, f.ch.allowed)
}

func TestConnectFailureCountsAndDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	f.ch.connectErr = errors.New("dial refused")
	failed := collect(f.ctrl.Bus(), core.EventConnectFailed)

	require.NoError(t, f.ctrl.Connect())
	require.NoError(t, f.ctrl.Connect())
	f.drain(t)

	assert.Equal(t, 2, f.ctrl.FailureCount())
	assert.Equal(t, domain.Disconnected, f.ctrl.Session().State())
	evs := failed()
	require.Len(t, evs, 2)
	var ce *domain.ConnectError
	require.ErrorAs(t, evs[1].Err, &ce)
	assert.Equal(t, "http://relay.local", ce.Host)
	assert.Equal(t, 2, evs[1].Attempt)

	f.clk.Add(time.Minute)
	f.drain(t)
	assert.Len(t, f.ch.logins, 2, "connect is only retried by the caller")

	f.ch.mu.Lock()
	f.ch.connectErr = nil
	f.ch.mu.Unlock()
	require.NoError(t, f.ctrl.Connect())
	f.drain(t)
	assert.Zero(t, f.ctrl.FailureCount())
}

func TestCallerAsksForRemoteStreamAfterPublish(t *testing.T) {
	f := newFixture(t)
	published := collect(f.ctrl.Bus(), core.EventPublished)

	require.NoError(t, f.ctrl.Call())
	f.drain(t)

	assert.True(t, f.ctrl.InCall())
	assert.Len(t, published(), 1)
	assert.Equal(t, 1, f.ch.sentCount(domain.RemoteStreamRequest.String()))
}

func TestRestartStopsPreviousPublication(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Call())
	require.NoError(t, f.ctrl.RestartCall())
	f.drain(t)

	pubs := f.ch.publications()
	require.Len(t, pubs, 2)
	assert.True(t, pubs[0].isStopped())
	assert.False(t, pubs[1].isStopped())
}

func TestRemoteStreamRequestRepublishes(t *testing.T) {
	f := newFixture(t)

	f.ch.bus.Emit(core.Event{Kind: core.EventDataReceived, PeerID: "peer11", Message: "REMOTE_STREAM_REQUEST"})
	require.Eventually(t, func() bool { return len(f.ch.publications()) == 1 }, time.Second, 5*time.Millisecond)
	f.drain(t)

	assert.True(t, f.ctrl.InCall())
	assert.Equal(t, 1, f.ch.sentCount(domain.ProcessingStream.String()))
	// callee does not ask back
	assert.Zero(t, f.ch.sentCount(domain.RemoteStreamRequest.String()))
}

func TestStreamLifecycleDrivesRetry(t *testing.T) {
	f := newFixture(t)
	sup := f.ctrl.Supervisor()
	require.NoError(t, f.ctrl.Call())
	f.drain(t)

	f.ch.bus.Emit(core.Event{Kind: core.EventStreamAdded, PeerID: "peer11", StreamID: "s1"})
	assert.Equal(t, domain.StreamPresent, sup.RemoteStream())
	assert.False(t, sup.Active(supervisor.Stream))

	f.ch.bus.Emit(core.Event{Kind: core.EventStreamEnded, PeerID: "peer11", StreamID: "s1"})
	assert.True(t, sup.Active(supervisor.Stream))

	f.ch.bus.Emit(core.Event{Kind: core.EventStreamAdded, PeerID: "peer11", StreamID: "s2"})
	assert.False(t, sup.Active(supervisor.Stream))
}

func TestStreamEndedAfterHangupDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Call())
	f.drain(t)
	require.NoError(t, f.ctrl.Hangup())
	f.drain(t)

	f.ch.bus.Emit(core.Event{Kind: core.EventStreamEnded, PeerID: "peer11", StreamID: "s1"})
	assert.False(t, f.ctrl.Supervisor().Active(supervisor.Stream))
	assert.False(t, f.ctrl.InCall())
	assert.Equal(t, 1, f.ch.stops)
	assert.True(t, f.ch.publications()[0].isStopped())
}

func TestServerDisconnectThenReconnectResumesRetry(t *testing.T) {
	f := newFixture(t)
	sup := f.ctrl.Supervisor()
	require.NoError(t, f.ctrl.Call())
	f.drain(t)
	f.ch.bus.Emit(core.Event{Kind: core.EventStreamEnded, StreamID: "s1"})
	require.True(t, sup.Active(supervisor.Stream))

	f.ch.bus.Emit(core.Event{Kind: core.EventServerDisconnected})
	assert.False(t, sup.Active(supervisor.Stream))
	assert.True(t, sup.ShouldReconnect())
	assert.Equal(t, domain.Disconnected, f.ctrl.Session().State())

	require.NoError(t, f.ctrl.Connect())
	f.drain(t)
	assert.True(t, sup.Active(supervisor.Stream))
	assert.False(t, sup.ShouldReconnect())
}

func TestChatMessages(t *testing.T) {
	f := newFixture(t)
	chat := collect(f.ctrl.Bus(), core.EventChatMessage)
	failed := collect(f.ctrl.Bus(), core.EventSendFailed)

	f.ch.bus.Emit(core.Event{Kind: core.EventDataReceived, PeerID: "peer11", Message: "hello"})
	require.NoError(t, f.ctrl.SendChat("hi there"))
	f.drain(t)

	evs := chat()
	require.Len(t, evs, 2)
	assert.Equal(t, core.Event{Kind: core.EventChatMessage, PeerID: "peer11", Message: "hello"}, evs[0])
	assert.Equal(t, domain.PeerID("peer22"), evs[1].PeerID)

	f.ch.mu.Lock()
	f.ch.sendErr = domain.ErrNotConnected
	f.ch.mu.Unlock()
	require.NoError(t, f.ctrl.SendChat("lost"))
	f.drain(t)

	assert.Len(t, chat(), 2)
	fails := failed()
	require.Len(t, fails, 1)
	var se *domain.SendError
	require.ErrorAs(t, fails[0].Err, &se)
	assert.Equal(t, "lost", se.Message)
	assert.ErrorIs(t, fails[0].Err, domain.ErrNotConnected)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Connect())
	f.drain(t)
	f.ctrl.Supervisor().StartPingRetry()

	f.ctrl.Disconnect()
	assert.Equal(t, 1, f.ch.disconnect)
	assert.Equal(t, domain.Disconnected, f.ctrl.Session().State())
	assert.False(t, f.ctrl.Supervisor().Active(supervisor.Ping))
}

func TestDisconnectReturnsWhenWorkerDropsJob(t *testing.T) {
	ch := newFakeChannel()
	w := worker.New(4)
	w.Start(context.Background())
	ctrl := New(domain.NewSession("peer22", "peer11"), "http://relay.local", ch, w, supervisor.Options{Clock: clock.NewMock()})
	t.Cleanup(ctrl.Close)

	release := make(chan struct{})
	require.NoError(t, w.Submit(func(context.Context) { <-release }))

	returned := make(chan struct{})
	go func() {
		ctrl.Disconnect()
		close(returned)
	}()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Disconnect blocked on a dropped job")
	}
	<-stopped
	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.GreaterOrEqual(t, ch.disconnect, 1)
	assert.Equal(t, domain.Disconnected, ctrl.Session().State())
}
