// Package supervisor keeps re-announcing control messages to the remote peer
// until the stream it waits for shows up or the peer answers a ping.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/worker"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const (
	DefaultInterval = 2 * time.Second
	reconnectingMsg = "Reconnecting"
)

const (
	ReasonCancelled     = "cancelled"
	ReasonReplaced      = "replaced"
	ReasonExpired       = "expired"
	ReasonDisconnected  = "disconnected"
	// ReasonWorkerStopped means ticks could no longer be queued.
	ReasonWorkerStopped = "worker_stopped"
)

// Sender is the part of core.SignalingChannel the supervisor needs.
type Sender interface {
	Send(ctx context.Context, peerID domain.PeerID, message string) error
}

// Queue is the serial worker all sends go through.
type Queue interface {
	Submit(job worker.Job) error
	SubmitOr(job worker.Job, abort <-chan struct{}) error
}

type Options struct {
	StreamInterval time.Duration
	PingInterval   time.Duration
	// MaxAttempts caps ticks per timer; 0 retries until cancelled.
	MaxAttempts int

	Clock      clock.Clock
	Dispatcher core.Dispatcher
	Notifier   core.Notifier
	Bus        *core.Bus
	// OnStreamRequested runs when the peer asks us to (re)publish.
	OnStreamRequested func(peerID domain.PeerID)
}

type Supervisor struct {
	peer  domain.PeerID
	ch    Sender
	queue Queue
	opts  Options

	logger zerolog.Logger

	mu              sync.Mutex
	timers          [numKinds]*retryTimer
	shouldReconnect bool
	remote          domain.StreamState
	closed          bool
}

func New(peer domain.PeerID, ch Sender, queue Queue, opts Options) *Supervisor {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = DefaultInterval
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = core.InlineDispatcher{}
	}
	if opts.Notifier == nil {
		opts.Notifier = core.NopNotifier{}
	}
	if opts.Bus == nil {
		opts.Bus = core.NewBus()
	}
	return &Supervisor{
		peer:   peer,
		ch:     ch,
		queue:  queue,
		opts:   opts,
		logger: log.With().Str("module", "app.supervisor").Str("peer", string(peer)).Logger(),
	}
}

func (s *Supervisor) Bus() *core.Bus { return s.opts.Bus }

func (s *Supervisor) StartStreamRetry() {
	s.start(Stream, domain.RemoteStreamRequest, s.opts.StreamInterval)
}

func (s *Supervisor) CancelStreamRetry() { s.cancel(Stream, ReasonCancelled) }

func (s *Supervisor) StartPingRetry() {
	s.start(Ping, domain.PingRequest, s.opts.PingInterval)
}

func (s *Supervisor) CancelPingRetry() { s.cancel(Ping, ReasonCancelled) }

// Active reports whether a timer of kind k is running.
func (s *Supervisor) Active(k Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[k] != nil
}

func (s *Supervisor) ShouldReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldReconnect
}

func (s *Supervisor) RemoteStream() domain.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Supervisor) OnStreamAdded(streamID string) {
	s.mu.Lock()
	s.remote = domain.StreamPresent
	s.mu.Unlock()
	s.logger.Info().Str("stream", streamID).Msg("remote stream added")
	s.CancelStreamRetry()
}

// OnStreamEnded records the loss and starts asking for the stream again.
func (s *Supervisor) OnStreamEnded(streamID string) {
	s.MarkStreamEnded(streamID)
	s.StartStreamRetry()
}

// MarkStreamEnded records the loss without retrying.
func (s *Supervisor) MarkStreamEnded(streamID string) {
	s.mu.Lock()
	s.remote = domain.StreamEnded
	s.mu.Unlock()
	s.logger.Info().Str("stream", streamID).Msg("remote stream ended")
}

// OnServerDisconnected stops the stream retry and remembers to resume it
// once the channel is connected again.
func (s *Supervisor) OnServerDisconnected() {
	s.mu.Lock()
	t := s.cancelLocked(Stream)
	if t != nil {
		s.shouldReconnect = true
	}
	s.mu.Unlock()
	s.logger.Warn().Bool("should_reconnect", t != nil).Msg("server disconnected")
	if t != nil {
		t.settle()
		s.emitStopped(t, ReasonDisconnected)
	}
}

// OnConnected consults the reconnect flag once.
func (s *Supervisor) OnConnected() {
	s.mu.Lock()
	resume := s.shouldReconnect
	s.shouldReconnect = false
	s.mu.Unlock()
	if resume {
		s.logger.Info().Msg("resuming stream retry after reconnect")
		s.StartStreamRetry()
	}
}

func (s *Supervisor) OnControlMessage(peerID domain.PeerID, message string) {
	c, ok := domain.ParseControl(message)
	if !ok {
		return
	}
	s.logger.Debug().Str("from", string(peerID)).Str("control", c.String()).Msg("control message")
	switch c {
	case domain.PingRequest:
		s.reply(peerID, domain.PingResponse)
	case domain.PingResponse:
		s.CancelPingRetry()
		s.opts.Bus.Emit(core.Event{Kind: core.EventPeerReachable, PeerID: peerID})
	case domain.RemoteStreamRequest:
		s.reply(peerID, domain.ProcessingStream)
		if s.opts.OnStreamRequested != nil {
			s.opts.OnStreamRequested(peerID)
		}
	case domain.RemoteStreamResponse:
		s.opts.Bus.Emit(core.Event{Kind: core.EventStreamResponse, PeerID: peerID})
	case domain.ProcessingStream:
		s.opts.Bus.Emit(core.Event{Kind: core.EventStreamProcessing, PeerID: peerID})
	}
}

// Close cancels both timers; later starts are ignored.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	var stopped []*retryTimer
	for k := Kind(0); k < numKinds; k++ {
		if t := s.cancelLocked(k); t != nil {
			stopped = append(stopped, t)
		}
	}
	s.mu.Unlock()
	for _, t := range stopped {
		t.settle()
		s.emitStopped(t, ReasonCancelled)
	}
}

func (s *Supervisor) start(k Kind, msg domain.Control, interval time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.cancelLocked(k)
	t := newRetryTimer(k, msg, interval, s.opts.Clock)
	s.timers[k] = t
	go s.run(t)
	s.mu.Unlock()

	if prev != nil {
		prev.settle()
		s.emitStopped(prev, ReasonReplaced)
	}
	s.logger.Info().Str("timer", k.String()).Dur("interval", interval).Msg("retry started")
	s.opts.Bus.Emit(core.Event{Kind: core.EventTimerStarted, PeerID: s.peer, Timer: k.String(), Message: msg.String()})
}

func (s *Supervisor) cancel(k Kind, reason string) {
	s.mu.Lock()
	t := s.cancelLocked(k)
	s.mu.Unlock()
	if t != nil {
		t.settle()
		s.emitStopped(t, reason)
	}
}

// cancelLocked detaches the timer and waits for its goroutine to exit.
// The goroutine never takes s.mu, so waiting here is safe. Callers settle
// the timer once s.mu is released, because a running tick takes s.mu.
func (s *Supervisor) cancelLocked(k Kind) *retryTimer {
	t := s.timers[k]
	if t == nil {
		return nil
	}
	s.timers[k] = nil
	t.cancelled = true
	t.signalStop()
	<-t.done
	return t
}

// run produces ticks: one immediately, then one per interval.
// Ticks only enqueue work; the worker does the send.
func (s *Supervisor) run(t *retryTimer) {
	err := s.tick(t)
	t.ticker.Stop()
	close(t.done)

	if err != nil && !errors.Is(err, context.Canceled) {
		if s.drop(t, ReasonWorkerStopped) {
			s.logger.Warn().Err(err).Str("timer", t.kind.String()).Msg("retry abandoned")
		}
	}
}

func (s *Supervisor) tick(t *retryTimer) error {
	attempt := 1
	if err := s.enqueue(t, attempt); err != nil {
		return err
	}
	for {
		if s.opts.MaxAttempts > 0 && attempt >= s.opts.MaxAttempts {
			return nil
		}
		select {
		case <-t.stop:
			return nil
		case <-t.ticker.C:
			attempt++
			if err := s.enqueue(t, attempt); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) enqueue(t *retryTimer, attempt int) error {
	return s.queue.SubmitOr(func(ctx context.Context) {
		s.fire(ctx, t, attempt)
	}, t.stop)
}

func (s *Supervisor) live(t *retryTimer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !t.cancelled && s.timers[t.kind] == t
}

// fire runs on the worker. A tick queued before cancellation is dropped here.
// Bus handlers run under t.firing and must not cancel this timer synchronously.
func (s *Supervisor) fire(ctx context.Context, t *retryTimer, attempt int) {
	t.firing.Lock()
	defer t.firing.Unlock()
	if !s.live(t) {
		return
	}
	if err := s.ch.Send(ctx, s.peer, t.message.String()); err != nil {
		s.logger.Error().Err(err).Str("timer", t.kind.String()).Int("attempt", attempt).Msg("retry send failed")
		s.opts.Bus.Emit(core.Event{Kind: core.EventSendFailed, PeerID: s.peer, Timer: t.kind.String(), Message: t.message.String(), Attempt: attempt, Err: err})
	}
	s.opts.Bus.Emit(core.Event{Kind: core.EventRetryTick, PeerID: s.peer, Timer: t.kind.String(), Message: t.message.String(), Attempt: attempt})
	if s.live(t) {
		s.opts.Dispatcher.Dispatch(func() { s.opts.Notifier.Notify(reconnectingMsg) })
	}

	if s.opts.MaxAttempts > 0 && attempt >= s.opts.MaxAttempts {
		if s.drop(t, ReasonExpired) {
			s.logger.Warn().Str("timer", t.kind.String()).Int("max_attempts", s.opts.MaxAttempts).Msg("retry gave up")
		}
	}
}

// drop detaches t if it is still the current timer of its kind. It does not
// wait for t, so it is safe from run and from fire.
func (s *Supervisor) drop(t *retryTimer, reason string) bool {
	s.mu.Lock()
	if s.timers[t.kind] != t {
		s.mu.Unlock()
		return false
	}
	s.timers[t.kind] = nil
	t.cancelled = true
	t.signalStop()
	s.mu.Unlock()
	s.emitStopped(t, reason)
	return true
}

func (s *Supervisor) reply(peerID domain.PeerID, c domain.Control) {
	err := s.queue.Submit(func(ctx context.Context) {
		if err := s.ch.Send(ctx, peerID, c.String()); err != nil {
			s.logger.Error().Err(err).Str("control", c.String()).Msg("reply send failed")
			s.opts.Bus.Emit(core.Event{Kind: core.EventSendFailed, PeerID: peerID, Message: c.String(), Err: err})
		}
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("control", c.String()).Msg("reply not queued")
	}
}

func (s *Supervisor) emitStopped(t *retryTimer, reason string) {
	s.logger.Info().Str("timer", t.kind.String()).Str("reason", reason).Msg("retry stopped")
	s.opts.Bus.Emit(core.Event{Kind: core.EventTimerStopped, PeerID: s.peer, Timer: t.kind.String(), Message: t.message.String(), Reason: reason})
}
