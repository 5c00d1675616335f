// Package call drives one call session: login, publishing, chat and the
// supervisor that keeps asking the peer for its stream.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/supervisor"
	"github.com/dkeye/peercall/internal/app/worker"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const (
	msgServerConnected    = "Server connected"
	msgServerDisconnected = "Server disconnected"
)

type Controller struct {
	session *domain.Session
	host    string
	ch      core.SignalingChannel
	queue   *worker.Worker
	sup     *supervisor.Supervisor
	bus     *core.Bus
	ui      core.Dispatcher
	notify  core.Notifier
	logger  zerolog.Logger

	mu           sync.Mutex
	inCall       bool
	isCaller     bool
	isCallee     bool
	publication  core.Publication
	failureCount int
	unsubs       []func()
}

// New wires the controller to ch. opts configures the supervisor; its Bus,
// Dispatcher and Notifier are shared with the controller.
func New(session *domain.Session, host string, ch core.SignalingChannel, w *worker.Worker, opts supervisor.Options) *Controller {
	if opts.Bus == nil {
		opts.Bus = core.NewBus()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = core.InlineDispatcher{}
	}
	if opts.Notifier == nil {
		opts.Notifier = core.NopNotifier{}
	}
	c := &Controller{
		session: session,
		host:    host,
		ch:      ch,
		queue:   w,
		bus:     opts.Bus,
		ui:      opts.Dispatcher,
		notify:  opts.Notifier,
		logger: log.With().
			Str("module", "app.call").
			Str("local", string(session.Local)).
			Str("remote", string(session.Remote)).
			Logger(),
	}
	opts.OnStreamRequested = c.onStreamRequested
	c.sup = supervisor.New(session.Remote, ch, w, opts)

	c.unsubs = append(c.unsubs,
		ch.Subscribe(core.EventServerDisconnected, c.onServerDisconnected),
		ch.Subscribe(core.EventStreamAdded, c.onStreamAdded),
		ch.Subscribe(core.EventStreamEnded, c.onStreamEnded),
		ch.Subscribe(core.EventDataReceived, c.onDataReceived),
	)
	return c
}

func (c *Controller) Bus() *core.Bus                     { return c.bus }
func (c *Controller) Session() *domain.Session           { return c.session }
func (c *Controller) Supervisor() *supervisor.Supervisor { return c.sup }

func (c *Controller) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount
}

func (c *Controller) InCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inCall
}

// Connect logs in on the worker. A failure is reported through
// EventConnectFailed and is never retried here.
func (c *Controller) Connect() error {
	return c.queue.Submit(func(ctx context.Context) {
		c.session.Transition(domain.Connecting)
		c.ch.AllowPeer(c.session.Local)
		c.ch.AllowPeer(c.session.Remote)

		err := c.ch.Connect(ctx, core.Credentials{Host: c.host, Token: c.session.Local})
		if err != nil {
			var ce *domain.ConnectError
			if !errors.As(err, &ce) {
				err = &domain.ConnectError{Host: c.host, Err: err}
			}
			c.mu.Lock()
			c.failureCount++
			n := c.failureCount
			c.mu.Unlock()
			c.session.Transition(domain.Disconnected)
			c.logger.Error().Err(err).Int("failure_count", n).Msg("connect failed")
			c.bus.Emit(core.Event{Kind: core.EventConnectFailed, PeerID: c.session.Local, Attempt: n, Err: err})
			return
		}

		c.mu.Lock()
		c.failureCount = 0
		c.mu.Unlock()
		c.session.Transition(domain.Connected)
		c.logger.Info().Str("host", c.host).Msg("connected")
		c.bus.Emit(core.Event{Kind: core.EventConnected, PeerID: c.session.Local})
		c.ui.Dispatch(func() { c.notify.Notify(msgServerConnected) })
		c.sup.OnConnected()
	})
}

// Call is the user asking for a call: this side becomes the caller.
func (c *Controller) Call() error {
	c.mu.Lock()
	c.isCaller = true
	c.mu.Unlock()
	return c.RestartCall()
}

// RestartCall publishes, or republishes if a call is already up.
func (c *Controller) RestartCall() error {
	return c.queue.Submit(func(ctx context.Context) {
		c.mu.Lock()
		first := !c.inCall
		c.inCall = true
		prev := c.publication
		c.publication = nil
		c.mu.Unlock()

		if first {
			c.logger.Info().Msg("calling")
		} else {
			c.logger.Info().Msg("restarting")
		}
		if prev != nil {
			prev.Stop()
		}
		c.publish(ctx)
	})
}

func (c *Controller) publish(ctx context.Context) {
	pub, err := c.ch.Publish(ctx, c.session.Remote)
	if err != nil {
		c.logger.Error().Err(err).Msg("publish failed")
		c.bus.Emit(core.Event{Kind: core.EventPublished, PeerID: c.session.Remote, Err: err})
		return
	}

	c.mu.Lock()
	c.publication = pub
	caller := c.isCaller
	c.mu.Unlock()
	c.logger.Info().Str("stream", pub.ID()).Msg("published")
	c.bus.Emit(core.Event{Kind: core.EventPublished, PeerID: c.session.Remote, StreamID: pub.ID()})

	// ask the remote peer to send its stream
	if caller && c.sup.RemoteStream() == domain.StreamEnded {
		c.send(ctx, domain.RemoteStreamRequest.String())
	}
}

func (c *Controller) SendChat(message string) error {
	return c.queue.Submit(func(ctx context.Context) {
		if err := c.send(ctx, message); err != nil {
			return
		}
		c.bus.Emit(core.Event{Kind: core.EventChatMessage, PeerID: c.session.Local, Message: message})
	})
}

// send must run on the worker.
func (c *Controller) send(ctx context.Context, message string) error {
	err := c.ch.Send(ctx, c.session.Remote, message)
	if err == nil {
		c.logger.Debug().Str("msg", message).Msg("msg sent")
		return nil
	}
	var se *domain.SendError
	if !errors.As(err, &se) {
		err = &domain.SendError{PeerID: c.session.Remote, Message: message, Err: err}
	}
	c.logger.Error().Err(err).Str("msg", message).Msg("msg not sent")
	c.bus.Emit(core.Event{Kind: core.EventSendFailed, PeerID: c.session.Remote, Message: message, Err: err})
	return err
}

// Hangup stops publishing and leaves the call. Retries stop with it.
func (c *Controller) Hangup() error {
	c.sup.CancelStreamRetry()
	c.sup.CancelPingRetry()
	return c.queue.Submit(func(ctx context.Context) {
		c.mu.Lock()
		pub := c.publication
		c.publication = nil
		c.inCall = false
		c.isCaller = false
		c.isCallee = false
		c.mu.Unlock()

		if pub != nil {
			pub.Stop()
		}
		if err := c.ch.Stop(ctx, c.session.Remote); err != nil {
			c.logger.Warn().Err(err).Msg("stop peer")
		}
		c.logger.Info().Msg("hung up")
	})
}

// Disconnect ends the session. Must not be called from a worker job.
func (c *Controller) Disconnect() {
	c.sup.Close()
	done := make(chan struct{})
	err := c.queue.SubmitOr(func(context.Context) {
		defer close(done)
		c.ch.Disconnect()
	}, c.queue.Done())
	if err == nil {
		select {
		case <-done:
		case <-c.queue.Done():
			// the loop may exit without running queued jobs
			c.ch.Disconnect()
		}
	} else {
		c.ch.Disconnect()
	}
	c.session.Transition(domain.Disconnected)
	c.logger.Info().Msg("disconnected")
}

// Close detaches from the channel and stops the supervisor.
func (c *Controller) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	c.sup.Close()
}

func (c *Controller) onServerDisconnected(core.Event) {
	c.session.Transition(domain.Disconnected)
	c.sup.OnServerDisconnected()
	c.ui.Dispatch(func() { c.notify.Notify(msgServerDisconnected) })
}

func (c *Controller) onStreamAdded(ev core.Event) {
	c.sup.OnStreamAdded(ev.StreamID)
}

func (c *Controller) onStreamEnded(ev core.Event) {
	if !c.InCall() {
		c.sup.MarkStreamEnded(ev.StreamID)
		return
	}
	c.sup.OnStreamEnded(ev.StreamID)
}

func (c *Controller) onDataReceived(ev core.Event) {
	c.logger.Debug().Str("from", string(ev.PeerID)).Str("data", ev.Message).Msg("data received")
	if _, ok := domain.ParseControl(ev.Message); ok {
		c.sup.OnControlMessage(ev.PeerID, ev.Message)
		return
	}
	c.bus.Emit(core.Event{Kind: core.EventChatMessage, PeerID: ev.PeerID, Message: ev.Message})
}

func (c *Controller) onStreamRequested(peerID domain.PeerID) {
	c.mu.Lock()
	c.isCallee = true
	c.mu.Unlock()
	c.logger.Info().Str("from", string(peerID)).Msg("remote stream requested")
	c.ui.Dispatch(func() {
		if err := c.RestartCall(); err != nil {
			c.logger.Warn().Err(err).Msg("restart call not queued")
		}
	})
}
