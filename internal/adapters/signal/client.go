package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const (
	WSPath                = "/api/ws"
	DefaultConnectTimeout = 10 * time.Second
)

var ErrLoginRejected = errors.New("login rejected")

type Options struct {
	PingPeriod     time.Duration
	ConnectTimeout time.Duration
	ReadLimit      int64
	SendQueue      int
	Dialer         *websocket.Dialer
}

// Client is the peer side of the relay protocol. It implements
// core.SignalingChannel.
type Client struct {
	opts   Options
	bus    *core.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *Conn
	allowed map[domain.PeerID]struct{}
	pubs    map[string]*publication
	ice     []webrtc.ICEServer
}

var _ core.SignalingChannel = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:    opts,
		bus:     core.NewBus(),
		logger:  log.With().Str("module", "adapters.signal").Logger(),
		allowed: make(map[domain.PeerID]struct{}),
		pubs:    make(map[string]*publication),
	}
}

func (c *Client) Subscribe(kind core.EventKind, h core.Handler) func() {
	return c.bus.Subscribe(kind, h)
}

func (c *Client) AllowPeer(peerID domain.PeerID) {
	c.mu.Lock()
	c.allowed[peerID] = struct{}{}
	c.mu.Unlock()
}

// ICEServers returns the list pushed by the relay in the last welcome.
func (c *Client) ICEServers() []webrtc.ICEServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICEServer(nil), c.ice...)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the relay and logs in. An existing connection is dropped
// first without reporting a server disconnect.
func (c *Client) Connect(ctx context.Context, creds core.Credentials) error {
	target, err := wsURL(creds.Host)
	if err != nil {
		return &domain.ConnectError{Host: creds.Host, Err: err}
	}
	c.Disconnect()

	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.logger.Info().Str("url", target).Str("token", string(creds.Token)).Msg("dialing")
	ws, _, err := c.opts.Dialer.DialContext(dctx, target, nil)
	if err != nil {
		return &domain.ConnectError{Host: creds.Host, Err: err}
	}
	welcome, err := login(dctx, ws, creds.Token)
	if err != nil {
		_ = ws.Close()
		return &domain.ConnectError{Host: creds.Host, Err: err}
	}

	conn := NewConn(ws, c.opts.SendQueue)
	pctx, pcancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.ice = welcome.ICEServers
	c.mu.Unlock()

	go conn.WritePump(pctx, c.opts.PingPeriod, c.logger)
	go c.readLoop(pctx, pcancel, conn)
	c.logger.Info().Str("id", welcome.ID).Int("ice_servers", len(welcome.ICEServers)).Msg("logged in")
	return nil
}

func login(ctx context.Context, ws *websocket.Conn, token domain.PeerID) (Envelope, error) {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = ws.SetWriteDeadline(dl)
		_ = ws.SetReadDeadline(dl)
	}

	if err := ws.WriteJSON(Envelope{Type: TypeLogin, Token: string(token)}); err != nil {
		return Envelope{}, err
	}
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			return Envelope{}, err
		}
		switch env.Type {
		case TypeWelcome:
			return env, nil
		case TypeError:
			return Envelope{}, fmt.Errorf("%w: %s", ErrLoginRejected, env.Error)
		}
	}
}

// Disconnect is client initiated and emits nothing.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.pubs = make(map[string]*publication)
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
		c.logger.Info().Msg("disconnected")
	}
}

func (c *Client) readLoop(ctx context.Context, cancel context.CancelFunc, conn *Conn) {
	defer cancel()
	err := conn.ReadPump(ctx, c.opts.ReadLimit, c.opts.PingPeriod, c.handle)
	if !c.detach(conn) {
		return
	}
	c.logger.Warn().Err(err).Msg("server disconnected")
	c.bus.Emit(core.Event{Kind: core.EventServerDisconnected, Err: err})
}

func (c *Client) detach(conn *Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	c.pubs = make(map[string]*publication)
	return true
}

func (c *Client) isAllowed(p domain.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.allowed[p]
	return ok
}

func (c *Client) handle(data []byte) {
	env, err := Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("bad json")
		return
	}
	from := domain.PeerID(env.From)

	switch env.Type {
	case TypeData, TypeStreamAdded, TypeStreamEnded:
		if !c.isAllowed(from) {
			c.logger.Debug().Str("type", env.Type).Str("from", env.From).Msg("dropped, peer not allowed")
			return
		}
	}

	switch env.Type {
	case TypeData:
		c.bus.Emit(core.Event{Kind: core.EventDataReceived, PeerID: from, Message: env.Message})
	case TypeStreamAdded:
		c.bus.Emit(core.Event{Kind: core.EventStreamAdded, PeerID: from, StreamID: env.Stream})
	case TypeStreamEnded:
		c.bus.Emit(core.Event{Kind: core.EventStreamEnded, PeerID: from, StreamID: env.Stream})
	case TypeError:
		c.logger.Warn().Str("error", env.Error).Str("to", env.To).Msg("relay error")
	case TypePing:
		_ = c.enqueue(Pong())
	case TypePong:
	default:
		c.logger.Warn().Str("type", env.Type).Msg("unknown signal")
	}
}

func (c *Client) enqueue(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	err := conn.SendJSON(env)
	if errors.Is(err, ErrConnClosed) {
		return domain.ErrNotConnected
	}
	return err
}

func (c *Client) Send(ctx context.Context, peerID domain.PeerID, message string) error {
	err := ctx.Err()
	if err == nil {
		err = c.enqueue(Envelope{Type: TypeData, To: string(peerID), Message: message})
	}
	if err != nil {
		return &domain.SendError{PeerID: peerID, Message: message, Err: err}
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, peerID domain.PeerID) (core.Publication, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &publication{id: uuid.NewString(), peer: peerID, client: c}
	if err := c.enqueue(Envelope{Type: TypePublish, To: string(peerID), Stream: p.id}); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", peerID, err)
	}
	c.mu.Lock()
	c.pubs[p.id] = p
	c.mu.Unlock()
	c.logger.Info().Str("to", string(peerID)).Str("stream", p.id).Msg("published")
	return p, nil
}

// Stop ends every publication towards peerID.
func (c *Client) Stop(_ context.Context, peerID domain.PeerID) error {
	c.mu.Lock()
	var open []*publication
	for _, p := range c.pubs {
		if p.peer == peerID {
			open = append(open, p)
		}
	}
	c.mu.Unlock()
	for _, p := range open {
		p.Stop()
	}
	return nil
}

type publication struct {
	id     string
	peer   domain.PeerID
	client *Client
	once   sync.Once
}

func (p *publication) ID() string { return p.id }

func (p *publication) Stop() {
	p.once.Do(func() {
		c := p.client
		c.mu.Lock()
		delete(c.pubs, p.id)
		c.mu.Unlock()
		if err := c.enqueue(Envelope{Type: TypeUnpublish, To: string(p.peer), Stream: p.id}); err != nil {
			c.logger.Debug().Err(err).Str("stream", p.id).Msg("unpublish not sent")
		}
	})
}

func wsURL(host string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(host))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", host)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + WSPath
	return u.String(), nil
}
