// Package relay is the signaling server: it logs peers in and forwards data
// and stream notifications between them.
package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/presence"
	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/domain"
)

const storeTimeout = 2 * time.Second

type Options struct {
	ICEServers   []webrtc.ICEServer
	RateLimit    int
	RateInterval time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64
	Clock        clock.Clock
	// Policy defaults to SimplePolicy.
	Policy Policy
}

type Hub struct {
	store    presence.Store
	reg      *Registry
	limiter  *RateLimiter
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHub(store presence.Store, opts Options) *Hub {
	if opts.RateInterval <= 0 {
		opts.RateInterval = time.Second
	}
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	return &Hub{
		store:   store,
		reg:     NewRegistry(),
		limiter: NewRateLimiter(opts.RateLimit, opts.RateInterval, opts.Clock),
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.With().Str("module", "relay").Logger(),
	}
}

func (h *Hub) Registry() *Registry { return h.reg }

func (h *Hub) Peers(ctx context.Context) ([]string, error) {
	return h.store.Peers(ctx)
}

// HandleSignal upgrades the request. Pumps stop when ctx is done.
func (h *Hub) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	h.logger.Info().Str("remote", c.Request.RemoteAddr).Msg("new WS connection")
	h.Accept(ctx, ws)
}

// Accept serves an upgraded socket until it fails or ctx is done.
func (h *Hub) Accept(ctx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{hub: h, conn: signal.NewConn(ws, 0), logger: h.logger}

	go s.conn.WritePump(ctx, h.opts.PingPeriod, h.logger)
	go func() {
		defer cancel()
		if err := s.conn.ReadPump(ctx, h.opts.ReadLimit, h.opts.PingPeriod, s.handle); err != nil {
			s.logger.Debug().Err(err).Msg("readPump read error")
		}
		h.leave(s)
	}()
}

func (h *Hub) leave(s *session) {
	if s.entry == nil {
		return
	}
	id := s.entry.ID
	if !h.reg.Unbind(s.entry) {
		s.logger.Info().Msg("replaced connection closed")
		return
	}
	h.endStreams(id)
	h.limiter.Forget(id)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.RemovePeer(ctx, string(id)); err != nil {
		s.logger.Error().Err(err).Msg("presence remove")
	}
	s.logger.Info().Int("peers", h.reg.Count()).Msg("peer left")
}

func (h *Hub) endStreams(id domain.PeerID) {
	for _, st := range h.reg.DropStreams(id) {
		h.deliver(st.To, signal.Envelope{Type: signal.TypeStreamEnded, From: string(id), Stream: st.ID})
	}
}

func (h *Hub) deliver(to domain.PeerID, env signal.Envelope) bool {
	target, ok := h.reg.Get(to)
	if !ok {
		return false
	}
	err := target.Conn.SendJSON(env)
	switch {
	case err == nil:
	case errors.Is(err, signal.ErrBackpressure):
		action := h.opts.Policy.OnBackpressure(to)
		h.logger.Warn().Str("to", string(to)).Str("type", env.Type).Stringer("action", action).Msg("backpressure")
		if action == KickPeer {
			target.Conn.Close()
		}
	default:
		h.logger.Warn().Err(err).Str("to", string(to)).Str("type", env.Type).Msg("deliver failed")
	}
	return true
}

// session is one socket. handle runs on its read goroutine only.
type session struct {
	hub    *Hub
	conn   *signal.Conn
	entry  *peerEntry
	logger zerolog.Logger
}

func (s *session) reply(env signal.Envelope) {
	if err := s.conn.SendJSON(env); err != nil {
		s.logger.Warn().Err(err).Str("type", env.Type).Msg("reply failed")
	}
}

func (s *session) handle(data []byte) {
	env, err := signal.Decode(data)
	if err != nil {
		s.logger.Error().Err(err).Msg("bad json")
		s.reply(signal.Failure(signal.ErrCodeBadPayload))
		return
	}

	switch env.Type {
	case signal.TypePing:
		s.reply(signal.Pong())
		return
	case signal.TypeLogin:
		s.login(env)
		return
	}
	if s.entry == nil {
		s.reply(signal.Failure(signal.ErrCodeNotLoggedIn))
		return
	}

	switch env.Type {
	case signal.TypeData:
		s.forwardData(env)
	case signal.TypePublish:
		s.publish(env)
	case signal.TypeUnpublish:
		s.unpublish(env)
	case signal.TypePong:
	default:
		s.logger.Warn().Str("type", env.Type).Msg("unknown signal")
	}
}

func (s *session) login(env signal.Envelope) {
	if s.entry != nil {
		s.reply(signal.Failure(signal.ErrCodeAlreadyLoggedIn))
		return
	}
	id, err := domain.NewPeerID(env.Token)
	if err != nil {
		s.logger.Warn().Err(err).Msg("login rejected")
		s.reply(signal.Failure(signal.ErrCodeInvalidToken))
		return
	}

	h := s.hub
	s.entry = &peerEntry{ID: id, Conn: s.conn}
	s.logger = s.logger.With().Str("peer", string(id)).Logger()
	if old := h.reg.Bind(s.entry); old != nil {
		h.endStreams(id)
		old.Conn.Close()
		s.logger.Info().Msg("duplicate login, old connection dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.AddPeer(ctx, string(id)); err != nil {
		s.logger.Error().Err(err).Msg("presence add")
	}

	s.reply(signal.Envelope{Type: signal.TypeWelcome, ID: string(id), ICEServers: h.opts.ICEServers})
	s.logger.Info().Int("peers", h.reg.Count()).Msg("logged in")
}

func (s *session) forwardData(env signal.Envelope) {
	if env.To == "" {
		s.reply(signal.Failure(signal.ErrCodeMissingTarget))
		return
	}
	from := s.entry.ID
	if !s.hub.limiter.Allow(from) {
		s.logger.Warn().Str("to", env.To).Msg("rate limited")
		s.reply(signal.Envelope{Type: signal.TypeError, Error: signal.ErrCodeRateLimited, To: env.To})
		return
	}
	out := signal.Envelope{Type: signal.TypeData, From: string(from), Message: env.Message}
	if !s.hub.deliver(domain.PeerID(env.To), out) {
		s.reply(signal.Envelope{Type: signal.TypeError, Error: signal.ErrCodePeerOffline, To: env.To})
	}
}

func (s *session) publish(env signal.Envelope) {
	if env.To == "" || env.Stream == "" {
		s.reply(signal.Failure(signal.ErrCodeMissingTarget))
		return
	}
	to := domain.PeerID(env.To)
	if _, ok := s.hub.reg.Get(to); !ok {
		s.reply(signal.Envelope{Type: signal.TypeError, Error: signal.ErrCodePeerOffline, To: env.To})
		return
	}
	st := stream{ID: env.Stream, From: s.entry.ID, To: to}
	s.hub.reg.AddStream(st)
	s.hub.deliver(to, signal.Envelope{Type: signal.TypeStreamAdded, From: string(st.From), Stream: st.ID})
	s.logger.Info().Str("to", env.To).Str("stream", st.ID).Msg("stream published")
}

func (s *session) unpublish(env signal.Envelope) {
	st, ok := s.hub.reg.RemoveStream(env.Stream, s.entry.ID)
	if !ok {
		s.reply(signal.Failure(signal.ErrCodeUnknownStream))
		return
	}
	s.hub.deliver(st.To, signal.Envelope{Type: signal.TypeStreamEnded, From: string(st.From), Stream: st.ID})
	s.logger.Info().Str("to", string(st.To)).Str("stream", st.ID).Msg("stream unpublished")
}
