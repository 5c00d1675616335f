package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/domain"
)

type peerEntry struct {
	ID   domain.PeerID
	Conn *signal.Conn
}

type stream struct {
	ID   string
	From domain.PeerID
	To   domain.PeerID
}

// Registry maps logged-in peers to their connection and keeps the
// publications relayed between them.
type Registry struct {
	mu      sync.RWMutex
	peers   map[domain.PeerID]*peerEntry
	streams map[string]stream
}

func NewRegistry() *Registry {
	return &Registry{
		peers:   make(map[domain.PeerID]*peerEntry),
		streams: make(map[string]stream),
	}
}

// Bind makes e the connection for e.ID and returns the one it replaced.
func (r *Registry) Bind(e *peerEntry) *peerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.peers[e.ID]
	r.peers[e.ID] = e
	log.Info().Str("module", "relay.registry").Str("peer", string(e.ID)).Bool("replaced", old != nil).Msg("bound peer")
	return old
}

// Unbind removes e only if it is still the current connection for its peer.
func (r *Registry) Unbind(e *peerEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[e.ID] != e {
		return false
	}
	delete(r.peers, e.ID)
	log.Info().Str("module", "relay.registry").Str("peer", string(e.ID)).Msg("unbound peer")
	return true
}

func (r *Registry) Get(id domain.PeerID) (*peerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	return e, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) AddStream(s stream) {
	r.mu.Lock()
	r.streams[s.ID] = s
	r.mu.Unlock()
}

// RemoveStream deletes a stream published by from.
func (r *Registry) RemoveStream(id string, from domain.PeerID) (stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok || s.From != from {
		return stream{}, false
	}
	delete(r.streams, id)
	return s, true
}

// DropStreams forgets every stream from or to id and returns the ones id published.
func (r *Registry) DropStreams(id domain.PeerID) []stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream
	for sid, s := range r.streams {
		switch {
		case s.From == id:
			out = append(out, s)
			delete(r.streams, sid)
		case s.To == id:
			delete(r.streams, sid)
		}
	}
	return out
}

func (r *Registry) StreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
