// Package presence tracks which peers are logged in to the relay.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

type Store interface {
	Reset(ctx context.Context) error
	AddPeer(ctx context.Context, id string) error
	RemovePeer(ctx context.Context, id string) error
	Peers(ctx context.Context) ([]string, error)
}

// MemoryStore is the single-node Store.
type MemoryStore struct {
	mu    sync.RWMutex
	peers map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[string]struct{})}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	s.peers = make(map[string]struct{})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddPeer(_ context.Context, id string) error {
	s.mu.Lock()
	s.peers[id] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemovePeer(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
	return nil
}

// Peers is sorted.
func (s *MemoryStore) Peers(context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// RedisStore keeps the peer set in one Redis set so several relays can share it.
type RedisStore struct {
	rdb      *redis.Client
	keyPeers string
}

// NewRedisStore uses "<prefix>:peers" as the key; prefix defaults to "peercall".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "peercall"
	}
	return &RedisStore{
		rdb:      rdb,
		keyPeers: fmt.Sprintf("%s:peers", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyPeers).Err()
}

func (s *RedisStore) AddPeer(ctx context.Context, id string) error {
	return s.rdb.SAdd(ctx, s.keyPeers, id).Err()
}

func (s *RedisStore) RemovePeer(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyPeers, id).Err()
}

func (s *RedisStore) Peers(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.keyPeers).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(vals)
	return vals, nil
}
