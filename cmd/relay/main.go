package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/peercall/internal/adapters/http"
	"github.com/dkeye/peercall/internal/adapters/presence"
	"github.com/dkeye/peercall/internal/adapters/relay"
	"github.com/dkeye/peercall/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	store := newPresence(ctx, cfg.Relay)
	hub := relay.NewHub(store, relay.Options{
		ICEServers:   cfg.Relay.WebRTCICEServers(),
		RateLimit:    cfg.Relay.RateLimit,
		RateInterval: cfg.Relay.RateInterval,
		PingPeriod:   cfg.PingPeriod,
		ReadLimit:    cfg.ReadLimit,
	})

	r := router.SetupRouter(ctx, cfg, hub)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// newPresence uses Redis when an address is configured and reachable.
func newPresence(ctx context.Context, cfg config.RelayConfig) presence.Store {
	if cfg.RedisAddr == "" {
		log.Info().Str("module", "presence").Msg("using in-memory presence")
		return presence.NewMemoryStore()
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Error().Err(err).Str("module", "presence").Str("addr", cfg.RedisAddr).Msg("redis ping failed, using in-memory presence")
		_ = rdb.Close()
		return presence.NewMemoryStore()
	}

	store := presence.NewRedisStore(rdb, cfg.RedisPrefix)
	if err := store.Reset(pingCtx); err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("redis reset presence")
	}
	log.Info().Str("module", "presence").Str("addr", cfg.RedisAddr).Msg("using redis presence")
	return store
}
