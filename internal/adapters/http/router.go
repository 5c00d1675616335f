package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/relay"
	"github.com/dkeye/peercall/internal/config"
)

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowHeaders = []string{"Authorization", "Content-Type", "Origin", "Accept"}
	c.AllowMethods = []string{"GET", "HEAD", "OPTIONS"}
	return c
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *relay.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg.Relay.CORSOrigins)))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/peers", func(c *gin.Context) {
		peers, err := hub.Peers(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("list peers")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"peers": peers})
	})

	api.GET("/ws", func(c *gin.Context) {
		hub.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Strs("cors", cfg.Relay.CORSOrigins).Msg("router setup")
	return r
}
