package http

import (
	"context"
	"net/http"

	"github.com/dkeye/meshroom/internal/adapters/signal"
	"github.com/dkeye/meshroom/internal/app/orch"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SignalOptions maps relay configuration onto connection options.
func SignalOptions(cfg *config.Config) signal.Options {
	return signal.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		PongWait:     cfg.PongWait,
		WriteWait:    cfg.WriteWait,
		SendBuffer:   cfg.SendBuffer,
		RateLimit:    cfg.RateLimit,
		RateInterval: cfg.RateInterval,
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctrl := signal.NewSignalWSController(orch, SignalOptions(cfg))
	ws := func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	}
	r.GET("/", ws)
	r.GET("/ws", ws)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": orch.Registry.RoomCount()})
	})

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.Registry.Rooms())
	})
	api.GET("/rooms/:id/peers", func(c *gin.Context) {
		id, err := domain.ParseRoomID(c.Param("id"))
		if err != nil || !orch.Registry.HasRoom(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, orch.Registry.ListPeers(id, ""))
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
