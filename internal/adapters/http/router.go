package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/peershare/internal/adapters/signal"
	"github.com/dkeye/peershare/internal/app/orch"
	"github.com/dkeye/peershare/internal/config"
	"github.com/dkeye/peershare/internal/domain"
	"github.com/dkeye/peershare/internal/version"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const ServerName = "peershare signaling server"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a per-browser token in the "ct" cookie. The
// token becomes the connection sid.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type handlers struct {
	orch    *orch.Orchestrator
	started time.Time
	now     func() time.Time
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PeershareSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{orch: o, started: time.Now(), now: time.Now}
	ws := signal.NewSignalWSController(o, signal.Config{
		ReadLimit:      cfg.Signal.ReadLimit,
		PingPeriod:     cfg.Signal.PingPeriod,
		WriteWait:      cfg.Signal.WriteWait,
		SendBuffer:     cfg.Signal.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.Signal.RateLimit,
		RateInterval:   cfg.Signal.RateInterval,
	})

	r.GET("/", h.info)
	r.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ws.HandleSignal(ctx, c)
	})
	r.GET("/health", h.health)
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/stats", h.stats)
	r.GET("/group/:id", h.group)
	r.HEAD("/group/:id", h.groupExists)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func (h *handlers) uptime() float64 {
	return h.now().Sub(h.started).Seconds()
}

func (h *handlers) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    ServerName,
		"version": version.Version,
		"endpoints": gin.H{
			"websocket": "/ws",
			"health":    "/health",
			"stats":     "/stats",
			"group":     "/group/:id",
		},
	})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": h.now().UTC(),
		"uptime":    h.uptime(),
		"stats":     h.orch.Registry.Stats(),
	})
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":     h.orch.Registry.Stats(),
		"timestamp": h.now().UTC(),
		"uptime":    h.uptime(),
	})
}

func (h *handlers) group(c *gin.Context) {
	id := c.Param("id")
	if !domain.ValidGroupID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group ID", "code": "INVALID_GROUP_ID"})
		return
	}
	info, ok := h.orch.Registry.Group(domain.GroupID(id))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found", "code": "GROUP_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          info.ID,
		"name":        info.Name,
		"createdAt":   info.CreatedAt,
		"memberCount": info.MemberCount,
		"exists":      true,
	})
}

func (h *handlers) groupExists(c *gin.Context) {
	id := c.Param("id")
	if !domain.ValidGroupID(id) {
		c.Status(http.StatusNotFound)
		return
	}
	if _, ok := h.orch.Registry.Group(domain.GroupID(id)); !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}
