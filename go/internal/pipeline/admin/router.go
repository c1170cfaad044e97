package admin

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	AllowedOrigins []string
	Debug          bool
}

// NewRouter assembles the admin API.
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsCfg.MaxAge = 12 * time.Hour
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	api := r.Group("/api/v1")
	{
		api.POST("/commands", h.EnqueueCommand)
		api.GET("/commands/:id", h.GetCommand)
		api.POST("/commands/:id/requeue", h.RequeueCommand)
		api.GET("/queue/stats", h.QueueStats)

		api.GET("/dead-letters", h.ListDeadLetters)
		api.POST("/dead-letters/:id/replay", h.ReplayDeadLetter)
		api.POST("/dead-letters/:id/discard", h.DiscardDeadLetter)

		api.GET("/leases/:entityType/:entityId", h.GetLease)
		api.DELETE("/leases/:entityType/:entityId", h.ForceReleaseLease)

		api.POST("/triggers", h.ScheduleTrigger)
		api.DELETE("/triggers", h.CancelTriggers)
	}

	return r
}
