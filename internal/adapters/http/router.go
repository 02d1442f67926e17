// Package http exposes the session controls to a local UI.
package http

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/app/devices"
	"github.com/dkeye/televisit/internal/app/orch"
	"github.com/dkeye/televisit/internal/app/reconcile"
	"github.com/dkeye/televisit/internal/core"
)

// Controls is the session surface the API drives.
type Controls interface {
	View(ctx context.Context) orch.View
	OnChange(fn func(orch.View))
	DeviceList(ctx context.Context) (devices.DeviceList, error)
	Preview(ctx context.Context) (orch.Lobby, error)
	Join(ctx context.Context, req orch.JoinRequest) error
	Resume(ctx context.Context) error
	ToggleMute() (bool, error)
	ToggleCamera() (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	ToggleHand() (bool, error)
	ToggleChat(ctx context.Context) (bool, error)
	SendChat(text string) (reconcile.Chat, error)
	SwitchDevice(ctx context.Context, kind core.DeviceKind, deviceID string) error
	SetBackground(ctx context.Context, mode core.BackgroundMode) error
	Leave(ctx context.Context) error
	EndSessionForAll(ctx context.Context) error
}

type RouterConfig struct {
	Mode           string
	AllowedOrigins []string
	ReadLimit      int64
	PingPeriod     time.Duration
}

func SetupRouter(ctx context.Context, cfg RouterConfig, ctl Controls) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	corsCfg.AllowHeaders = []string{"Content-Type", "Origin", "Accept"}
	r.Use(cors.New(corsCfg))

	h := &handlers{ctl: ctl}
	hub := newHub(cfg.ReadLimit, cfg.PingPeriod)
	ctl.OnChange(hub.broadcast)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	api.GET("/view", h.view)
	api.GET("/devices", h.devices)
	api.POST("/lobby", h.lobby)
	api.POST("/join", h.join)
	api.POST("/resume", h.resume)
	api.POST("/leave", h.leave)
	api.POST("/end", h.end)
	api.POST("/devices/switch", h.switchDevice)
	api.POST("/background", h.background)
	api.POST("/chat", h.chat)

	controls := api.Group("/controls")
	controls.POST("/mute", h.toggle(func(*gin.Context) (bool, error) { return ctl.ToggleMute() }, "muted"))
	controls.POST("/camera", h.toggle(func(*gin.Context) (bool, error) { return ctl.ToggleCamera() }, "enabled"))
	controls.POST("/screenshare", h.toggle(func(c *gin.Context) (bool, error) {
		return ctl.ToggleScreenShare(c.Request.Context())
	}, "sharing"))
	controls.POST("/hand", h.toggle(func(*gin.Context) (bool, error) { return ctl.ToggleHand() }, "raised"))
	controls.POST("/chat", h.toggle(func(c *gin.Context) (bool, error) {
		return ctl.ToggleChat(c.Request.Context())
	}, "open"))

	api.GET("/events", func(c *gin.Context) {
		hub.serve(ctx, c, ctl.View(c.Request.Context()))
	})

	log.Info().Str("module", "adapters.http").Strs("origins", cfg.AllowedOrigins).Msg("router setup")
	return r
}
