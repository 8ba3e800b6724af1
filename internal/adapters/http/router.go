// Package http serves the local control API of the client.
package http

import (
	"context"
	"time"

	"github.com/dkeye/voice-client/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenCookie = "ct"
	clientTokenKey    = "client_token"
	sessionKey        = "sid"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetString(clientTokenKey)
		if !rl.Allow(token) {
			log.Warn().Str("module", "adapters.http").Str("client", token).Str("path", c.FullPath()).Msg("rate limited")
			c.AbortWithStatusJSON(429, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// SetupRouter builds the control API. The rate limiter is swept until ctx ends.
func SetupRouter(ctx context.Context, cfg *config.Config, backend Backend) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Control.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	rl := NewRateLimiter(cfg.Control.RateLimit, cfg.Control.RateWindow)
	go sweep(ctx, rl, cfg.Control.RateWindow)

	h := &handlers{backend: backend}
	api := r.Group("/api")
	api.GET("/session", h.getSession)
	api.GET("/media", h.getMedia)
	api.GET("/capabilities", h.getCapabilities)
	api.GET("/consumers", h.getConsumers)
	api.GET("/transform/stats", h.getTransformStats)

	mut := api.Group("", RateLimitMiddleware(rl))
	mut.POST("/session", h.createSession)
	mut.POST("/session/:sid/join", h.joinSession)
	mut.DELETE("/session", h.leaveSession)

	mut.POST("/media/video/start", h.startVideo)
	mut.POST("/media/video/stop", h.stopVideo)
	mut.POST("/media/audio/start", h.startAudio)
	mut.POST("/media/audio/stop", h.stopAudio)
	mut.POST("/media/audio/toggle", h.toggleAudio)
	mut.POST("/media/screen/start", h.startScreen)
	mut.POST("/media/screen/publish", h.publishScreen)
	mut.POST("/media/screen/stop", h.stopScreen)

	log.Info().Str("module", "adapters.http").Int("rate_limit", cfg.Control.RateLimit).Msg("router setup")
	return r
}

func sweep(ctx context.Context, rl *RateLimiter, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Sweep()
		}
	}
}
