package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/supervisor"
	"github.com/dkeye/Huddle/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

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

func SetupRouter(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	h := &handlers{sup: sup}

	api := r.Group("/api")
	api.POST("/call/join", h.join)
	api.POST("/call/leave", h.leave)
	api.POST("/call/mic", h.toggleMic)
	api.POST("/call/camera", h.toggleCamera)
	api.POST("/call/screenshare", h.toggleScreenShare)
	api.GET("/call/state", h.state)

	api.GET("/participants/:uid/control", h.participantControl)
	api.POST("/participants/:uid/volume", h.setVolume)
	api.POST("/participants/:uid/mute", h.toggleMute)
	api.DELETE("/participants/:uid", h.removeParticipant)

	api.GET("/ws/state", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws state endpoint hit")
		h.stateStream(ctx, c)
	})

	return r
}
