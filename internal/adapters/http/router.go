package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dkeye/callhub/internal/adapters/signal"
	"github.com/dkeye/callhub/internal/app/orch"
	"github.com/dkeye/callhub/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ParticipantHeader is set by the auth collaborator in front of this server.
const ParticipantHeader = "X-Participant-ID"

const sessionParticipant = "pid"

// IdentityMiddleware attaches the participant id to the request. A header
// from the upstream auth proxy wins; otherwise the id remembered in the
// signed session cookie is used, minting one for first-time guests.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(ParticipantHeader)
		if id == "" {
			sess := sessions.Default(c)
			if v, ok := sess.Get(sessionParticipant).(string); ok && v != "" {
				id = v
			} else {
				id = uuid.NewString()
				sess.Set(sessionParticipant, id)
				if err := sess.Save(); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
				}
			}
		}
		c.Set(signal.ParticipantKey, id)
		c.Next()
	}
}

// OperatorMiddleware admits requests carrying "Authorization: Bearer <token>".
// With an empty token every request is refused.
func OperatorMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator api disabled"})
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			log.Warn().Str("module", "adapters.http").Str("path", c.FullPath()).Str("user", c.GetString(signal.ParticipantKey)).Msg("operator request refused")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator credential required"})
			return
		}
		c.Next()
	}
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
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("CallhubSessions", store))
	r.Use(IdentityMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	var limiter *signal.RateLimiter
	if cfg.RateLimit.Invites > 0 {
		limiter = signal.NewRateLimiter(cfg.RateLimit.Invites, cfg.RateLimit.Interval)
	}
	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
		Limiter:    limiter,
	})

	api := r.Group("/api")
	h := &handlers{orch: o}
	api.GET("/rooms", h.listRooms)
	api.DELETE("/rooms/:id", OperatorMiddleware(cfg.AdminToken), h.evictRoom)
	api.GET("/presence/:id", h.presence)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString(signal.ParticipantKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
