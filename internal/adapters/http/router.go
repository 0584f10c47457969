package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/adapters/signal"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/telemetry"
)

const answerTimeout = 15 * time.Second

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

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, limiter *signal.RateLimiter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(o, limiter, cfg.ReadLimit, cfg.PingPeriod)
	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})
	api.POST("/offer", offerHandler(o))
	api.PUT("/ice-servers", iceServersHandler(o))
	api.GET("/ice-servers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ice_servers": o.ICEServers()})
	})
	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": o.Sessions()})
	})
	api.DELETE("/sessions/:id", func(c *gin.Context) {
		if !o.CloseSessionByID(core.SessionID(c.Param("id"))) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such session"})
			return
		}
		c.Status(http.StatusNoContent)
	})
	api.GET("/telemetry", func(c *gin.Context) {
		snap, ok := o.Recorder.(interface{ Snapshot() telemetry.Snapshot })
		if !ok {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "recorder keeps no counters"})
			return
		}
		c.JSON(http.StatusOK, snap.Snapshot())
	})

	return r
}

// offerHandler answers a complete offer in one round trip. The response is
// the local description with every gathered candidate.
func offerHandler(o *orch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var offer webrtc.SessionDescription
		if err := c.ShouldBindJSON(&offer); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expected an offer"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), answerTimeout)
		defer cancel()
		sess, answer, err := o.AnswerOffer(ctx, offer)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			log.Error().Err(err).Str("module", "adapters.http").Msg("one-shot answer")
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Header("X-Session-Id", string(sess.ID))
		c.JSON(http.StatusOK, answer)
	}
}

func iceServersHandler(o *orch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			ICEServers []core.ICEServer `json:"ice_servers"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		for _, s := range body.ICEServers {
			if len(s.URLs) == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "ice server without urls"})
				return
			}
		}
		updated := o.UpdateICEServers(c.Request.Context(), body.ICEServers)
		c.JSON(http.StatusOK, gin.H{"sessions_updated": updated, "ice_servers": o.ICEServers()})
	}
}
