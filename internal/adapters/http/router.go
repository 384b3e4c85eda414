package http

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/dkeye/VoiceSFU/internal/adapters/signal"
	"github.com/dkeye/VoiceSFU/internal/app/orch"
	"github.com/dkeye/VoiceSFU/internal/config"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	sessionName  = "VoiceSessions"
	nameKey      = "name"
	defaultGuest = "guest"
)

// CORSMiddleware answers preflight requests and allows origin for the API.
func CORSMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
			if origin != "*" {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func displayFrom(c *gin.Context) domain.Display {
	name, _ := sessions.Default(c).Get(nameKey).(string)
	d, err := domain.NewDisplay(name)
	if err != nil || d.Name == "" {
		return domain.Display{Name: defaultGuest}
	}
	return d
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
	r.Use(CORSMiddleware(cfg.CORSOrigin))

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(sessionName, store))

	if cfg.StaticPath != "" {
		if _, err := os.Stat(cfg.StaticPath); err == nil {
			r.Static("/static", cfg.StaticPath)
			r.GET("/", func(c *gin.Context) {
				c.File(cfg.StaticPath + "/index.html")
			})
		}
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(o, signal.Settings{
		PingPeriod:   cfg.WS.PingPeriod,
		PongWait:     cfg.WS.PongWait,
		WriteWait:    cfg.WS.WriteWait,
		ReadLimit:    cfg.WS.ReadLimit,
		SendQueue:    cfg.WS.SendQueue,
		RateLimit:    cfg.Limits.Requests,
		RateInterval: cfg.Limits.Interval,
	})

	api := r.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.RoomList()})
	})

	api.GET("/rooms/:name/members", func(c *gin.Context) {
		name, err := domain.ParseRoomName(c.Param("name"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		members, err := o.RoomMembers(name)
		if errors.Is(err, core.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": name, "members": members})
	})

	api.POST("/profile", func(c *gin.Context) {
		var body struct {
			Name string `json:"name"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
			return
		}
		d, err := domain.NewDisplay(body.Name)
		if err != nil || d.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name"})
			return
		}
		s := sessions.Default(c)
		s.Set(nameKey, d.Name)
		if err := s.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
			return
		}
		c.JSON(http.StatusOK, d)
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		display := displayFrom(c)
		log.Info().Str("module", "adapters.http").Str("name", display.Name).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c, display)
	})

	return r
}
