// Package server is the HTTP surface: the store gateway socket, the room
// dashboard API, and metrics.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/rahmat-aldi/vicara/internal/config"
	"github.com/rahmat-aldi/vicara/internal/monitoring"
	"github.com/rahmat-aldi/vicara/internal/rooms"
	"github.com/rahmat-aldi/vicara/internal/wirestore"
)

// ParticipantTokenMiddleware pins a participant id to the browser so a
// reconnecting tab keeps its identity.
func ParticipantTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("pid")
		if token == "" {
			token = "u_" + rooms.NewCode(8)
			c.SetCookie("pid", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("participant_id", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, gw *wirestore.Gateway, reg *rooms.Registry, m *monitoring.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ParticipantTokenMiddleware())

	r.GET("/ws", gw.Handle)

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		rooms := reg.List()
		c.JSON(http.StatusOK, gin.H{"rooms": rooms, "count": len(rooms)})
	})
	api.GET("/rooms/:code", func(c *gin.Context) {
		info, ok := reg.Inspect(c.Param("code"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	})
	api.DELETE("/rooms/:code", func(c *gin.Context) {
		code := c.Param("code")
		if _, ok := reg.Inspect(code); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		reg.DeleteRoom(code, c.GetString("participant_id"))
		log.Info().Str("module", "server").Str("room", code).Msg("room deleted via api")
		c.Status(http.StatusNoContent)
	})

	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	log.Info().Str("module", "server").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
