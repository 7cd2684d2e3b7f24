package api

import (
	"github.com/gin-gonic/gin"

	"BTPSync/middleware"
	"BTPSync/service/gateway"
	"BTPSync/tools/security"
)

// NewRouter wires the HTTP surface: the sync endpoints behind bearer
// auth, plus the websocket upgrade (which authenticates in its own
// handshake).
func NewRouter(h *Handlers, ws *gateway.Server, jwtOpts security.Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	sync := r.Group("/sync", middleware.Auth(jwtOpts))
	{
		sync.POST("/push", h.Push)
		sync.GET("/pull", h.Pull)
		sync.GET("/status", h.Status)
		sync.GET("/conflicts", h.Conflicts)
		sync.POST("/conflict/:id", h.Resolve)
	}

	r.GET("/ws", ws.HandleWS)
	return r
}
