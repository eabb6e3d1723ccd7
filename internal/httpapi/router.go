package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lawdesk/chatcore/internal/common"
	"github.com/lawdesk/chatcore/internal/config"
	"github.com/lawdesk/chatcore/internal/httpapi/handlers"
	"github.com/lawdesk/chatcore/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	// Users and guests: support chat, messaging inside their rooms, events.
	anyIdentity := r.Group("/")
	anyIdentity.Use(middleware.IdentityRequired(cfg.JWTSecret, h.Guests))
	anyIdentity.GET("/events", h.Events)
	anyIdentity.POST("/typing/start", h.StartTyping)
	anyIdentity.POST("/typing/stop", h.StopTyping)
	anyIdentity.POST("/support/tickets", h.StartSupportChat)
	anyIdentity.GET("/support/tickets/:ticket_id", h.GetTicket)
	anyIdentity.POST("/support/tickets/:ticket_id/close", h.CloseTicket)
	anyIdentity.GET("/rooms", h.ListRooms)
	anyIdentity.GET("/rooms/:room_id/messages", h.ListMessages)
	anyIdentity.POST("/rooms/:room_id/messages", h.SendMessage)
	anyIdentity.POST("/rooms/:room_id/read", h.MarkRead)
	anyIdentity.PATCH("/messages/:message_id", h.EditMessage)
	anyIdentity.DELETE("/messages/:message_id", h.DeleteMessage)
	anyIdentity.POST("/messages/:message_id/reactions", h.React)

	// Authenticated users only (JWT required).
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/rooms", h.CreateRoom)
	authGroup.POST("/rooms/:room_id/members", h.AddMember)
	authGroup.POST("/agents/:agent_id/status", h.SetAgentStatus)
	authGroup.GET("/agents/:agent_id/workload", h.AgentWorkload)
	authGroup.GET("/presence/:user_id", h.PresenceOf)

	return r
}
