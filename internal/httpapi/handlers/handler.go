package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lawdesk/chatcore/internal/apperr"
	"github.com/lawdesk/chatcore/internal/common"
	"github.com/lawdesk/chatcore/internal/config"
	"github.com/lawdesk/chatcore/internal/identity"
	"github.com/lawdesk/chatcore/internal/message"
	"github.com/lawdesk/chatcore/internal/presence"
	"github.com/lawdesk/chatcore/internal/room"
	"github.com/lawdesk/chatcore/internal/session"
	"github.com/lawdesk/chatcore/internal/support"
)

type Handler struct {
	Cfg      config.Config
	Rooms    *room.Service
	Pipeline *message.Pipeline
	Registry *session.Registry
	Presence *presence.Broadcaster
	Router   *support.Router
	Guests   *identity.Manager
}

func NewHandler(cfg config.Config, rooms *room.Service, pipeline *message.Pipeline, registry *session.Registry, typing *presence.Broadcaster, router *support.Router, guests *identity.Manager) *Handler {
	return &Handler{
		Cfg:      cfg,
		Rooms:    rooms,
		Pipeline: pipeline,
		Registry: registry,
		Presence: typing,
		Router:   router,
		Guests:   guests,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// failFor maps the core's error taxonomy onto HTTP statuses and business
// codes. Unavailable never reaches here: an unassigned ticket is a success.
func failFor(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40400, "not found")
	case errors.Is(err, apperr.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40300, "forbidden")
	case errors.Is(err, apperr.ErrInvalidState):
		common.Fail(c, http.StatusUnprocessableEntity, 42200, "invalid state")
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
