package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lawdesk/chatcore/internal/common"
	"github.com/lawdesk/chatcore/internal/httpapi/middleware"
	"github.com/lawdesk/chatcore/internal/identity"
	"github.com/lawdesk/chatcore/internal/message"
)

type startSupportReq struct {
	Subject string `json:"subject"`
	Message string `json:"message"`

	// Optional contact hints for guest requesters; first write wins.
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// StartSupportChat opens a ticket for an authenticated user or a guest. The
// router picks the least-loaded agent; when nobody is available the ticket
// is returned in open status and picked up by the reassignment sweep.
func (h *Handler) StartSupportChat(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req startSupportReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	guestToken := middleware.GuestToken(c)
	if who.Kind == identity.KindGuest {
		hints := identity.ContactHints{Name: req.Name, Email: req.Email, Phone: req.Phone}
		if !hints.Empty() {
			if _, err := h.Guests.ResolveOrCreate(c.Request.Context(), guestToken, hints); err != nil {
				failFor(c, err)
				return
			}
		}
	}

	ticket, rm, err := h.Router.OpenTicket(c.Request.Context(), who, req.Subject, guestToken)
	if err != nil {
		failFor(c, err)
		return
	}

	if req.Message != "" {
		if _, err := h.Pipeline.Send(c.Request.Context(), rm.ID, &who, req.Message, message.TypeText, "", nil); err != nil {
			failFor(c, err)
			return
		}
	}

	common.OK(c, gin.H{
		"ticket": ticket,
		"room":   rm,
	})
}

func (h *Handler) GetTicket(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ticketID, err := strconv.ParseUint(c.Param("ticket_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad ticket id")
		return
	}

	t, err := h.Router.GetTicket(c.Request.Context(), ticketID)
	if err != nil {
		failFor(c, err)
		return
	}

	// Requester and assigned agent only; hide existence from everyone else.
	visible := t.RequesterKey == who.Key()
	if t.AgentID != nil && identity.User(*t.AgentID).Key() == who.Key() {
		visible = true
	}
	if !visible {
		common.Fail(c, http.StatusNotFound, 40400, "not found")
		return
	}
	common.OK(c, gin.H{"ticket": t})
}

func (h *Handler) CloseTicket(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ticketID, err := strconv.ParseUint(c.Param("ticket_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad ticket id")
		return
	}

	t, err := h.Router.CloseTicket(c.Request.Context(), ticketID, who)
	if err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, gin.H{"ticket": t})
}

type agentStatusReq struct {
	Online bool `json:"online"`
}

// SetAgentStatus flips the caller's own availability flag.
func (h *Handler) SetAgentStatus(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok || who.Kind != identity.KindUser {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	agentID, err := strconv.ParseUint(c.Param("agent_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad agent id")
		return
	}
	if agentID != who.ID {
		common.Fail(c, http.StatusForbidden, 40300, "forbidden")
		return
	}

	var req agentStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if err := h.Router.SetStatus(c.Request.Context(), agentID, req.Online); err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, nil)
}

func (h *Handler) AgentWorkload(c *gin.Context) {
	if _, ok := middleware.Caller(c); !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	agentID, err := strconv.ParseUint(c.Param("agent_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad agent id")
		return
	}

	load, err := h.Router.Workload(c.Request.Context(), agentID)
	if err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, gin.H{"agent_id": agentID, "current_load": load})
}
