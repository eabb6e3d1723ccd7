package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lawdesk/chatcore/internal/common"
	"github.com/lawdesk/chatcore/internal/httpapi/middleware"
	"github.com/lawdesk/chatcore/internal/hub"
	"github.com/lawdesk/chatcore/internal/identity"
)

// chanSink buffers hub events for one SSE connection. A full buffer drops
// the event instead of stalling fan-out for everyone else.
type chanSink struct {
	ch chan hub.Event
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan hub.Event, 64)}
}

func (s *chanSink) Deliver(ev hub.Event) error {
	select {
	case s.ch <- ev:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", ev.Type)
	}
}

// Events is the long-lived SSE stream backing one client connection. The
// connection id arrives in the initial hello event; typing calls reference it.
func (h *Handler) Events(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sink := newChanSink()
	connID, roomIDs, err := h.Registry.Connect(c.Request.Context(), who, sink)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	defer h.Registry.Disconnect(c.Request.Context(), connID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	writeJSON("hello", gin.H{
		"connection_id": connID,
		"rooms":         roomIDs,
	})

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case ev := <-sink.ch:
			writeJSON(ev.Type, ev)

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case <-ctx.Done():
			return
		}
	}
}

type typingReq struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	RoomID       uint64 `json:"room_id"`
}

func (h *Handler) StartTyping(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req typingReq
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == 0 {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !h.ownsConnection(req.ConnectionID, who) {
		common.Fail(c, http.StatusForbidden, 40300, "forbidden")
		return
	}

	h.Presence.StartTyping(req.ConnectionID, req.RoomID)
	common.OK(c, nil)
}

// StopTyping accepts a zero room id, meaning "whatever room the connection
// was last typing in".
func (h *Handler) StopTyping(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req typingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !h.ownsConnection(req.ConnectionID, who) {
		common.Fail(c, http.StatusForbidden, 40300, "forbidden")
		return
	}

	h.Presence.StopTyping(req.ConnectionID, req.RoomID)
	common.OK(c, nil)
}

func (h *Handler) ownsConnection(connID string, who identity.Identity) bool {
	owner, ok := h.Registry.IdentityOf(connID)
	return ok && owner == who
}

// Presence reports whether an identity currently has any live connection.
func (h *Handler) PresenceOf(c *gin.Context) {
	if _, ok := middleware.Caller(c); !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	userID, err := strconv.ParseUint(c.Param("user_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad user id")
		return
	}
	key := "user:" + strconv.FormatUint(userID, 10)
	common.OK(c, gin.H{"online": h.Registry.Online(key)})
}
