package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lawdesk/chatcore/internal/common"
	"github.com/lawdesk/chatcore/internal/httpapi/middleware"
	"github.com/lawdesk/chatcore/internal/message"
)

type sendMessageReq struct {
	Content       string  `json:"content"`
	Type          string  `json:"type"`
	AttachmentURL string  `json:"attachment_url"`
	ReplyTo       *uint64 `json:"reply_to_message_id"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	roomID, err := strconv.ParseUint(c.Param("room_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad room id")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	m, err := h.Pipeline.Send(c.Request.Context(), roomID, &who, req.Content, message.Type(req.Type), req.AttachmentURL, req.ReplyTo)
	if err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, gin.H{"message": m})
}

func (h *Handler) ListMessages(c *gin.Context) {
	if _, ok := middleware.Caller(c); !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	roomID, err := strconv.ParseUint(c.Param("room_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad room id")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var afterID uint64
	if v := c.Query("after_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			afterID = n
		}
	}

	msgs, err := h.Pipeline.List(c.Request.Context(), roomID, afterID, limit)
	if err != nil {
		failFor(c, err)
		return
	}

	var nextAfterID uint64
	if len(msgs) > 0 {
		nextAfterID = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{
		"messages":      msgs,
		"next_after_id": nextAfterID,
	})
}

type editMessageReq struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) EditMessage(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	messageID, err := strconv.ParseUint(c.Param("message_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad message id")
		return
	}

	var req editMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	m, err := h.Pipeline.Edit(c.Request.Context(), messageID, who, req.Content)
	if err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, gin.H{"message": m})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	messageID, err := strconv.ParseUint(c.Param("message_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad message id")
		return
	}

	if err := h.Pipeline.Delete(c.Request.Context(), messageID, who); err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, nil)
}

type reactReq struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *Handler) React(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	messageID, err := strconv.ParseUint(c.Param("message_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "bad message id")
		return
	}

	var req reactReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	result, err := h.Pipeline.React(c.Request.Context(), messageID, who, req.Emoji)
	if err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, gin.H{"result": result})
}
