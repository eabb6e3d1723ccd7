package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lawdesk/chatcore/internal/common"
	"github.com/lawdesk/chatcore/internal/httpapi/middleware"
	"github.com/lawdesk/chatcore/internal/identity"
	"github.com/lawdesk/chatcore/internal/room"
)

type createRoomReq struct {
	Name      string   `json:"name"`
	IsGroup   bool     `json:"is_group"`
	MemberIDs []uint64 `json:"member_ids"` // authenticated user ids besides the creator
}

func (h *Handler) CreateRoom(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createRoomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	members := []identity.Identity{who}
	for _, id := range req.MemberIDs {
		members = append(members, identity.User(id))
	}

	rm, err := h.Rooms.Create(c.Request.Context(), req.Name, req.IsGroup, room.KindDirect, members...)
	if err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, gin.H{"room": rm})
}

func (h *Handler) ListRooms(c *gin.Context) {
	who, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	rooms, err := h.Rooms.ListRooms(c.Request.Context(), who, limit)
	if err != nil {
		failFor(c, err)
		return
	}

	type roomView struct {
		room.Room
		Display room.Display `json:"display"`
		Unread  int64        `json:"unread"`
	}
	out := make([]roomView, 0, len(rooms))
	for i := range rooms {
		rm := rooms[i]
		display, err := h.Rooms.DisplayFor(c.Request.Context(), &rm, who)
		if err != nil {
			failFor(c, err)
			return
		}
		unread, err := h.Rooms.UnreadCount(c.Request.Context(), rm.ID, who)
		if err != nil {
			failFor(c, err)
			return
		}
		out = append(out, roomView{Room: rm, Display: display, Unread: unread})
	}
	common.OK(c, gin.H{"rooms": out})
}

type addMemberReq struct {
	UserID uint64 `json:"user_id" binding:"required"`
	Role   string `json:"role"`
}

func (h *Handler) AddMember(c *gin.Context) {
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

	var req addMemberReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// Only existing members may grow the room.
	member, err := h.Rooms.IsMember(c.Request.Context(), roomID, who)
	if err != nil {
		failFor(c, err)
		return
	}
	if !member {
		common.Fail(c, http.StatusForbidden, 40300, "forbidden")
		return
	}

	role := room.RoleMember
	if req.Role == string(room.RoleAdmin) {
		role = room.RoleAdmin
	}
	if err := h.Rooms.AddMember(c.Request.Context(), roomID, identity.User(req.UserID), role); err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, nil)
}

type markReadReq struct {
	MessageID uint64 `json:"message_id" binding:"required"`
}

func (h *Handler) MarkRead(c *gin.Context) {
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

	var req markReadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if err := h.Pipeline.MarkRead(c.Request.Context(), roomID, req.MessageID, who); err != nil {
		failFor(c, err)
		return
	}
	common.OK(c, nil)
}
