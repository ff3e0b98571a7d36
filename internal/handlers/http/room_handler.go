package http

import (
	"net/http"
	"strings"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the room membership API. Calls that act on an existing
// membership carry the ticket issued by join as a bearer token.
type RoomHandler struct {
	rooms   ports.RoomService
	tickets ports.TicketService
}

func NewRoomHandler(rooms ports.RoomService, tickets ports.TicketService) *RoomHandler {
	return &RoomHandler{
		rooms:   rooms,
		tickets: tickets,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	auth := middleware.TicketAuthMiddleware(h.tickets)

	api := router.Group("/api/v1/rooms/:id")
	{
		api.POST("/join", h.Join)
		api.GET("/members", h.ListMembers)

		api.POST("/leave", auth, h.Leave)
		api.POST("/screen-shares", auth, h.StartScreenShare)
		api.DELETE("/screen-shares/:share_id", auth, h.StopScreenShare)
	}
}

type JoinRequest struct {
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	Handle        string               `json:"handle" binding:"required,max=64"`
}

type leaveResponse struct {
	Left bool `json:"left"`
}

type membersResponse struct {
	RoomID  domain.RoomID   `json:"room_id"`
	Members []domain.Member `json:"members"`
}

type shareResponse struct {
	ShareID domain.ShareID `json:"share_id"`
}

func (h *RoomHandler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	req.Handle = strings.TrimSpace(req.Handle)

	result, err := h.rooms.Join(c.Request.Context(), domain.RoomID(c.Param("id")), req.ParticipantID, req.Handle)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *RoomHandler) Leave(c *gin.Context) {
	claims, _ := middleware.Claims(c)

	left, err := h.rooms.Leave(c.Request.Context(), claims.RoomID, claims.ParticipantID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, leaveResponse{Left: left})
}

func (h *RoomHandler) ListMembers(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	members, err := h.rooms.Members(c.Request.Context(), roomID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, membersResponse{RoomID: roomID, Members: members})
}

func (h *RoomHandler) StartScreenShare(c *gin.Context) {
	claims, _ := middleware.Claims(c)

	shareID, err := h.rooms.StartScreenShare(c.Request.Context(), claims.RoomID, claims.ParticipantID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, shareResponse{ShareID: shareID})
}

func (h *RoomHandler) StopScreenShare(c *gin.Context) {
	claims, _ := middleware.Claims(c)

	shareID := domain.ShareID(c.Param("share_id"))
	if err := h.rooms.StopScreenShare(c.Request.Context(), claims.RoomID, claims.ParticipantID, shareID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
