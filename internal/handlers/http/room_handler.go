package http

import (
	"errors"
	"net/http"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/services"
	apperrors "confab/pkg/errors"

	"github.com/gin-gonic/gin"
)

// RoomView is the read side of the relay's room registry.
type RoomView interface {
	Members(roomID domain.RoomID) ([]domain.Participant, error)
	Rooms() []services.RoomSummary
}

// RoomHandler serves the live membership of relay rooms.
type RoomHandler struct {
	rooms RoomView
}

func NewRoomHandler(rooms RoomView) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/rooms", h.ListRooms)
	router.GET("/rooms/:id", h.GetRoom)
}

type memberView struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Media    domain.MediaState `json:"media"`
	JoinedAt time.Time         `json:"joinedAt"`
}

func toMemberViews(members []domain.Participant) []memberView {
	out := make([]memberView, 0, len(members))
	for _, m := range members {
		out = append(out, memberView{
			ID:       string(m.ID),
			Name:     m.Name,
			Media:    m.Media,
			JoinedAt: m.JoinedAt,
		})
	}
	return out
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))

	members, err := h.rooms.Members(id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			_ = c.Error(apperrors.NewNotFoundError("Room"))
		} else {
			_ = c.Error(err)
		}
		c.Abort()
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"roomId":       id,
		"participants": toMemberViews(members),
		"count":        len(members),
	})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	summaries := h.rooms.Rooms()

	type roomView struct {
		ID           domain.RoomID `json:"id"`
		Participants []memberView  `json:"participants"`
	}
	rooms := make([]roomView, 0, len(summaries))
	for _, s := range summaries {
		rooms = append(rooms, roomView{ID: s.ID, Participants: toMemberViews(s.Participants)})
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"rooms":   rooms,
		"count":   len(rooms),
	})
}
