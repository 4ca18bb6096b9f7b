package http

import (
	"errors"
	"io"
	"net/http"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	apperrors "confab/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TicketIssuer signs join tickets returned by the join endpoint.
type TicketIssuer interface {
	IssueJoinTicket(roomID domain.RoomID, participantID string) (string, error)
}

// RoomAttacher upgrades a request and attaches it to a relay room.
type RoomAttacher interface {
	HandleRoom(w http.ResponseWriter, r *http.Request, roomID domain.RoomID)
}

type MeetingHandler struct {
	meetings ports.MeetingService
	tickets  TicketIssuer
	ws       RoomAttacher
	logger   *zap.SugaredLogger
}

// NewMeetingHandler creates the meeting REST handler. tickets is nil when
// join tickets are disabled; ws is nil when the relay is not served on
// /meetings/:id.
func NewMeetingHandler(meetings ports.MeetingService, tickets TicketIssuer, ws RoomAttacher, logger *zap.SugaredLogger) *MeetingHandler {
	return &MeetingHandler{
		meetings: meetings,
		tickets:  tickets,
		ws:       ws,
		logger:   logger,
	}
}

func (h *MeetingHandler) SetupRoutes(router gin.IRouter) {
	meetings := router.Group("/meetings")
	{
		meetings.POST("", h.CreateMeeting)
		meetings.GET("", h.ListMeetings)
		meetings.GET("/:id", h.GetMeeting)
		meetings.POST("/:id/join", h.JoinMeeting)
		meetings.POST("/:id/leave", h.LeaveMeeting)
		meetings.DELETE("/:id", h.DeleteMeeting)
	}
}

// toAppError maps service errors onto HTTP errors.
func toAppError(err error) error {
	switch {
	case apperrors.IsAppError(err):
		return err
	case errors.Is(err, domain.ErrMeetingNotFound):
		return apperrors.NewNotFoundError("Meeting")
	case errors.Is(err, domain.ErrMeetingInactive):
		return apperrors.NewMeetingInactiveError()
	case errors.Is(err, domain.ErrMeetingExists):
		return apperrors.NewConflictError("Meeting already exists")
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *MeetingHandler) fail(c *gin.Context, err error) {
	_ = c.Error(toAppError(err))
	c.Abort()
}

func (h *MeetingHandler) CreateMeeting(c *gin.Context) {
	var req struct {
		Title  string `json:"title"`
		HostID string `json:"hostId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(c, apperrors.NewInvalidInputError("invalid request body"))
		return
	}

	meeting, err := h.meetings.CreateMeeting(c.Request.Context(), req.Title, req.HostID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"meeting": meeting,
	})
}

func (h *MeetingHandler) ListMeetings(c *gin.Context) {
	meetings, err := h.meetings.ListMeetings(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"meetings": meetings,
		"count":    len(meetings),
	})
}

// GetMeeting returns the meeting record, or attaches the caller to the
// meeting's relay room when the request is a WebSocket upgrade.
func (h *MeetingHandler) GetMeeting(c *gin.Context) {
	id := domain.MeetingID(c.Param("id"))

	if h.ws != nil && websocket.IsWebSocketUpgrade(c.Request) {
		h.ws.HandleRoom(c.Writer, c.Request, domain.RoomID(id))
		c.Abort()
		return
	}

	meeting, err := h.meetings.GetMeeting(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"meeting": meeting,
	})
}

func (h *MeetingHandler) JoinMeeting(c *gin.Context) {
	id := domain.MeetingID(c.Param("id"))

	var req struct {
		ParticipantID string `json:"participantId"`
		Name          string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.NewInvalidInputError("invalid request body"))
		return
	}

	meeting, err := h.meetings.JoinMeeting(c.Request.Context(), id, req.ParticipantID, req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{
		"success":      true,
		"meeting":      meeting,
		"participants": meeting.Participants,
	}
	if h.tickets != nil {
		token, err := h.tickets.IssueJoinTicket(domain.RoomID(id), req.ParticipantID)
		if err != nil {
			h.fail(c, err)
			return
		}
		resp["joinToken"] = token
	}
	c.JSON(http.StatusOK, resp)
}

func (h *MeetingHandler) LeaveMeeting(c *gin.Context) {
	id := domain.MeetingID(c.Param("id"))

	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.NewInvalidInputError("invalid request body"))
		return
	}

	if _, err := h.meetings.LeaveMeeting(c.Request.Context(), id, req.ParticipantID); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Left meeting successfully",
	})
}

func (h *MeetingHandler) DeleteMeeting(c *gin.Context) {
	id := domain.MeetingID(c.Param("id"))

	if err := h.meetings.DeleteMeeting(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Meeting deleted successfully",
	})
}
