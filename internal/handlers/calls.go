package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/internal/admission"
	"github.com/mossy-p/meshcall/internal/call"
	"github.com/mossy-p/meshcall/internal/chat"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
)

// API is the control surface a local UI drives the call through.
type API struct {
	relay    relay.Channel
	sessions *Sessions
	logger   *slog.Logger
	clients  atomic.Int64
}

func NewAPI(ch relay.Channel, sessions *Sessions, logger *slog.Logger) *API {
	return &API{relay: ch, sessions: sessions, logger: logger.With("component", "http")}
}

func (a *API) nextClientID() int64 {
	return a.clients.Add(1)
}

// GetCall returns room information (public)
func (a *API) GetCall(c *gin.Context) {
	room, err := admission.LookupRoom(c.Request.Context(), a.relay, c.Param("roomId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.RoomInfoResponse{
		RoomID:    room.ID,
		Active:    room.Active,
		HostID:    room.HostID,
		IsPrivate: room.IsPrivate,
		CreatedAt: room.CreatedAt,
	})
}

// StartCall creates a room with the caller as host
func (a *API) StartCall(c *gin.Context) {
	var req models.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	entry := a.sessions.Open(userID)
	roomID, err := entry.session.Start(c.Request.Context(), call.StartOptions{
		RoomID:    req.RoomID,
		IsPrivate: req.IsPrivate,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}

	a.logger.Info("call started", "room_id", roomID, "user_id", userID, "private", req.IsPrivate)
	c.JSON(http.StatusCreated, models.CreateCallResponse{
		RoomID: roomID,
		State:  string(call.StateJoined),
	})
}

// JoinCall joins an existing room; private rooms answer with state "waiting"
func (a *API) JoinCall(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString(middleware.UserIDKey)

	entry := a.sessions.Open(userID)
	state, err := entry.session.Join(c.Request.Context(), roomID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.JoinCallResponse{RoomID: roomID, State: string(state)})
}

// LeaveCall leaves the room and discards the session
func (a *API) LeaveCall(c *gin.Context) {
	session, ok := a.session(c)
	if !ok {
		return
	}
	err := session.Leave(c.Request.Context())
	a.sessions.Remove(session.SelfID())
	if err != nil && !errors.Is(err, call.ErrNotInCall) {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Left call"})
}

func (a *API) ListRequests(c *gin.Context) {
	session, ok := a.session(c)
	if !ok {
		return
	}
	reqs, err := session.JoinRequests(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	if reqs == nil {
		reqs = []models.JoinRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

func (a *API) AcceptRequest(c *gin.Context) {
	a.decide(c, true)
}

func (a *API) RejectRequest(c *gin.Context) {
	a.decide(c, false)
}

func (a *API) decide(c *gin.Context, accept bool) {
	session, ok := a.session(c)
	if !ok {
		return
	}
	requestID := c.Param("requestId")
	var err error
	status := models.RequestAccepted
	if accept {
		err = session.Accept(c.Request.Context(), requestID)
	} else {
		status = models.RequestRejected
		err = session.Reject(c.Request.Context(), requestID)
	}
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.JoinRequest{ID: requestID, Status: status})
}

func (a *API) Participants(c *gin.Context) {
	session, ok := a.session(c)
	if !ok {
		return
	}
	participants, err := session.Participants(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	type participantView struct {
		ID string `json:"id"`
		models.Participant
	}
	views := make([]participantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, participantView{ID: p.ID, Participant: p})
	}
	c.JSON(http.StatusOK, gin.H{"participants": views})
}

func (a *API) UpdateMedia(c *gin.Context) {
	session, ok := a.session(c)
	if !ok {
		return
	}
	var req models.MediaStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := session.SetMedia(c.Request.Context(), req.MicMuted, req.VideoOff); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Media state updated"})
}

func (a *API) SendMessage(c *gin.Context) {
	session, ok := a.session(c)
	if !ok {
		return
	}
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := session.SendMessage(c.Request.Context(), req.Text)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// session resolves the caller's session for the room in the path.
func (a *API) session(c *gin.Context) (*call.Session, bool) {
	entry, ok := a.sessions.Get(c.GetString(middleware.UserIDKey))
	if !ok || entry.session.RoomID() != c.Param("roomId") {
		a.writeError(c, call.ErrNotInCall)
		return nil, false
	}
	return entry.session, true
}

func (a *API) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, admission.ErrInvalidRoomID), errors.Is(err, chat.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, admission.ErrRoomNotFound), errors.Is(err, call.ErrNotInCall):
		status = http.StatusNotFound
	case errors.Is(err, admission.ErrRoomInactive), errors.Is(err, call.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, call.ErrNotHost):
		status = http.StatusForbidden
	case errors.Is(err, admission.ErrNotWaiting), errors.Is(err, call.ErrAlreadyStarted), errors.Is(err, call.ErrRoomExists):
		status = http.StatusConflict
	case errors.Is(err, media.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
