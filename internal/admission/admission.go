// Package admission implements the waiting-room handshake. A requester files
// a JoinRequest for a private room and watches it; the host watches every
// request of its room and moves each one from waiting to accepted or rejected
// exactly once.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
)

var (
	ErrInvalidRoomID = errors.New("admission: invalid room id")
	ErrRoomNotFound  = errors.New("admission: room not found")
	ErrRoomInactive  = errors.New("admission: room is no longer active")
	ErrNotWaiting    = errors.New("admission: request is not waiting")
)

// LookupRoom reads the room without checking that it is still active.
func LookupRoom(ctx context.Context, ch relay.Channel, roomID string) (*models.Room, error) {
	if !relay.ValidSegment(roomID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}
	doc, err := ch.Read(ctx, models.RoomPath(roomID))
	if errors.Is(err, relay.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return nil, err
	}

	var room models.Room
	if err := doc.Unmarshal(&room); err != nil {
		return nil, fmt.Errorf("admission: decode room %s: %w", roomID, err)
	}
	room.ID = roomID
	return &room, nil
}

// CheckRoom confirms that roomID names an existing, active room and returns it.
func CheckRoom(ctx context.Context, ch relay.Channel, roomID string) (*models.Room, error) {
	room, err := LookupRoom(ctx, ch, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Active {
		return nil, fmt.Errorf("%w: %s", ErrRoomInactive, roomID)
	}
	return room, nil
}

// Outcome is the terminal result observed by a requester.
type Outcome struct {
	Status models.RequestStatus
}

func (o Outcome) Admitted() bool { return o.Status == models.RequestAccepted }

// Requester is the requesting side of one (room, participant) pair.
type Requester struct {
	roomID string
	selfID string
	relay  relay.Channel
	logger *slog.Logger

	decided bool
	cancel  relay.CancelFunc
}

func NewRequester(ch relay.Channel, roomID, selfID string, logger *slog.Logger) *Requester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Requester{
		roomID: roomID,
		selfID: selfID,
		relay:  ch,
		logger: logger.With("component", "admission", "room_id", roomID),
	}
}

// Request writes the waiting JoinRequest and subscribes to it. Snapshots are
// passed to post; the owner hands them back to Handle.
func (r *Requester) Request(ctx context.Context, post func(relay.Snapshot)) error {
	path := models.RequestPath(r.roomID, r.selfID)
	doc, err := relay.Marshal(models.JoinRequest{ID: r.selfID, Status: models.RequestWaiting})
	if err != nil {
		return err
	}
	if err := r.relay.Write(ctx, path, doc, false); err != nil {
		return fmt.Errorf("admission: file request: %w", err)
	}
	cancel, err := r.relay.SubscribeDocument(ctx, path, post)
	if err != nil {
		return fmt.Errorf("admission: watch request: %w", err)
	}
	r.cancel = cancel
	r.logger.Info("join request filed", "participant_id", r.selfID)
	return nil
}

// Handle returns the outcome the first time a terminal status is observed.
// Every later call reports ok == false.
func (r *Requester) Handle(snap relay.Snapshot) (Outcome, bool) {
	if r.decided || !snap.Exists {
		return Outcome{}, false
	}
	var req models.JoinRequest
	if err := snap.Doc.Unmarshal(&req); err != nil {
		r.logger.Warn("malformed join request", "path", snap.Path, "err", err)
		return Outcome{}, false
	}
	if !req.Status.Terminal() {
		return Outcome{}, false
	}
	r.decided = true
	r.Stop()
	return Outcome{Status: req.Status}, true
}

func (r *Requester) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Host is the host side: it caches every request of the room.
type Host struct {
	roomID string
	relay  relay.Channel
	logger *slog.Logger

	requests map[string]models.JoinRequest
	cancel   relay.CancelFunc
}

func NewHost(ch relay.Channel, roomID string, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		roomID:   roomID,
		relay:    ch,
		logger:   logger.With("component", "admission", "room_id", roomID),
		requests: make(map[string]models.JoinRequest),
	}
}

// Start subscribes to the room's request collection.
func (h *Host) Start(ctx context.Context, post func([]relay.Change)) error {
	if h.cancel != nil {
		return nil
	}
	cancel, err := h.relay.SubscribeCollection(ctx, models.RequestsPath(h.roomID), post)
	if err != nil {
		return fmt.Errorf("admission: watch requests: %w", err)
	}
	h.cancel = cancel
	return nil
}

func (h *Host) Stop() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// Handle folds a change batch into the cache. It reports whether the waiting
// list changed.
func (h *Host) Handle(changes []relay.Change) bool {
	before := h.waitingSet()
	for _, c := range changes {
		if c.Type == relay.ChangeRemoved {
			delete(h.requests, c.ID)
			continue
		}
		var req models.JoinRequest
		if err := c.Doc.Unmarshal(&req); err != nil {
			h.logger.Warn("malformed join request", "request_id", c.ID, "err", err)
			continue
		}
		req.ID = c.ID
		h.requests[c.ID] = req
	}
	after := h.waitingSet()
	if len(before) != len(after) {
		return true
	}
	for id := range after {
		if !before[id] {
			return true
		}
	}
	return false
}

func (h *Host) waitingSet() map[string]bool {
	set := make(map[string]bool)
	for id, req := range h.requests {
		if req.Status == models.RequestWaiting {
			set[id] = true
		}
	}
	return set
}

// Waiting lists the requests still waiting, sorted by id.
func (h *Host) Waiting() []models.JoinRequest {
	var waiting []models.JoinRequest
	for _, req := range h.requests {
		if req.Status == models.RequestWaiting {
			waiting = append(waiting, req)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].ID < waiting[j].ID })
	return waiting
}

func (h *Host) Accept(ctx context.Context, requestID string) error {
	return h.decide(ctx, requestID, models.RequestAccepted)
}

func (h *Host) Reject(ctx context.Context, requestID string) error {
	return h.decide(ctx, requestID, models.RequestRejected)
}

func (h *Host) decide(ctx context.Context, requestID string, status models.RequestStatus) error {
	req, ok := h.requests[requestID]
	if !ok || req.Status != models.RequestWaiting {
		return fmt.Errorf("%w: %s", ErrNotWaiting, requestID)
	}
	doc, err := relay.Fields(map[string]any{"status": status})
	if err != nil {
		return err
	}
	if err := h.relay.Write(ctx, models.RequestPath(h.roomID, requestID), doc, true); err != nil {
		return fmt.Errorf("admission: %s request %s: %w", status, requestID, err)
	}
	// Update the cache now so a second decision before the echo arrives is refused.
	req.Status = status
	h.requests[requestID] = req
	h.logger.Info("join request decided", "request_id", requestID, "status", status)
	return nil
}
