package call

import (
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/pion/webrtc/v4"
)

// State is where a session is in its lifecycle. Sessions are single use:
// Denied, Ended and Left are terminal.
type State string

const (
	StateIdle    State = "idle"
	StateWaiting State = "waiting"
	StateJoined  State = "joined"
	StateDenied  State = "denied"
	StateEnded   State = "ended"
	StateLeft    State = "left"
)

func (s State) Terminal() bool {
	return s == StateDenied || s == StateEnded || s == StateLeft
}

type EventKind string

const (
	EventJoined              EventKind = "joined"
	EventWaiting             EventKind = "waiting"
	EventDenied              EventKind = "denied"
	EventMeetingEnded        EventKind = "meeting-ended"
	EventPeerJoined          EventKind = "peer-joined"
	EventPeerUpdated         EventKind = "peer-updated"
	EventPeerLeft            EventKind = "peer-left"
	EventRemoteStream        EventKind = "remote-stream"
	EventRemoteStreamRemoved EventKind = "remote-stream-removed"
	EventPeerFailed          EventKind = "peer-failed"
	EventPeerState           EventKind = "peer-state"
	EventJoinRequests        EventKind = "join-requests"
	EventMessage             EventKind = "message"
	EventError               EventKind = "error"
)

// Event is a notification for the embedding UI. It is sent as JSON on the
// websocket event stream.
type Event struct {
	Kind        EventKind            `json:"type"`
	RoomID      string               `json:"roomId,omitempty"`
	PeerID      string               `json:"peerId,omitempty"`
	Participant *models.Participant  `json:"participant,omitempty"`
	Requests    []models.JoinRequest `json:"requests,omitempty"`
	Message     *models.ChatMessage  `json:"message,omitempty"`
	PeerState   string               `json:"peerState,omitempty"`
	Error       string               `json:"error,omitempty"`

	// Track is set on remote-stream events for in-process consumers.
	Track *webrtc.TrackRemote `json:"-"`
}

func (s *Session) emit(ev Event) {
	if ev.RoomID == "" {
		ev.RoomID = s.roomID
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, dropping event", "type", ev.Kind, "peer_id", ev.PeerID)
	}
}
