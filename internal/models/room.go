package models

import "time"

// Room is stored at rooms/{roomId}. Active flips to false when the host leaves.
type Room struct {
	ID        string    `json:"-"`
	Active    bool      `json:"active"`
	HostID    string    `json:"hostId"`
	IsPrivate bool      `json:"isPrivate"`
	CreatedAt time.Time `json:"createdAt"`
}

// Participant is stored at rooms/{roomId}/participants/{participantId} and is
// only ever written by the participant it represents.
type Participant struct {
	ID         string `json:"-"`
	Joined     bool   `json:"joined"`
	IsMicMuted bool   `json:"isMicMuted"`
	IsVideoOff bool   `json:"isVideoOff"`
	IsHost     bool   `json:"isHost"`
}

// RequestStatus is the admission state of a JoinRequest.
type RequestStatus string

const (
	RequestWaiting  RequestStatus = "waiting"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// Terminal reports whether no further transition is valid.
func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestRejected
}

// JoinRequest is stored at rooms/{roomId}/requests/{requesterId}.
type JoinRequest struct {
	ID     string        `json:"id"`
	Status RequestStatus `json:"status"`
}

// RoomInfoResponse is the public view of a room
type RoomInfoResponse struct {
	RoomID    string    `json:"roomId"`
	Active    bool      `json:"active"`
	HostID    string    `json:"hostId"`
	IsPrivate bool      `json:"isPrivate"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateCallRequest is the request body for starting a call as host
type CreateCallRequest struct {
	RoomID    string `json:"roomId,omitempty"`
	IsPrivate bool   `json:"isPrivate"`
}

// CreateCallResponse is the response for starting a call
type CreateCallResponse struct {
	RoomID string `json:"roomId"`
	State  string `json:"state"`
}

// JoinCallResponse reports where the join handshake ended up
type JoinCallResponse struct {
	RoomID string `json:"roomId"`
	State  string `json:"state"`
}

// MediaStateRequest toggles the local tracks
type MediaStateRequest struct {
	MicMuted *bool `json:"micMuted,omitempty"`
	VideoOff *bool `json:"videoOff,omitempty"`
}
