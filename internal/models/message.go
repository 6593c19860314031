package models

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// PeerLink is stored at rooms/{roomId}/participants/{offerer}/peers/{answerer}.
// Each description is written at most once per connection lifetime.
type PeerLink struct {
	Offer  *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`
}

// SenderType labels chat messages.
type SenderType string

const (
	SenderHost        SenderType = "Host"
	SenderParticipant SenderType = "Participant"
)

// ChatMessage is appended to rooms/{roomId}/messages and never modified.
type ChatMessage struct {
	ID         string     `json:"id,omitempty"`
	Text       string     `json:"text"`
	SenderID   string     `json:"senderId"`
	SenderType SenderType `json:"senderType"`
	Timestamp  time.Time  `json:"timestamp"`
}

// SendMessageRequest is the request body for posting a chat message
type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}
