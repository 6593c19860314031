package models

import "github.com/mossy-p/meshcall/internal/relay"

const (
	roomsCollection        = "rooms"
	participantsCollection = "participants"
	peersCollection        = "peers"
	iceCollection          = "ice"
	requestsCollection     = "requests"
	messagesCollection     = "messages"
)

func RoomPath(roomID string) string {
	return relay.Join(roomsCollection, roomID)
}

func ParticipantsPath(roomID string) string {
	return relay.Join(roomsCollection, roomID, participantsCollection)
}

func ParticipantPath(roomID, participantID string) string {
	return relay.Join(ParticipantsPath(roomID), participantID)
}

// PeerLinkPath is the signaling document for one ordered (offerer, answerer) pair.
func PeerLinkPath(roomID, offererID, answererID string) string {
	return relay.Join(ParticipantPath(roomID, offererID), peersCollection, answererID)
}

// CandidatesPath is the append-only collection of candidates sent by
// senderID and addressed to targetID.
func CandidatesPath(roomID, senderID, targetID string) string {
	return relay.Join(ParticipantPath(roomID, senderID), peersCollection, targetID, iceCollection)
}

func RequestsPath(roomID string) string {
	return relay.Join(roomsCollection, roomID, requestsCollection)
}

func RequestPath(roomID, requesterID string) string {
	return relay.Join(RequestsPath(roomID), requesterID)
}

func MessagesPath(roomID string) string {
	return relay.Join(roomsCollection, roomID, messagesCollection)
}
