package peer

import (
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/pion/webrtc/v4"
)

// Event is an inbound signal for one link. Events are produced by relay
// subscriptions and pion callbacks, handed to the owner through
// Options.Post, and fed back into Manager.Handle from the owner's loop.
type Event interface {
	target() *link
}

type negotiationNeeded struct{ l *link }

type linkUpdated struct {
	l    *link
	snap relay.Snapshot
}

type candidateReceived struct {
	l    *link
	init webrtc.ICECandidateInit
}

type localCandidate struct {
	l    *link
	init webrtc.ICECandidateInit
}

type trackReceived struct {
	l     *link
	track *webrtc.TrackRemote
}

type stateChanged struct {
	l     *link
	state webrtc.PeerConnectionState
}

func (e negotiationNeeded) target() *link { return e.l }
func (e linkUpdated) target() *link       { return e.l }
func (e candidateReceived) target() *link { return e.l }
func (e localCandidate) target() *link    { return e.l }
func (e trackReceived) target() *link     { return e.l }
func (e stateChanged) target() *link      { return e.l }

type NotificationKind string

const (
	RemoteStreamAttached NotificationKind = "remote-stream"
	RemoteStreamRemoved  NotificationKind = "remote-stream-removed"
	PeerFailed           NotificationKind = "peer-failed"
	PeerStateChanged     NotificationKind = "peer-state"
)

// Notification is what the manager reports to its owner.
type Notification struct {
	Kind   NotificationKind
	PeerID string
	Track  *webrtc.TrackRemote
	State  webrtc.PeerConnectionState
	Err    error
}
