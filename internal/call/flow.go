package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/meshcall/internal/admission"
	"github.com/mossy-p/meshcall/internal/chat"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/mossy-p/meshcall/internal/presence"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/pion/webrtc/v4"
)

func (s *Session) start(ctx context.Context, opts StartOptions) (string, error) {
	if s.state != StateIdle {
		return "", ErrAlreadyStarted
	}
	roomID := opts.RoomID
	if roomID == "" {
		roomID = uuid.NewString()
	}
	if !relay.ValidSegment(roomID) {
		return "", fmt.Errorf("%w: %q", admission.ErrInvalidRoomID, roomID)
	}

	// Media first: a capture failure must leave nothing behind in the relay.
	stream, err := s.capturer.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("call: capture media: %w", err)
	}

	doc, err := relay.Marshal(models.Room{
		Active:    true,
		HostID:    s.selfID,
		IsPrivate: opts.IsPrivate,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		_ = stream.Close()
		return "", err
	}
	created, err := s.relay.WriteOnce(ctx, models.RoomPath(roomID), doc)
	if err != nil {
		_ = stream.Close()
		return "", fmt.Errorf("call: create room: %w", err)
	}
	if !created {
		_ = stream.Close()
		return "", fmt.Errorf("%w: %s", ErrRoomExists, roomID)
	}

	s.roomID = roomID
	s.isHost = true
	s.stream = stream

	host := admission.NewHost(s.relay, roomID, s.logger)
	if err := host.Start(ctx, func(changes []relay.Change) {
		s.post(func() { s.onRequests(host, changes) })
	}); err != nil {
		s.teardown()
		return "", err
	}
	s.host = host

	if err := s.setup(ctx); err != nil {
		s.teardown()
		return "", err
	}
	s.logger.Info("call started", "room_id", roomID, "private", opts.IsPrivate)
	return roomID, nil
}

func (s *Session) join(ctx context.Context, roomID string) error {
	if s.state != StateIdle {
		return ErrAlreadyStarted
	}
	room, err := admission.CheckRoom(ctx, s.relay, roomID)
	if err != nil {
		return err
	}
	s.roomID = roomID
	s.isHost = room.HostID == s.selfID

	if !room.IsPrivate || s.isHost {
		if err := s.setup(ctx); err != nil {
			s.teardown()
			s.roomID = ""
			return err
		}
		return nil
	}

	req := admission.NewRequester(s.relay, roomID, s.selfID, s.logger)
	if err := req.Request(ctx, func(snap relay.Snapshot) {
		s.post(func() { s.onRequest(req, snap) })
	}); err != nil {
		req.Stop()
		s.roomID = ""
		return err
	}
	s.requester = req
	s.state = StateWaiting
	s.emit(Event{Kind: EventWaiting})
	return nil
}

// setup is shared by hosts and admitted participants.
func (s *Session) setup(ctx context.Context) error {
	if s.stream == nil {
		stream, err := s.capturer.Capture(ctx)
		if err != nil {
			return fmt.Errorf("call: capture media: %w", err)
		}
		s.stream = stream
	}

	s.self = models.Participant{
		ID:         s.selfID,
		Joined:     true,
		IsMicMuted: !s.stream.AudioEnabled(),
		IsVideoOff: !s.stream.VideoEnabled(),
		IsHost:     s.isHost,
	}
	doc, err := relay.Marshal(s.self)
	if err != nil {
		return err
	}
	if err := s.relay.Write(ctx, models.ParticipantPath(s.roomID, s.selfID), doc, false); err != nil {
		return fmt.Errorf("call: write participant: %w", err)
	}

	var mgr *peer.Manager
	mgr = peer.NewManager(peer.Options{
		RoomID:  s.roomID,
		SelfID:  s.selfID,
		Relay:   s.relay,
		Config:  s.ice,
		NewConn: s.newConn,
		Post: func(ev peer.Event) {
			s.post(func() {
				if s.peers == mgr {
					mgr.Handle(s.ctx, ev)
				}
			})
		},
		Notify: s.onPeerNotification,
		Logger: s.logger,
	})
	s.peers = mgr

	if !s.isHost {
		cancel, err := s.relay.SubscribeDocument(ctx, models.RoomPath(s.roomID), func(snap relay.Snapshot) {
			s.post(func() { s.onRoom(mgr, snap) })
		})
		if err != nil {
			return fmt.Errorf("call: watch room: %w", err)
		}
		s.roomCancel = cancel
	}

	tracker := presence.NewTracker(s.relay, s.roomID, s.selfID, s.logger)
	if err := tracker.Start(ctx, func(changes []relay.Change) {
		s.post(func() { s.onParticipants(tracker, changes) })
	}); err != nil {
		return fmt.Errorf("call: watch participants: %w", err)
	}
	s.presence = tracker

	room := chat.NewRoom(s.relay, s.roomID, s.selfID, s.logger)
	if err := room.Start(ctx, func(changes []relay.Change) {
		s.post(func() { s.onMessages(room, changes) })
	}); err != nil {
		return err
	}
	s.chat = room

	s.state = StateJoined
	self := s.self
	s.emit(Event{Kind: EventJoined, Participant: &self})
	s.logger.Info("joined call", "room_id", s.roomID, "host", s.isHost)
	return nil
}

func (s *Session) onRequest(req *admission.Requester, snap relay.Snapshot) {
	if s.requester != req {
		return
	}
	out, ok := req.Handle(snap)
	if !ok {
		return
	}
	s.requester = nil
	if !out.Admitted() {
		s.state = StateDenied
		s.emit(Event{Kind: EventDenied})
		s.logger.Info("join request rejected", "room_id", s.roomID)
		return
	}
	if err := s.setup(s.ctx); err != nil {
		s.logger.Error("setup after admission", "room_id", s.roomID, "err", err)
		s.teardown()
		s.state = StateLeft
		s.emit(Event{Kind: EventError, Error: err.Error()})
	}
}

func (s *Session) onRequests(host *admission.Host, changes []relay.Change) {
	if s.host != host {
		return
	}
	if host.Handle(changes) {
		s.emit(Event{Kind: EventJoinRequests, Requests: host.Waiting()})
	}
}

// onRoom ends the session when the host marks the room inactive. A missing
// room document is ignored.
func (s *Session) onRoom(mgr *peer.Manager, snap relay.Snapshot) {
	if s.peers != mgr || s.state != StateJoined || !snap.Exists {
		return
	}
	var room models.Room
	if err := snap.Doc.Unmarshal(&room); err != nil {
		s.logger.Warn("malformed room", "room_id", s.roomID, "err", err)
		return
	}
	if room.Active {
		return
	}
	s.teardown()
	s.state = StateEnded
	s.emit(Event{Kind: EventMeetingEnded})
	s.logger.Info("meeting ended by host", "room_id", s.roomID)
}

func (s *Session) onParticipants(tracker *presence.Tracker, changes []relay.Change) {
	if s.presence != tracker {
		return
	}
	for _, ev := range tracker.Handle(changes) {
		switch e := ev.(type) {
		case presence.PeerSeen:
			s.onPeerSeen(e)
		case presence.PeerLeft:
			s.onPeerLeft(e)
		}
	}
}

func (s *Session) onPeerSeen(e presence.PeerSeen) {
	status := e.Status
	kind := EventPeerUpdated
	if e.First {
		kind = EventPeerJoined
	}
	s.emit(Event{Kind: kind, PeerID: e.ID, Participant: &status})

	if s.peers.Has(e.ID) {
		return
	}
	if err := s.peers.CreatePeer(e.ID, s.stream); err != nil {
		s.logger.Warn("create peer", "peer_id", e.ID, "err", err)
		s.emit(Event{Kind: EventPeerFailed, PeerID: e.ID, Error: err.Error()})
		return
	}
	if err := s.peers.Negotiate(s.ctx, e.ID); err != nil {
		s.logger.Warn("negotiate", "peer_id", e.ID, "err", err)
	}
}

func (s *Session) onPeerLeft(e presence.PeerLeft) {
	s.peers.Teardown(e.ID)
	delete(s.remote, e.ID)
	// The offerer owns the link document; clearing it lets a rejoin negotiate
	// from scratch.
	if peer.IsOfferer(s.selfID, e.ID) {
		if err := s.relay.Delete(s.ctx, peer.LinkPath(s.roomID, s.selfID, e.ID)); err != nil {
			s.logger.Warn("clear peer link", "peer_id", e.ID, "err", err)
		}
	}
	s.emit(Event{Kind: EventPeerLeft, PeerID: e.ID})
}

func (s *Session) onMessages(room *chat.Room, changes []relay.Change) {
	if s.chat != room || s.state != StateJoined {
		return
	}
	for _, msg := range room.Handle(changes) {
		s.emit(Event{Kind: EventMessage, Message: &msg})
	}
}

// onPeerNotification runs on the loop: the manager only notifies from
// Handle, CreatePeer, Negotiate and Teardown.
func (s *Session) onPeerNotification(n peer.Notification) {
	switch n.Kind {
	case peer.RemoteStreamAttached:
		s.remote[n.PeerID] = append(s.remote[n.PeerID], n.Track)
		s.emit(Event{Kind: EventRemoteStream, PeerID: n.PeerID, Track: n.Track})
	case peer.RemoteStreamRemoved:
		delete(s.remote, n.PeerID)
		s.emit(Event{Kind: EventRemoteStreamRemoved, PeerID: n.PeerID})
	case peer.PeerFailed:
		ev := Event{Kind: EventPeerFailed, PeerID: n.PeerID}
		if n.Err != nil {
			ev.Error = n.Err.Error()
		}
		s.emit(ev)
	case peer.PeerStateChanged:
		s.emit(Event{Kind: EventPeerState, PeerID: n.PeerID, PeerState: n.State.String()})
	}
}

func (s *Session) setMedia(ctx context.Context, micMuted, videoOff *bool) error {
	if s.state != StateJoined {
		return ErrNotInCall
	}
	fields := make(map[string]any, 2)
	if micMuted != nil {
		s.stream.SetAudioEnabled(!*micMuted)
		s.self.IsMicMuted = *micMuted
		fields["isMicMuted"] = *micMuted
	}
	if videoOff != nil {
		s.stream.SetVideoEnabled(!*videoOff)
		s.self.IsVideoOff = *videoOff
		fields["isVideoOff"] = *videoOff
	}
	if len(fields) == 0 {
		return nil
	}
	doc, err := relay.Fields(fields)
	if err != nil {
		return err
	}
	if err := s.relay.Write(ctx, models.ParticipantPath(s.roomID, s.selfID), doc, true); err != nil {
		return fmt.Errorf("call: update media state: %w", err)
	}
	return nil
}

// leave tears down locally, then removes self from the room. In-flight
// negotiation is abandoned.
func (s *Session) leave(ctx context.Context) error {
	wasJoined := s.state == StateJoined
	wasWaiting := s.state == StateWaiting
	// Both sides clear their links: a peer that lags behind this leave must
	// not hand a rejoin the old offer.
	var links []string
	if s.peers != nil {
		for _, id := range s.peers.Peers() {
			links = append(links, peer.LinkPath(s.roomID, s.selfID, id))
		}
	}
	s.teardown()
	s.state = StateLeft

	var errs []error
	if wasWaiting {
		if err := s.relay.Delete(ctx, models.RequestPath(s.roomID, s.selfID)); err != nil {
			errs = append(errs, fmt.Errorf("call: withdraw join request: %w", err))
		}
	}
	if wasJoined {
		for _, path := range links {
			if err := s.relay.Delete(ctx, path); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.relay.Delete(ctx, models.ParticipantPath(s.roomID, s.selfID)); err != nil {
			errs = append(errs, fmt.Errorf("call: remove participant: %w", err))
		}
		if s.isHost {
			doc, err := relay.Fields(map[string]any{"active": false})
			if err == nil {
				err = s.relay.Write(ctx, models.RoomPath(s.roomID), doc, true)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("call: close room: %w", err))
			}
		}
	}
	s.logger.Info("left call", "room_id", s.roomID, "host", s.isHost)
	return errors.Join(errs...)
}

// teardown closes every connection and cancels every subscription. It does
// not touch the relay.
func (s *Session) teardown() {
	if s.requester != nil {
		s.requester.Stop()
		s.requester = nil
	}
	if s.host != nil {
		s.host.Stop()
		s.host = nil
	}
	if s.roomCancel != nil {
		s.roomCancel()
		s.roomCancel = nil
	}
	if s.presence != nil {
		s.presence.Stop()
		s.presence = nil
	}
	if s.chat != nil {
		s.chat.Stop()
	}
	if s.peers != nil {
		s.peers.Close()
		s.peers = nil
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Warn("close local stream", "err", err)
		}
		s.stream = nil
	}
	s.remote = make(map[string][]*webrtc.TrackRemote)
}
