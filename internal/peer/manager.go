// Package peer owns the mesh connections of one participant: one native
// connection per remote peer, the offer/answer exchange over its PeerLink
// document and the relay of ICE candidates in both directions.
//
// Manager is not safe for concurrent use. Its owner calls every method from
// a single goroutine and routes the events posted through Options.Post back
// into Handle on that same goroutine.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/pion/webrtc/v4"
)

var (
	ErrPeerExists  = errors.New("peer: connection already exists")
	ErrUnknownPeer = errors.New("peer: unknown peer")
)

type Options struct {
	RoomID string
	SelfID string
	Relay  relay.Channel
	// Config is shared by every connection (ICE servers, candidate pool).
	Config  webrtc.Configuration
	NewConn Factory
	Post    func(Event)
	Notify  func(Notification)
	Logger  *slog.Logger
}

type Manager struct {
	roomID  string
	selfID  string
	relay   relay.Channel
	config  webrtc.Configuration
	newConn Factory
	post    func(Event)
	notify  func(Notification)
	logger  *slog.Logger

	links map[string]*link
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(Notification) {}
	}
	return &Manager{
		roomID:  opts.RoomID,
		selfID:  opts.SelfID,
		relay:   opts.Relay,
		config:  opts.Config,
		newConn: opts.NewConn,
		post:    opts.Post,
		notify:  notify,
		logger:  logger.With("component", "peer", "room_id", opts.RoomID),
		links:   make(map[string]*link),
	}
}

func (m *Manager) Has(peerID string) bool {
	_, ok := m.links[peerID]
	return ok
}

// Peers returns the ids of every owned connection, sorted.
func (m *Manager) Peers() []string {
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Failed returns the failure of peerID's connection, or nil.
func (m *Manager) Failed(peerID string) error {
	if l, ok := m.links[peerID]; ok {
		return l.failed
	}
	return nil
}

// CreatePeer builds the connection for peerID, attaches every local track and
// registers the connection observers.
func (m *Manager) CreatePeer(peerID string, stream media.Stream) error {
	if peerID == m.selfID {
		return fmt.Errorf("peer: cannot connect to self (%s)", peerID)
	}
	if m.Has(peerID) {
		return fmt.Errorf("%w: %s", ErrPeerExists, peerID)
	}

	conn, err := m.newConn(m.config)
	if err != nil {
		return fmt.Errorf("peer: new connection for %s: %w", peerID, err)
	}

	l := &link{
		peerID:  peerID,
		offerer: IsOfferer(m.selfID, peerID),
		path:    LinkPath(m.roomID, m.selfID, peerID),
		conn:    conn,
	}

	conn.OnNegotiationNeeded(func() { m.post(negotiationNeeded{l: l}) })
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.post(trackReceived{l: l, track: track})
	})
	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.post(localCandidate{l: l, init: c.ToJSON()})
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.post(stateChanged{l: l, state: state})
	})

	if stream != nil {
		for _, track := range stream.Tracks() {
			sender, err := conn.AddTrack(track)
			if err != nil {
				_ = conn.Close()
				return fmt.Errorf("peer: add %s track for %s: %w", track.Kind(), peerID, err)
			}
			if sender != nil {
				go readRTCP(sender)
			}
		}
	}

	m.links[peerID] = l
	m.logger.Debug("peer created", "peer_id", peerID, "offerer", l.offerer)
	return nil
}

// Negotiate starts the signaling exchange with peerID: it watches the shared
// PeerLink document and the candidates the peer addresses to us. The role is
// fixed by IsOfferer.
func (m *Manager) Negotiate(ctx context.Context, peerID string) error {
	l, ok := m.links[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if l.negotiating {
		return nil
	}
	l.negotiating = true

	cancelLink, err := m.relay.SubscribeDocument(ctx, l.path, func(s relay.Snapshot) {
		m.post(linkUpdated{l: l, snap: s})
	})
	if err != nil {
		m.fail(l, fmt.Errorf("watch peer link: %w", err))
		return err
	}
	l.cancels = append(l.cancels, cancelLink)

	inbound := models.CandidatesPath(m.roomID, peerID, m.selfID)
	cancelCandidates, err := m.relay.SubscribeCollection(ctx, inbound, func(changes []relay.Change) {
		for _, c := range changes {
			if c.Type != relay.ChangeAdded {
				continue
			}
			var init webrtc.ICECandidateInit
			if err := c.Doc.Unmarshal(&init); err != nil {
				m.logger.Warn("malformed candidate", "peer_id", peerID, "path", c.Path, "err", err)
				continue
			}
			m.post(candidateReceived{l: l, init: init})
		}
	})
	if err != nil {
		m.fail(l, fmt.Errorf("watch candidates: %w", err))
		return err
	}
	l.cancels = append(l.cancels, cancelCandidates)

	if l.offerer && l.wantOffer {
		m.offer(ctx, l)
	}
	return nil
}

// Handle is the single entry point for inbound link events. Events for links
// that have been torn down are dropped.
func (m *Manager) Handle(ctx context.Context, ev Event) {
	l := ev.target()
	if current, ok := m.links[l.peerID]; !ok || current != l {
		m.logger.Debug("dropping event for closed peer", "peer_id", l.peerID, "event", fmt.Sprintf("%T", ev))
		return
	}

	switch e := ev.(type) {
	case negotiationNeeded:
		if !l.offerer {
			return
		}
		if !l.negotiating {
			l.wantOffer = true
			return
		}
		m.offer(ctx, l)
	case linkUpdated:
		m.onLinkUpdated(ctx, l, e.snap)
	case candidateReceived:
		m.onRemoteCandidate(l, e.init)
	case localCandidate:
		m.onLocalCandidate(ctx, l, e.init)
	case trackReceived:
		m.notify(Notification{Kind: RemoteStreamAttached, PeerID: l.peerID, Track: e.track})
	case stateChanged:
		m.notify(Notification{Kind: PeerStateChanged, PeerID: l.peerID, State: e.state})
		if e.state == webrtc.PeerConnectionStateFailed {
			m.fail(l, errors.New("connection failed"))
		}
	}
}

func (m *Manager) offer(ctx context.Context, l *link) {
	if l.failed != nil || l.offerSent {
		return
	}
	l.wantOffer = false

	offer, err := l.conn.CreateOffer(nil)
	if err != nil {
		m.fail(l, fmt.Errorf("create offer: %w", err))
		return
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		m.fail(l, fmt.Errorf("set local offer: %w", err))
		return
	}
	doc, err := relay.Marshal(models.PeerLink{Offer: &offer})
	if err != nil {
		m.fail(l, err)
		return
	}
	if err := m.relay.Write(ctx, l.path, doc, true); err != nil {
		m.fail(l, fmt.Errorf("write offer: %w", err))
		return
	}
	l.offerSent = true
	m.logger.Debug("offer written", "peer_id", l.peerID, "path", l.path)
}

func (m *Manager) onLinkUpdated(ctx context.Context, l *link, snap relay.Snapshot) {
	if l.failed != nil || !snap.Exists {
		return
	}
	var pl models.PeerLink
	if err := snap.Doc.Unmarshal(&pl); err != nil {
		m.fail(l, fmt.Errorf("decode peer link: %w", err))
		return
	}

	switch {
	case !l.offerer && pl.Offer != nil && !l.hasRemoteDescription():
		m.answer(ctx, l, *pl.Offer)
	case l.offerer && pl.Answer != nil && !l.hasRemoteDescription():
		if _, err := l.setRemoteDescription(*pl.Answer); err != nil {
			m.fail(l, err)
			return
		}
		m.flush(l)
	}
}

func (m *Manager) answer(ctx context.Context, l *link, offer webrtc.SessionDescription) {
	if _, err := l.setRemoteDescription(offer); err != nil {
		m.fail(l, err)
		return
	}
	m.flush(l)

	if l.answerSent {
		return
	}
	answer, err := l.conn.CreateAnswer(nil)
	if err != nil {
		m.fail(l, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		m.fail(l, fmt.Errorf("set local answer: %w", err))
		return
	}
	doc, err := relay.Marshal(models.PeerLink{Answer: &answer})
	if err != nil {
		m.fail(l, err)
		return
	}
	if err := m.relay.Write(ctx, l.path, doc, true); err != nil {
		m.fail(l, fmt.Errorf("write answer: %w", err))
		return
	}
	l.answerSent = true
	m.logger.Debug("answer written", "peer_id", l.peerID, "path", l.path)
}

func (m *Manager) flush(l *link) {
	if err := l.flush(); err != nil {
		m.logger.Warn("queued candidates rejected", "peer_id", l.peerID, "err", err)
	}
}

func (m *Manager) onRemoteCandidate(l *link, c webrtc.ICECandidateInit) {
	if l.failed != nil {
		return
	}
	queued, err := l.addRemoteCandidate(c)
	if err != nil {
		m.logger.Warn("add candidate", "peer_id", l.peerID, "err", err)
		return
	}
	if queued {
		m.logger.Debug("candidate queued until remote description", "peer_id", l.peerID, "queued", len(l.pending))
	}
}

func (m *Manager) onLocalCandidate(ctx context.Context, l *link, c webrtc.ICECandidateInit) {
	if l.failed != nil {
		return
	}
	doc, err := relay.Marshal(c)
	if err != nil {
		m.logger.Warn("encode candidate", "peer_id", l.peerID, "err", err)
		return
	}
	if _, err := m.relay.AppendChild(ctx, models.CandidatesPath(m.roomID, m.selfID, l.peerID), doc); err != nil {
		m.fail(l, fmt.Errorf("write candidate: %w", err))
	}
}

// fail leaves the connection in place but inert. It is not retried; the user
// ends and restarts the call.
func (m *Manager) fail(l *link, err error) {
	if l.failed != nil {
		return
	}
	l.failed = err
	l.pending = nil
	m.logger.Warn("peer connection failed", "peer_id", l.peerID, "err", err)
	m.notify(Notification{Kind: PeerFailed, PeerID: l.peerID, Err: err})
}

// Teardown closes peerID's connection and forgets it. It reports whether a
// connection existed.
func (m *Manager) Teardown(peerID string) bool {
	l, ok := m.links[peerID]
	if !ok {
		return false
	}
	l.cancelSubscriptions()
	if err := l.conn.Close(); err != nil {
		m.logger.Warn("close connection", "peer_id", peerID, "err", err)
	}
	delete(m.links, peerID)
	m.notify(Notification{Kind: RemoteStreamRemoved, PeerID: peerID})
	m.logger.Debug("peer torn down", "peer_id", peerID)
	return true
}

// Close tears down every connection.
func (m *Manager) Close() {
	for _, id := range m.Peers() {
		m.Teardown(id)
	}
}

// readRTCP drains sender so the interceptors (NACK responder, reports) see
// incoming RTCP. It returns once the connection is closed.
func readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
