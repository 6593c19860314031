// Package peertest provides an in-memory peer connection for exercising the
// signaling logic without ICE or DTLS.
package peertest

import (
	"errors"
	"sync"

	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/pion/webrtc/v4"
)

// Conn records every call the manager makes. Adding the first track fires
// negotiation-needed asynchronously, like a browser or pion connection.
type Conn struct {
	mu sync.Mutex

	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	remoteSets int
	closed     bool

	// RejectRemote makes SetRemoteDescription fail.
	RejectRemote bool

	onNegotiationNeeded func()
	onICECandidate      func(*webrtc.ICECandidate)
	onTrack             func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState             func(webrtc.PeerConnectionState)
}

var _ peer.Conn = (*Conn)(nil)

func (c *Conn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- fake offer\r\n"}, nil
}

func (c *Conn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return webrtc.SessionDescription{}, errors.New("peertest: answer without remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- fake answer\r\n"}, nil
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = &desc
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RejectRemote {
		return errors.New("peertest: remote description rejected")
	}
	c.remote = &desc
	c.remoteSets++
	return nil
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("peertest: candidate before remote description")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	c.tracks = append(c.tracks, track)
	first := len(c.tracks) == 1
	h := c.onNegotiationNeeded
	c.mu.Unlock()
	if first && h != nil {
		go h()
	}
	return nil, nil
}

func (c *Conn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

func (c *Conn) OnICECandidate(f func(*webrtc.ICECandidate)) {
	c.mu.Lock()
	c.onICECandidate = f
	c.mu.Unlock()
}

func (c *Conn) OnNegotiationNeeded(f func()) {
	c.mu.Lock()
	c.onNegotiationNeeded = f
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// SetRejectRemote makes every later SetRemoteDescription fail.
func (c *Conn) SetRejectRemote(reject bool) {
	c.mu.Lock()
	c.RejectRemote = reject
	c.mu.Unlock()
}

// NegotiationNeeded fires the negotiation-needed observer.
func (c *Conn) NegotiationNeeded() {
	c.mu.Lock()
	h := c.onNegotiationNeeded
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

// EmitCandidate fires the local candidate observer with a host candidate.
func (c *Conn) EmitCandidate(address string, port uint16) {
	c.mu.Lock()
	h := c.onICECandidate
	c.mu.Unlock()
	if h == nil {
		return
	}
	h(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    address,
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
}

// EmitTrack fires the remote track observer. The fake carries no media, so
// the track is nil.
func (c *Conn) EmitTrack() {
	c.mu.Lock()
	h := c.onTrack
	c.mu.Unlock()
	if h != nil {
		h(nil, nil)
	}
}

// EmitState fires the connection state observer.
func (c *Conn) EmitState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	h := c.onState
	c.mu.Unlock()
	if h != nil {
		h(state)
	}
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Candidates returns the remote candidates applied so far, in order.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) RemoteSets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSets
}

func (c *Conn) Tracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Factory hands out fake connections and remembers them.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn

	// Configs records the configuration passed for each connection.
	Configs []webrtc.Configuration

	prepare func(n int, c *Conn)
}

// SetPrepare registers a hook run on every new connection, with its index.
func (f *Factory) SetPrepare(fn func(n int, c *Conn)) {
	f.mu.Lock()
	f.prepare = fn
	f.mu.Unlock()
}

func (f *Factory) New(cfg webrtc.Configuration) (peer.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Conn{}
	if f.prepare != nil {
		f.prepare(len(f.conns), c)
	}
	f.conns = append(f.conns, c)
	f.Configs = append(f.Configs, cfg)
	return c, nil
}

// Conns returns every connection created so far.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}
