package peer

import (
	"errors"
	"fmt"

	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/pion/webrtc/v4"
)

// link wraps one native connection and its negotiation state. It owns the
// early candidate queue: candidates that arrive before the remote description
// are kept in arrival order and applied right after it is set.
type link struct {
	peerID  string
	offerer bool
	path    string
	conn    Conn

	pending   []webrtc.ICECandidateInit
	remoteSet bool

	negotiating bool
	wantOffer   bool
	offerSent   bool
	answerSent  bool

	failed  error
	cancels []relay.CancelFunc
}

func (l *link) hasRemoteDescription() bool {
	return l.remoteSet || l.conn.RemoteDescription() != nil
}

// addRemoteCandidate applies c, or queues it while no remote description is set.
func (l *link) addRemoteCandidate(c webrtc.ICECandidateInit) (queued bool, err error) {
	if !l.hasRemoteDescription() {
		l.pending = append(l.pending, c)
		return true, nil
	}
	return false, l.conn.AddICECandidate(c)
}

// setRemoteDescription sets desc unless a remote description already exists.
// It reports whether desc was applied.
func (l *link) setRemoteDescription(desc webrtc.SessionDescription) (bool, error) {
	if l.hasRemoteDescription() {
		return false, nil
	}
	if err := l.conn.SetRemoteDescription(desc); err != nil {
		return false, fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	l.remoteSet = true
	return true, nil
}

// flush applies every queued candidate in arrival order. A candidate the
// connection rejects does not stop the rest.
func (l *link) flush() error {
	pending := l.pending
	l.pending = nil

	var errs []error
	for _, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			errs = append(errs, fmt.Errorf("candidate %q: %w", c.Candidate, err))
		}
	}
	return errors.Join(errs...)
}

func (l *link) cancelSubscriptions() {
	for _, cancel := range l.cancels {
		cancel()
	}
	l.cancels = nil
}
