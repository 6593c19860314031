// Package call orchestrates one participant's side of a mesh call: admission,
// the room and participant records, presence, one peer connection per other
// participant, chat and teardown.
//
// A Session runs a single event loop goroutine. Relay subscriptions and pion
// callbacks only post work to it, and every public method executes on it, so
// the session's components are never touched concurrently.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/meshcall/internal/admission"
	"github.com/mossy-p/meshcall/internal/chat"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/mossy-p/meshcall/internal/presence"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNotInCall      = errors.New("call: not in a call")
	ErrClosed         = errors.New("call: session closed")
	ErrNotHost        = errors.New("call: only the host can do that")
	ErrAlreadyStarted = errors.New("call: session already started")
	ErrRoomExists     = errors.New("call: room already exists")
)

const (
	DefaultEventBuffer = 256
	inboxSize          = 256
	shutdownTimeout    = 5 * time.Second
)

type Options struct {
	SelfID   string
	Relay    relay.Channel
	Capturer media.Capturer
	// ICE is applied to every peer connection.
	ICE         webrtc.Configuration
	NewConn     peer.Factory
	EventBuffer int
	Logger      *slog.Logger
}

type StartOptions struct {
	// RoomID is generated when empty.
	RoomID    string
	IsPrivate bool
}

type Session struct {
	selfID   string
	relay    relay.Channel
	capturer media.Capturer
	ice      webrtc.Configuration
	newConn  peer.Factory
	logger   *slog.Logger

	events  chan Event
	inbox   chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop goroutine.
	state      State
	roomID     string
	isHost     bool
	self       models.Participant
	stream     media.Stream
	peers      *peer.Manager
	presence   *presence.Tracker
	requester  *admission.Requester
	host       *admission.Host
	chat       *chat.Room
	roomCancel relay.CancelFunc
	remote     map[string][]*webrtc.TrackRemote
}

func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	capturer := opts.Capturer
	if capturer == nil {
		capturer = media.SampleCapturer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		selfID:   opts.SelfID,
		relay:    opts.Relay,
		capturer: capturer,
		ice:      opts.ICE,
		newConn:  opts.NewConn,
		logger:   logger.With("component", "call", "participant_id", opts.SelfID),
		events:   make(chan Event, buffer),
		inbox:    make(chan func(), inboxSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
		remote:   make(map[string][]*webrtc.TrackRemote),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn on the loop. It is used by subscription and connection
// callbacks and never blocks after the session is closed.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.quit:
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.inbox <- func() { errc <- fn() }:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-s.stopped:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	}
}

// Events returns the notification stream. It is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) SelfID() string {
	return s.selfID
}

// Close leaves the call if needed and stops the loop.
func (s *Session) Close() {
	s.once.Do(func() {
		_ = s.do(context.Background(), func() error {
			if s.state == StateJoined || s.state == StateWaiting {
				ctx, cancel := context.WithTimeout(s.ctx, shutdownTimeout)
				defer cancel()
				if err := s.leave(ctx); err != nil {
					s.logger.Warn("leave on close", "err", err)
				}
			}
			return nil
		})
		close(s.quit)
		<-s.stopped
		s.cancel()
		close(s.events)
	})
}

// Start creates a room with self as host and joins it.
func (s *Session) Start(ctx context.Context, opts StartOptions) (string, error) {
	var roomID string
	err := s.do(ctx, func() error {
		var err error
		roomID, err = s.start(ctx, opts)
		return err
	})
	return roomID, err
}

// Join enters an existing room. Public rooms are joined at once; for private
// rooms the returned state is StateWaiting until the host decides.
func (s *Session) Join(ctx context.Context, roomID string) (State, error) {
	var state State
	err := s.do(ctx, func() error {
		err := s.join(ctx, roomID)
		state = s.state
		return err
	})
	return state, err
}

func (s *Session) Leave(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state != StateJoined && s.state != StateWaiting {
			return ErrNotInCall
		}
		return s.leave(ctx)
	})
}

func (s *Session) SetMicMuted(ctx context.Context, muted bool) error {
	return s.do(ctx, func() error { return s.setMedia(ctx, &muted, nil) })
}

func (s *Session) SetVideoOff(ctx context.Context, off bool) error {
	return s.do(ctx, func() error { return s.setMedia(ctx, nil, &off) })
}

// SetMedia applies both toggles with a single record update. Nil leaves a
// flag unchanged.
func (s *Session) SetMedia(ctx context.Context, micMuted, videoOff *bool) error {
	return s.do(ctx, func() error { return s.setMedia(ctx, micMuted, videoOff) })
}

func (s *Session) SendMessage(ctx context.Context, text string) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := s.do(ctx, func() error {
		if s.state != StateJoined {
			return ErrNotInCall
		}
		var err error
		msg, err = s.chat.Send(ctx, text, s.isHost)
		return err
	})
	return msg, err
}

// Messages returns the chat history seen so far.
func (s *Session) Messages(ctx context.Context) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.do(ctx, func() error {
		if s.chat == nil {
			return ErrNotInCall
		}
		msgs = s.chat.Messages()
		return nil
	})
	return msgs, err
}

// JoinRequests lists the requests waiting for the host's decision.
func (s *Session) JoinRequests(ctx context.Context) ([]models.JoinRequest, error) {
	var reqs []models.JoinRequest
	err := s.do(ctx, func() error {
		if err := s.requireHost(); err != nil {
			return err
		}
		reqs = s.host.Waiting()
		return nil
	})
	return reqs, err
}

func (s *Session) Accept(ctx context.Context, requestID string) error {
	return s.do(ctx, func() error {
		if err := s.requireHost(); err != nil {
			return err
		}
		return s.host.Accept(ctx, requestID)
	})
}

func (s *Session) Reject(ctx context.Context, requestID string) error {
	return s.do(ctx, func() error {
		if err := s.requireHost(); err != nil {
			return err
		}
		return s.host.Reject(ctx, requestID)
	})
}

// Participants returns self followed by every other participant, sorted by id.
func (s *Session) Participants(ctx context.Context) ([]models.Participant, error) {
	var out []models.Participant
	err := s.do(ctx, func() error {
		if s.state != StateJoined {
			return ErrNotInCall
		}
		out = append([]models.Participant{s.self}, s.presence.Peers()...)
		return nil
	})
	return out, err
}

// RemotePeers returns the ids of peers with an attached remote stream.
func (s *Session) RemotePeers(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.do(ctx, func() error {
		if s.peers == nil {
			return nil
		}
		for _, id := range s.peers.Peers() {
			if len(s.remote[id]) > 0 {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

// Connections returns the ids of every peer with a connection.
func (s *Session) Connections(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.do(ctx, func() error {
		if s.peers != nil {
			ids = s.peers.Peers()
		}
		return nil
	})
	return ids, err
}

func (s *Session) State() State {
	state := StateLeft
	_ = s.do(context.Background(), func() error {
		state = s.state
		return nil
	})
	return state
}

func (s *Session) RoomID() string {
	var id string
	_ = s.do(context.Background(), func() error {
		id = s.roomID
		return nil
	})
	return id
}

// IsHost reports whether self hosts the current room.
func (s *Session) IsHost() bool {
	var host bool
	_ = s.do(context.Background(), func() error {
		host = s.isHost
		return nil
	})
	return host
}

func (s *Session) requireHost() error {
	if s.state != StateJoined {
		return ErrNotInCall
	}
	if !s.isHost || s.host == nil {
		return ErrNotHost
	}
	return nil
}
