// Package presence watches the participant records of a room and turns
// collection changes into peer-seen and peer-left events.
package presence

import (
	"context"
	"log/slog"
	"sort"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
)

// Event is either PeerSeen or PeerLeft.
type Event interface {
	peerID() string
}

// PeerSeen is reported for every added or modified participant other than
// self. First is set the first time the id enters the cache.
type PeerSeen struct {
	ID     string
	Status models.Participant
	First  bool
}

// PeerLeft is reported when a participant record is removed.
type PeerLeft struct {
	ID string
}

func (e PeerSeen) peerID() string { return e.ID }
func (e PeerLeft) peerID() string { return e.ID }

// Tracker keeps the status cache of the other participants. Like the peer
// manager it is driven from a single goroutine.
type Tracker struct {
	roomID string
	selfID string
	relay  relay.Channel
	logger *slog.Logger

	status map[string]models.Participant
	cancel relay.CancelFunc
}

func NewTracker(ch relay.Channel, roomID, selfID string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		roomID: roomID,
		selfID: selfID,
		relay:  ch,
		logger: logger.With("component", "presence", "room_id", roomID),
		status: make(map[string]models.Participant),
	}
}

// Start subscribes to the room's participant collection. Every batch is passed
// to post; the owner hands it back to Handle on its own goroutine.
func (t *Tracker) Start(ctx context.Context, post func([]relay.Change)) error {
	if t.cancel != nil {
		return nil
	}
	cancel, err := t.relay.SubscribeCollection(ctx, models.ParticipantsPath(t.roomID), post)
	if err != nil {
		return err
	}
	t.cancel = cancel
	return nil
}

func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Handle folds a change batch into the cache and returns the resulting events
// in batch order.
func (t *Tracker) Handle(changes []relay.Change) []Event {
	var events []Event
	for _, c := range changes {
		if c.ID == t.selfID {
			continue
		}
		switch c.Type {
		case relay.ChangeRemoved:
			if _, ok := t.status[c.ID]; !ok {
				t.logger.Debug("removal of unknown participant", "peer_id", c.ID)
			}
			delete(t.status, c.ID)
			events = append(events, PeerLeft{ID: c.ID})
		case relay.ChangeAdded, relay.ChangeModified:
			var p models.Participant
			if err := c.Doc.Unmarshal(&p); err != nil {
				t.logger.Warn("malformed participant", "peer_id", c.ID, "err", err)
				continue
			}
			p.ID = c.ID
			_, known := t.status[c.ID]
			t.status[c.ID] = p
			events = append(events, PeerSeen{ID: c.ID, Status: p, First: !known})
		}
	}
	return events
}

// Status returns the cached record for id.
func (t *Tracker) Status(id string) (models.Participant, bool) {
	p, ok := t.status[id]
	return p, ok
}

// Peers returns every cached participant sorted by id.
func (t *Tracker) Peers() []models.Participant {
	peers := make([]models.Participant, 0, len(t.status))
	for _, p := range t.status {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}
