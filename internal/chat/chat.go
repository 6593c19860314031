// Package chat carries the room's text messages over the same relay as the
// signaling records. Messages are append-only and ordered by timestamp.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
)

// MaxMessageLength is in bytes; longer messages are cut at a rune boundary.
const MaxMessageLength = 2000

var ErrEmptyMessage = errors.New("chat: empty message")

type Room struct {
	roomID string
	selfID string
	relay  relay.Channel
	logger *slog.Logger
	now    func() time.Time

	seen     map[string]bool
	messages []models.ChatMessage
	cancel   relay.CancelFunc
}

func NewRoom(ch relay.Channel, roomID, selfID string, logger *slog.Logger) *Room {
	if logger == nil {
		logger = slog.Default()
	}
	return &Room{
		roomID: roomID,
		selfID: selfID,
		relay:  ch,
		logger: logger.With("component", "chat", "room_id", roomID),
		now:    time.Now,
		seen:   make(map[string]bool),
	}
}

func (r *Room) Start(ctx context.Context, post func([]relay.Change)) error {
	if r.cancel != nil {
		return nil
	}
	cancel, err := r.relay.SubscribeCollection(ctx, models.MessagesPath(r.roomID), post)
	if err != nil {
		return fmt.Errorf("chat: watch messages: %w", err)
	}
	r.cancel = cancel
	return nil
}

func (r *Room) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Send appends a message from self.
func (r *Room) Send(ctx context.Context, text string, isHost bool) (models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}
	if len(text) > MaxMessageLength {
		cut := MaxMessageLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	msg := models.ChatMessage{
		Text:       text,
		SenderID:   r.selfID,
		SenderType: models.SenderParticipant,
		Timestamp:  r.now().UTC(),
	}
	if isHost {
		msg.SenderType = models.SenderHost
	}
	doc, err := relay.Marshal(msg)
	if err != nil {
		return models.ChatMessage{}, err
	}
	id, err := r.relay.AppendChild(ctx, models.MessagesPath(r.roomID), doc)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("chat: send: %w", err)
	}
	msg.ID = id
	return msg, nil
}

// Handle records new messages and returns them in timestamp order. Messages
// already seen are skipped.
func (r *Room) Handle(changes []relay.Change) []models.ChatMessage {
	var added []models.ChatMessage
	for _, c := range changes {
		if c.Type != relay.ChangeAdded || r.seen[c.ID] {
			continue
		}
		var msg models.ChatMessage
		if err := c.Doc.Unmarshal(&msg); err != nil {
			r.logger.Warn("malformed message", "message_id", c.ID, "err", err)
			continue
		}
		msg.ID = c.ID
		r.seen[c.ID] = true
		added = append(added, msg)
	}
	if len(added) == 0 {
		return nil
	}
	sortByTime(added)
	r.messages = append(r.messages, added...)
	sortByTime(r.messages)
	return added
}

// Messages returns the history seen so far, oldest first.
func (r *Room) Messages() []models.ChatMessage {
	return append([]models.ChatMessage(nil), r.messages...)
}

func sortByTime(msgs []models.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
}
