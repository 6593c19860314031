package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/redis/go-redis/v9"
)

func participantChange(t *testing.T, typ relay.ChangeType, id string, p models.Participant) relay.Change {
	t.Helper()
	c := relay.Change{Type: typ, ID: id, Path: models.ParticipantPath("R1", id)}
	if typ == relay.ChangeRemoved {
		return c
	}
	doc, err := relay.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	c.Doc = doc
	return c
}

func TestTracker_SeenThenLeft(t *testing.T) {
	tr := NewTracker(nil, "R1", "user_a", nil)

	events := tr.Handle([]relay.Change{
		participantChange(t, relay.ChangeAdded, "user_a", models.Participant{Joined: true}),
		participantChange(t, relay.ChangeAdded, "user_b", models.Participant{Joined: true, IsHost: true}),
	})
	if len(events) != 1 {
		t.Fatalf("events=%d, want 1 (self is skipped)", len(events))
	}
	seen, ok := events[0].(PeerSeen)
	if !ok || seen.ID != "user_b" || !seen.First || !seen.Status.IsHost {
		t.Fatalf("event=%+v, want first PeerSeen for host user_b", events[0])
	}

	events = tr.Handle([]relay.Change{
		participantChange(t, relay.ChangeModified, "user_b", models.Participant{Joined: true, IsHost: true, IsMicMuted: true}),
	})
	seen = events[0].(PeerSeen)
	if seen.First {
		t.Fatalf("modified participant reported as first sight")
	}
	if p, _ := tr.Status("user_b"); !p.IsMicMuted {
		t.Fatalf("status cache not updated: %+v", p)
	}

	events = tr.Handle([]relay.Change{participantChange(t, relay.ChangeRemoved, "user_b", models.Participant{})})
	if left, ok := events[0].(PeerLeft); !ok || left.ID != "user_b" {
		t.Fatalf("event=%+v, want PeerLeft user_b", events[0])
	}
	if _, ok := tr.Status("user_b"); ok {
		t.Fatalf("status still cached after removal")
	}
	if n := len(tr.Peers()); n != 0 {
		t.Fatalf("peers=%d, want 0", n)
	}
}

func TestTracker_RedeliveryIsNotFirstSight(t *testing.T) {
	tr := NewTracker(nil, "R1", "user_a", nil)
	batch := []relay.Change{participantChange(t, relay.ChangeAdded, "user_c", models.Participant{Joined: true})}

	first := tr.Handle(batch)[0].(PeerSeen)
	again := tr.Handle(batch)[0].(PeerSeen)
	if !first.First || again.First {
		t.Fatalf("first=%v again=%v, want true then false", first.First, again.First)
	}
}

func TestTracker_RejoinIsFirstSightAgain(t *testing.T) {
	tr := NewTracker(nil, "R1", "user_a", nil)
	tr.Handle([]relay.Change{participantChange(t, relay.ChangeAdded, "user_b", models.Participant{Joined: true})})
	tr.Handle([]relay.Change{participantChange(t, relay.ChangeRemoved, "user_b", models.Participant{})})

	seen := tr.Handle([]relay.Change{participantChange(t, relay.ChangeAdded, "user_b", models.Participant{Joined: true})})[0].(PeerSeen)
	if !seen.First {
		t.Fatalf("rejoined participant not reported as first sight")
	}
}

func TestTracker_PeersSorted(t *testing.T) {
	tr := NewTracker(nil, "R1", "user_a", nil)
	tr.Handle([]relay.Change{
		participantChange(t, relay.ChangeAdded, "user_z", models.Participant{}),
		participantChange(t, relay.ChangeAdded, "user_b", models.Participant{}),
		participantChange(t, relay.ChangeAdded, "user_m", models.Participant{}),
	})
	peers := tr.Peers()
	want := []string{"user_b", "user_m", "user_z"}
	for i, p := range peers {
		if p.ID != want[i] {
			t.Fatalf("peers[%d]=%s, want %s", i, p.ID, want[i])
		}
	}
}

func TestTracker_StartDeliversExistingParticipants(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = rdb.Close() })
	ch := relay.NewRedis(rdb, nil)
	ctx := context.Background()

	doc, _ := relay.Marshal(models.Participant{Joined: true, IsHost: true})
	if err := ch.Write(ctx, models.ParticipantPath("R1", "user_h"), doc, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	tr := NewTracker(ch, "R1", "user_a", nil)
	batches := make(chan []relay.Change, 8)
	if err := tr.Start(ctx, func(c []relay.Change) { batches <- c }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	select {
	case batch := <-batches:
		events := tr.Handle(batch)
		if len(events) != 1 || events[0].(PeerSeen).ID != "user_h" {
			t.Fatalf("events=%+v, want PeerSeen user_h", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no initial snapshot")
	}

	if err := ch.Delete(ctx, models.ParticipantPath("R1", "user_h")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	select {
	case batch := <-batches:
		events := tr.Handle(batch)
		if _, ok := events[0].(PeerLeft); !ok {
			t.Fatalf("event=%+v, want PeerLeft", events[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no removal delivered")
	}
}
