package peer

import (
	"testing"
	"time"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/pion/webrtc/v4"
)

func TestReadRTCP_ReturnsWhenConnectionCloses(t *testing.T) {
	api, err := NewAPI(LogLevel("error"))
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	stream, err := media.NewSampleStream("")
	if err != nil {
		t.Fatalf("NewSampleStream: %v", err)
	}
	defer stream.Close()

	tracks := stream.Tracks()
	done := make(chan struct{}, len(tracks))
	var readers int
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			t.Fatalf("AddTrack: %v", err)
		}
		readers++
		go func() {
			readRTCP(sender)
			done <- struct{}{}
		}()
	}

	select {
	case <-done:
		t.Fatalf("readRTCP returned while the connection was open")
	case <-time.After(50 * time.Millisecond):
	}

	if err := pc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i := 0; i < readers; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("readRTCP still running after close (%d of %d returned)", i, readers)
		}
	}
}
