// Package media is the local capture capability consumed by a call. Capture
// and rendering are opaque here: a Stream only exposes its tracks for the
// peer connections and independent audio/video enable switches.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrDeviceUnavailable = errors.New("media: capture device unavailable")

// Stream is a local media stream with independently enable-able tracks.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool
	Close() error
}

// Capturer acquires a local stream. Implementations wrap
// ErrDeviceUnavailable when the device is denied or missing.
type Capturer interface {
	Capture(ctx context.Context) (Stream, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context) (Stream, error)

func (f CapturerFunc) Capture(ctx context.Context) (Stream, error) { return f(ctx) }

// SampleStream carries an Opus audio track and a VP8 video track fed by the
// embedding application through WriteAudio and WriteVideo. Samples written
// while a track is disabled are discarded.
type SampleStream struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool
	closed  atomic.Bool
}

func NewSampleStream(streamID string) (*SampleStream, error) {
	if streamID == "" {
		streamID = uuid.NewString()
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}

	s := &SampleStream{audio: audio, video: video}
	s.audioOn.Store(true)
	s.videoOn.Store(true)
	return s, nil
}

func (s *SampleStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *SampleStream) SetAudioEnabled(enabled bool) { s.audioOn.Store(enabled) }
func (s *SampleStream) SetVideoEnabled(enabled bool) { s.videoOn.Store(enabled) }
func (s *SampleStream) AudioEnabled() bool           { return s.audioOn.Load() }
func (s *SampleStream) VideoEnabled() bool           { return s.videoOn.Load() }

func (s *SampleStream) WriteAudio(sample pionmedia.Sample) error {
	if s.closed.Load() || !s.audioOn.Load() {
		return nil
	}
	return s.audio.WriteSample(sample)
}

func (s *SampleStream) WriteVideo(sample pionmedia.Sample) error {
	if s.closed.Load() || !s.videoOn.Load() {
		return nil
	}
	return s.video.WriteSample(sample)
}

func (s *SampleStream) Close() error {
	s.closed.Store(true)
	return nil
}

// SampleCapturer hands out SampleStreams. OnCapture, when set, receives every
// new stream so the application can start feeding it.
type SampleCapturer struct {
	OnCapture func(*SampleStream)
}

func (c SampleCapturer) Capture(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	s, err := NewSampleStream("")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if c.OnCapture != nil {
		c.OnCapture(s)
	}
	return s, nil
}
