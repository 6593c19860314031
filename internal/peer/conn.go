package peer

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Conn is the part of *webrtc.PeerConnection the manager drives.
type Conn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnNegotiationNeeded(f func())
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ Conn = (*webrtc.PeerConnection)(nil)

// Factory builds a native connection from the shared configuration.
type Factory func(cfg webrtc.Configuration) (Conn, error)

// APIFactory builds pion peer connections from api.
func APIFactory(api *webrtc.API) Factory {
	return func(cfg webrtc.Configuration) (Conn, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
}

// NewAPI constructs the pion API used for every call connection: default
// codecs, default interceptors (NACK, RTCP reports, TWCC) and pion's own
// logging at the given level.
func NewAPI(level logging.LogLevel) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = level

	settings := webrtc.SettingEngine{LoggerFactory: loggerFactory}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

// LogLevel maps a LOG_LEVEL value onto pion's levels. pion is chatty, so
// anything below warn is only enabled for debug.
func LogLevel(level string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logging.LogLevelDebug
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelWarn
	}
}
