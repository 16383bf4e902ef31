// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rtc adapts pion/webrtc and pion/mediadevices to the interfaces
// the call package negotiates against.
package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"

	"github.com/pairtime/voicecall/internal/call"
)

// Config holds the ICE servers used for connection establishment. With no
// STUN and no TURN configured, a public STUN server is used.
type Config struct {
	STUNURLs       []string
	TURNURL        string
	TURNUsername   string
	TURNCredential string
}

func (c Config) iceServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, u := range c.STUNURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	if c.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{"stun:stun.l.google.com:19302"},
		})
	}
	return servers
}

// Engine implements call.Connector and call.Media on top of a shared
// webrtc.API configured for Opus audio.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	selector   *mediadevices.CodecSelector
	log        *slog.Logger
}

func NewEngine(cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create opus params: %w", err)
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a short relay or NAT hiccup does not drop
	// the call. The pion default disconnectedTimeout of 5s is too tight
	// for relayed paths.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	return &Engine{
		api:        api,
		iceServers: cfg.iceServers(),
		selector:   selector,
		log:        log,
	}, nil
}

// NewPeerConnection creates one negotiable connection for one call attempt.
func (e *Engine) NewPeerConnection() (call.PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: e.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &peerConn{pc: pc, log: e.log}, nil
}

// AcquireAudio opens the default microphone. Fails when no capture device
// is available or access is denied by the OS.
func (e *Engine) AcquireAudio(ctx context.Context) (call.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: e.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio track in capture stream")
	}
	mt, ok := tracks[0].(mediadevices.Track)
	if !ok {
		return nil, fmt.Errorf("unexpected track type %T", tracks[0])
	}

	e.log.Debug("microphone acquired", "track_id", mt.ID())
	return &micHandle{track: mt, log: e.log, enabled: true}, nil
}

// trackSender is the slice of *webrtc.RTPSender the handle needs.
type trackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// micHandle is one acquired microphone capture. Muting detaches the track
// from the RTP sender instead of stopping the device, so unmute is instant.
type micHandle struct {
	track mediadevices.Track
	log   *slog.Logger

	mu      sync.Mutex
	sender  trackSender
	enabled bool
	stopped bool
}

func (h *micHandle) bind(sender trackSender) {
	h.mu.Lock()
	h.sender = sender
	h.mu.Unlock()
}

func (h *micHandle) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.enabled == enabled {
		return
	}
	if h.sender != nil {
		var next webrtc.TrackLocal
		if enabled {
			next = h.track
		}
		// The flag only flips when the sender actually switched; otherwise
		// the handle would report unmuted while transmitting nothing.
		if err := h.sender.ReplaceTrack(next); err != nil {
			h.log.Warn("failed to replace outbound audio track",
				"enabled", enabled, "error", err)
			return
		}
	}
	h.enabled = enabled
}

func (h *micHandle) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

func (h *micHandle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()
	h.track.Close()
}
