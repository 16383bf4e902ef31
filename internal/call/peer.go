// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Connector produces negotiable peer connections. The production
// implementation lives in internal/rtc; tests inject a fake.
type Connector interface {
	NewPeerConnection() (PeerConnection, error)
}

// PeerConnection is the connection primitive for one call attempt.
// CreateOffer and CreateAnswer also set the produced description as the
// local description before returning it.
type PeerConnection interface {
	AddAudioTrack(h MediaHandle) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnRemoteTrack(fn func(RemoteTrack))
	Close() error
}

// Media acquires the local audio capture device. Acquisition may fail with
// a permission or device error; such failures are terminal for the call
// attempt that requested them.
type Media interface {
	AcquireAudio(ctx context.Context) (MediaHandle, error)
}

// MediaHandle is one acquired local audio capture. SetEnabled(false) mutes
// the outbound track without releasing the device; Stop releases it.
type MediaHandle interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// RemoteTrack is inbound media surfaced by the peer connection.
type RemoteTrack interface {
	ID() string
	Kind() string
	// Active reports whether packets arrived within the given window.
	Active(within time.Duration) bool
}

// link owns exactly one PeerConnection plus the local microphone for the
// duration of a single call attempt. It buffers remote ICE candidates that
// arrive before the remote description is set and flushes them afterwards.
// Never shared across two call attempts; close tears both resources down.
type link struct {
	mu        sync.Mutex
	pc        PeerConnection
	mic       MediaHandle
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

func newLink(conn Connector, mic MediaHandle,
	onCandidate func(webrtc.ICECandidateInit),
	onState func(webrtc.PeerConnectionState),
	onTrack func(RemoteTrack),
) (*link, error) {
	pc, err := conn.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &link{pc: pc, mic: mic}

	pc.OnICECandidate(onCandidate)
	pc.OnConnectionStateChange(onState)
	pc.OnRemoteTrack(onTrack)

	if err := pc.AddAudioTrack(mic); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	return l, nil
}

// offer creates the initiator's local description.
func (l *link) offer(ctx context.Context) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	pc, closed := l.pc, l.closed
	l.mu.Unlock()
	if closed {
		return webrtc.SessionDescription{}, errLinkClosed
	}
	desc, err := pc.CreateOffer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return desc, nil
}

// answer applies the remote offer and produces the responder's answer,
// flushing any candidates buffered while the offer was in flight.
func (l *link) answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return webrtc.SessionDescription{}, errLinkClosed
	}
	pc := l.pc
	l.mu.Unlock()

	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	desc, err := pc.CreateAnswer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	l.flushPending()
	return desc, nil
}

// applyAnswer applies the responder's answer on the initiator side.
func (l *link) applyAnswer(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLinkClosed
	}
	pc := l.pc
	l.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.flushPending()
	return nil
}

// addCandidate applies a remote candidate, buffering it if the remote
// description is not set yet.
func (l *link) addCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return nil
	}
	pc := l.pc
	l.mu.Unlock()
	return pc.AddICECandidate(c)
}

func (l *link) flushPending() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	pc, closed := l.pc, l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			continue // stale candidates are not fatal
		}
	}
}

func (l *link) setMuted(muted bool) {
	l.mu.Lock()
	mic, closed := l.mic, l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	mic.SetEnabled(!muted)
}

func (l *link) muted() bool {
	l.mu.Lock()
	mic, closed := l.mic, l.closed
	l.mu.Unlock()
	if closed {
		return false
	}
	return !mic.Enabled()
}

// close releases the connection and the microphone. Idempotent.
func (l *link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pc, mic := l.pc, l.mic
	l.pending = nil
	l.mu.Unlock()

	pc.Close()
	mic.Stop()
}
