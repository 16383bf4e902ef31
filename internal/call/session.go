// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairtime/voicecall/internal/signaling"
)

// Permission is the microphone permission state of a Session.
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
)

// SessionSnapshot is the observable state of a session-scoped call.
type SessionSnapshot struct {
	Connecting bool
	Connected  bool
	Muted      bool
	Permission Permission
	Err        error
}

// SessionConfig binds a Session to a pre-established session key and a
// fixed pair of participants.
type SessionConfig struct {
	SessionKey string
	SelfID     string
	RemoteID   string

	Transport signaling.Transport
	Media     Media
	Connector Connector

	OnChange func(SessionSnapshot)
	Logger   *slog.Logger
}

// Session is the narrower, session-bound variant of the call state machine:
// both parties already know they share a call context, so there is no
// ringing. One side calls Start and produces the offer; the other calls
// Answer and produces the answer. On creation the session replays the
// already-persisted signaling records for its key before subscribing to new
// ones, so a participant joining moments late still sees the offer.
type Session struct {
	cfg SessionConfig
	log *slog.Logger

	mu         sync.Mutex
	gen        uint64
	started    bool // local side took the offer-sender role
	answering  bool // local side took the answer-sender role
	connecting bool
	connected  bool
	muted      bool
	permission Permission
	err        error

	link              *link
	remoteTrack       RemoteTrack
	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit

	unsubscribe func()
	closed      bool
}

// NewSession replays persisted signaling for cfg.SessionKey, then subscribes
// for new messages.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.SessionKey == "" || cfg.SelfID == "" || cfg.RemoteID == "" {
		return nil, fmt.Errorf("SessionKey, SelfID and RemoteID are required")
	}
	if cfg.Transport == nil || cfg.Media == nil || cfg.Connector == nil {
		return nil, fmt.Errorf("Transport, Media and Connector are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg: cfg,
		log: cfg.Logger.With("session_key", cfg.SessionKey, "self_id", cfg.SelfID),
	}

	if r, ok := cfg.Transport.(signaling.Replayer); ok {
		msgs, err := r.ListSince(ctx, cfg.SessionKey, cfg.SelfID)
		if err != nil {
			return nil, fmt.Errorf("replay session signaling: %w", err)
		}
		for _, msg := range msgs {
			s.handleMessage(msg)
		}
		s.log.Debug("replayed persisted signaling", "count", len(msgs))
	}

	unsub, err := cfg.Transport.Subscribe(cfg.SelfID, s.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe to signaling: %w", err)
	}
	s.unsubscribe = unsub
	return s, nil
}

// Start takes the offer-sender role: acquire the microphone, open the
// connection, send the offer.
func (s *Session) Start(ctx context.Context) error {
	if err := s.begin(true); err != nil {
		return err
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	l, err := s.buildLink(ctx, gen)
	if err != nil {
		return err
	}

	desc, err := l.offer(ctx)
	if err != nil {
		return s.fail(gen, err, true)
	}
	if err := s.send(ctx, signaling.TypeOffer, &signaling.Payload{SDP: &desc}); err != nil {
		return s.fail(gen, fmt.Errorf("send offer: %w", err), true)
	}
	return nil
}

// Answer takes the answer-sender role. The remote offer may already have
// been replayed; if not, it is answered as soon as it arrives.
func (s *Session) Answer(ctx context.Context) error {
	if err := s.begin(false); err != nil {
		return err
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	l, err := s.buildLink(ctx, gen)
	if err != nil {
		return err
	}

	s.mu.Lock()
	pendingOffer := s.pendingOffer
	s.pendingOffer = nil
	s.mu.Unlock()

	if pendingOffer != nil {
		return s.answerOffer(ctx, gen, l, *pendingOffer)
	}
	return nil
}

// begin flips the session into the connecting state under the chosen role.
func (s *Session) begin(asOfferer bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started || s.answering || s.link != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	if asOfferer {
		s.started = true
	} else {
		s.answering = true
	}
	s.connecting = true
	s.err = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
	return nil
}

// ToggleMute flips the outbound audio track; local-only, like the global
// variant.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	l := s.link
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if l != nil {
		l.setMuted(muted)
	}
	s.emit(snap)
	return muted
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// RemoteAudio returns the inbound audio track, or nil before one arrived.
func (s *Session) RemoteAudio() RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTrack
}

// Close hangs up and unsubscribes. Always safe, idempotent; every teardown
// path of the owning screen should end up here.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsubscribe
	s.unsubscribe = nil
	hadCall := s.link != nil || s.connecting || s.connected
	snap, cleanup := s.teardownLocked(nil, hadCall)
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	cleanup()
	s.emit(snap)
}

func (s *Session) handleMessage(msg signaling.Message) {
	if msg.From == s.cfg.SelfID || msg.SessionKey != s.cfg.SessionKey || msg.From != s.cfg.RemoteID {
		return
	}

	switch msg.Type {
	case signaling.TypeOffer:
		s.handleOffer(msg)
	case signaling.TypeAnswer:
		s.handleAnswer(msg)
	case signaling.TypeCandidate:
		s.handleCandidate(msg)
	case signaling.TypeHangup:
		s.handleHangup()
	default:
		// Ring phases do not exist in a session-scoped call.
		s.log.Debug("ignoring signaling type", "type", msg.Type)
	}
}

func (s *Session) handleOffer(msg signaling.Message) {
	if msg.Payload == nil || msg.Payload.SDP == nil {
		return
	}
	offer := *msg.Payload.SDP

	s.mu.Lock()
	if s.closed || s.started {
		s.mu.Unlock()
		return
	}
	l := s.link
	gen := s.gen
	ready := s.answering && l != nil
	if !ready {
		s.pendingOffer = &offer
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		s.answerOffer(ctx, gen, l, offer)
	}()
}

func (s *Session) handleAnswer(msg signaling.Message) {
	if msg.Payload == nil || msg.Payload.SDP == nil {
		return
	}
	answer := *msg.Payload.SDP

	s.mu.Lock()
	if s.closed || !s.started || s.link == nil {
		s.mu.Unlock()
		return
	}
	l := s.link
	gen := s.gen
	s.mu.Unlock()

	go func() {
		if err := l.applyAnswer(answer); err != nil {
			s.fail(gen, err, true)
		}
	}()
}

func (s *Session) handleCandidate(msg signaling.Message) {
	if msg.Payload == nil || msg.Payload.Candidate == nil {
		return
	}
	cand := *msg.Payload.Candidate

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	l := s.link
	if l == nil {
		s.pendingCandidates = append(s.pendingCandidates, cand)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := l.addCandidate(cand); err != nil {
		s.log.Warn("failed to add ICE candidate", "error", err)
	}
}

func (s *Session) handleHangup() {
	s.mu.Lock()
	if s.closed || (s.link == nil && !s.connecting && !s.connected) {
		s.mu.Unlock()
		return
	}
	snap, cleanup := s.teardownLocked(nil, false)
	s.mu.Unlock()

	s.log.Info("remote hung up")
	cleanup()
	s.emit(snap)
}

// buildLink acquires the microphone and opens the connection for gen,
// tracking the permission tri-state along the way.
func (s *Session) buildLink(ctx context.Context, gen uint64) (*link, error) {
	mic, err := s.cfg.Media.AcquireAudio(ctx)
	if err != nil {
		s.mu.Lock()
		s.permission = PermissionDenied
		s.mu.Unlock()
		return nil, s.fail(gen, fmt.Errorf("acquire audio: %w", err), false)
	}

	s.mu.Lock()
	s.permission = PermissionGranted
	stale := s.closed || gen != s.gen
	s.mu.Unlock()
	if stale {
		mic.Stop()
		return nil, ErrClosed
	}

	l, err := newLink(s.cfg.Connector, mic,
		s.candidateSink(gen),
		s.stateSink(gen),
		s.trackSink(gen),
	)
	if err != nil {
		mic.Stop()
		return nil, s.fail(gen, err, false)
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		l.close()
		return nil, ErrClosed
	}
	s.link = l
	cands := s.pendingCandidates
	s.pendingCandidates = nil
	muted := s.muted
	s.mu.Unlock()

	if muted {
		l.setMuted(true)
	}
	for _, c := range cands {
		l.addCandidate(c)
	}
	return l, nil
}

func (s *Session) answerOffer(ctx context.Context, gen uint64, l *link, offer webrtc.SessionDescription) error {
	desc, err := l.answer(ctx, offer)
	if err != nil {
		return s.fail(gen, err, true)
	}
	if err := s.send(ctx, signaling.TypeAnswer, &signaling.Payload{SDP: &desc}); err != nil {
		return s.fail(gen, fmt.Errorf("send answer: %w", err), true)
	}
	return nil
}

func (s *Session) candidateSink(gen uint64) func(webrtc.ICECandidateInit) {
	return func(c webrtc.ICECandidateInit) {
		s.mu.Lock()
		stale := s.closed || gen != s.gen
		s.mu.Unlock()
		if stale {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
			defer cancel()
			s.send(ctx, signaling.TypeCandidate, &signaling.Payload{Candidate: &c})
		}()
	}
}

func (s *Session) stateSink(gen uint64) func(webrtc.PeerConnectionState) {
	return func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.mu.Lock()
			if s.closed || gen != s.gen {
				s.mu.Unlock()
				return
			}
			s.connected = true
			s.connecting = false
			snap := s.snapshotLocked()
			s.mu.Unlock()
			s.log.Info("session call connected")
			s.emit(snap)

		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			s.fail(gen, ErrConnectionFailed, true)
		}
	}
}

func (s *Session) trackSink(gen uint64) func(RemoteTrack) {
	return func(t RemoteTrack) {
		s.mu.Lock()
		if s.closed || gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.remoteTrack = t
		s.mu.Unlock()
	}
}

// fail tears the session call down with err and returns err for the caller
// to propagate.
func (s *Session) fail(gen uint64, err error, notifyRemote bool) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return err
	}
	snap, cleanup := s.teardownLocked(err, notifyRemote)
	s.mu.Unlock()

	s.log.Warn("session call failed", "error", err)
	cleanup()
	s.emit(snap)
	return err
}

// teardownLocked resets the call-scoped state. Like the global variant, the
// peer connection is closed by the returned cleanup after the lock is
// released.
func (s *Session) teardownLocked(err error, notifyRemote bool) (SessionSnapshot, func()) {
	s.gen++
	l := s.link
	s.link = nil
	s.remoteTrack = nil
	s.pendingOffer = nil
	s.pendingCandidates = nil
	s.started = false
	s.answering = false
	s.connecting = false
	s.connected = false
	s.muted = false
	s.err = err
	snap := s.snapshotLocked()

	cleanup := func() {
		if l != nil {
			l.close()
		}
		if notifyRemote {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
				defer cancel()
				s.send(ctx, signaling.TypeHangup, nil)
			}()
		}
	}
	return snap, cleanup
}

func (s *Session) snapshotLocked() SessionSnapshot {
	return SessionSnapshot{
		Connecting: s.connecting,
		Connected:  s.connected,
		Muted:      s.muted,
		Permission: s.permission,
		Err:        s.err,
	}
}

func (s *Session) emit(snap SessionSnapshot) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(snap)
	}
}

func (s *Session) send(ctx context.Context, typ signaling.MessageType, p *signaling.Payload) error {
	msg := signaling.Message{
		SessionKey: s.cfg.SessionKey,
		From:       s.cfg.SelfID,
		To:         s.cfg.RemoteID,
		Type:       typ,
		CreatedAt:  time.Now().UTC(),
		Payload:    p,
	}
	if err := s.cfg.Transport.Send(ctx, msg); err != nil {
		s.log.Warn("signaling send failed", "type", typ, "error", err)
		return err
	}
	return nil
}
