// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairtime/voicecall/internal/signaling"
)

const setupTimeout = 15 * time.Second

// Config wires a Manager to its collaborators. SelfID, Transport, Media and
// Connector are required.
type Config struct {
	SelfID   string
	SelfName string

	Transport signaling.Transport
	Media     Media
	Connector Connector

	// RingTimeout bounds how long an outbound call rings without an answer.
	// Zero means the default of 30 seconds.
	RingTimeout time.Duration

	// OnChange, if set, is invoked after every observable state transition
	// with a snapshot. It is called from internal goroutines and must not
	// block for long.
	OnChange func(Snapshot)

	Logger *slog.Logger
}

// Manager is the single owner of the local call state. Construct one per
// local identity with NewManager and release it with Close; all state
// mutation happens in its handlers under one mutex, so the transition table
// holds regardless of which goroutine delivers an event.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	phase      Phase
	remoteID   string
	remoteName string
	initiator  bool
	muted      bool
	lastErr    error

	// attempt numbers call attempts; asynchronous completions compare it to
	// detect that the call they worked for is already gone.
	attempt uint64

	link              *link
	remoteTrack       RemoteTrack
	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit

	ringTimer   *time.Timer
	unsubscribe func()
	closed      bool
}

// NewManager subscribes to the transport and returns a Manager in the idle
// phase.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("SelfID is required")
	}
	if cfg.Transport == nil || cfg.Media == nil || cfg.Connector == nil {
		return nil, fmt.Errorf("Transport, Media and Connector are required")
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:   cfg,
		log:   cfg.Logger.With("self_id", cfg.SelfID),
		phase: PhaseIdle,
	}

	unsub, err := cfg.Transport.Subscribe(cfg.SelfID, m.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe to signaling: %w", err)
	}
	m.unsubscribe = unsub
	return m, nil
}

// Close unsubscribes from signaling and hangs up any call in progress.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsub := m.unsubscribe
	m.unsubscribe = nil
	var snaps []Snapshot
	var cleanup func()
	if m.phase != PhaseIdle {
		snaps, cleanup = m.teardownLocked(nil, true)
	}
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cleanup != nil {
		cleanup()
	}
	m.emit(snaps...)
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// RemoteAudio returns the inbound audio track of the current call, or nil
// if none has been received yet.
func (m *Manager) RemoteAudio() RemoteTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteTrack
}

// StartCall rings remoteID. Valid only while idle. The call request is sent
// fire-and-forget: a send failure surfaces through the snapshot error and
// reverts the phase to idle. No media is acquired and no connection is
// opened until the remote side accepts.
func (m *Manager) StartCall(remoteID, remoteName string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	if remoteID == "" || remoteID == m.cfg.SelfID {
		m.mu.Unlock()
		return fmt.Errorf("invalid remote identity %q", remoteID)
	}

	m.phase = PhaseRingingOutbound
	m.remoteID = remoteID
	m.remoteName = remoteName
	m.initiator = true
	m.muted = false
	m.lastErr = nil
	m.attempt++
	attempt := m.attempt
	m.startRingTimerLocked(attempt)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("starting call", "remote_id", remoteID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		err := m.send(ctx, signaling.TypeCallRequest, remoteID, &signaling.Payload{
			DisplayName: m.cfg.SelfName,
		})
		if err != nil {
			m.failAttempt(attempt, fmt.Errorf("send call-request: %w", err), false)
		}
	}()

	m.emit(snap)
	return nil
}

// AcceptCall answers an inbound ring: sends call-accept, then acquires the
// microphone, then waits for the caller's offer. Valid only while
// ringing-inbound. A media failure reverts to idle without further
// signaling; the caller times out on its own.
func (m *Manager) AcceptCall() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase != PhaseRingingInbound {
		m.mu.Unlock()
		return ErrBadPhase
	}
	m.phase = PhaseConnecting
	attempt := m.attempt
	remoteID := m.remoteID
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("accepting call", "remote_id", remoteID)
	go m.runResponderSetup(attempt, remoteID)
	m.emit(snap)
	return nil
}

// RejectCall declines an inbound ring. No media was acquired on this path
// and none will be.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase != PhaseRingingInbound {
		m.mu.Unlock()
		return ErrBadPhase
	}
	remoteID := m.remoteID
	snaps, cleanup := m.teardownLocked(nil, false)
	m.mu.Unlock()

	m.log.Info("rejecting call", "remote_id", remoteID)
	m.sendAsync(signaling.TypeCallReject, remoteID, &signaling.Payload{Reason: ReasonDeclined})
	if cleanup != nil {
		cleanup()
	}
	m.emit(snaps...)
	return nil
}

// HangUp ends the current call from any phase: it notifies the remote party
// best-effort, closes the peer connection, stops local media and resets to
// idle. Calling it while idle, or calling it twice, is a no-op.
func (m *Manager) HangUp() {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	snaps, cleanup := m.teardownLocked(nil, true)
	m.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
	m.emit(snaps...)
}

// ToggleMute flips the outbound audio track and returns the new muted
// state. Only meaningful while connecting or active, but harmless in any
// phase. Mute is local-only: the peer is not told.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	m.muted = !m.muted
	muted := m.muted
	l := m.link
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if l != nil {
		l.setMuted(muted)
	}
	m.emit(snap)
	return muted
}

// handleMessage is the single entry point for inbound signaling. Messages
// that do not match the current phase are dropped without error: duplicates
// and races are expected under redelivery.
func (m *Manager) handleMessage(msg signaling.Message) {
	if msg.From == m.cfg.SelfID {
		return
	}

	switch msg.Type {
	case signaling.TypeCallRequest:
		m.handleCallRequest(msg)
	case signaling.TypeCallAccept:
		m.handleCallAccept(msg)
	case signaling.TypeCallReject:
		m.handleCallReject(msg)
	case signaling.TypeOffer:
		m.handleOffer(msg)
	case signaling.TypeAnswer:
		m.handleAnswer(msg)
	case signaling.TypeCandidate:
		m.handleCandidate(msg)
	case signaling.TypeHangup:
		m.handleHangup(msg)
	default:
		m.log.Debug("ignoring unknown signaling type", "type", msg.Type, "from", msg.From)
	}
}

func (m *Manager) handleCallRequest(msg signaling.Message) {
	name := ""
	if msg.Payload != nil {
		name = msg.Payload.DisplayName
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	switch {
	case m.phase == PhaseIdle:
		m.phase = PhaseRingingInbound
		m.remoteID = msg.From
		m.remoteName = name
		m.initiator = false
		m.muted = false
		m.lastErr = nil
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.log.Info("incoming call", "remote_id", msg.From)
		m.emit(snap)

	case m.phase == PhaseRingingOutbound && msg.From == m.remoteID:
		// Glare: both sides rang each other. The lexicographically smaller
		// identity keeps the initiator role; the other side treats the
		// peer's request as an implicit accept.
		if strings.Compare(m.cfg.SelfID, msg.From) < 0 {
			m.mu.Unlock()
			m.log.Debug("glare, keeping initiator role", "remote_id", msg.From)
			return
		}
		m.initiator = false
		m.phase = PhaseConnecting
		if name != "" {
			m.remoteName = name
		}
		m.stopRingTimerLocked()
		attempt := m.attempt
		remoteID := m.remoteID
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.log.Info("glare, yielding initiator role", "remote_id", remoteID)
		go m.runResponderSetup(attempt, remoteID)
		m.emit(snap)

	case msg.From == m.remoteID:
		// Duplicate request from the party we are already talking to.
		m.mu.Unlock()

	default:
		// Busy: a third party is calling while a call is in progress.
		from := msg.From
		m.mu.Unlock()
		m.log.Info("busy, auto-rejecting call", "remote_id", from)
		m.sendAsync(signaling.TypeCallReject, from, &signaling.Payload{Reason: ReasonBusy})
	}
}

func (m *Manager) handleCallAccept(msg signaling.Message) {
	m.mu.Lock()
	if m.closed || !m.initiator || m.phase != PhaseRingingOutbound || msg.From != m.remoteID {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseConnecting
	m.stopRingTimerLocked()
	attempt := m.attempt
	remoteID := m.remoteID
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("call accepted", "remote_id", remoteID)
	go m.runInitiatorSetup(attempt, remoteID)
	m.emit(snap)
}

func (m *Manager) handleCallReject(msg signaling.Message) {
	m.mu.Lock()
	if m.closed || !m.initiator || m.phase != PhaseRingingOutbound || msg.From != m.remoteID {
		m.mu.Unlock()
		return
	}
	err := ErrRejected
	if msg.Payload != nil && msg.Payload.Reason == ReasonBusy {
		err = fmt.Errorf("%w: %s", ErrRejected, ReasonBusy)
	}
	snaps, cleanup := m.teardownLocked(err, false)
	m.mu.Unlock()

	m.log.Info("call rejected by remote", "remote_id", msg.From)
	if cleanup != nil {
		cleanup()
	}
	m.emit(snaps...)
}

func (m *Manager) handleOffer(msg signaling.Message) {
	if msg.Payload == nil || msg.Payload.SDP == nil {
		return
	}
	offer := *msg.Payload.SDP

	m.mu.Lock()
	responding := !m.initiator &&
		(m.phase == PhaseRingingInbound || m.phase == PhaseConnecting) &&
		msg.From == m.remoteID
	if m.closed || !responding {
		phase := m.phase
		m.mu.Unlock()
		m.log.Debug("ignoring offer", "from", msg.From, "phase", phase)
		return
	}
	l := m.link
	attempt := m.attempt
	remoteID := m.remoteID
	if l == nil {
		// Media acquisition is still in flight; the offer is applied as
		// soon as the connection exists.
		m.pendingOffer = &offer
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	go m.answerOffer(attempt, remoteID, l, offer)
}

func (m *Manager) handleAnswer(msg signaling.Message) {
	if msg.Payload == nil || msg.Payload.SDP == nil {
		return
	}
	answer := *msg.Payload.SDP

	m.mu.Lock()
	if m.closed || !m.initiator || m.phase != PhaseConnecting || msg.From != m.remoteID || m.link == nil {
		phase := m.phase
		m.mu.Unlock()
		m.log.Debug("ignoring answer", "from", msg.From, "phase", phase)
		return
	}
	l := m.link
	attempt := m.attempt
	m.mu.Unlock()

	go func() {
		if err := l.applyAnswer(answer); err != nil {
			m.failAttempt(attempt, err, true)
		}
	}()
}

func (m *Manager) handleCandidate(msg signaling.Message) {
	if msg.Payload == nil || msg.Payload.Candidate == nil {
		return
	}
	cand := *msg.Payload.Candidate

	m.mu.Lock()
	inCall := (m.phase == PhaseConnecting || m.phase == PhaseActive) && msg.From == m.remoteID
	if m.closed || !inCall {
		m.mu.Unlock()
		return
	}
	l := m.link
	if l == nil {
		// No connection yet: keep the candidate for the setup goroutine.
		m.pendingCandidates = append(m.pendingCandidates, cand)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := l.addCandidate(cand); err != nil {
		m.log.Warn("failed to add ICE candidate", "error", err)
	}
}

func (m *Manager) handleHangup(msg signaling.Message) {
	m.mu.Lock()
	if m.closed || m.phase == PhaseIdle || msg.From != m.remoteID {
		m.mu.Unlock()
		return
	}
	snaps, cleanup := m.teardownLocked(nil, false)
	m.mu.Unlock()

	m.log.Info("remote hung up", "remote_id", msg.From)
	if cleanup != nil {
		cleanup()
	}
	m.emit(snaps...)
}

// runInitiatorSetup runs after call-accept arrives: acquire media, open the
// connection, create and send the offer.
func (m *Manager) runInitiatorSetup(attempt uint64, remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	l, ok := m.buildLink(ctx, attempt, remoteID)
	if !ok {
		return
	}
	desc, err := l.offer(ctx)
	if err != nil {
		m.failAttempt(attempt, err, true)
		return
	}
	if err := m.send(ctx, signaling.TypeOffer, remoteID, &signaling.Payload{SDP: &desc}); err != nil {
		m.failAttempt(attempt, fmt.Errorf("send offer: %w", err), true)
	}
}

// runResponderSetup runs after the local user (or the glare tie-break)
// accepts: send call-accept, acquire media, then answer the offer once it
// is here.
func (m *Manager) runResponderSetup(attempt uint64, remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	if err := m.send(ctx, signaling.TypeCallAccept, remoteID, nil); err != nil {
		m.failAttempt(attempt, fmt.Errorf("send call-accept: %w", err), false)
		return
	}

	l, ok := m.buildLink(ctx, attempt, remoteID)
	if !ok {
		return
	}

	m.mu.Lock()
	pendingOffer := m.pendingOffer
	m.pendingOffer = nil
	m.mu.Unlock()

	if pendingOffer != nil {
		m.answerOffer(attempt, remoteID, l, *pendingOffer)
	}
}

// buildLink acquires the microphone and opens the peer connection for the
// given attempt, installing the result on the manager. Returns false if the
// attempt failed or was superseded; failure reporting already happened.
func (m *Manager) buildLink(ctx context.Context, attempt uint64, remoteID string) (*link, bool) {
	mic, err := m.cfg.Media.AcquireAudio(ctx)
	if err != nil {
		// Local-only failure: no signaling beyond what already went out.
		m.failAttempt(attempt, fmt.Errorf("acquire audio: %w", err), false)
		return nil, false
	}

	m.mu.Lock()
	stale := m.closed || attempt != m.attempt
	m.mu.Unlock()
	if stale {
		mic.Stop()
		return nil, false
	}

	l, err := newLink(m.cfg.Connector, mic,
		m.candidateSink(attempt, remoteID),
		m.stateSink(attempt),
		m.trackSink(attempt),
	)
	if err != nil {
		mic.Stop()
		m.failAttempt(attempt, err, false)
		return nil, false
	}

	m.mu.Lock()
	if m.closed || attempt != m.attempt {
		m.mu.Unlock()
		l.close()
		return nil, false
	}
	m.link = l
	cands := m.pendingCandidates
	m.pendingCandidates = nil
	muted := m.muted
	m.mu.Unlock()

	if muted {
		l.setMuted(true)
	}
	for _, c := range cands {
		l.addCandidate(c)
	}
	return l, true
}

func (m *Manager) answerOffer(attempt uint64, remoteID string, l *link, offer webrtc.SessionDescription) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	desc, err := l.answer(ctx, offer)
	if err != nil {
		m.failAttempt(attempt, err, true)
		return
	}
	if err := m.send(ctx, signaling.TypeAnswer, remoteID, &signaling.Payload{SDP: &desc}); err != nil {
		m.failAttempt(attempt, fmt.Errorf("send answer: %w", err), true)
	}
}

// candidateSink relays locally gathered candidates to the remote party.
func (m *Manager) candidateSink(attempt uint64, remoteID string) func(webrtc.ICECandidateInit) {
	return func(c webrtc.ICECandidateInit) {
		m.mu.Lock()
		stale := m.closed || attempt != m.attempt
		m.mu.Unlock()
		if stale {
			return
		}
		m.sendAsync(signaling.TypeCandidate, remoteID, &signaling.Payload{Candidate: &c})
	}
}

// stateSink reacts to connectivity transitions of the underlying connection.
func (m *Manager) stateSink(attempt uint64) func(webrtc.PeerConnectionState) {
	return func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			m.mu.Lock()
			if m.closed || attempt != m.attempt || m.phase != PhaseConnecting {
				m.mu.Unlock()
				return
			}
			m.phase = PhaseActive
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.log.Info("call connected")
			m.emit(snap)

		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			m.failAttempt(attempt, ErrConnectionFailed, true)
		}
	}
}

func (m *Manager) trackSink(attempt uint64) func(RemoteTrack) {
	return func(t RemoteTrack) {
		m.mu.Lock()
		if m.closed || attempt != m.attempt {
			m.mu.Unlock()
			return
		}
		m.remoteTrack = t
		m.mu.Unlock()
		m.log.Debug("remote track received", "track_id", t.ID(), "kind", t.Kind())
	}
}

// failAttempt tears the given attempt down with an error, unless a newer
// attempt already replaced it.
func (m *Manager) failAttempt(attempt uint64, err error, notifyRemote bool) {
	m.mu.Lock()
	if attempt != m.attempt || m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	snaps, cleanup := m.teardownLocked(err, notifyRemote)
	m.mu.Unlock()

	m.log.Warn("call attempt failed", "error", err)
	if cleanup != nil {
		cleanup()
	}
	m.emit(snaps...)
}

// teardownLocked resets to idle and invalidates outstanding async work.
// It returns the snapshots to emit (a transient ended snapshot followed by
// the idle one) and a cleanup closure to run after the lock is released:
// closing the peer connection may fire its callbacks synchronously, which
// would deadlock under m.mu.
func (m *Manager) teardownLocked(err error, notifyRemote bool) ([]Snapshot, func()) {
	m.attempt++
	m.stopRingTimerLocked()

	l := m.link
	m.link = nil
	m.remoteTrack = nil
	m.pendingOffer = nil
	m.pendingCandidates = nil

	remoteID := m.remoteID
	ended := m.snapshotLocked()
	ended.Phase = PhaseEnded
	ended.Err = err

	m.lastErr = err
	m.phase = PhaseIdle
	m.remoteID = ""
	m.remoteName = ""
	m.initiator = false
	m.muted = false
	idle := m.snapshotLocked()

	cleanup := func() {
		if l != nil {
			l.close()
		}
		if notifyRemote && remoteID != "" {
			m.sendAsync(signaling.TypeHangup, remoteID, nil)
		}
	}
	return []Snapshot{ended, idle}, cleanup
}

func (m *Manager) startRingTimerLocked(attempt uint64) {
	m.stopRingTimerLocked()
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.mu.Lock()
		if m.closed || attempt != m.attempt || m.phase != PhaseRingingOutbound {
			m.mu.Unlock()
			return
		}
		snaps, cleanup := m.teardownLocked(ErrRingTimeout, true)
		m.mu.Unlock()

		m.log.Info("outbound ring timed out")
		if cleanup != nil {
			cleanup()
		}
		m.emit(snaps...)
	})
}

func (m *Manager) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:      m.phase,
		RemoteID:   m.remoteID,
		RemoteName: m.remoteName,
		Initiator:  m.initiator,
		Muted:      m.muted,
		Err:        m.lastErr,
	}
}

func (m *Manager) emit(snaps ...Snapshot) {
	if m.cfg.OnChange == nil {
		return
	}
	for _, s := range snaps {
		m.cfg.OnChange(s)
	}
}

func (m *Manager) send(ctx context.Context, typ signaling.MessageType, to string, p *signaling.Payload) error {
	msg := signaling.Message{
		SessionKey: signaling.SessionKey(m.cfg.SelfID, to),
		From:       m.cfg.SelfID,
		To:         to,
		Type:       typ,
		CreatedAt:  time.Now().UTC(),
		Payload:    p,
	}
	if err := m.cfg.Transport.Send(ctx, msg); err != nil {
		m.log.Warn("signaling send failed", "type", typ, "to", to, "error", err)
		return err
	}
	return nil
}

func (m *Manager) sendAsync(typ signaling.MessageType, to string, p *signaling.Payload) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		m.send(ctx, typ, to, p) // best effort, already logged
	}()
}
