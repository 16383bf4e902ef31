// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/pairtime/voicecall/internal/signaling"
)

// fakeHub stands in for the relay: it routes messages between fake
// transports in memory and records everything it saw. pause/resume lets a
// test hold deliveries back to force a specific interleaving.
type fakeHub struct {
	mu     sync.Mutex
	subs   map[string][]func(signaling.Message)
	log    []signaling.Message
	paused bool
	queue  []signaling.Message
}

func newFakeHub() *fakeHub {
	return &fakeHub{subs: make(map[string][]func(signaling.Message))}
}

func (h *fakeHub) transport(selfID string) *fakeTransport {
	return &fakeTransport{hub: h, selfID: selfID}
}

func (h *fakeHub) pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

func (h *fakeHub) resume() {
	h.mu.Lock()
	h.paused = false
	queued := h.queue
	h.queue = nil
	h.mu.Unlock()
	for _, msg := range queued {
		h.dispatch(msg)
	}
}

func (h *fakeHub) deliver(msg signaling.Message) {
	h.mu.Lock()
	h.log = append(h.log, msg)
	if h.paused {
		h.queue = append(h.queue, msg)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.dispatch(msg)
}

func (h *fakeHub) dispatch(msg signaling.Message) {
	h.mu.Lock()
	fns := append(([]func(signaling.Message))(nil), h.subs[msg.To]...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// sent counts messages of the given type sent by from.
func (h *fakeHub) sent(from string, typ signaling.MessageType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, msg := range h.log {
		if msg.From == from && msg.Type == typ {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	hub    *fakeHub
	selfID string

	mu      sync.Mutex
	sendErr error
}

func (t *fakeTransport) failSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) Send(ctx context.Context, msg signaling.Message) error {
	t.mu.Lock()
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.hub.deliver(msg)
	return nil
}

func (t *fakeTransport) Subscribe(selfID string, fn func(signaling.Message)) (func(), error) {
	h := t.hub
	h.mu.Lock()
	h.subs[selfID] = append(h.subs[selfID], fn)
	idx := len(h.subs[selfID]) - 1
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		h.subs[selfID][idx] = func(signaling.Message) {}
		h.mu.Unlock()
	}, nil
}

func (t *fakeTransport) ListSince(ctx context.Context, sessionKey, selfID string) ([]signaling.Message, error) {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []signaling.Message
	for _, msg := range h.log {
		if msg.SessionKey == sessionKey && msg.To == selfID {
			out = append(out, msg)
		}
	}
	return out, nil
}

// fakeMedia hands out fakeMic handles. A non-nil err simulates a permission
// or device failure; a gate channel holds acquisition until the test opens
// it.
type fakeMedia struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	acquired int
	last     *fakeMic
}

func (m *fakeMedia) AcquireAudio(ctx context.Context) (MediaHandle, error) {
	m.mu.Lock()
	err := m.err
	gate := m.gate
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
	m.last = &fakeMic{enabled: true}
	return m.last, nil
}

func (m *fakeMedia) acquisitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

func (m *fakeMedia) mic() *fakeMic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

type fakeMic struct {
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (f *fakeMic) SetEnabled(enabled bool) {
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
}

func (f *fakeMic) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeMic) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeMic) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeConnector struct {
	mu  sync.Mutex
	err error
	pcs []*fakePC
}

func (c *fakeConnector) NewPeerConnection() (PeerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	pc := &fakePC{}
	c.pcs = append(c.pcs, pc)
	return pc, nil
}

// lastPC waits for a connection to exist and returns the most recent one.
func (c *fakeConnector) lastPC(t *testing.T) *fakePC {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pcs) > 0
	}, 2*time.Second, 5*time.Millisecond, "no peer connection was created")

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pcs[len(c.pcs)-1]
}

var errNoRemoteDescription = errors.New("remote description is not set")

// fakePC records the negotiation a Manager or Session drives and lets the
// test fire the callbacks the real connection would.
type fakePC struct {
	mu          sync.Mutex
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(RemoteTrack)
	hasTrack    bool
	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool
}

func (p *fakePC) AddAudioTrack(h MediaHandle) error {
	p.mu.Lock()
	p.hasTrack = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}
	p.mu.Lock()
	p.localDesc = &desc
	p.mu.Unlock()
	return desc, nil
}

func (p *fakePC) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc == nil {
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}
	p.localDesc = &desc
	return desc, nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remoteDesc = &desc
	p.mu.Unlock()
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc == nil {
		return errNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePC) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) setState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *fakePC) emitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *fakePC) emitTrack(tr RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(tr)
	}
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) remoteCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

type fakeRemoteTrack struct {
	id, kind string
}

func (f *fakeRemoteTrack) ID() string   { return f.id }
func (f *fakeRemoteTrack) Kind() string { return f.kind }

func (f *fakeRemoteTrack) Active(within time.Duration) bool { return true }

// snapshotLog records every OnChange emission.
type snapshotLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (l *snapshotLog) record(s Snapshot) {
	l.mu.Lock()
	l.snaps = append(l.snaps, s)
	l.mu.Unlock()
}

func (l *snapshotLog) countPhase(p Phase) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.snaps {
		if s.Phase == p {
			n++
		}
	}
	return n
}

func (l *snapshotLog) firstEnded() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.snaps {
		if s.Phase == PhaseEnded {
			return s, true
		}
	}
	return Snapshot{}, false
}

// party bundles one user's manager and its fakes.
type party struct {
	id    string
	tr    *fakeTransport
	media *fakeMedia
	conn  *fakeConnector
	mgr   *Manager
	snaps *snapshotLog
}

func newParty(t *testing.T, hub *fakeHub, id, name string, mutate ...func(*Config)) *party {
	t.Helper()
	p := &party{
		id:    id,
		tr:    hub.transport(id),
		media: &fakeMedia{},
		conn:  &fakeConnector{},
		snaps: &snapshotLog{},
	}
	cfg := Config{
		SelfID:    id,
		SelfName:  name,
		Transport: p.tr,
		Media:     p.media,
		Connector: p.conn,
		OnChange:  p.snaps.record,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	p.mgr = mgr
	t.Cleanup(mgr.Close)
	return p
}

func waitPhase(t *testing.T, m *Manager, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Snapshot().Phase == want
	}, 2*time.Second, 5*time.Millisecond, "never reached phase %q", want)
}

// establishCall rings, accepts and connects a call between two parties.
func establishCall(t *testing.T, caller, callee *party) {
	t.Helper()
	require.NoError(t, caller.mgr.StartCall(callee.id, ""))
	waitPhase(t, callee.mgr, PhaseRingingInbound)
	require.NoError(t, callee.mgr.AcceptCall())

	caller.conn.lastPC(t).setState(webrtc.PeerConnectionStateConnected)
	callee.conn.lastPC(t).setState(webrtc.PeerConnectionStateConnected)
	waitPhase(t, caller.mgr, PhaseActive)
	waitPhase(t, callee.mgr, PhaseActive)
}
