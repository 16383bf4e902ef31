// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package call implements the two-party voice call lifecycle: request,
// accept/reject, SDP and ICE exchange, connect, mute, hangup. It talks to
// the outside world only through the signaling.Transport, Media and
// Connector interfaces, so the whole state machine is testable with
// in-process fakes.
package call

import (
	"errors"
	"time"
)

// Phase is the lifecycle position of the local call state.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseRingingOutbound Phase = "ringing-outbound"
	PhaseRingingInbound  Phase = "ringing-inbound"
	PhaseConnecting      Phase = "connecting"
	PhaseActive          Phase = "active"

	// PhaseEnded is transient: it appears in the snapshot delivered when a
	// call terminates, immediately before state resets to idle.
	PhaseEnded Phase = "ended"
)

// At most one non-idle call exists per local identity at any time.
// An inbound call-request while non-idle is auto-rejected with ReasonBusy.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
)

const defaultRingTimeout = 30 * time.Second

var (
	ErrClosed           = errors.New("call manager is closed")
	ErrBusy             = errors.New("another call is in progress")
	ErrBadPhase         = errors.New("operation not valid in current phase")
	ErrRejected         = errors.New("remote party declined the call")
	ErrRingTimeout      = errors.New("no answer before ring timeout")
	ErrConnectionFailed = errors.New("peer connection failed")

	errLinkClosed = errors.New("connection already torn down")
)

// Snapshot is the externally observable call state. It is a value copy;
// the UI only ever sees snapshots and phase transitions, never internals.
type Snapshot struct {
	Phase      Phase
	RemoteID   string
	RemoteName string
	Initiator  bool
	Muted      bool

	// Err is the transient last error. It is set when a call attempt fails
	// and auto-clears when the next attempt starts.
	Err error
}
