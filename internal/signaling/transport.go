// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import "context"

// Transport relays signaling messages between the two parties of a call.
// The production implementation speaks WebSocket to the relay daemon
// (internal/transport); tests use an in-process fake.
//
// Delivery is FIFO per sender-recipient pair. No ordering is guaranteed
// between messages from different senders, and redelivery is possible;
// consumers must treat duplicates as benign.
type Transport interface {
	// Send relays one message to msg.To. Best effort: a failed send is
	// reported to the caller but never retried by the transport itself.
	Send(ctx context.Context, msg Message) error

	// Subscribe delivers every message addressed to selfID, excluding
	// echoes of selfID's own outbound messages. The returned cancel
	// function stops delivery; it is safe to call more than once.
	Subscribe(selfID string, fn func(Message)) (cancel func(), err error)
}

// Replayer is implemented by transports that durably store signaling
// records. ListSince returns the already-persisted messages for a session
// addressed to selfID, oldest first, so a late-joining participant can
// catch up on an offer sent moments earlier.
type Replayer interface {
	ListSince(ctx context.Context, sessionKey, selfID string) ([]Message, error)
}
