// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies a call signaling message.
type MessageType string

const (
	TypeCallRequest MessageType = "call-request"
	TypeCallAccept  MessageType = "call-accept"
	TypeCallReject  MessageType = "call-reject"
	TypeOffer       MessageType = "offer"
	TypeAnswer      MessageType = "answer"
	TypeCandidate   MessageType = "ice-candidate"
	TypeHangup      MessageType = "hangup"
)

// Message is the envelope relayed between the two parties of a call.
// Messages are immutable once sent; receivers must tolerate duplicates.
type Message struct {
	ID         string      `json:"id,omitempty"`
	SessionKey string      `json:"sessionKey"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	Type       MessageType `json:"type"`
	CreatedAt  time.Time   `json:"createdAt,omitempty"`

	Payload *Payload `json:"payload,omitempty"`
}

// Payload carries the type-specific body of a Message. Only the fields
// relevant to the message type are set, the rest stay zero.
type Payload struct {
	DisplayName string `json:"displayName,omitempty"`
	Reason      string `json:"reason,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// SessionKey derives the key both parties use to scope signaling records to
// the same logical call. It is order-independent: SessionKey(a, b) and
// SessionKey(b, a) are bit-identical.
func SessionKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}
