// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionKeyOrderIndependent(t *testing.T) {
	require.Equal(t, SessionKey("alice", "bob"), SessionKey("bob", "alice"))
	require.Equal(t, "alice:bob", SessionKey("bob", "alice"))
	require.NotEqual(t, SessionKey("alice", "bob"), SessionKey("alice", "carol"))
}

func TestMessageOmitsEmptyPayload(t *testing.T) {
	data, err := json.Marshal(Message{From: "alice", To: "bob", Type: TypeHangup})
	require.NoError(t, err)
	require.NotContains(t, string(data), "payload")
	require.NotContains(t, string(data), `"id"`)
}
