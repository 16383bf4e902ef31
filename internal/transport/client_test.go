// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairtime/voicecall/internal/config"
	"github.com/pairtime/voicecall/internal/relay"
	"github.com/pairtime/voicecall/internal/signaling"
)

const testSecret = "test-secret"

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
		JWTSecret:   testSecret,
		MessageTTL:  time.Hour,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(relay.Router(cfg, relay.NewMemoryStore(time.Hour), log))
	t.Cleanup(srv.Close)
	return srv
}

func dialClient(t *testing.T, srv *httptest.Server, userID string) *Client {
	t.Helper()
	token, err := relay.IssueToken(testSecret, userID, time.Hour)
	require.NoError(t, err)

	c, err := Dial(context.Background(), Config{
		URL:    srv.URL,
		Token:  token,
		SelfID: userID,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClientSendAndReceive(t *testing.T) {
	srv := newRelay(t)
	alice := dialClient(t, srv, "alice")
	bob := dialClient(t, srv, "bob")

	got := make(chan signaling.Message, 1)
	cancel, err := bob.Subscribe("bob", func(msg signaling.Message) {
		got <- msg
	})
	require.NoError(t, err)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, signaling.Message{
		From: "alice",
		To:   "bob",
		Type: signaling.TypeCallRequest,
		Payload: &signaling.Payload{DisplayName: "Alice"},
	}))

	select {
	case msg := <-got:
		require.Equal(t, "alice", msg.From)
		require.Equal(t, signaling.TypeCallRequest, msg.Type)
		require.NotEmpty(t, msg.ID)
		require.Equal(t, signaling.SessionKey("alice", "bob"), msg.SessionKey)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestClientReplay(t *testing.T) {
	srv := newRelay(t)
	alice := dialClient(t, srv, "alice")

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, signaling.Message{
		From: "alice",
		To:   "bob",
		Type: signaling.TypeOffer,
	}))

	// The recipient connects later and pulls the session log.
	bob := dialClient(t, srv, "bob")
	key := signaling.SessionKey("alice", "bob")
	require.Eventually(t, func() bool {
		msgs, err := bob.ListSince(ctx, key, "bob")
		return err == nil && len(msgs) == 1 && msgs[0].Type == signaling.TypeOffer
	}, 2*time.Second, 10*time.Millisecond)

	// Replay is scoped to the requesting recipient.
	msgs, err := alice.ListSince(ctx, key, "alice")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestClientIdentityBound(t *testing.T) {
	srv := newRelay(t)
	alice := dialClient(t, srv, "alice")

	_, err := alice.Subscribe("bob", func(signaling.Message) {})
	require.Error(t, err)
}

func TestClientCloseIdempotent(t *testing.T) {
	srv := newRelay(t)
	alice := dialClient(t, srv, "alice")

	alice.Close()
	alice.Close()
	err := alice.Send(context.Background(), signaling.Message{To: "bob", Type: signaling.TypeHangup})
	require.ErrorIs(t, err, ErrClientClosed)
}
