// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pairtime/voicecall/internal/config"
	"github.com/pairtime/voicecall/internal/signaling"
)

const testSecret = "test-secret"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*httptest.Server, Store) {
	t.Helper()
	store := NewMemoryStore(time.Hour)
	cfg := &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"http://app.local"},
		JWTSecret:      testSecret,
		MessageTTL:     time.Hour,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(Router(cfg, store, log))
	t.Cleanup(srv.Close)
	return srv, store
}

func dialWS(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	token, err := IssueToken(testSecret, userID, time.Hour)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) signaling.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg signaling.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubRoutesAndPersists(t *testing.T) {
	srv, store := newTestServer(t)
	alice := dialWS(t, srv, "alice")
	bob := dialWS(t, srv, "bob")

	// The sender identity is taken from the token even when the payload
	// claims otherwise.
	out := signaling.Message{
		From: "mallory",
		To:   "bob",
		Type: signaling.TypeCallRequest,
		Payload: &signaling.Payload{DisplayName: "Alice"},
	}
	require.NoError(t, alice.WriteJSON(out))

	in := readMessage(t, bob)
	require.Equal(t, "alice", in.From)
	require.Equal(t, signaling.TypeCallRequest, in.Type)
	require.NotEmpty(t, in.ID)
	require.Equal(t, signaling.SessionKey("alice", "bob"), in.SessionKey)
	require.Equal(t, "Alice", in.Payload.DisplayName)

	// The message was persisted for replay, scoped to the recipient.
	msgs, err := store.List(context.Background(), in.SessionKey, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	msgs, err = store.List(context.Background(), in.SessionKey, "alice")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestHubStoresForOfflineRecipient(t *testing.T) {
	srv, store := newTestServer(t)
	alice := dialWS(t, srv, "alice")

	require.NoError(t, alice.WriteJSON(signaling.Message{
		To:   "carol",
		Type: signaling.TypeOffer,
	}))

	key := signaling.SessionKey("alice", "carol")
	require.Eventually(t, func() bool {
		msgs, err := store.List(context.Background(), key, "carol")
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsSelfAddressedMessages(t *testing.T) {
	srv, store := newTestServer(t)
	alice := dialWS(t, srv, "alice")

	require.NoError(t, alice.WriteJSON(signaling.Message{
		To:   "alice",
		Type: signaling.TypeOffer,
	}))
	require.NoError(t, alice.WriteJSON(signaling.Message{
		Type: signaling.TypeOffer,
	}))

	time.Sleep(100 * time.Millisecond)
	msgs, err := store.List(context.Background(), signaling.SessionKey("alice", "alice"), "alice")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestHubSurvivesRecipientChurn(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dialWS(t, srv, "alice")

	// One side floods signaling at a recipient that keeps dropping and
	// re-establishing its connection, so deliveries race disconnects.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := alice.WriteJSON(signaling.Message{
				To:   "bob",
				Type: signaling.TypeCandidate,
			}); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 25; i++ {
		conn := dialWS(t, srv, "bob")
		time.Sleep(2 * time.Millisecond)
		conn.Close()
	}
	close(stop)
	wg.Wait()

	// The relay is still serving and the sender's connection survived.
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bob := dialWS(t, srv, "bob")
	require.NoError(t, alice.WriteJSON(signaling.Message{
		To:   "bob",
		Type: signaling.TypeHangup,
	}))
	require.Eventually(t, func() bool {
		bob.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := bob.ReadMessage()
		if err != nil {
			return false
		}
		var msg signaling.Message
		return json.Unmarshal(data, &msg) == nil && msg.Type == signaling.TypeHangup
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReplayEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	key := signaling.SessionKey("alice", "bob")
	require.NoError(t, store.Append(context.Background(), signaling.Message{
		ID: "m1", SessionKey: key, From: "alice", To: "bob", Type: signaling.TypeOffer,
	}))

	token, err := IssueToken(testSecret, "bob", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions/"+key+"/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Messages []signaling.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Messages, 1)
	require.Equal(t, "m1", body.Messages[0].ID)
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions/a:b/messages")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal"
	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"?token=not-a-token", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIssueTokenEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/auth/token", "application/json",
		bytes.NewBufferString(`{"userId":"alice"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)

	resp, err = http.Post(srv.URL+"/api/auth/token", "application/json",
		bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOriginFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Header.Set("Origin", "http://app.local")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "http://app.local", resp.Header.Get("Access-Control-Allow-Origin"))
}
