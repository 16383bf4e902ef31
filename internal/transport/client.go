// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport implements signaling.Transport over a WebSocket
// connection to the relay daemon, with replay served over its HTTP API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairtime/voicecall/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

var ErrClientClosed = errors.New("transport client is closed")

// Config connects a Client to the relay.
type Config struct {
	// URL is the relay base URL; http(s) schemes are rewritten for the
	// WebSocket leg.
	URL    string
	Token  string
	SelfID string
	Logger *slog.Logger
}

// Client is one user's signaling connection. It satisfies
// signaling.Transport and signaling.Replayer.
type Client struct {
	cfg      Config
	log      *slog.Logger
	httpBase string
	httpc    *http.Client

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	subs    map[int]func(signaling.Message)
	nextSub int
	closed  bool
}

// Dial connects and authenticates to the relay and starts the read/write
// pumps.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.SelfID == "" {
		return nil, fmt.Errorf("URL, Token and SelfID are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpBase := strings.TrimRight(cfg.URL, "/")
	wsURL := toWebSocketURL(httpBase) + "/ws/signal"

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	header := http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.With("self_id", cfg.SelfID),
		httpBase: httpBase,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		subs:     make(map[int]func(signaling.Message)),
	}

	go c.readPump()
	go c.writePump()

	c.log.Info("connected to relay", "url", wsURL)
	return c, nil
}

// Send relays one message. Best effort: the caller decides what a failure
// means for the call attempt.
func (c *Client) Send(ctx context.Context, msg signaling.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for every inbound message addressed to selfID.
func (c *Client) Subscribe(selfID string, fn func(signaling.Message)) (func(), error) {
	if selfID != c.cfg.SelfID {
		return nil, fmt.Errorf("client is bound to identity %q", c.cfg.SelfID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
	return cancel, nil
}

// ListSince fetches the persisted signaling log of a session from the
// relay's replay endpoint.
func (c *Client) ListSince(ctx context.Context, sessionKey, selfID string) ([]signaling.Message, error) {
	url := c.httpBase + "/api/sessions/" + sessionKey + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch session log: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch session log: unexpected status %s", resp.Status)
	}

	var body struct {
		Messages []signaling.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode session log: %w", err)
	}

	var msgs []signaling.Message
	for _, msg := range body.Messages {
		if msg.To != selfID {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.subs = make(map[int]func(signaling.Message))
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
	c.log.Info("relay connection closed")
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed message", "error", err)
			continue
		}
		if msg.From == c.cfg.SelfID {
			continue // the relay never echoes, this is just a guard
		}

		c.mu.Lock()
		fns := make([]func(signaling.Message), 0, len(c.subs))
		for _, fn := range c.subs {
			fns = append(fns, fn)
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(msg)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var (
	httpToWS   = regexp.MustCompile(`^http://`)
	httpsToWSS = regexp.MustCompile(`^https://`)
)

func toWebSocketURL(base string) string {
	base = httpToWS.ReplaceAllString(base, "ws://")
	base = httpsToWSS.ReplaceAllString(base, "wss://")
	return base
}
