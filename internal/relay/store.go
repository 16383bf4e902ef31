// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairtime/voicecall/internal/signaling"
)

// Store durably keeps signaling records per session so late-joining
// participants can replay them.
type Store interface {
	Append(ctx context.Context, msg signaling.Message) error
	// List returns the stored messages of a session addressed to toID,
	// oldest first.
	List(ctx context.Context, sessionKey, toID string) ([]signaling.Message, error)
}

// RedisStore keeps each session's signaling log in a redis list with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func sessionLogKey(sessionKey string) string {
	return "session:" + sessionKey + ":log"
}

func (s *RedisStore) Append(ctx context.Context, msg signaling.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := sessionLogKey(msg.SessionKey)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("append to %s: %w", key, err)
	}
	// Without the TTL the session log grows forever, so a failed expire is
	// an error, not a shrug.
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("set ttl on %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, sessionKey, toID string) ([]signaling.Message, error) {
	entries, err := s.client.LRange(ctx, sessionLogKey(sessionKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session %s: %w", sessionKey, err)
	}

	var msgs []signaling.Message
	for _, entry := range entries {
		var msg signaling.Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			continue // skip corrupt records
		}
		if msg.To != toID {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MemoryStore is the in-process fallback used in development and tests
// when no redis is configured. Records expire lazily on access.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string][]storedMessage
}

type storedMessage struct {
	msg      signaling.Message
	storedAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string][]storedMessage),
	}
}

func (s *MemoryStore) Append(_ context.Context, msg signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[msg.SessionKey] = append(s.sessions[msg.SessionKey], storedMessage{
		msg: msg, storedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionKey, toID string) ([]signaling.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	kept := s.sessions[sessionKey][:0]
	var msgs []signaling.Message
	for _, sm := range s.sessions[sessionKey] {
		if sm.storedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, sm)
		if sm.msg.To == toID {
			msgs = append(msgs, sm.msg)
		}
	}
	if len(kept) == 0 {
		delete(s.sessions, sessionKey)
	} else {
		s.sessions[sessionKey] = kept
	}
	return msgs, nil
}
