// Package store holds the Redis-backed state of the bot: contest sessions,
// player markers, leaderboards, streaks, attack duels, red envelopes and
// pending bets.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dice-arena-bot/internal/contest"
)

const (
	sessionKeyPrefix = "game:"
	chatGamesPrefix  = "chat_games:"
	playerKeyPrefix  = "user_game:"
)

func sessionKey(id string) string     { return sessionKeyPrefix + id }
func chatGamesKey(chatID int64) string { return chatGamesPrefix + strconv.FormatInt(chatID, 10) }
func playerKey(uid int64) string       { return playerKeyPrefix + strconv.FormatInt(uid, 10) }

// SessionStore implements contest.Store on Redis.
type SessionStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ contest.Store = (*SessionStore)(nil)

// NewSessionStore creates a SessionStore. Session records and player
// markers expire after ttl unless they are saved again.
func NewSessionStore(client redis.Cmdable, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Save writes the session and refreshes its players' markers.
func (s *SessionStore) Save(ctx context.Context, sess *contest.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, sessionKey(sess.ID), data, s.ttl)
	for _, p := range sess.Players {
		pipe.Expire(ctx, playerKey(p), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load reads a session. A missing record returns contest.ErrSessionNotFound.
func (s *SessionStore) Load(ctx context.Context, id string) (*contest.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, contest.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess contest.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.Names == nil {
		sess.Names = map[int64]string{}
	}
	if sess.Rolls == nil {
		sess.Rolls = map[int64][]int{}
	}
	if sess.Required == nil {
		sess.Required = map[int64]int{}
	}
	return &sess, nil
}

// Delete removes a session record.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List returns every stored session.
func (s *SessionStore) List(ctx context.Context) ([]*contest.Session, error) {
	var sessions []*contest.Session
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(sessionKeyPrefix):]
		sess, err := s.Load(ctx, id)
		if errors.Is(err, contest.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

// AddToChat adds a session to its chat's active set.
func (s *SessionStore) AddToChat(ctx context.Context, chatID int64, id string) error {
	if err := s.client.SAdd(ctx, chatGamesKey(chatID), id).Err(); err != nil {
		return fmt.Errorf("failed to add session to chat: %w", err)
	}
	return nil
}

// RemoveFromChat removes a session from its chat's active set and returns
// how many remain.
func (s *SessionStore) RemoveFromChat(ctx context.Context, chatID int64, id string) (int64, error) {
	key := chatGamesKey(chatID)
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, key, id)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to remove session from chat: %w", err)
	}
	return card.Val(), nil
}

// ChatSessions lists the active session ids of a chat.
func (s *SessionStore) ChatSessions(ctx context.Context, chatID int64) ([]string, error) {
	ids, err := s.client.SMembers(ctx, chatGamesKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	return ids, nil
}

// AcquirePlayer marks a player as busy unless a marker already exists.
func (s *SessionStore) AcquirePlayer(ctx context.Context, player int64, sessionID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, playerKey(player), sessionID, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set player marker: %w", err)
	}
	return ok, nil
}

// PlayerSession returns the session a player is marked with, or "".
func (s *SessionStore) PlayerSession(ctx context.Context, player int64) (string, error) {
	id, err := s.client.Get(ctx, playerKey(player)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get player marker: %w", err)
	}
	return id, nil
}

// ReleasePlayers clears player markers.
func (s *SessionStore) ReleasePlayers(ctx context.Context, players ...int64) error {
	if len(players) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, p := range players {
		pipe.Del(ctx, playerKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release player markers: %w", err)
	}
	return nil
}
