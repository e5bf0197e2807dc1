package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"dice-arena-bot/internal/pkg/money"
)

// Red envelope store errors.
var (
	ErrRedpackNotFound  = errors.New("red envelope not found")
	ErrRedpackClaimed   = errors.New("red envelope already claimed by user")
	ErrRedpackEmpty     = errors.New("red envelope empty")
	ErrRedpackSuspended = errors.New("red envelope suspended")
)

// DicePassword is the password claimed by throwing a die.
const DicePassword = "🎲"

const (
	redpackMetaPrefix  = "redpack_meta:"
	redpackListPrefix  = "redpack_list:"
	redpackUsersPrefix = "redpack_users:"
	activePasswordKey  = "active_pw_rps"
	dicePanelPrefix    = "dice_panel_msg:"
)

func redpackMetaKey(id string) string  { return redpackMetaPrefix + id }
func redpackListKey(id string) string  { return redpackListPrefix + id }
func redpackUsersKey(id string) string { return redpackUsersPrefix + id }
func dicePanelKey(chatID int64) string { return dicePanelPrefix + strconv.FormatInt(chatID, 10) }

// Envelope is a stored red envelope.
type Envelope struct {
	ID         string
	ChatID     int64
	ThreadID   int
	SenderID   int64
	SenderName string
	Total      money.Cents
	Count      int
	Password   string // empty for button envelopes
	// Epoch changes on every resume so a stale expiry watcher can tell it
	// no longer owns the envelope.
	Epoch     string
	MessageID int
	Suspended bool
	Resumed   bool
}

// IsDice reports whether the envelope is claimed by throwing a die.
func (e *Envelope) IsDice() bool {
	return e.Password == DicePassword
}

// StartedAt returns the time encoded in the epoch.
func (e *Envelope) StartedAt() time.Time {
	n, _ := strconv.ParseInt(e.Epoch, 10, 64)
	return time.UnixMilli(n)
}

// Claim is one grabbed share.
type Claim struct {
	UserID int64
	Name   string
	Amount money.Cents
}

// KEYS meta, list, users. ARGV uid, "name|", checkSuspended.
// Returns {code, amount, claimed}: code 0 ok, 1 gone, 2 already claimed,
// 3 suspended, 4 empty.
var claimScript = redis.NewScript(`
local meta, list, users = KEYS[1], KEYS[2], KEYS[3]
if redis.call('EXISTS', meta) == 0 then return {1, 0, 0} end
if ARGV[3] == '1' and redis.call('HGET', meta, 'suspended') == '1' then return {3, 0, 0} end
if redis.call('HEXISTS', users, ARGV[1]) == 1 then return {2, 0, 0} end
local amt = redis.call('LPOP', list)
if not amt then return {4, 0, redis.call('HLEN', users)} end
redis.call('HSET', users, ARGV[1], ARGV[2] .. amt)
local ttl = redis.call('PTTL', meta)
if ttl > 0 then
  redis.call('PEXPIRE', users, ttl)
else
  redis.call('PERSIST', users)
end
return {0, tonumber(amt), redis.call('HLEN', users)}
`)

// RedpackStore keeps red envelopes, their remaining shares and claims.
type RedpackStore struct {
	client redis.UniversalClient
}

// NewRedpackStore creates a RedpackStore.
func NewRedpackStore(client redis.UniversalClient) *RedpackStore {
	return &RedpackStore{client: client}
}

// Create stores an envelope and its shares, expiring after ttl.
func (s *RedpackStore) Create(ctx context.Context, e *Envelope, shares []money.Cents, ttl time.Duration) error {
	if len(shares) == 0 {
		return fmt.Errorf("red envelope %s has no shares", e.ID)
	}
	list := make([]any, len(shares))
	for i, c := range shares {
		list[i] = int64(c)
	}

	meta := redpackMetaKey(e.ID)
	fields := map[string]any{
		"amount":      int64(e.Total),
		"count":       e.Count,
		"chat_id":     e.ChatID,
		"thread_id":   e.ThreadID,
		"sender_uid":  e.SenderID,
		"sender_name": e.SenderName,
		"created_at":  e.Epoch,
	}
	if e.Password != "" {
		fields["pw"] = e.Password
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, meta, fields)
	pipe.RPush(ctx, redpackListKey(e.ID), list...)
	pipe.Expire(ctx, meta, ttl)
	pipe.Expire(ctx, redpackListKey(e.ID), ttl)
	if e.Password != "" {
		pipe.SAdd(ctx, activePasswordKey, e.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create red envelope: %w", err)
	}
	return nil
}

// SetMessage records the envelope's panel message id.
func (s *RedpackStore) SetMessage(ctx context.Context, id string, msgID int) error {
	if err := s.client.HSet(ctx, redpackMetaKey(id), "msg_id", msgID).Err(); err != nil {
		return fmt.Errorf("failed to set envelope message: %w", err)
	}
	return nil
}

// Get loads an envelope.
func (s *RedpackStore) Get(ctx context.Context, id string) (*Envelope, error) {
	m, err := s.client.HGetAll(ctx, redpackMetaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get red envelope: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrRedpackNotFound
	}

	i64 := func(k string) int64 {
		v, _ := strconv.ParseInt(m[k], 10, 64)
		return v
	}
	return &Envelope{
		ID:         id,
		ChatID:     i64("chat_id"),
		ThreadID:   int(i64("thread_id")),
		SenderID:   i64("sender_uid"),
		SenderName: m["sender_name"],
		Total:      money.Cents(i64("amount")),
		Count:      int(i64("count")),
		Password:   m["pw"],
		Epoch:      m["created_at"],
		MessageID:  int(i64("msg_id")),
		Suspended:  m["suspended"] == "1",
		Resumed:    m["resumed"] == "1",
	}, nil
}

// Claim pops one share for uid. Password envelopes also refuse claims
// while suspended. It returns the share and how many shares are claimed.
func (s *RedpackStore) Claim(ctx context.Context, id string, uid int64, name string, password bool) (money.Cents, int, error) {
	check := "0"
	if password {
		check = "1"
	}
	keys := []string{redpackMetaKey(id), redpackListKey(id), redpackUsersKey(id)}
	vals, err := claimScript.Run(ctx, s.client, keys, strconv.FormatInt(uid, 10), name+"|", check).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to claim red envelope: %w", err)
	}
	if len(vals) != 3 {
		return 0, 0, fmt.Errorf("unexpected claim reply length %d", len(vals))
	}

	switch vals[0] {
	case 1:
		return 0, 0, ErrRedpackNotFound
	case 2:
		return 0, 0, ErrRedpackClaimed
	case 3:
		return 0, 0, ErrRedpackSuspended
	case 4:
		return 0, int(vals[2]), ErrRedpackEmpty
	}
	return money.Cents(vals[1]), int(vals[2]), nil
}

// Claims returns the grabbed shares, largest first.
func (s *RedpackStore) Claims(ctx context.Context, id string) ([]Claim, error) {
	m, err := s.client.HGetAll(ctx, redpackUsersKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get claims: %w", err)
	}

	claims := make([]Claim, 0, len(m))
	for k, v := range m {
		uid, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		i := strings.LastIndex(v, "|")
		if i < 0 {
			continue
		}
		amt, err := strconv.ParseInt(v[i+1:], 10, 64)
		if err != nil {
			continue
		}
		claims = append(claims, Claim{UserID: uid, Name: v[:i], Amount: money.Cents(amt)})
	}
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].Amount != claims[j].Amount {
			return claims[i].Amount > claims[j].Amount
		}
		return claims[i].UserID < claims[j].UserID
	})
	return claims, nil
}

// Suspend freezes a password envelope. Its keys stop expiring until it
// is resumed.
func (s *RedpackStore) Suspend(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, redpackMetaKey(id), "suspended", "1")
	pipe.Persist(ctx, redpackMetaKey(id))
	pipe.Persist(ctx, redpackListKey(id))
	pipe.Persist(ctx, redpackUsersKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to suspend red envelope: %w", err)
	}
	return nil
}

// Resume unfreezes an envelope under a new epoch, expiring after ttl.
func (s *RedpackStore) Resume(ctx context.Context, id, epoch string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, redpackMetaKey(id), "suspended")
	pipe.HSet(ctx, redpackMetaKey(id), "created_at", epoch, "resumed", "1")
	pipe.Expire(ctx, redpackMetaKey(id), ttl)
	pipe.Expire(ctx, redpackListKey(id), ttl)
	pipe.Expire(ctx, redpackUsersKey(id), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to resume red envelope: %w", err)
	}
	return nil
}

// Remove deletes every key of an envelope.
func (s *RedpackStore) Remove(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redpackMetaKey(id), redpackListKey(id), redpackUsersKey(id))
	pipe.SRem(ctx, activePasswordKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove red envelope: %w", err)
	}
	return nil
}

// Deactivate drops a password envelope from the active set.
func (s *RedpackStore) Deactivate(ctx context.Context, id string) error {
	if err := s.client.SRem(ctx, activePasswordKey, id).Err(); err != nil {
		return fmt.Errorf("failed to deactivate red envelope: %w", err)
	}
	return nil
}

// ActivePassword lists the password envelope ids that may still be claimed.
func (s *RedpackStore) ActivePassword(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activePasswordKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list password envelopes: %w", err)
	}
	return ids, nil
}

// All returns every stored envelope.
func (s *RedpackStore) All(ctx context.Context) ([]*Envelope, error) {
	var out []*Envelope
	iter := s.client.Scan(ctx, 0, redpackMetaPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		e, err := s.Get(ctx, iter.Val()[len(redpackMetaPrefix):])
		if errors.Is(err, ErrRedpackNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan red envelopes: %w", err)
	}
	return out, nil
}

// DicePanel returns the chat's aggregate dice panel message id, or 0.
func (s *RedpackStore) DicePanel(ctx context.Context, chatID int64) (int, error) {
	id, err := s.client.Get(ctx, dicePanelKey(chatID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get dice panel: %w", err)
	}
	return id, nil
}

// SetDicePanel records the chat's aggregate dice panel message id.
func (s *RedpackStore) SetDicePanel(ctx context.Context, chatID int64, msgID int) error {
	if err := s.client.Set(ctx, dicePanelKey(chatID), msgID, 0).Err(); err != nil {
		return fmt.Errorf("failed to set dice panel: %w", err)
	}
	return nil
}

// ClearDicePanel forgets the chat's aggregate dice panel.
func (s *RedpackStore) ClearDicePanel(ctx context.Context, chatID int64) error {
	if err := s.client.Del(ctx, dicePanelKey(chatID)).Err(); err != nil {
		return fmt.Errorf("failed to clear dice panel: %w", err)
	}
	return nil
}
