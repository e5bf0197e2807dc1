package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/pkg/money"
)

// Attack store errors.
var (
	ErrAttackNotFound = errors.New("attack not found")
	ErrAttackEnded    = errors.New("attack ended")
	ErrAttackCapped   = errors.New("attack stake cap reached")
	ErrAttackerBusy   = errors.New("challenger already attacking")
	ErrDefenderBusy   = errors.New("defender already under attack")
)

const (
	attackKeyPrefix = "attack:"
	attackByPrefix  = "active_attack_by:"
	attackOnPrefix  = "active_attack_target:"
)

func attackKey(id string) string   { return attackKeyPrefix + id }
func attackByKey(uid int64) string { return attackByPrefix + strconv.FormatInt(uid, 10) }
func attackOnKey(uid int64) string { return attackOnPrefix + strconv.FormatInt(uid, 10) }

// Side names one party of an attack.
type Side string

const (
	Challenger Side = "challenger"
	Defender   Side = "defender"
)

// Attack is a stored duel.
type Attack struct {
	ID              string
	ChatID          int64
	ThreadID        int
	ChallengerID    int64
	ChallengerName  string
	DefenderID      int64
	DefenderName    string
	ChallengerTotal money.Cents
	DefenderTotal   money.Cents
	Active          bool
	Settled         bool
	MessageID       int
	CreatedAt       time.Time
}

// Total is the pot.
func (a *Attack) Total() money.Cents {
	return a.ChallengerTotal + a.DefenderTotal
}

// KEYS[1] attack hash. ARGV[1] total field, ARGV[2] step, ARGV[3] cap.
// Returns the new total, -1 when the attack is over, -2 at the cap.
var addStakeScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'status') ~= 'active' then return -1 end
if redis.call('HEXISTS', key, 'settled') == 1 then return -1 end
local cur = tonumber(redis.call('HGET', key, ARGV[1]) or '0')
if cur + tonumber(ARGV[2]) > tonumber(ARGV[3]) then return -2 end
return redis.call('HINCRBY', key, ARGV[1], ARGV[2])
`)

// AttackStore keeps attack duels and the per-user markers.
type AttackStore struct {
	client    redis.UniversalClient
	ttl       time.Duration
	markerTTL time.Duration
}

// NewAttackStore creates an AttackStore.
func NewAttackStore(client redis.UniversalClient, ttl, markerTTL time.Duration) *AttackStore {
	return &AttackStore{client: client, ttl: ttl, markerTTL: markerTTL}
}

// Reserve claims the challenger and defender markers for an attack id.
// Both are taken or neither is.
func (s *AttackStore) Reserve(ctx context.Context, id string, challenger, defender int64) error {
	ok, err := s.client.SetNX(ctx, attackByKey(challenger), id, s.markerTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to set attacker marker: %w", err)
	}
	if !ok {
		return ErrAttackerBusy
	}

	ok, err = s.client.SetNX(ctx, attackOnKey(defender), id, s.markerTTL).Result()
	if err != nil || !ok {
		s.client.Del(ctx, attackByKey(challenger))
		if err != nil {
			return fmt.Errorf("failed to set defender marker: %w", err)
		}
		return ErrDefenderBusy
	}
	return nil
}

// Release clears both markers.
func (s *AttackStore) Release(ctx context.Context, challenger, defender int64) error {
	if err := s.client.Del(ctx, attackByKey(challenger), attackOnKey(defender)).Err(); err != nil {
		return fmt.Errorf("failed to release attack markers: %w", err)
	}
	return nil
}

// Busy reports whether uid is attacking or under attack.
func (s *AttackStore) Busy(ctx context.Context, challenger, defender int64) (attacking, defending bool, err error) {
	n1, err := s.client.Exists(ctx, attackByKey(challenger)).Result()
	if err != nil {
		return false, false, fmt.Errorf("failed to check attacker marker: %w", err)
	}
	n2, err := s.client.Exists(ctx, attackOnKey(defender)).Result()
	if err != nil {
		return false, false, fmt.Errorf("failed to check defender marker: %w", err)
	}
	return n1 > 0, n2 > 0, nil
}

// Create stores a new active attack.
func (s *AttackStore) Create(ctx context.Context, a *Attack) error {
	key := attackKey(a.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"challenger_uid":   a.ChallengerID,
		"challenger_name":  a.ChallengerName,
		"defender_uid":     a.DefenderID,
		"defender_name":    a.DefenderName,
		"chat_id":          a.ChatID,
		"thread_id":        a.ThreadID,
		"challenger_total": int64(a.ChallengerTotal),
		"defender_total":   int64(a.DefenderTotal),
		"status":           "active",
		"created_at":       a.CreatedAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create attack: %w", err)
	}
	return nil
}

// SetMessage records the panel message id.
func (s *AttackStore) SetMessage(ctx context.Context, id string, msgID int) error {
	if err := s.client.HSet(ctx, attackKey(id), "msg_id", msgID).Err(); err != nil {
		return fmt.Errorf("failed to set attack message: %w", err)
	}
	return nil
}

// Get loads an attack.
func (s *AttackStore) Get(ctx context.Context, id string) (*Attack, error) {
	m, err := s.client.HGetAll(ctx, attackKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get attack: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrAttackNotFound
	}
	return parseAttack(id, m), nil
}

func parseAttack(id string, m map[string]string) *Attack {
	i64 := func(k string) int64 {
		v, _ := strconv.ParseInt(m[k], 10, 64)
		return v
	}
	return &Attack{
		ID:              id,
		ChatID:          i64("chat_id"),
		ThreadID:        int(i64("thread_id")),
		ChallengerID:    i64("challenger_uid"),
		ChallengerName:  m["challenger_name"],
		DefenderID:      i64("defender_uid"),
		DefenderName:    m["defender_name"],
		ChallengerTotal: money.Cents(i64("challenger_total")),
		DefenderTotal:   money.Cents(i64("defender_total")),
		Active:          m["status"] == "active",
		Settled:         m["settled"] != "",
		MessageID:       int(i64("msg_id")),
		CreatedAt:       time.UnixMilli(i64("created_at")),
	}
}

// AddStake raises one side's stake by step unless the attack is over or
// the side would pass limit. It returns the side's new total.
func (s *AttackStore) AddStake(ctx context.Context, id string, side Side, step, limit money.Cents) (money.Cents, error) {
	field := string(side) + "_total"
	n, err := addStakeScript.Run(ctx, s.client, []string{attackKey(id)}, field, int64(step), int64(limit)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to add stake: %w", err)
	}
	switch n {
	case -1:
		return 0, ErrAttackEnded
	case -2:
		return 0, ErrAttackCapped
	}
	return money.Cents(n), nil
}

// ClaimSettlement marks the attack settled and ended. Only the first
// caller gets the attack back; later callers get ErrAttackEnded.
func (s *AttackStore) ClaimSettlement(ctx context.Context, id string) (*Attack, error) {
	key := attackKey(id)
	won, err := s.client.HSetNX(ctx, key, "settled", "1").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim settlement: %w", err)
	}
	if !won {
		return nil, ErrAttackEnded
	}

	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get attack: %w", err)
	}
	// HSETNX on an expired key creates a hash holding only the flag.
	if _, ok := m["challenger_uid"]; !ok {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			log.Warn().Err(err).Str("attack_id", id).Msg("Failed to delete stale attack flag")
		}
		return nil, ErrAttackNotFound
	}
	if err := s.client.HSet(ctx, key, "status", "ended").Err(); err != nil {
		return nil, fmt.Errorf("failed to end attack: %w", err)
	}
	a := parseAttack(id, m)
	a.Active = false
	a.Settled = true
	return a, nil
}

// Keep shortens the record's lifetime once it is settled.
func (s *AttackStore) Keep(ctx context.Context, id string, ttl time.Duration) error {
	return s.client.Expire(ctx, attackKey(id), ttl).Err()
}

// Delete removes an attack record.
func (s *AttackStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, attackKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete attack: %w", err)
	}
	return nil
}

// Unsettled returns every stored attack that has not been settled.
func (s *AttackStore) Unsettled(ctx context.Context) ([]*Attack, error) {
	var out []*Attack
	iter := s.client.Scan(ctx, 0, attackKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(attackKeyPrefix):]
		a, err := s.Get(ctx, id)
		if errors.Is(err, ErrAttackNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !a.Settled {
			out = append(out, a)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan attacks: %w", err)
	}
	return out, nil
}
