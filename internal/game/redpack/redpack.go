// Package redpack implements red envelopes: a sender funds a pot that is
// split into random shares, and chat members claim one share each by
// pressing a button or by sending the envelope's password.
//
// Envelopes whose password is a die throw are suspended while a dice
// contest runs in the chat, so that contest rolls do not claim them, and
// are resumed with a fresh expiry once the table is empty.
package redpack

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/config"
	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/model"
	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/ids"
	"dice-arena-bot/internal/pkg/lock"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/service"
	"dice-arena-bot/internal/store"
)

// Errors
var (
	ErrInvalidTotal        = errors.New("red envelope total out of range")
	ErrInvalidCount        = errors.New("red envelope count out of range")
	ErrAverageTooLow       = errors.New("red envelope share below one cent")
	ErrEmptyPassword       = errors.New("red envelope password is empty")
	ErrDiceDuringGame      = errors.New("dice password refused while a game is running")
	ErrInsufficientBalance = errors.New("insufficient balance for red envelope")
	ErrExpired             = errors.New("red envelope expired")
	ErrAlreadyClaimed      = store.ErrRedpackClaimed
	ErrEmpty               = store.ErrRedpackEmpty
)

// FundsError reports a total the sender's balance could not cover.
type FundsError struct {
	Need money.Cents
	Have money.Cents
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("need %s, have %s", e.Need, e.Have)
}

func (e *FundsError) Unwrap() error {
	return ErrInsufficientBalance
}

// Accounts is the balance side of red envelopes.
type Accounts interface {
	Debit(ctx context.Context, userID int64, amount money.Cents, txType, desc string) (money.Cents, error)
	Credit(ctx context.Context, userID int64, amount money.Cents, txType, desc string) (money.Cents, error)
}

// Games reports the contests running in a chat.
type Games interface {
	ChatSessions(ctx context.Context, chatID int64) ([]string, error)
}

// Config holds envelope limits in cents and the expiry schedule.
type Config struct {
	MaxTotal money.Cents
	MaxCount int
	// Expiry is split into Tick long steps; the panel counts down once
	// per step.
	Expiry      time.Duration
	Tick        time.Duration
	PasswordTTL time.Duration
	AnnounceTTL time.Duration
	NoticeTTL   time.Duration
	EmptyTTL    time.Duration
}

// NewConfig converts the redpack section of the application config.
func NewConfig(c config.RedpackConfig) Config {
	return Config{
		MaxTotal:    money.FromPoints(c.MaxTotal),
		MaxCount:    c.MaxCount,
		Expiry:      c.Expiry,
		Tick:        time.Minute,
		PasswordTTL: c.Expiry + 20*time.Second,
		AnnounceTTL: 10 * time.Second,
		NoticeTTL:   15 * time.Second,
		EmptyTTL:    time.Minute,
	}
}

func (c Config) ticks() int {
	if c.Tick <= 0 {
		return 1
	}
	return max(int(c.Expiry/c.Tick), 1)
}

// Deps are the service's collaborators.
type Deps struct {
	Accounts  Accounts
	Packs     *store.RedpackStore
	Games     Games
	Transport contest.Transport
	Clock     clock.Clock
	IDs       ids.Generator

	// ManualWatchers disables the expiry watchers. Callers run Expire.
	ManualWatchers bool
}

// Service runs red envelopes.
type Service struct {
	cfg       Config
	accounts  Accounts
	packs     *store.RedpackStore
	games     Games
	transport contest.Transport
	clock     clock.Clock
	ids       ids.Generator
	manual    bool
	panels    *lock.Registry[int64]

	rndMu sync.Mutex
	rnd   *rand.Rand

	root context.Context
	wg   sync.WaitGroup
}

var _ contest.ActivityListener = (*Service)(nil)

// NewService creates a Service. Expiry watchers stop when root is done.
func NewService(root context.Context, cfg Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		accounts:  deps.Accounts,
		packs:     deps.Packs,
		games:     deps.Games,
		transport: deps.Transport,
		clock:     deps.Clock,
		ids:       deps.IDs,
		manual:    deps.ManualWatchers,
		panels:    lock.New[int64](),
		rnd:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		root:      root,
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.ids == nil {
		s.ids = ids.New()
	}
	return s
}

// Wait blocks until every expiry watcher has exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

// SendRequest describes a new envelope. An empty Password makes a button
// envelope.
type SendRequest struct {
	ChatID     int64
	ThreadID   int
	SenderID   int64
	SenderName string
	Total      money.Cents
	Count      int
	Password   string
	// WithPassword marks a /redpack_pw request so an empty password is
	// rejected instead of falling back to a button envelope.
	WithPassword bool
}

// Validate checks an envelope's total and count.
func (s *Service) Validate(total money.Cents, count int) error {
	if total <= 0 || total > s.cfg.MaxTotal {
		return ErrInvalidTotal
	}
	if count <= 0 || count > s.cfg.MaxCount {
		return ErrInvalidCount
	}
	if total < money.Cents(count) {
		return ErrAverageTooLow
	}
	return nil
}

// Send funds and posts a new envelope.
func (s *Service) Send(ctx context.Context, req SendRequest) (*store.Envelope, error) {
	if req.WithPassword && req.Password == "" {
		return nil, ErrEmptyPassword
	}
	if req.Password == store.DicePassword {
		busy, err := s.gameRunning(ctx, req.ChatID)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, ErrDiceDuringGame
		}
	}
	if err := s.Validate(req.Total, req.Count); err != nil {
		return nil, err
	}

	balance, err := s.accounts.Debit(ctx, req.SenderID, req.Total, model.TxTypeRedpackSend, "发红包")
	if errors.Is(err, service.ErrInsufficientBalance) {
		return nil, &FundsError{Need: req.Total, Have: balance}
	}
	if err != nil {
		return nil, err
	}

	e := &store.Envelope{
		ID:         s.ids.SessionID(),
		ChatID:     req.ChatID,
		ThreadID:   req.ThreadID,
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		Total:      req.Total,
		Count:      req.Count,
		Password:   req.Password,
		Epoch:      s.epoch(""),
	}
	ttl := s.cfg.Expiry
	if e.Password != "" {
		ttl = s.cfg.PasswordTTL
	}
	if err := s.packs.Create(ctx, e, s.split(req.Total, req.Count), ttl); err != nil {
		if _, cerr := s.accounts.Credit(ctx, req.SenderID, req.Total, model.TxTypeRedpackBack, "红包创建失败退回"); cerr != nil {
			log.Error().Err(cerr).Int64("user_id", req.SenderID).Msg("Failed to refund red envelope")
		}
		return nil, err
	}

	text, kb := s.panel(e, nil, s.remainingMinutes(e), "")
	msgID, err := s.transport.Send(ctx, contest.Outgoing{ChatID: e.ChatID, ThreadID: e.ThreadID, Text: text, Keyboard: kb})
	if err != nil {
		log.Warn().Err(err).Str("redpack_id", e.ID).Int64("chat_id", e.ChatID).Msg("Failed to send red envelope panel")
	} else {
		e.MessageID = msgID
		if err := s.packs.SetMessage(ctx, e.ID, msgID); err != nil {
			log.Warn().Err(err).Str("redpack_id", e.ID).Msg("Failed to store red envelope panel id")
		}
	}
	if e.IsDice() {
		s.refreshDicePanel(ctx, e.ChatID, e.ThreadID, false)
	}

	log.Info().
		Str("redpack_id", e.ID).
		Int64("chat_id", e.ChatID).
		Int64("user_id", e.SenderID).
		Str("total", e.Total.String()).
		Int("count", e.Count).
		Bool("password", e.Password != "").
		Msg("Red envelope sent")

	s.arm(e)
	return e, nil
}

// Grab claims one share of a button envelope for a user.
func (s *Service) Grab(ctx context.Context, id string, userID int64, name string) (money.Cents, error) {
	amount, claimed, err := s.packs.Claim(ctx, id, userID, name, false)
	if errors.Is(err, store.ErrRedpackNotFound) {
		return 0, ErrExpired
	}
	if err != nil {
		return 0, err
	}
	s.credit(ctx, userID, amount, id)

	e, err := s.packs.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("redpack_id", id).Msg("Red envelope vanished after claim")
		return amount, nil
	}
	s.refreshPanel(ctx, e)
	s.announce(ctx, e, userID, name, amount, "拼手气红包")
	if claimed >= e.Count && e.MessageID != 0 {
		s.transport.Delete(ctx, e.ChatID, e.MessageID, s.cfg.EmptyTTL)
	}
	return amount, nil
}

// ClaimPassword claims one share of every envelope in the chat whose
// password is text. It returns the total credited, zero when text matched
// nothing claimable.
func (s *Service) ClaimPassword(ctx context.Context, chatID int64, userID int64, name, text string) (money.Cents, error) {
	active, err := s.packs.ActivePassword(ctx)
	if err != nil {
		return 0, err
	}

	var (
		total   money.Cents
		claimed []*store.Envelope
		shares  []money.Cents
		dice    bool
	)
	for _, id := range active {
		e, err := s.packs.Get(ctx, id)
		if errors.Is(err, store.ErrRedpackNotFound) {
			s.deactivate(ctx, id)
			continue
		}
		if err != nil {
			return total, err
		}
		if e.Password != text || e.Suspended || e.ChatID != chatID {
			continue
		}

		amount, n, err := s.packs.Claim(ctx, id, userID, name, true)
		switch {
		case errors.Is(err, store.ErrRedpackEmpty):
			s.deactivate(ctx, id)
			continue
		case errors.Is(err, store.ErrRedpackClaimed), errors.Is(err, store.ErrRedpackSuspended), errors.Is(err, store.ErrRedpackNotFound):
			continue
		case err != nil:
			log.Warn().Err(err).Str("redpack_id", id).Msg("Failed to claim password envelope")
			continue
		}
		if n >= e.Count {
			s.deactivate(ctx, id)
		}
		total += amount
		claimed = append(claimed, e)
		shares = append(shares, amount)
		dice = dice || e.IsDice()
	}
	if total == 0 {
		return 0, nil
	}

	s.credit(ctx, userID, total, "口令")
	if dice {
		s.refreshDicePanel(ctx, chatID, claimed[0].ThreadID, false)
	}
	for i, e := range claimed {
		s.refreshPanel(ctx, e)
		s.announce(ctx, e, userID, name, shares[i], "口令红包")
	}

	log.Info().
		Int64("chat_id", chatID).
		Int64("user_id", userID).
		Int("envelopes", len(claimed)).
		Str("amount", total.String()).
		Msg("Password envelopes claimed")
	return total, nil
}

// Expire refunds the unclaimed part of an envelope to its sender and
// closes its panel. It does nothing when the envelope has been resumed
// under another epoch, is suspended or is already empty.
func (s *Service) Expire(ctx context.Context, id, epoch string) (money.Cents, error) {
	e, claims, live, err := s.current(ctx, id, epoch)
	if err != nil || !live {
		return 0, err
	}

	var got money.Cents
	for _, c := range claims {
		got += c.Amount
	}
	refund := e.Total - got

	info := ""
	if refund > 0 && e.SenderID != 0 {
		if _, err := s.accounts.Credit(ctx, e.SenderID, refund, model.TxTypeRedpackBack, "红包过期退回"); err != nil {
			log.Error().Err(err).Str("redpack_id", id).Int64("user_id", e.SenderID).Msg("Failed to refund red envelope")
		} else {
			info = fmt.Sprintf("已退回 <b>%s</b> 积分给 %s", refund, contest.Mention(e.SenderID, e.SenderName))
		}
	}

	text, _ := s.panel(e, claims, 0, info)
	if err := s.packs.Remove(ctx, id); err != nil {
		return refund, err
	}
	if e.MessageID != 0 {
		if err := s.transport.Edit(ctx, e.ChatID, e.MessageID, text, nil); err != nil {
			log.Debug().Err(err).Str("redpack_id", id).Msg("Failed to edit expired envelope panel")
		}
	}
	if e.IsDice() {
		s.refreshDicePanel(ctx, e.ChatID, e.ThreadID, false)
	}

	log.Info().Str("redpack_id", id).Int64("chat_id", e.ChatID).Str("refund", refund.String()).Msg("Red envelope expired")
	return refund, nil
}

// GameActivityBegan suspends the chat's dice envelopes.
func (s *Service) GameActivityBegan(ctx context.Context, chatID int64) {
	envelopes, err := s.diceEnvelopes(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to list dice envelopes")
		return
	}

	suspended := 0
	thread := 0
	for _, e := range envelopes {
		if e.Suspended {
			continue
		}
		if err := s.packs.Suspend(ctx, e.ID); err != nil {
			log.Warn().Err(err).Str("redpack_id", e.ID).Msg("Failed to suspend envelope")
			continue
		}
		suspended++
		thread = e.ThreadID
	}
	if suspended == 0 {
		return
	}

	s.panels.Lock(chatID)
	s.dropDicePanel(ctx, chatID)
	s.panels.Unlock(chatID)
	s.notice(ctx, chatID, thread, fmt.Sprintf("⏸ <b>红包保护系统</b>\n因对局已开启，当前群内 <b>%d</b> 个「🎲」红包已被自动挂起保护。\n将在赌桌清空后自动合并重发！", suspended), s.cfg.NoticeTTL)
	log.Info().Int64("chat_id", chatID).Int("envelopes", suspended).Msg("Dice envelopes suspended")
}

// GameActivityEnded resumes the chat's suspended dice envelopes once no
// contest is left in the chat.
func (s *Service) GameActivityEnded(ctx context.Context, chatID int64) {
	busy, err := s.gameRunning(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to check chat games")
		return
	}
	if busy {
		return
	}

	envelopes, err := s.diceEnvelopes(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to list dice envelopes")
		return
	}

	resumed := 0
	thread := 0
	for _, e := range envelopes {
		if !e.Suspended {
			continue
		}
		claims, err := s.packs.Claims(ctx, e.ID)
		if err != nil {
			log.Warn().Err(err).Str("redpack_id", e.ID).Msg("Failed to load claims")
			continue
		}
		if len(claims) >= e.Count {
			continue
		}
		epoch := s.epoch(e.Epoch)
		if err := s.packs.Resume(ctx, e.ID, epoch, s.cfg.PasswordTTL); err != nil {
			log.Warn().Err(err).Str("redpack_id", e.ID).Msg("Failed to resume envelope")
			continue
		}
		e.Epoch, e.Suspended, e.Resumed = epoch, false, true
		resumed++
		thread = e.ThreadID
		s.arm(e)
	}
	if resumed > 0 {
		s.refreshDicePanel(ctx, chatID, thread, true)
		log.Info().Int64("chat_id", chatID).Int("envelopes", resumed).Msg("Dice envelopes resumed")
	}
}

// Recover re-arms the expiry watcher of every stored envelope and resumes
// suspended dice envelopes in chats that no longer have a contest.
func (s *Service) Recover(ctx context.Context) (int, error) {
	envelopes, err := s.packs.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list red envelopes: %w", err)
	}

	idle := map[int64]bool{}
	for _, e := range envelopes {
		if e.Suspended {
			idle[e.ChatID] = true
			continue
		}
		s.arm(e)
	}
	for chatID := range idle {
		s.GameActivityEnded(ctx, chatID)
	}
	if len(envelopes) > 0 {
		log.Info().Int("envelopes", len(envelopes)).Msg("Recovered red envelopes")
	}
	return len(envelopes), nil
}

// arm starts the expiry watcher of an envelope under its current epoch.
func (s *Service) arm(e *store.Envelope) {
	if s.manual {
		return
	}
	id, epoch, started := e.ID, e.Epoch, e.StartedAt()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchExpiry(s.root, id, epoch, started)
	}()
}

func (s *Service) watchExpiry(ctx context.Context, id, epoch string, started time.Time) {
	ticks := s.cfg.ticks()
	for i := 1; i <= ticks; i++ {
		timer := time.NewTimer(max(started.Add(time.Duration(i)*s.cfg.Tick).Sub(s.clock.Now()), 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if i == ticks {
			if _, err := s.Expire(ctx, id, epoch); err != nil {
				log.Error().Err(err).Str("redpack_id", id).Msg("Failed to expire red envelope")
			}
			return
		}

		e, _, live, err := s.current(ctx, id, epoch)
		if err != nil {
			log.Warn().Err(err).Str("redpack_id", id).Msg("Red envelope watcher check failed")
			continue
		}
		if !live {
			return
		}
		s.refreshPanel(ctx, e)
		if e.IsDice() {
			s.refreshDicePanel(ctx, e.ChatID, e.ThreadID, false)
		}
	}
}

// current loads an envelope and reports whether it is still owned by
// epoch and waiting for claims.
func (s *Service) current(ctx context.Context, id, epoch string) (*store.Envelope, []store.Claim, bool, error) {
	e, err := s.packs.Get(ctx, id)
	if errors.Is(err, store.ErrRedpackNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	if e.Epoch != epoch || e.Suspended {
		return e, nil, false, nil
	}
	claims, err := s.packs.Claims(ctx, id)
	if err != nil {
		return nil, nil, false, err
	}
	return e, claims, len(claims) < e.Count, nil
}

// diceEnvelopes returns the chat's active dice envelopes, oldest first.
func (s *Service) diceEnvelopes(ctx context.Context, chatID int64) ([]*store.Envelope, error) {
	active, err := s.packs.ActivePassword(ctx)
	if err != nil {
		return nil, err
	}
	var out []*store.Envelope
	for _, id := range active {
		e, err := s.packs.Get(ctx, id)
		if errors.Is(err, store.ErrRedpackNotFound) {
			s.deactivate(ctx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.IsDice() && e.ChatID == chatID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

func (s *Service) gameRunning(ctx context.Context, chatID int64) (bool, error) {
	if s.games == nil {
		return false, nil
	}
	sessions, err := s.games.ChatSessions(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("failed to list chat games: %w", err)
	}
	return len(sessions) > 0, nil
}

func (s *Service) split(total money.Cents, count int) []money.Cents {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return Split(total, count, s.rnd)
}

// epoch returns a millisecond timestamp that differs from prev.
func (s *Service) epoch(prev string) string {
	now := s.clock.Now().UnixMilli()
	if p, err := strconv.ParseInt(prev, 10, 64); err == nil && now <= p {
		now = p + 1
	}
	return strconv.FormatInt(now, 10)
}

func (s *Service) remainingMinutes(e *store.Envelope) int {
	total := int(s.cfg.Expiry / time.Minute)
	elapsed := int(s.clock.Now().Sub(e.StartedAt()) / time.Minute)
	return max(total-elapsed, 0)
}

func (s *Service) credit(ctx context.Context, userID int64, amount money.Cents, ref string) {
	if _, err := s.accounts.Credit(ctx, userID, amount, model.TxTypeRedpackGrab, "抢红包 "+ref); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Str("amount", amount.String()).Msg("Failed to credit red envelope share")
	}
}

func (s *Service) deactivate(ctx context.Context, id string) {
	if err := s.packs.Deactivate(ctx, id); err != nil {
		log.Warn().Err(err).Str("redpack_id", id).Msg("Failed to deactivate envelope")
	}
}

func (s *Service) refreshPanel(ctx context.Context, e *store.Envelope) {
	if e.MessageID == 0 {
		return
	}
	claims, err := s.packs.Claims(ctx, e.ID)
	if err != nil {
		log.Warn().Err(err).Str("redpack_id", e.ID).Msg("Failed to load claims")
		return
	}
	text, kb := s.panel(e, claims, max(s.remainingMinutes(e), 1), "")
	if err := s.transport.Edit(ctx, e.ChatID, e.MessageID, text, kb); err != nil {
		log.Debug().Err(err).Str("redpack_id", e.ID).Msg("Failed to edit envelope panel")
	}
}

func (s *Service) announce(ctx context.Context, e *store.Envelope, userID int64, name string, amount money.Cents, kind string) {
	text := fmt.Sprintf("🎉 %s 领取了 %s 的%s，获得 <b>%s</b> 积分！",
		contest.Mention(userID, name), contest.Mention(e.SenderID, e.SenderName), kind, amount)
	s.notice(ctx, e.ChatID, e.ThreadID, text, s.cfg.AnnounceTTL)
}

func (s *Service) notice(ctx context.Context, chatID int64, threadID int, text string, ttl time.Duration) {
	msgID, err := s.transport.Send(ctx, contest.Outgoing{ChatID: chatID, ThreadID: threadID, Text: text})
	if err != nil {
		log.Debug().Err(err).Int64("chat_id", chatID).Msg("Failed to send envelope notice")
		return
	}
	if ttl > 0 {
		s.transport.Delete(ctx, chatID, msgID, ttl)
	}
}
