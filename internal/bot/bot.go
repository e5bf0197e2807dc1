// Package bot wires the Telegram client to the command, text, dice and
// callback handlers.
package bot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-arena-bot/internal/config"
	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/game/attack"
	"dice-arena-bot/internal/game/redpack"
	"dice-arena-bot/internal/handler"
	"dice-arena-bot/internal/pkg/callback"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/service"
	"dice-arena-bot/internal/store"
)

// Bot wraps the telebot instance with application handlers.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config

	helpHandler    *handler.HelpHandler
	accountHandler *handler.AccountHandler
	adminHandler   *handler.AdminHandler
	rankingHandler *handler.RankingHandler
	contestHandler *handler.ContestHandler
	attackHandler  *handler.AttackHandler
	redpackHandler *handler.RedpackHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config         *config.Config
	AccountService *service.AccountService
	RankingService *service.RankingService
	Engine         *contest.Engine
	Pending        *store.PendingStore
	Attacks        *attack.Service
	Redpacks       *redpack.Service
	Transport      contest.Transport
}

// NewClient creates the telebot client. It does not start polling.
func NewClient(cfg *config.Config) (*tele.Bot, error) {
	if cfg.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	teleBot, err := tele.NewBot(tele.Settings{
		Token:     cfg.Bot.Token,
		Poller:    &tele.LongPoller{Timeout: 10 * time.Second},
		ParseMode: tele.ModeHTML,
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Handler returned error")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return teleBot, nil
}

// New registers every handler on client.
func New(client *tele.Bot, deps *Dependencies) *Bot {
	cfg := deps.Config
	b := &Bot{
		bot: client,
		cfg: cfg,
	}

	b.helpHandler = handler.NewHelpHandler(deps.Transport)
	b.accountHandler = handler.NewAccountHandler(deps.AccountService, deps.Transport, money.FromPoints(cfg.Redpack.MaxGift))
	b.adminHandler = handler.NewAdminHandler(cfg, deps.AccountService, deps.Engine, deps.Transport)
	b.rankingHandler = handler.NewRankingHandler(deps.RankingService, deps.Transport)
	b.contestHandler = handler.NewContestHandler(deps.Engine, deps.AccountService, deps.Pending, deps.Redpacks, deps.Transport, cfg.Contest.DiceAnimation)
	b.attackHandler = handler.NewAttackHandler(deps.Attacks, deps.Transport)
	b.redpackHandler = handler.NewRedpackHandler(deps.Redpacks, deps.Transport, money.FromPoints(cfg.Redpack.MaxTotal), cfg.Redpack.MaxCount)

	b.registerMiddleware()
	b.registerHandlers()
	return b
}

func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(WhitelistMiddleware(b.cfg))
	b.bot.Use(LoggingMiddleware())
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/help", b.helpHandler.HandleHelp)
	b.bot.Handle("/start", b.helpHandler.HandleHelp)

	// Account handlers
	b.bot.Handle("/bal", b.accountHandler.HandleBalance)
	b.bot.Handle("/checkin", b.accountHandler.HandleCheckin)
	b.bot.Handle("/gift", b.accountHandler.HandleGift)

	// Ranking handlers
	b.bot.Handle("/rank", b.rankingHandler.HandleRank)
	b.bot.Handle("/rank_week", b.rankingHandler.HandleRankPeriod(store.Weekly))
	b.bot.Handle("/rank_month", b.rankingHandler.HandleRankPeriod(store.Monthly))

	// Game handlers
	b.bot.Handle("/attack", b.attackHandler.HandleAttack)
	b.bot.Handle("/redpack", b.redpackHandler.HandleRedpack)
	b.bot.Handle("/redpack_pw", b.redpackHandler.HandleRedpackPassword)

	// Admin handlers (with admin middleware)
	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/forced_stop", b.adminHandler.HandleForcedStop)

	b.bot.Handle(tele.OnText, b.handleText)
	b.bot.Handle(tele.OnDice, b.contestHandler.HandleDice)
	b.bot.Handle(tele.OnCallback, b.handleCallback)
}

// handleText offers a plain message to the bet parser, then to the admin
// balance editor, then to password envelopes.
func (b *Bot) handleText(c tele.Context) error {
	if handled, err := b.contestHandler.HandleBet(c); handled || err != nil {
		return err
	}
	if handled, err := b.adminHandler.HandleBalanceEdit(c); handled || err != nil {
		return err
	}
	return b.redpackHandler.HandlePassword(c)
}

// handleCallback routes inline button presses by action.
func (b *Bot) handleCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}

	action, params := callback.Decode(cb.Data)
	switch action {
	case callback.Join:
		return b.contestHandler.HandleJoin(c, params)
	case callback.ForceStart:
		return b.contestHandler.HandleForceStart(c, params)
	case callback.RollOne:
		return b.contestHandler.HandleRoll(c, false, params)
	case callback.RollAll:
		return b.contestHandler.HandleRoll(c, true, params)
	case callback.NewDuel:
		return b.contestHandler.HandleNewDuel(c, params)
	case callback.AttackAdd:
		return b.attackHandler.HandleRaise(c, store.Challenger, params)
	case callback.DefendAdd:
		return b.attackHandler.HandleRaise(c, store.Defender, params)
	case callback.GrabRedpack:
		return b.redpackHandler.HandleGrab(c, params)
	case callback.Rank:
		return b.rankingHandler.HandleRankSwitch(c, params)
	default:
		log.Debug().Str("data", cb.Data).Msg("Unknown callback")
		return c.Respond()
	}
}

// Start starts polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Str("username", b.bot.Me.Username).Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops polling.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
