// Package main is the entry point for the dice arena bot.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/bot"
	"dice-arena-bot/internal/config"
	"dice-arena-bot/internal/contest"
	"dice-arena-bot/internal/game/attack"
	"dice-arena-bot/internal/game/redpack"
	"dice-arena-bot/internal/ops"
	"dice-arena-bot/internal/pkg/cache"
	"dice-arena-bot/internal/pkg/clock"
	"dice-arena-bot/internal/pkg/db"
	"dice-arena-bot/internal/pkg/lock"
	"dice-arena-bot/internal/pkg/money"
	"dice-arena-bot/internal/repository"
	"dice-arena-bot/internal/service"
	"dice-arena-bot/internal/store"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log.Info().Msg("Configuration loaded successfully")

	// Cancelling root stops every watcher, timer and delayed delete.
	root, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.NewPool(root, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := repository.Migrate(root, dbPool.Pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	rdb, err := cache.NewClient(root, &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	defer rdb.Close()

	client, err := bot.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}
	transport := bot.NewTransport(root, client, cfg.Bot.ThreadID)

	clk := clock.System{}
	userLocks := lock.New[int64]()

	// Repositories and stores
	userRepo := repository.NewUserRepository(dbPool.Pool, money.FromPoints(cfg.Ledger.DefaultBalance))
	txRepo := repository.NewTransactionRepository(dbPool.Pool)

	contestCfg := contest.NewConfig(cfg.Contest)
	attackCfg := attack.NewConfig(cfg.Attack)
	redpackCfg := redpack.NewConfig(cfg.Redpack)

	sessions := store.NewSessionStore(rdb.Client, contestCfg.SessionTTL)
	pending := store.NewPendingStore(rdb.Client, cfg.Contest.PendingBetTTL)
	ranks := store.NewRankStore(rdb.Client)
	streaks := store.NewStreakStore(rdb.Client, cfg.Streak.Threshold)
	attacks := store.NewAttackStore(rdb.Client, attackCfg.Window+attackCfg.KeepSettled, attackCfg.MarkerTTL)
	packs := store.NewRedpackStore(rdb.Client)

	// Services
	accountService := service.NewAccountService(userRepo, txRepo, userLocks, clk, service.NewCheckinRules(cfg.Checkin))
	rankingService := service.NewRankingService(ranks, userRepo, clk)
	streakService := service.NewStreakService(streaks, accountService, userLocks, transport,
		money.FromPoints(cfg.Streak.Amount), cfg.Streak.Threshold)

	redpackService := redpack.NewService(root, redpackCfg, redpack.Deps{
		Accounts:  accountService,
		Packs:     packs,
		Games:     sessions,
		Transport: transport,
		Clock:     clk,
	})

	engine := contest.NewEngine(root, contestCfg, contest.Deps{
		Store:     sessions,
		Ledger:    accountService,
		Transport: transport,
		UserLocks: userLocks,
		Clock:     clk,
		Listeners: []contest.ActivityListener{redpackService},
		Recorders: []contest.StatsRecorder{rankingService, streakService},
	})

	attackService := attack.NewService(root, attackCfg, attack.Deps{
		Accounts:  accountService,
		Attacks:   attacks,
		Transport: transport,
		Clock:     clk,
	})

	// Resume whatever was running before the restart.
	recoverAll(root, engine, attackService, redpackService)

	telegramBot := bot.New(client, &bot.Dependencies{
		Config:         cfg,
		AccountService: accountService,
		RankingService: rankingService,
		Engine:         engine,
		Pending:        pending,
		Attacks:        attackService,
		Redpacks:       redpackService,
		Transport:      transport,
	})

	server := ops.NewServer(cfg.HTTP.Addr, ops.Deps{
		Postgres:     dbPool,
		Redis:        rdb,
		Sessions:     engine,
		Leaderboards: rankingService,
		Accounts:     accountService,
	})
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("Ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ops server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go telegramBot.Start()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Graceful shutdown
	telegramBot.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Ops server shutdown")
	}

	cancel()
	engine.Wait()
	attackService.Wait()
	redpackService.Wait()
	transport.Wait()
	log.Info().Msg("Bot stopped gracefully")
}

type recoverer interface {
	Recover(ctx context.Context) (int, error)
}

func recoverAll(ctx context.Context, services ...recoverer) {
	for _, s := range services {
		n, err := s.Recover(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to recover state")
			continue
		}
		if n > 0 {
			log.Info().Int("count", n).Msgf("Recovered %T", s)
		}
	}
}
