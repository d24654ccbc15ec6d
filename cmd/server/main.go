package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/admin"
	"github.com/topicrelay/topicrelay/internal/admission"
	"github.com/topicrelay/topicrelay/internal/boards"
	"github.com/topicrelay/topicrelay/internal/bot"
	"github.com/topicrelay/topicrelay/internal/captcha"
	"github.com/topicrelay/topicrelay/internal/config"
	"github.com/topicrelay/topicrelay/internal/db"
	"github.com/topicrelay/topicrelay/internal/httpapi"
	"github.com/topicrelay/topicrelay/internal/lockmap"
	"github.com/topicrelay/topicrelay/internal/policy"
	"github.com/topicrelay/topicrelay/internal/relay"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "topicrelay").Logger()

	// Pretty logging for local dev
	if os.Getenv("ENV") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	env, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid environment")
	}

	ctx := context.Background()

	if env.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	pool, err := db.Open(ctx, env.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	// Shared infrastructure.
	st := store.New(pool)
	cfg := store.NewConfig(st)
	locks := lockmap.New()
	botAPI := tg.NewBot(tg.NewClient(env.BotToken))
	var tasks bot.Tasks

	// Operator-group surfaces and the relay pipeline.
	brd := boards.New(botAPI, st, cfg, locks, env.AdminGroupID)
	engine := relay.New(botAPI, st, st, cfg, locks, brd, tasks.Go, env.AdminGroupID)
	isAdmin := func(ctx context.Context, id int64) bool {
		return admin.IsAuthorized(ctx, env, cfg, id)
	}
	pipeline := policy.New(botAPI, st, cfg, brd, isAdmin)
	machine := admission.New(botAPI, st, cfg, env, engine, brd)
	console := admin.NewConsole(botAPI, cfg, env)
	replies := admin.NewReplyPath(botAPI, st, cfg, env, engine, env.AdminGroupID)

	dispatcher := bot.New(botAPI, st, st, cfg, env, engine, pipeline, machine, console, replies, brd)

	srv := httpapi.NewServer(env, cfg, captcha.New(), machine, dispatcher, tasks.Go)

	httpServer := &http.Server{
		Addr:         env.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", env.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Let in-flight webhook processing and board fan-out finish.
	tasks.Wait()

	log.Info().Msg("server stopped")
}
