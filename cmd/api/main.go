package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	api "genjob-orchestrator/internal/api"
	"genjob-orchestrator/internal/artifact"
	"genjob-orchestrator/internal/config"
	"genjob-orchestrator/internal/jobs"
	"genjob-orchestrator/internal/ledger"
	"genjob-orchestrator/internal/logging"
	"genjob-orchestrator/internal/provider"
	"genjob-orchestrator/internal/ratelimit"
	"genjob-orchestrator/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb := ledger.NewClient(cfg)
	defer rdb.Close()
	led := ledger.New(rdb, 0)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// A missing token is reported per request as a configuration error, so
	// the API still starts and answers /healthz.
	var prov provider.Provider
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("provider calls disabled")
	} else {
		rep, err := provider.NewReplicate(provider.Options{
			Token:   cfg.ProviderToken,
			BaseURL: cfg.ProviderBaseURL,
			Model:   cfg.ProviderModel,
			Logger:  log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("init provider")
		}
		prov = rep
	}

	finalizer := &jobs.Finalizer{
		Cleaner: jobs.NewCleaner(jobs.CleanerOptions{
			Provider: prov,
			Record:   led,
			Journal:  st,
			Timeout:  cfg.CleanupTimeout,
			Logger:   log,
		}),
		Journal:     st,
		SinkTimeout: cfg.MirrorFetchTimeout,
		Log:         log,
	}
	mirror, err := artifact.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init result mirror")
	}
	if mirror != nil {
		finalizer.Sink = mirror
	}

	submitter := jobs.NewSubmitter(jobs.SubmitterOptions{
		Provider:     prov,
		Timeout:      cfg.SubmitTimeout,
		Tracker:      led,
		AbandonAfter: cfg.PollBudget() + cfg.AbandonGrace,
		Logger:       log,
	})
	prober := jobs.NewProber(prov, cfg.ProbeTimeout, log)
	poller := jobs.NewPoller(prober, finalizer, jobs.PollConfig{
		Interval:     cfg.PollInterval,
		MaxAttempts:  cfg.PollMaxAttempts,
		ProbeTimeout: cfg.ProbeTimeout,
	}, log)

	server := api.New(api.Options{
		Submitter:    submitter,
		Prober:       prober,
		Finalizer:    finalizer,
		Runner:       jobs.NewOrchestrator(submitter, poller, finalizer),
		Store:        st,
		Limiter:      limiter,
		SyncDeadline: cfg.SyncDeadline,
		Logger:       log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Dur("poll_budget", cfg.PollBudget()).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.SyncDeadline)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
