package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"genjob-orchestrator/internal/artifact"
	"genjob-orchestrator/internal/config"
	"genjob-orchestrator/internal/jobs"
	"genjob-orchestrator/internal/ledger"
	"genjob-orchestrator/internal/logging"
	"genjob-orchestrator/internal/provider"
	"genjob-orchestrator/internal/store"
	"genjob-orchestrator/internal/telemetry"
	workerproc "genjob-orchestrator/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	prov, err := provider.NewReplicate(provider.Options{
		Token:   cfg.ProviderToken,
		BaseURL: cfg.ProviderBaseURL,
		Model:   cfg.ProviderModel,
		Logger:  log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init provider")
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

	processor := workerproc.NewProcessor(workerproc.Options{
		Ledger:    led,
		Prober:    jobs.NewProber(prov, cfg.ProbeTimeout, log),
		Finalizer: finalizer,
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
		Logger:    log.With().Str("component", "janitor").Logger(),
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Dur("interval", cfg.SweepInterval).Dur("abandon_after", cfg.PollBudget()+cfg.AbandonGrace).Msg("janitor started")
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("janitor stopped")
	}
}
