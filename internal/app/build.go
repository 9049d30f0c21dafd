package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/gallery/internal/chat"
	"github.com/ent0n29/gallery/internal/config"
	"github.com/ent0n29/gallery/internal/engine"
	"github.com/ent0n29/gallery/internal/httpapi"
	"github.com/ent0n29/gallery/internal/interaction"
	"github.com/ent0n29/gallery/internal/observability"
	"github.com/ent0n29/gallery/internal/recovery"
	"github.com/ent0n29/gallery/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Store    interaction.Store
	Writer   *interaction.Writer
	// Engine is the process-wide instance behind /readyz; every session
	// loads its own.
	Engine    engine.Engine
	Sweeper   *recovery.Sweeper
	Metrics   *observability.Metrics
	Recovered int

	// Cleanup should be called on shutdown to release the store, engines and workers.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = log.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := interaction.NewStore(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("interaction store init failed: %w", err)
	}

	newEngine := func() (engine.Engine, error) {
		return engine.New(engine.Config{
			Mode:           cfg.EngineMode,
			Model:          cfg.EngineModel,
			OpenAIAPIKey:   cfg.OpenAIAPIKey,
			OpenAIBaseURL:  cfg.OpenAIBaseURL,
			MockLoadDelay:  cfg.MockLoadDelay,
			MockTokenDelay: cfg.MockTokenDelay,
			Logger:         logger,
		})
	}
	probe, err := newEngine()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	// Engines load in the background; turns wait for readiness on their own.
	loadCtx, cancelLoads := context.WithCancel(context.Background())
	load := func(eng engine.Engine) {
		go func() {
			if err := eng.Load(loadCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("engine load failed", "engine", eng.Name(), "model", cfg.EngineModel, "err", err)
				return
			}
			logger.Debug("engine ready", "engine", eng.Name())
		}()
	}
	load(probe)

	writer := interaction.NewWriter(store, interaction.WriterConfig{
		Workers:      cfg.StoreWriteWorkers,
		QueueSize:    cfg.StoreWriteQueue,
		WriteTimeout: cfg.StoreWriteTimeout,
		Logger:       logger,
		OnResult:     metrics.StoreWrite,
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout, func() (*chat.Coordinator, error) {
		eng, err := newEngine()
		if err != nil {
			return nil, err
		}
		load(eng)
		return chat.New(chat.Config{
			Engine:          eng,
			Store:           store,
			Writer:          writer,
			Logger:          logger,
			Observer:        metrics,
			ResetRetryDelay: cfg.EngineResetRetryDelay,
			FlushTimeout:    cfg.StoreWriteTimeout,
			CloseEngine:     true,
		})
	})
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	sweeper := recovery.New(recovery.Config{
		Store:      store,
		Owner:      sessions,
		Schedule:   cfg.RecoverySchedule,
		StaleAfter: cfg.RecoveryStaleAfter,
		Logger:     logger,
		OnRecovered: func(n int) {
			metrics.RecoveredRecords.Add(float64(n))
		},
	})
	// No session exists yet, so every pending record is left over from a
	// previous run.
	recovered, err := sweeper.RecoverAll(ctx)
	if err != nil {
		logger.Warn("startup recovery failed", "err", err)
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions: sessions,
		Store:    store,
		Engine:   probe,
		Metrics:  metrics,
		Sweeper:  sweeper,
		Logger:   logger,
	})

	cleanup := func() error {
		sweeper.Stop()
		sessions.Close()
		cancelLoads()
		return errors.Join(
			writer.Close(),
			probe.Close(),
			store.Close(),
		)
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Store:     store,
		Writer:    writer,
		Engine:    probe,
		Sweeper:   sweeper,
		Metrics:   metrics,
		Recovered: recovered,
		Cleanup:   cleanup,
	}, nil
}
