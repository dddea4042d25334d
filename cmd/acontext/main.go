// Command acontext runs the unified server: HTTP API, buffer controller,
// session-message consumer, and the skill-learning pipeline in one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acontext-io/acontext/internal/agent"
	"github.com/acontext-io/acontext/internal/blob"
	"github.com/acontext-io/acontext/internal/buffer"
	"github.com/acontext-io/acontext/internal/common/config"
	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/common/tracing"
	"github.com/acontext-io/acontext/internal/coord"
	"github.com/acontext-io/acontext/internal/db"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/llm"
	"github.com/acontext-io/acontext/internal/server"
	"github.com/acontext-io/acontext/internal/skill"
	"github.com/acontext-io/acontext/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Fatal("failed to load config", zap.Error(err))
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		logger.Default().Fatal("failed to create logger", zap.Error(err))
	}
	logger.SetDefault(log)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database.
	pool, err := openPool(cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	st, err := store.New(pool)
	if err != nil {
		return err
	}

	// Event bus and coordination store share one NATS connection; without a
	// NATS URL both run in process memory (single-node dev mode).
	var (
		eb bus.EventBus
		cs coord.Store
	)
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return err
		}
		eb = natsBus
		cs, err = coord.NewNATSStore(natsBus.Conn(), log)
		if err != nil {
			natsBus.Close()
			return err
		}
	} else {
		log.Warn("no NATS URL configured, using in-memory bus and coordination store")
		eb = bus.NewMemoryEventBus(log)
		cs = coord.NewMemoryStore()
	}
	defer eb.Close()
	defer cs.Close()

	// Object store.
	var bs blob.Store
	if cfg.Blob.Bucket != "" {
		bs, err = blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.Blob.Bucket,
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Blob.Endpoint,
			Prefix:          cfg.Blob.Prefix,
			AccessKeyID:     cfg.Blob.AccessKeyID,
			SecretAccessKey: cfg.Blob.SecretAccessKey,
			UsePathStyle:    cfg.Blob.UsePathStyle,
		})
		if err != nil {
			return err
		}
	} else {
		log.Warn("no blob bucket configured, storing file content in memory")
		bs = blob.NewMemoryStore()
	}
	defer bs.Close()

	client := llm.NewOpenAIClient(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})

	// Pipeline consumers.
	taskAgent, err := agent.New(st, eb, client, log, agent.Config{
		Model:         cfg.LLM.Model,
		MaxIterations: cfg.Agent.MaxIterations,
	})
	if err != nil {
		return err
	}
	controller := buffer.NewController(st, cs, eb, log)
	consumer := buffer.NewConsumer(st, cs, eb, taskAgent, log, cfg.Agent.SessionLockTTLDuration())
	distiller := skill.NewDistiller(st, eb, client, log, cfg.LLM.Model)
	learnAgent, err := skill.NewLearnAgent(st, cs, eb, client, log, skill.LearnAgentConfig{
		Model:         cfg.LLM.Model,
		MaxIterations: cfg.Agent.MaxIterations,
		LockTTL:       cfg.Agent.LearnLockTTLDuration(),
	})
	if err != nil {
		return err
	}

	subs := []interface{ Subscribe() (bus.Subscription, error) }{
		controller, consumer, distiller, learnAgent,
	}
	for _, s := range subs {
		if _, err := s.Subscribe(); err != nil {
			return err
		}
	}

	srv := server.New(cfg, st, eb, bs, consumer, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", zap.Error(err))
		}
		controller.WaitTimers()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("tracing shutdown failed", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func openPool(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.Host == "" {
		path := cfg.Database.Path
		if path == "" {
			path = "acontext.db"
		}
		return db.OpenSQLitePool(path)
	}
	pg, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return nil, err
	}
	pgx := sqlx.NewDb(pg, "pgx")
	return db.NewPool(pgx, pgx), nil
}
