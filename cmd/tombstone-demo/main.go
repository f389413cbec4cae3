// Command tombstone-demo races a post delete against a comment insert under
// each lock policy and logs whether the store was left consistent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/and161185/tombstone/internal/config"
	"github.com/and161185/tombstone/internal/migrate"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
	"github.com/and161185/tombstone/internal/repository/memory"
	"github.com/and161185/tombstone/internal/repository/postgres"
	"github.com/and161185/tombstone/internal/scenario"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("backend", cfg.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("demo failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	policies, err := cfg.LockPolicies()
	if err != nil {
		return err
	}

	h := scenario.New(store, opts, cfg.Hold, logger)
	inconsistent := 0
	for _, p := range policies {
		out, err := h.Run(ctx, p)
		if err != nil {
			return fmt.Errorf("%s race: %w", p, err)
		}
		fields := []zap.Field{
			zap.Stringer("policy", p),
			zap.Stringer("post", out.PostID),
			zap.Bool("deleted", out.Deleted),
			zap.Bool("inserted", out.Inserted),
			zap.Int("orphans", out.Orphans),
			zap.Duration("insert_wait", out.InsertWait),
		}
		if out.DeleteErr != nil {
			fields = append(fields, zap.NamedError("delete_err", out.DeleteErr))
		}
		if out.InsertErr != nil {
			fields = append(fields, zap.NamedError("insert_err", out.InsertErr))
		}
		if out.Consistent() {
			logger.Info("race consistent", fields...)
			continue
		}
		inconsistent++
		logger.Warn("race left a dangling reference", fields...)
	}
	logger.Info("done", zap.Int("races", len(policies)), zap.Int("inconsistent", inconsistent))
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.RecordStore, func(), error) {
	schema := model.BlogSchema()
	if cfg.Backend == config.BackendMemory {
		return memory.New(schema, memory.WithLockWait(cfg.LockTimeout)), func() {}, nil
	}

	if cfg.Migrate {
		if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
			return nil, nil, fmt.Errorf("migrate up: %w", err)
		}
	}
	db, err := postgres.New(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return postgres.NewRecordStore(db, schema), db.Close, nil
}
