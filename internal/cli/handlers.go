package cli

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BartekS5/invoice-ingest/internal/config"
	"github.com/BartekS5/invoice-ingest/internal/etl"
	"github.com/BartekS5/invoice-ingest/pkg/database"
	"github.com/BartekS5/invoice-ingest/pkg/logger"
	"github.com/google/uuid"
)

// loadConfig reads the config file and environment, lets the caller apply
// flag overrides, optionally validates, and initializes the logger.
func loadConfig(global *GlobalOptions, validate bool, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(global.ConfigFile)
	if err != nil {
		return nil, err
	}
	if global.Debug {
		cfg.Debug = true
	}
	if override != nil {
		override(cfg)
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	lvl := logger.INFO
	if cfg.Debug {
		lvl = logger.DEBUG
	}
	if err := logger.InitLogger(cfg.LogFile, lvl); err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return cfg, nil
}

func openSink(cfg *config.Config, runID string) (*sql.DB, *etl.SQLLoader, error) {
	dialect, err := etl.DialectFor(cfg.SQLDriver)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.ConnectSQL(cfg.SQLDriver, cfg.SQLConnString, database.PoolOptions{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}
	return db, etl.NewSQLLoader(db, dialect, cfg.SinkTable, runID), nil
}

func openDeadLetters(cfg *config.Config) (etl.DeadLetterSink, error) {
	if cfg.DeadLetterBackend == "mongo" {
		client, err := database.ConnectMongo(cfg.MongoConnString)
		if err != nil {
			return nil, err
		}
		return etl.NewMongoDeadLetter(client, cfg.MongoDatabase, cfg.MongoCollection), nil
	}
	return etl.NewFileDeadLetter(cfg.DeadLetterPath)
}

func runPipeline(ctx context.Context, cfg *config.Config, drain bool) error {
	defer logger.Close()
	runID := uuid.NewString()

	src, err := etl.NewFileSource(etl.FileSourceOptions{
		Dir:         cfg.InputDir,
		Pattern:     cfg.FilePattern,
		CleanSource: cfg.CleanSource,
		ArchiveDir:  cfg.ArchiveDir,
	})
	if err != nil {
		return err
	}

	checkpoints, err := etl.OpenCheckpointStore(cfg.CheckpointDir)
	if err != nil {
		return err
	}

	db, loader, err := openSink(cfg, runID)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.CreateTable {
		if err := loader.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	if err := loader.VerifySchema(ctx); err != nil {
		return err
	}

	deadLetters, err := openDeadLetters(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := deadLetters.Close(closeCtx); err != nil {
			logger.Warnf("Closing dead-letter sink: %v", err)
		}
	}()

	pipeline := etl.NewPipeline(src, loader, checkpoints, deadLetters, etl.Options{
		MaxFilesPerTrigger: cfg.MaxFilesPerTrigger,
		PollInterval:       cfg.PollInterval,
		Workers:            cfg.Workers,
		WriteTimeout:       cfg.WriteTimeout,
		MaxRetries:         cfg.MaxRetries,
		InitialBackoff:     cfg.InitialBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		Drain:              drain,
		RunID:              runID,
	})

	if cfg.Watch && !drain {
		notify, err := src.Watch(ctx)
		if err != nil {
			logger.Warnf("File watching unavailable, polling only: %v", err)
		} else {
			pipeline.Notify = notify
		}
	}

	if err := pipeline.Run(ctx); err != nil {
		return err
	}
	logger.Infof("Pipeline stopped. %s", pipeline.Stats)
	return nil
}
