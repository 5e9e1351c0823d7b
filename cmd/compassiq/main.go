package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clasak/compassiq/config"
	"github.com/clasak/compassiq/pkg/database"
)

const version = "0.1.0"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "compassiq: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "compassiq",
		Short:         "Metrics ingestion and KPI service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newMappingCommand())
	return root
}

// loadRuntime loads configuration and builds the process logger. The returned func flushes it.
func loadRuntime() (*config.Config, ectologger.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, zapadapter.NewZapEctoLogger(zapLogger, nil), func() { _ = zapLogger.Sync() }, nil
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}

func newMigrationService(cfg *config.Config, logger ectologger.Logger) *database.MigrationService {
	return database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             cfg.DatabaseMigrationVersion,
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
}
