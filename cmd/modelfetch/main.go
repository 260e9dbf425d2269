package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/italolelis/modelfetch/internal/config"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "modelfetch",
		Short:         "Resumable downloads of large model files",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newFetchCmd(), newStatusCmd())

	return root
}

// bootstrap loads the configuration and installs the process logger. The
// returned closer flushes the rotating log file, if any.
func bootstrap(ctx context.Context) (context.Context, *config.Config, io.Closer, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)

		return nil, nil, nil, fmt.Errorf("config error: %w", err)
	}

	logger, closer := logctx.NewLogger(logctx.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	slog.SetDefault(logger)

	return logctx.WithLogger(ctx, logger), cfg, closer, nil
}
