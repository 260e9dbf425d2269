package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/modelfetch/internal/config"
	"github.com/italolelis/modelfetch/internal/downloader"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/progress"
	"github.com/italolelis/modelfetch/internal/storage/memory"
	"github.com/italolelis/modelfetch/internal/transfer"
	"github.com/spf13/cobra"
)

var errFetchCancelled = errors.New("download cancelled")

type fetchOptions struct {
	authToken        string
	progressInterval time.Duration
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions

	cmd := &cobra.Command{
		Use:   "fetch <url> <destination>",
		Short: "Download a single file in the foreground, resuming any partial file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctx, cfg, closer, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closer.Close()

			if err := fetch(ctx, cfg, args[0], args[1], opts, cmd.ErrOrStderr()); err != nil {
				logctx.LoggerFromContext(ctx).Error("fetch failed", "err", err)

				return err
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&opts.authToken, "auth-token", os.Getenv("MODELFETCH_AUTH_TOKEN"), "bearer token sent to the origin")
	cmd.Flags().DurationVar(&opts.progressInterval, "progress-interval", time.Second, "minimum time between progress updates")

	return cmd
}

// fetch drives one download to a terminal state, retrying transient
// failures with exponential backoff. Records live in memory; the partial
// destination file is what makes a later run resume.
func fetch(ctx context.Context, cfg *config.Config, rawURL, destination string, opts fetchOptions, out io.Writer) error {
	logger := logctx.LoggerFromContext(ctx)

	dest, err := filepath.Abs(destination)
	if err != nil {
		return fmt.Errorf("failed to resolve destination: %w", err)
	}

	res, client, err := buildTransport(cfg, nil)
	if err != nil {
		return err
	}

	repo := memory.NewDownloadRepository()
	printer := progress.SinkFunc(func(_ context.Context, e progress.Event) {
		if e.TotalBytes > 0 {
			fmt.Fprintf(out, "\r%s / %s (%.1f%%)", humanize.Bytes(uint64(e.DownloadedBytes)), humanize.Bytes(uint64(e.TotalBytes)), e.Percent())

			return
		}

		fmt.Fprintf(out, "\r%s", humanize.Bytes(uint64(max(e.DownloadedBytes, 0))))
	})

	pipeline := transfer.NewPipeline(repo, client, progress.Multi(progress.LogSink{}, printer), transfer.Options{ChunkSize: cfg.ChunkSize})

	dl := downloader.NewDownloader(repo, pipeline, downloader.WithPrewarmer(res))
	defer dl.Close()

	rec, err := dl.Create(ctx, rawURL, dest, opts.authToken, opts.progressInterval)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Retry.InitialInterval
	b.MaxInterval = cfg.Retry.MaxInterval
	b.Reset()

	for {
		result, err := dl.RunAttempt(ctx, rec.ID)
		if err != nil {
			return err
		}

		switch result {
		case downloader.ResultSuccess:
			fmt.Fprintln(out)

			final, err := dl.GetRecord(ctx, rec.ID)
			if err == nil {
				logger.Info("download completed", "destination", final.Destination, "size", humanize.Bytes(uint64(max(final.DownloadedBytes, 0))))
			}

			return nil
		case downloader.ResultFailure:
			fmt.Fprintln(out)

			final, err := dl.GetRecord(context.WithoutCancel(ctx), rec.ID)
			if err != nil {
				return fmt.Errorf("download failed: %w", err)
			}

			return fmt.Errorf("download failed: %s", final.LastError)
		case downloader.ResultCancelled:
			fmt.Fprintln(out)

			return errFetchCancelled
		}

		delay := b.NextBackOff()
		logger.Warn("download interrupted, retrying", "delay", delay.String())

		select {
		case <-ctx.Done():
			if _, err := dl.Cancel(context.WithoutCancel(ctx), rec.ID); err != nil {
				logger.Error("failed to cancel download", "err", err)
			}

			return errFetchCancelled
		case <-time.After(delay):
		}
	}
}
