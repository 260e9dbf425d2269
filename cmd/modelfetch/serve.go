package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/modelfetch/internal/cleanup"
	"github.com/italolelis/modelfetch/internal/config"
	"github.com/italolelis/modelfetch/internal/downloader"
	"github.com/italolelis/modelfetch/internal/http/rest"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/notifier"
	"github.com/italolelis/modelfetch/internal/progress"
	"github.com/italolelis/modelfetch/internal/resolver"
	"github.com/italolelis/modelfetch/internal/scheduler"
	"github.com/italolelis/modelfetch/internal/storage/sqlite"
	"github.com/italolelis/modelfetch/internal/telemetry"
	"github.com/italolelis/modelfetch/internal/transfer"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download API and the background scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctx, cfg, closer, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closer.Close()

			logctx.LoggerFromContext(ctx).Info("modelfetch starting...", "version", version, "log_level", cfg.LogLevel)

			if err := serve(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
				logctx.LoggerFromContext(ctx).Error("fatal error", "err", err)

				return err
			}

			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	downloadDir, err := cfg.AbsDownloadDir()
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Transfer Pipeline
	res, client, err := buildTransport(cfg, tel)
	if err != nil {
		return err
	}

	latest := progress.NewLatest()
	pipeline := transfer.NewPipeline(repo, client, progress.Multi(progress.LogSink{}, latest), transfer.Options{
		ChunkSize: cfg.ChunkSize,
		Telemetry: tel,
	})

	// =========================================================================
	// Start Downloader
	dl := downloader.NewDownloader(repo, pipeline,
		downloader.WithTelemetry(tel),
		downloader.WithPrewarmer(res),
	)

	sched := scheduler.New(ctx, dl, func(ctx context.Context, rawURL string) error {
		return resolver.Probe(ctx, client, rawURL, cfg.Transport.ConnectTimeout)
	}, scheduler.Config{
		MaxParallel:     cfg.MaxParallel,
		BackoffInitial:  cfg.Retry.InitialInterval,
		BackoffMax:      cfg.Retry.MaxInterval,
		ConnectivityURL: cfg.ConnectivityURL,
	})

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	notifyDone := make(chan struct{})

	go func() {
		defer close(notifyDone)

		notifier.Watch(context.WithoutCancel(ctx), notif, dl.OnDownloadFinished, dl.OnDownloadFailed)
	}()

	// =========================================================================
	// Start Jobs
	jobs, err := scheduler.NewJobs(ctx)
	if err != nil {
		return err
	}

	if err := jobs.Register("poll", cfg.PollInterval, true, func(ctx context.Context) error {
		started, err := sched.Poll(ctx)
		if started > 0 {
			logctx.LoggerFromContext(ctx).InfoContext(ctx, "started download attempts", "count", started, "running", sched.Running())
		}

		return err
	}); err != nil {
		return err
	}

	if err := jobs.Register("cleanup", cfg.CleanupInterval, false, func(ctx context.Context) error {
		return cleanup.Run(ctx, repo, cfg.KeepFailedFor)
	}); err != nil {
		return err
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	handler := rest.NewDownloadsHandler(&downloadService{Downloader: dl, scheduler: sched}, latest, downloadDir, cfg.Web.Username, cfg.Web.Password)

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(logger, handler, tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	jobs.Start()

	logger.Info("waiting for downloads...",
		"download_dir", downloadDir,
		"poll_interval", cfg.PollInterval.String(),
		"max_parallel", cfg.MaxParallel,
		"keep_failed_for", cfg.KeepFailedFor.String(),
	)

	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("could not stop server gracefully: %w", err))
		}
	}

	if err := jobs.Shutdown(); err != nil {
		logger.Error("failed to stop jobs", "err", err)
	}

	// Running attempts are interrupted; their partial files stay for the
	// next start.
	if err := sched.Stop(); err != nil {
		logger.Error("failed to stop scheduler", "err", err)
	}

	dl.Close()
	<-notifyDone

	logger.Info("shutdown complete")

	return runErr
}
