package main

import (
	"context"
	"time"

	"github.com/italolelis/modelfetch/internal/downloader"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/scheduler"
	"github.com/italolelis/modelfetch/internal/storage"
)

// downloadService starts an attempt right away for downloads that become
// pending through the API instead of waiting for the next poll.
type downloadService struct {
	*downloader.Downloader

	scheduler *scheduler.Scheduler
}

func (s *downloadService) Create(ctx context.Context, rawURL, destination, authToken string, interval time.Duration) (*storage.DownloadRecord, error) {
	rec, err := s.Downloader.Create(ctx, rawURL, destination, authToken, interval)
	if err != nil {
		return nil, err
	}

	s.start(ctx, rec)

	return rec, nil
}

func (s *downloadService) Resume(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	rec, err := s.Downloader.Resume(ctx, id)
	if err != nil {
		return nil, err
	}

	s.start(ctx, rec)

	return rec, nil
}

func (s *downloadService) start(ctx context.Context, rec *storage.DownloadRecord) {
	if _, err := s.scheduler.CreateAttempt(ctx, rec.ID, rec.ProgressInterval); err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "attempt left to the next poll", "download_id", rec.ID, "err", err)
	}
}
