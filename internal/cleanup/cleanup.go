package cleanup

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/storage"
)

// DeleteExpiredPartials removes the partial files left behind by failed
// downloads whose last update is older than keepDuration. Records are left
// untouched. It returns the number of files removed.
func DeleteExpiredPartials(ctx context.Context, records []storage.DownloadRecord, keepDuration time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		removed int
		errs    []error
	)

	for _, rec := range records {
		if rec.Status != storage.StatusFailed || rec.Destination == "" {
			continue
		}

		if now.Sub(rec.UpdatedAt) <= keepDuration {
			continue
		}

		info, err := os.Stat(rec.Destination)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // already deleted
			}

			logger.ErrorContext(ctx, "failed to stat partial file", "download_id", rec.ID, "file", rec.Destination, "err", err)
			errs = append(errs, err)

			continue
		}

		if info.IsDir() {
			continue
		}

		if err := os.Remove(rec.Destination); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to delete partial file", "download_id", rec.ID, "file", rec.Destination, "err", err)
			errs = append(errs, err)

			continue
		}

		removed++

		logger.InfoContext(ctx, "deleted expired partial file", "download_id", rec.ID, "file", rec.Destination)
	}

	return removed, errors.Join(errs...)
}

// Run lists failed downloads from repo and deletes their expired partials.
func Run(ctx context.Context, repo storage.DownloadReadRepository, keepDuration time.Duration) error {
	records, err := repo.List(ctx, storage.StatusFailed)
	if err != nil {
		return err
	}

	_, err = DeleteExpiredPartials(ctx, records, keepDuration, time.Now())

	return err
}
