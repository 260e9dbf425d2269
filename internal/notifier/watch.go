package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/storage"
)

// Watch forwards downloader events to n until ctx is done or both channels
// are closed. A nil notifier only logs the events.
func Watch(ctx context.Context, n Notifier, finished, failed <-chan *storage.DownloadRecord) {
	logger := logctx.LoggerFromContext(ctx)

	for finished != nil || failed != nil {
		var msg string

		select {
		case <-ctx.Done():
			return
		case rec, ok := <-finished:
			if !ok {
				finished = nil

				continue
			}

			logger.InfoContext(ctx, "download finished", "download_id", rec.ID, "destination", rec.Destination)
			msg = FinishedMessage(rec)
		case rec, ok := <-failed:
			if !ok {
				failed = nil

				continue
			}

			logger.ErrorContext(ctx, "download failed", "download_id", rec.ID, "err", rec.LastError)
			msg = FailedMessage(rec)
		}

		if n == nil {
			continue
		}

		if err := n.Notify(ctx, msg); err != nil {
			logger.ErrorContext(ctx, "failed to send notification", "err", err)
		}
	}
}

func FinishedMessage(rec *storage.DownloadRecord) string {
	return fmt.Sprintf("✅ Download finished: %s (%s, %s)", rec.Destination, humanize.Bytes(uint64(max(rec.DownloadedBytes, 0))), rec.ID)
}

func FailedMessage(rec *storage.DownloadRecord) string {
	return fmt.Sprintf("❌ Download failed: %s (%s): %s", rec.Destination, rec.ID, rec.LastError)
}
