package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/modelfetch/internal/storage"
)

// DownloadWriteRepository implements storage.DownloadWriteRepository
// and stores download records in SQLite.
type DownloadWriteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadWriteRepository(db *sql.DB) *DownloadWriteRepository {
	return &DownloadWriteRepository{db: db, now: time.Now}
}

// Upsert inserts the record or replaces the stored copy with the same id.
// CreatedAt and UpdatedAt are maintained here and written back to record.
func (r *DownloadWriteRepository) Upsert(ctx context.Context, record *storage.DownloadRecord) error {
	now := r.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	interval := record.ProgressInterval
	if interval <= 0 {
		interval = storage.DefaultProgressInterval
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (
			id, url, destination, status, downloaded_bytes, total_bytes,
			auth_token, last_error, progress_interval_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			destination = excluded.destination,
			status = excluded.status,
			downloaded_bytes = excluded.downloaded_bytes,
			total_bytes = excluded.total_bytes,
			auth_token = excluded.auth_token,
			last_error = excluded.last_error,
			progress_interval_ms = excluded.progress_interval_ms,
			updated_at = excluded.updated_at
	`,
		record.ID,
		record.URL,
		record.Destination,
		string(record.Status),
		record.DownloadedBytes,
		record.TotalBytes,
		nullString(record.AuthToken),
		nullString(record.LastError),
		interval.Milliseconds(),
		record.CreatedAt.UTC().Format(timeLayout),
		record.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert download %s: %w", record.ID, err)
	}

	return nil
}

// UpdateProgress stores the byte counters of one download.
func (r *DownloadWriteRepository) UpdateProgress(ctx context.Context, id string, downloaded, total int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET downloaded_bytes = ?, total_bytes = ?, updated_at = ?
		WHERE id = ?
	`, downloaded, total, r.now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update progress of %s: %w", id, err)
	}

	return expectOneRow(res, id)
}

// UpdateStatus stores the status of one download. lastError is cleared when empty.
func (r *DownloadWriteRepository) UpdateStatus(ctx context.Context, id string, status storage.Status, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), nullString(lastError), r.now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}

	return expectOneRow(res, id)
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %s: %w", id, err)
	}

	if n == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
