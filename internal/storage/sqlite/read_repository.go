package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/italolelis/modelfetch/internal/storage"
)

const selectColumns = `id, url, destination, status, downloaded_bytes, total_bytes,
	auth_token, last_error, progress_interval_ms, created_at, updated_at`

type DownloadReadRepository struct {
	db *sql.DB
}

func NewDownloadReadRepository(dbConn *sql.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: dbConn}
}

// Get returns the record with the given id or storage.ErrNotFound.
func (r *DownloadReadRepository) Get(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE id = ?`, id)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get download %s: %w", id, err)
	}

	return record, nil
}

// List returns records ordered by creation, optionally filtered by status.
func (r *DownloadReadRepository) List(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM downloads`
	args := make([]any, 0, len(statuses))

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}

		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}

	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}

		downloads = append(downloads, *record)
	}

	return downloads, rows.Err()
}
