package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/italolelis/modelfetch/internal/storage"
	"github.com/italolelis/modelfetch/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// Get retrieves one download with telemetry.
func (r *InstrumentedDownloadRepository) Get(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Get(ctx, id)

		// A missing row is an answer, not a failed operation.
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, storage.ErrNotFound
	}

	return result, nil
}

// List retrieves downloads with telemetry.
func (r *InstrumentedDownloadRepository) List(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.List(ctx, statuses...)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Upsert writes a download with telemetry.
func (r *InstrumentedDownloadRepository) Upsert(ctx context.Context, record *storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_download", func(ctx context.Context) error {
		return r.repo.Upsert(ctx, record)
	})
}

// UpdateProgress writes byte counters with telemetry.
func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, id string, downloaded, total int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, downloaded, total)
	})
}

// UpdateStatus writes a status change with telemetry.
func (r *InstrumentedDownloadRepository) UpdateStatus(ctx context.Context, id string, status storage.Status, lastError string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_status", func(ctx context.Context) error {
		return r.repo.UpdateStatus(ctx, id, status, lastError)
	})
}
