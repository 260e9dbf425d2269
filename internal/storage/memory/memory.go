// Package memory is an in-process storage.DownloadRepository. It backs
// one-shot fetches and tests; records do not survive a restart.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/italolelis/modelfetch/internal/storage"
)

type DownloadRepository struct {
	mu      sync.RWMutex
	records map[string]storage.DownloadRecord
	now     func() time.Time
}

var _ storage.DownloadRepository = (*DownloadRepository)(nil)

func NewDownloadRepository() *DownloadRepository {
	return &DownloadRepository{
		records: make(map[string]storage.DownloadRecord),
		now:     time.Now,
	}
}

func (r *DownloadRepository) Get(_ context.Context, id string) (*storage.DownloadRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return &rec, nil
}

func (r *DownloadRepository) List(_ context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]storage.DownloadRecord, 0, len(r.records))

	for _, rec := range r.records {
		if len(statuses) > 0 && !slices.Contains(statuses, rec.Status) {
			continue
		}

		out = append(out, rec)
	}

	slices.SortFunc(out, func(a, b storage.DownloadRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}

		return 0
	})

	return out, nil
}

func (r *DownloadRepository) Upsert(_ context.Context, record *storage.DownloadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()

	if existing, ok := r.records[record.ID]; ok && record.CreatedAt.IsZero() {
		record.CreatedAt = existing.CreatedAt
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	if record.ProgressInterval <= 0 {
		record.ProgressInterval = storage.DefaultProgressInterval
	}

	r.records[record.ID] = *record

	return nil
}

func (r *DownloadRepository) UpdateProgress(_ context.Context, id string, downloaded, total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return storage.ErrNotFound
	}

	rec.DownloadedBytes = downloaded
	rec.TotalBytes = total
	rec.UpdatedAt = r.now().UTC()
	r.records[id] = rec

	return nil
}

func (r *DownloadRepository) UpdateStatus(_ context.Context, id string, status storage.Status, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return storage.ErrNotFound
	}

	rec.Status = status
	rec.LastError = lastError
	rec.UpdatedAt = r.now().UTC()
	r.records[id] = rec

	return nil
}
