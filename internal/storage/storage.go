package storage

import (
	"context"
	"errors"
	"time"
)

// UnknownSize marks a total size that has not been learned from the origin yet.
const UnknownSize int64 = -1

// DefaultProgressInterval is the minimum time between two persisted progress updates.
const DefaultProgressInterval = time.Second

var (
	ErrNotFound = errors.New("download not found")
)

// Status is the lifecycle state of a download.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further attempts may be made for the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// DownloadRecord is the persisted state of one logical download.
type DownloadRecord struct {
	ID               string
	URL              string
	Destination      string
	Status           Status
	DownloadedBytes  int64
	TotalBytes       int64
	AuthToken        string
	LastError        string
	ProgressInterval time.Duration
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TotalKnown reports whether the origin has told us the full size.
func (r *DownloadRecord) TotalKnown() bool {
	return r.TotalBytes >= 0
}

// DownloadReadRepository reads download records.
type DownloadReadRepository interface {
	Get(ctx context.Context, id string) (*DownloadRecord, error)
	List(ctx context.Context, statuses ...Status) ([]DownloadRecord, error)
}

// DownloadWriteRepository writes download records. Upsert is keyed by record ID.
// UpdateProgress and UpdateStatus touch only their own columns so a progress
// write never overwrites a concurrent status change and vice versa.
type DownloadWriteRepository interface {
	Upsert(ctx context.Context, record *DownloadRecord) error
	UpdateProgress(ctx context.Context, id string, downloaded, total int64) error
	UpdateStatus(ctx context.Context, id string, status Status, lastError string) error
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
