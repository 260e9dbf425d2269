package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/modelfetch/internal/storage"
)

// DownloadRepository is the SQLite-backed progress store.
type DownloadRepository struct {
	*DownloadReadRepository
	*DownloadWriteRepository
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{
		DownloadReadRepository:  NewDownloadReadRepository(dbConn),
		DownloadWriteRepository: NewDownloadWriteRepository(dbConn),
	}
}

var _ storage.DownloadRepository = (*DownloadRepository)(nil)

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.DownloadRecord, error) {
	var (
		record     storage.DownloadRecord
		status     string
		authToken  sql.NullString
		lastError  sql.NullString
		intervalMS int64
		createdAt  string
		updatedAt  string
	)

	err := s.Scan(
		&record.ID,
		&record.URL,
		&record.Destination,
		&status,
		&record.DownloadedBytes,
		&record.TotalBytes,
		&authToken,
		&lastError,
		&intervalMS,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = storage.Status(status)
	record.AuthToken = authToken.String
	record.LastError = lastError.String
	record.ProgressInterval = time.Duration(intervalMS) * time.Millisecond

	if record.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}

	if record.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}

	return &record, nil
}
