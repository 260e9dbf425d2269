package storage

import "github.com/segmentio/ksuid"

// NewID returns a new time-sortable record identifier.
func NewID() string {
	return ksuid.New().String()
}
