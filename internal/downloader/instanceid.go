package downloader

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// NewInstanceID returns a unique string for this process (hostname+pid+random).
// It tags the attempts a process runs when several share one database.
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
