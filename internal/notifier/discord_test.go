package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/modelfetch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, map[string]string{"content": "hello"}, got)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	err = NewDiscordNotifier("").Notify(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrWebhookNotSet)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, content)

	return nil
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.msgs...)
}

func TestWatch(t *testing.T) {
	finished := make(chan *storage.DownloadRecord, 1)
	failed := make(chan *storage.DownloadRecord, 1)
	n := &recordingNotifier{}

	done := make(chan struct{})

	go func() {
		Watch(context.Background(), n, finished, failed)
		close(done)
	}()

	finished <- &storage.DownloadRecord{ID: "a", Destination: "/data/a.bin", DownloadedBytes: 2_000_000}
	failed <- &storage.DownloadRecord{ID: "b", Destination: "/data/b.bin", LastError: "origin returned 404"}

	close(finished)
	close(failed)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after channels closed")
	}

	msgs := n.messages()
	require.Len(t, msgs, 2)
	assert.ElementsMatch(t, []string{
		"✅ Download finished: /data/a.bin (2.0 MB, a)",
		"❌ Download failed: /data/b.bin (b): origin returned 404",
	}, msgs)
}

func TestWatch_StopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		Watch(ctx, nil, make(chan *storage.DownloadRecord), make(chan *storage.DownloadRecord))
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
