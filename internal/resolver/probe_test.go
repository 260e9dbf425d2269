package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"no content", http.StatusNoContent, false},
		{"method not allowed", http.StatusMethodNotAllowed, false},
		{"not found", http.StatusNotFound, true},
		{"server error", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodHead, r.Method)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := Probe(context.Background(), srv.Client(), srv.URL, time.Second)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	assert.Error(t, Probe(context.Background(), nil, url, time.Second))
}

func TestAlternativeURL(t *testing.T) {
	assert.Equal(t, "https://mirror.example.net/m/model.bin",
		AlternativeURL("https://cdn.example.com/m/model.bin", "mirror.example.net"))
	assert.Equal(t, "http://mirror.example.net:8080/x",
		AlternativeURL("http://cdn.example.com:8080/x", "mirror.example.net"))
	assert.Equal(t, "::not a url", AlternativeURL("::not a url", "mirror.example.net"))
}

func TestPreWarm_IgnoresFailures(t *testing.T) {
	r := New(fastPolicy,
		WithPrimary(failing(assert.AnError).lookup),
		WithDirect(failing(assert.AnError).lookup),
	)

	assert.NotPanics(t, func() {
		r.PreWarm(context.Background(), "https://models.example.com/model.bin")
		r.PreWarm(context.Background(), "%%%")
	})
}
