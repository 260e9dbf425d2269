package resolver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{
	MaxRetries:     5,
	InitialDelay:   time.Millisecond,
	MaxDelay:       4 * time.Millisecond,
	ConnectTimeout: time.Second,
}

type countingLookup struct {
	calls atomic.Int32
	fn    func(call int) ([]netip.Addr, error)
}

func (c *countingLookup) lookup(_ context.Context, _ string) ([]netip.Addr, error) {
	return c.fn(int(c.calls.Add(1)))
}

func failing(err error) *countingLookup {
	return &countingLookup{fn: func(int) ([]netip.Addr, error) { return nil, err }}
}

func succeeding(addrs ...string) *countingLookup {
	return &countingLookup{fn: func(int) ([]netip.Addr, error) {
		out := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, netip.MustParseAddr(a))
		}

		return out, nil
	}}
}

// timedLookup records when each call happened and always fails.
type timedLookup struct {
	mu    sync.Mutex
	calls []time.Time
}

func (l *timedLookup) lookup(_ context.Context, _ string) ([]netip.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, time.Now())

	return nil, errors.New("server misbehaving")
}

func (l *timedLookup) gaps() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]time.Duration, 0, len(l.calls))
	for i := 1; i < len(l.calls); i++ {
		out = append(out, l.calls[i].Sub(l.calls[i-1]))
	}

	return out
}

func TestResolve_PrimaryBackoffSchedule(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   []time.Duration
		short  bool
	}{
		{
			name:   "default policy doubles from 200ms",
			policy: DefaultPolicy(),
			want:   []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond},
		},
		{
			name:   "delay is capped at MaxDelay",
			policy: Policy{MaxRetries: 5, InitialDelay: 20 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
			want:   []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond},
			short:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if testing.Short() && !tt.short {
				t.Skip("waits for the full production backoff")
			}

			primary := &timedLookup{}
			direct := &timedLookup{}

			r := New(tt.policy, WithPrimary(primary.lookup), WithDirect(direct.lookup))

			_, err := r.Resolve(context.Background(), "models.example.com")
			require.Error(t, err)

			gaps := primary.gaps()
			require.Len(t, gaps, len(tt.want), "primary should be called MaxRetries times")

			for i, want := range tt.want {
				assert.GreaterOrEqual(t, gaps[i], want-5*time.Millisecond, "gap %d", i)
				assert.Less(t, gaps[i], want+150*time.Millisecond, "gap %d", i)
			}

			require.Len(t, direct.calls, 1)
			assert.False(t, direct.calls[0].Before(primary.calls[len(primary.calls)-1]),
				"direct fallback must run after the last primary attempt")
		})
	}
}

func TestResolve_PrimarySucceeds(t *testing.T) {
	primary := succeeding("10.0.0.1")
	direct := succeeding("10.0.0.2")

	r := New(fastPolicy, WithPrimary(primary.lookup), WithDirect(direct.lookup))

	addrs, err := r.Resolve(context.Background(), "models.example.com")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, addrs)
	assert.EqualValues(t, 1, primary.calls.Load())
	assert.EqualValues(t, 0, direct.calls.Load())
}

func TestResolve_PrimaryRetriesEmptyAnswer(t *testing.T) {
	primary := &countingLookup{fn: func(call int) ([]netip.Addr, error) {
		switch call {
		case 1:
			return nil, errors.New("temporary failure in name resolution")
		case 2:
			return nil, nil
		default:
			return []netip.Addr{netip.MustParseAddr("10.0.0.3")}, nil
		}
	}}
	direct := succeeding("10.0.0.9")

	r := New(fastPolicy, WithPrimary(primary.lookup), WithDirect(direct.lookup))

	addrs, err := r.Resolve(context.Background(), "models.example.com")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", addrs[0].String())
	assert.EqualValues(t, 3, primary.calls.Load())
	assert.EqualValues(t, 0, direct.calls.Load())
}

func TestResolve_FallbackOrder(t *testing.T) {
	primary := failing(errors.New("no such host"))
	direct := failing(errors.New("server misbehaving"))

	r := New(fastPolicy,
		WithPrimary(primary.lookup),
		WithDirect(direct.lookup),
		WithStaticHosts(map[string][]string{"models.example.com": {"not-an-ip", "192.0.2.7", "2001:db8::1"}}),
	)

	addrs, err := r.Resolve(context.Background(), "models.example.com")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.7"), netip.MustParseAddr("2001:db8::1")}, addrs)
	assert.EqualValues(t, fastPolicy.MaxRetries, primary.calls.Load())
	assert.EqualValues(t, 1, direct.calls.Load())
}

func TestResolve_DirectFallback(t *testing.T) {
	primary := failing(errors.New("no such host"))
	direct := succeeding("10.0.0.2")

	r := New(fastPolicy, WithPrimary(primary.lookup), WithDirect(direct.lookup))

	addrs, err := r.Resolve(context.Background(), "models.example.com")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", addrs[0].String())
	assert.EqualValues(t, fastPolicy.MaxRetries, primary.calls.Load())
}

func TestResolve_Exhausted(t *testing.T) {
	directErr := errors.New("server misbehaving")

	r := New(fastPolicy,
		WithPrimary(failing(errors.New("no such host")).lookup),
		WithDirect(failing(directErr).lookup),
		WithStaticHosts(map[string][]string{"models.example.com": {"bogus"}}),
	)

	_, err := r.Resolve(context.Background(), "models.example.com")
	require.Error(t, err)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "models.example.com", resErr.Host)
	assert.ErrorIs(t, err, directErr)
}

func TestResolve_ExhaustedWithEmptyAnswers(t *testing.T) {
	empty := &countingLookup{fn: func(int) ([]netip.Addr, error) { return nil, nil }}

	r := New(fastPolicy, WithPrimary(empty.lookup), WithDirect(empty.lookup))

	_, err := r.Resolve(context.Background(), "models.example.com")
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestResolve_IPLiteralSkipsLookups(t *testing.T) {
	primary := failing(errors.New("must not be called"))

	r := New(fastPolicy, WithPrimary(primary.lookup))

	addrs, err := r.Resolve(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addrs[0].String())
	assert.EqualValues(t, 0, primary.calls.Load())
}

func TestResolve_CoalescesConcurrentLookups(t *testing.T) {
	release := make(chan struct{})
	primary := &countingLookup{fn: func(int) ([]netip.Addr, error) {
		<-release

		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	}}

	r := New(fastPolicy, WithPrimary(primary.lookup))

	var wg sync.WaitGroup

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := r.Resolve(context.Background(), "models.example.com")
			assert.NoError(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, primary.calls.Load(), int32(5))
	assert.GreaterOrEqual(t, primary.calls.Load(), int32(1))
}

func TestResolve_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	primary := &countingLookup{fn: func(int) ([]netip.Addr, error) {
		<-release

		return nil, errors.New("late")
	}}

	r := New(fastPolicy, WithPrimary(primary.lookup))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, "models.example.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_DefaultsZeroPolicy(t *testing.T) {
	r := New(Policy{})
	assert.Equal(t, DefaultPolicy(), r.Policy())
}

func TestDialContext_UsesResolvedAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	r := New(fastPolicy, WithPrimary(succeeding("127.0.0.1").lookup))

	conn, err := r.DialContext(context.Background(), "tcp", net.JoinHostPort("models.example.com", port))
	require.NoError(t, err)
	assert.NoError(t, conn.Close())
}

func TestDialContext_ResolutionFailure(t *testing.T) {
	r := New(fastPolicy,
		WithPrimary(failing(errors.New("no such host")).lookup),
		WithDirect(failing(errors.New("no such host")).lookup),
	)

	_, err := r.DialContext(context.Background(), "tcp", "models.example.com:443")

	var resErr *ResolutionError
	assert.ErrorAs(t, err, &resErr)
}
