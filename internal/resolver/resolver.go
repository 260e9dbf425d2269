package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/modelfetch/internal/logctx"
	"github.com/italolelis/modelfetch/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// ErrNoAddress is reported when no strategy produced an address and no
// underlying lookup error is available.
var ErrNoAddress = errors.New("no address associated with hostname")

var errEmptyAnswer = errors.New("lookup returned no addresses")

const (
	strategyPrimary = "primary"
	strategyDirect  = "direct"
	strategyStatic  = "static"
)

// ResolutionError is returned when every strategy failed for Host.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Policy bounds the retry loop of the primary strategy.
type Policy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

// LookupFunc resolves host to a list of addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Resolver maps hostnames to addresses, falling back from the system
// resolver to a pure-Go resolver and finally to a static table.
type Resolver struct {
	policy    Policy
	primary   LookupFunc
	direct    LookupFunc
	static    map[string][]string
	dialer    *net.Dialer
	telemetry *telemetry.Telemetry
	group     singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPrimary replaces the system lookup.
func WithPrimary(fn LookupFunc) Option {
	return func(r *Resolver) { r.primary = fn }
}

// WithDirect replaces the direct fallback lookup.
func WithDirect(fn LookupFunc) Option {
	return func(r *Resolver) { r.direct = fn }
}

// WithNameservers makes the direct fallback query the given servers
// ("ip:port") instead of the ones configured on the host.
func WithNameservers(servers []string) Option {
	return func(r *Resolver) {
		if len(servers) > 0 {
			r.direct = goLookup(nameserverResolver(servers, r.policy.ConnectTimeout))
		}
	}
}

// WithStaticHosts sets the last-resort table of literal addresses.
func WithStaticHosts(hosts map[string][]string) Option {
	return func(r *Resolver) { r.static = hosts }
}

// WithTelemetry records lookups per strategy.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Resolver) { r.telemetry = t }
}

// New creates a Resolver. Zero policy fields take their default values.
func New(policy Policy, opts ...Option) *Resolver {
	def := DefaultPolicy()

	if policy.MaxRetries <= 0 {
		policy.MaxRetries = def.MaxRetries
	}

	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}

	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}

	if policy.ConnectTimeout <= 0 {
		policy.ConnectTimeout = def.ConnectTimeout
	}

	r := &Resolver{
		policy:  policy,
		primary: goLookup(net.DefaultResolver),
		direct:  goLookup(&net.Resolver{PreferGo: true}),
		dialer:  &net.Dialer{Timeout: policy.ConnectTimeout, KeepAlive: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Policy returns the effective policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve returns the addresses of host. Concurrent calls for the same host
// share one lookup.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	ch := r.group.DoChan(host, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), host)
	})

	select {
	case <-ctx.Done():
		return nil, &ResolutionError{Host: host, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		addrs, _ := res.Val.([]netip.Addr)

		return addrs, nil
	}
}

func (r *Resolver) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	logger := logctx.LoggerFromContext(ctx).With("host", host)

	addrs, primaryErr := r.lookupPrimary(ctx, host)
	if primaryErr == nil {
		r.telemetry.RecordLookup(ctx, strategyPrimary, "success")

		return addrs, nil
	}

	r.telemetry.RecordLookup(ctx, strategyPrimary, "error")
	logger.WarnContext(ctx, "system lookup failed, trying direct resolver", "err", primaryErr)

	addrs, directErr := r.lookupDirect(ctx, host)
	if directErr == nil {
		r.telemetry.RecordLookup(ctx, strategyDirect, "success")
		logger.InfoContext(ctx, "resolved via direct resolver", "addresses", len(addrs))

		return addrs, nil
	}

	r.telemetry.RecordLookup(ctx, strategyDirect, "error")
	logger.WarnContext(ctx, "direct lookup failed", "err", directErr)

	if addrs := r.lookupStatic(ctx, host); len(addrs) > 0 {
		r.telemetry.RecordLookup(ctx, strategyStatic, "success")
		logger.InfoContext(ctx, "resolved via static table", "addresses", len(addrs))

		return addrs, nil
	}

	if len(r.static) > 0 {
		r.telemetry.RecordLookup(ctx, strategyStatic, "miss")
	}

	cause := directErr
	if errors.Is(cause, errEmptyAnswer) {
		cause = primaryErr
	}

	if cause == nil || errors.Is(cause, errEmptyAnswer) {
		cause = ErrNoAddress
	}

	logger.ErrorContext(ctx, "all resolution strategies exhausted", "err", cause)

	return nil, &ResolutionError{Host: host, Err: cause}
}

func (r *Resolver) lookupPrimary(ctx context.Context, host string) ([]netip.Addr, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialDelay
	b.MaxInterval = r.policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	tries := 0

	return backoff.Retry(ctx, func() ([]netip.Addr, error) {
		tries++

		addrs, err := r.primary(ctx, host)
		if err == nil && len(addrs) == 0 {
			err = errEmptyAnswer
		}

		if err != nil {
			logctx.LoggerFromContext(ctx).DebugContext(ctx, "system lookup attempt failed",
				"host", host, "attempt", tries, "err", err)

			return nil, err
		}

		return addrs, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
	)
}

func (r *Resolver) lookupDirect(ctx context.Context, host string) ([]netip.Addr, error) {
	if r.direct == nil {
		return nil, errEmptyAnswer
	}

	addrs, err := r.direct(ctx, host)
	if err != nil {
		return nil, err
	}

	if len(addrs) == 0 {
		return nil, errEmptyAnswer
	}

	return addrs, nil
}

func (r *Resolver) lookupStatic(ctx context.Context, host string) []netip.Addr {
	candidates := r.static[host]
	if len(candidates) == 0 {
		return nil
	}

	addrs := make([]netip.Addr, 0, len(candidates))

	for _, candidate := range candidates {
		addr, err := netip.ParseAddr(candidate)
		if err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "skipping invalid static address",
				slog.String("host", host), slog.String("address", candidate))

			continue
		}

		addrs = append(addrs, addr.Unmap())
	}

	return addrs
}

// DialContext resolves the host part of addr and dials each address in turn.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
	}

	addrs, err := r.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error

	for _, ip := range addrs {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}

func goLookup(res *net.Resolver) LookupFunc {
	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		addrs, err := res.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}

		for i := range addrs {
			addrs[i] = addrs[i].Unmap()
		}

		return addrs, nil
	}
}

func nameserverResolver(servers []string, timeout time.Duration) *net.Resolver {
	var next atomic.Uint32

	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			server := servers[int(next.Add(1)-1)%len(servers)]
			if _, _, err := net.SplitHostPort(server); err != nil {
				server = net.JoinHostPort(server, "53")
			}

			d := net.Dialer{Timeout: timeout}

			return d.DialContext(ctx, network, server)
		},
	}
}
