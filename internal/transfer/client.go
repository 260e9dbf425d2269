package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrReadTimeout is reported when the body stalls longer than the read timeout.
var ErrReadTimeout = errors.New("read timed out waiting for response body")

// DialFunc dials a network address. (*resolver.Resolver).DialContext fits.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ClientOptions bounds each phase of a request.
type ClientOptions struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
}

// DefaultClientOptions uses 30 seconds for every phase.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ConnectTimeout:        30 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	}
}

// NewClient builds the HTTP client used for transfers. No overall client
// timeout is set; a multi-gigabyte body is bounded by the idle read timeout.
func NewClient(dial DialFunc, opts ClientOptions) *http.Client {
	def := DefaultClientOptions()

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}

	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = def.ResponseHeaderTimeout
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}

	if dial == nil {
		dial = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	}

	connectTimeout := opts.ConnectTimeout

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			ctx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()

			return dial(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.WriteTimeout,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
	}

	var rt http.RoundTripper = &retryDialTransport{next: base}
	rt = &idleTimeoutTransport{next: rt, timeout: opts.ReadTimeout}

	return &http.Client{Transport: otelhttp.NewTransport(rt)}
}

// retryDialTransport retries a request once when the connection could not be
// established. Nothing has reached the origin in that case.
type retryDialTransport struct {
	next http.RoundTripper
}

func (t *retryDialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err == nil || !isDialError(err) || req.Context().Err() != nil {
		return resp, err
	}

	retry := req.Clone(req.Context())

	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return resp, err
		}

		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return resp, err
		}

		retry.Body = body
	}

	return t.next.RoundTrip(retry)
}

func isDialError(err error) bool {
	var opErr *net.OpError

	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// idleTimeoutTransport aborts a response whose body makes no progress for
// timeout. The deadline is armed only while a Read is in flight.
type idleTimeoutTransport struct {
	next    http.RoundTripper
	timeout time.Duration
}

func (t *idleTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())

	resp, err := t.next.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()

		return nil, err
	}

	resp.Body = newIdleTimeoutBody(resp.Body, t.timeout, cancel)

	return resp, nil
}

type idleTimeoutBody struct {
	rc       io.ReadCloser
	timeout  time.Duration
	cancel   context.CancelFunc
	timer    *time.Timer
	timedOut atomic.Bool
	once     sync.Once
}

func newIdleTimeoutBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{rc: rc, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, func() {
		b.timedOut.Store(true)
		cancel()
	})
	b.timer.Stop()

	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.rc.Read(p)
	b.timer.Stop()

	if err != nil && err != io.EOF && b.timedOut.Load() {
		return n, fmt.Errorf("%w after %s: %w", ErrReadTimeout, b.timeout, err)
	}

	return n, err
}

func (b *idleTimeoutBody) Close() error {
	var err error

	b.once.Do(func() {
		b.timer.Stop()
		err = b.rc.Close()
		b.cancel()
	})

	return err
}
