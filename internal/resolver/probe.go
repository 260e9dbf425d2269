package resolver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/italolelis/modelfetch/internal/logctx"
)

// Probe checks that rawURL is reachable with a HEAD request. Any 2xx answer
// and 405 Method Not Allowed count as reachable.
func Probe(ctx context.Context, client *http.Client, rawURL string, timeout time.Duration) error {
	if client == nil {
		client = http.DefaultClient
	}

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusMethodNotAllowed {
		return nil
	}

	return fmt.Errorf("probe %s: unexpected status %d", req.URL.Host, resp.StatusCode)
}

// PreWarm resolves the host of rawURL so the first connection of a download
// does not pay for retries. Failures are only logged.
func (r *Resolver) PreWarm(ctx context.Context, rawURL string) {
	logger := logctx.LoggerFromContext(ctx)

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		logger.DebugContext(ctx, "skipping pre-warm for unparsable url", "url", rawURL)

		return
	}

	addrs, err := r.Resolve(ctx, u.Hostname())
	if err != nil {
		logger.WarnContext(ctx, "pre-warm lookup failed", "host", u.Hostname(), "err", err)

		return
	}

	logger.DebugContext(ctx, "pre-warmed host", "host", u.Hostname(), "addresses", len(addrs))
}

// AlternativeURL returns rawURL with its host replaced by host, keeping any
// port. The input is returned unchanged when it cannot be parsed.
func AlternativeURL(rawURL, host string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || host == "" {
		return rawURL
	}

	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}

	return u.String()
}
