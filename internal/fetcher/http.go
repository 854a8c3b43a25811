package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/citypulse/transit-ingest/internal/feed"
)

// Options configures the HTTP client.
type Options struct {
	UserAgent string
	// DefaultTimeout applies when a source does not set its own. It should
	// be on the order of the feed's cadence, never unbounded.
	DefaultTimeout time.Duration
	// RateLimiters are per-host politeness caps toward feed providers.
	RateLimiters map[string]*rate.Limiter
}

// HTTPClient implements Client over net/http with per-host rate limiting.
// FTP URLs are delegated to the FTP path for providers that still publish
// static archives that way.
type HTTPClient struct {
	client *http.Client
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPClient creates a feed client.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "transit-ingest/1.0"
	}
	limiters := make(map[string]*rate.Limiter)
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client:   &http.Client{Transport: transport},
		opts:     opts,
		limiters: limiters,
	}
}

func (c *HTTPClient) limiterFor(rawURL string) *rate.Limiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiters[u.Host]
}

// Fetch performs a single GET against the source with its headers and a hard
// deadline. No retries happen here: the typed error tells the worker and
// queue what to do next. FetchedAt is the injected now, not the wall clock,
// so task handling stays deterministic under test.
func (c *HTTPClient) Fetch(ctx context.Context, src *feed.Source, now time.Time) (*RawResult, error) {
	timeout := src.Timeout.Std()
	if timeout == 0 {
		timeout = c.opts.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if strings.HasPrefix(src.URL, "ftp://") {
		return c.fetchFTP(ctx, src, now)
	}

	if lim := c.limiterFor(src.URL); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, &FetchError{Kind: KindNetwork, Err: eris.Wrap(err, "rate limiter wait")}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: eris.Wrap(err, "create request")}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		zap.L().Warn("feed fetch returned non-2xx",
			zap.String("dataset", src.ID),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &FetchError{Kind: KindHTTPStatus, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if len(body) == 0 {
		return nil, &FetchError{Kind: KindEmptyBody}
	}

	return &RawResult{
		DatasetID:   src.ID,
		FetchedAt:   now.UTC(),
		ContentHash: hashBytes(body),
		Body:        body,
	}, nil
}

// classifyTransport maps a transport-level error to a typed FetchError,
// distinguishing deadline hits from other network failures.
func classifyTransport(err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	return &FetchError{Kind: KindNetwork, Err: err}
}
