// Package transport is the Robust Transport: a client-side HTTP wrapper
// with bounded retries, exponential backoff, an overall timeout, and a
// per-target circuit breaker. Both master→slave and slave→master calls go
// through it.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d8ops/controlplane/internal/errs"
)

// Config tunes retry/backoff/circuit-breaker behavior. Zero-value fields
// fall back to the documented defaults in Defaults(), except MaxRetries:
// zero means a single attempt with no retries.
type Config struct {
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	OverallTimeout   time.Duration
}

// Defaults returns the spec's documented default tuning.
func Defaults() Config {
	return Config{
		MaxRetries:       3,
		BackoffBase:      1 * time.Second,
		BackoffCap:       60 * time.Second,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		OverallTimeout:   30 * time.Second,
	}
}

// Client is a Robust Transport instance. One Client safely serves many
// distinct target hosts — each host gets its own independent circuit
// breaker and rate limiter, stored in a map guarded by a mutex so the
// Client value itself can be shared freely across goroutines.
type Client struct {
	cfg    Config
	hc     *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	breakers  map[string]*breaker
	limiters  map[string]*rate.Limiter
}

// New builds a Client. logger is named "transport".
func New(cfg Config, logger *zap.Logger) *Client {
	d := Defaults()
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = d.BackoffBase
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = d.BackoffCap
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.OverallTimeout == 0 {
		cfg.OverallTimeout = d.OverallTimeout
	}

	return &Client{
		cfg:      cfg,
		hc:       &http.Client{},
		logger:   logger.Named("transport"),
		breakers: make(map[string]*breaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) targetBreaker(target string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[target]
	if !ok {
		b = newBreaker(c.cfg.FailureThreshold, c.cfg.Cooldown)
		c.breakers[target] = b
	}
	return b
}

func (c *Client) targetLimiter(target string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[target]
	if !ok {
		// One request permitted per cooldown window while half-open, so a
		// recovering peer isn't immediately hit with a retry burst.
		l = rate.NewLimiter(rate.Every(c.cfg.Cooldown), 1)
		c.limiters[target] = l
	}
	return l
}

func targetKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

// Request performs an HTTP call with retries, backoff, and circuit
// breaking. body, if non-nil, is marshaled as JSON. The response body (if
// any) is returned unread for the caller to decode. On success the
// response status is in [200,400); 4xx responses are returned as-is
// without retry (they are not transient).
func (c *Client) Request(ctx context.Context, method, rawURL string, body any, headers map[string]string) (*http.Response, error) {
	target := targetKey(rawURL)
	br := c.targetBreaker(target)

	allowed, halfOpen := br.allow()
	if !allowed {
		return nil, errs.New(errs.KindTransport, "circuit open for "+target)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal request body: %w", err)
		}
	}

	if halfOpen {
		// half-open: pace the probe so one success doesn't open the flood gates
		if err := c.targetLimiter(target).Wait(ctx); err != nil {
			return nil, errs.Wrap(errs.KindTransport, "half-open rate limit wait", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.OverallTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
			select {
			case <-time.After(wait):
			case <-reqCtx.Done():
				return nil, errs.Wrap(errs.KindTransport, "context done while backing off", reqCtx.Err())
			}
		}

		resp, err := c.attempt(reqCtx, method, rawURL, payload, headers)
		if err == nil && resp.StatusCode < 500 {
			if resp.StatusCode >= 400 {
				// 4xx: not transient, do not retry, do not trip the breaker.
				return resp, nil
			}
			br.recordSuccess()
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("transport: server error status %d", resp.StatusCode)
			resp.Body.Close()
		}
		br.recordFailure()
		c.logger.Warn("transport attempt failed",
			zap.String("target", target), zap.Int("attempt", attempt), zap.Error(lastErr))
	}

	return nil, errs.Wrap(errs.KindTransport, "exhausted retries against "+target, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, payload []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.hc.Do(req)
}

// backoffDelay returns base*2^(attempt-1) capped at cap. attempt is 1 for
// the first retry.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// DecodeJSON reads and decodes resp's body into v, closing the body.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
