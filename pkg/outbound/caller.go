// Package outbound implements the call policy shared by every outbound API
// request: per-provider token bucket, bounded timeouts, retry with
// exponential backoff and jitter, Retry-After honoring, and per-call audit
// and metrics. Both API clients funnel through a Caller.
package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/syncbridge/pkg/audit"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
	"github.com/Mindburn-Labs/syncbridge/pkg/metrics"
)

// Retry policy constants (§ outbound call policy).
const (
	maxAttempts    = 5
	initialBackoff = 250 * time.Millisecond
	backoffFactor  = 2.0
	backoffJitter  = 0.2
	maxBackoffWait = 8 * time.Second

	connectTimeout = 5 * time.Second
	readTimeout    = 10 * time.Second
	totalTimeout   = 30 * time.Second
)

// Response is the terminal result of one logical API operation.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Caller executes requests against one provider under the shared policy.
type Caller struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	audit    audit.Logger
	logger   *slog.Logger
}

// Option tweaks a Caller.
type Option func(*Caller)

// WithHTTPClient injects a custom client (tests).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Caller) { c.client = client }
}

// WithRateLimit overrides the provider token bucket.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Caller) { c.limiter = rate.NewLimiter(limit, burst) }
}

// NewCaller builds a Caller for a provider. The default token bucket allows
// 10 calls/s with a burst of 5; bounded connection counts live on the
// transport.
func NewCaller(provider string, m *metrics.Metrics, auditLogger audit.Logger, opts ...Option) *Caller {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: readTimeout,
		MaxConnsPerHost:       32,
		MaxIdleConnsPerHost:   8,
	}
	c := &Caller{
		provider: provider,
		client:   &http.Client{Transport: transport, Timeout: totalTimeout},
		limiter:  rate.NewLimiter(rate.Limit(10), 5),
		metrics:  m,
		audit:    auditLogger,
		logger:   slog.Default().With("component", "outbound", "provider", provider),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes one logical operation. build must return a fresh request per
// attempt because bodies are consumed. Transient failures (network errors,
// 408/429/5xx except 501/505) are retried with exponential backoff; other
// 4xx are terminal. A Retry-After hint postpones the next attempt by at
// least the hinted duration.
func (c *Caller) Do(ctx context.Context, op string, build func() (*http.Request, error)) (*Response, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initialBackoff
	expo.Multiplier = backoffFactor
	expo.RandomizationFactor = backoffJitter
	expo.MaxInterval = maxBackoffWait

	var lastTransient error
	attempt := func() (*Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fault.Wrap(fault.KindTimeout, op, err))
		}

		req, err := build()
		if err != nil {
			return nil, backoff.Permanent(fault.Wrap(fault.KindInternal, op, err))
		}
		req = req.WithContext(ctx)

		start := time.Now()
		resp, err := c.client.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			c.observe(ctx, op, 0, elapsed, "network_error")
			if ctx.Err() != nil {
				return nil, backoff.Permanent(fault.Wrap(fault.KindTimeout, op, ctx.Err()))
			}
			return nil, fault.Wrap(fault.KindUpstreamTransient, op, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if readErr != nil {
			c.observe(ctx, op, resp.StatusCode, elapsed, "read_error")
			return nil, fault.Wrap(fault.KindUpstreamTransient, op, readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.observe(ctx, op, resp.StatusCode, elapsed, "ok")
			return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil

		case transientStatus(resp.StatusCode):
			c.observe(ctx, op, resp.StatusCode, elapsed, "transient")
			err := fault.New(fault.KindUpstreamTransient, "%s: HTTP %d: %s", op, resp.StatusCode, snippet(body))
			lastTransient = err
			if wait, ok := retryAfter(resp.Header); ok {
				return nil, &backoff.RetryAfterError{Duration: wait}
			}
			return nil, err

		default:
			c.observe(ctx, op, resp.StatusCode, elapsed, "permanent")
			return nil, backoff.Permanent(fault.New(fault.KindUpstreamPermanent,
				"%s: HTTP %d: %s", op, resp.StatusCode, snippet(body)))
		}
	}

	resp, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		// Exhaustion on a hinted attempt surfaces the bare Retry-After
		// error; restore the transient classification so callers still
		// see a quarantinable failure.
		var hinted *backoff.RetryAfterError
		if errors.As(err, &hinted) && lastTransient != nil {
			err = lastTransient
		}
		c.logger.Warn("operation failed", "op", op, "error", err)
		return nil, err
	}
	return resp, nil
}

func (c *Caller) observe(ctx context.Context, op string, status int, elapsed time.Duration, decision string) {
	c.metrics.RecordAPICall(ctx, c.provider, op, status, elapsed)
	audit.Outbound(c.audit, c.provider, op, status, decision, nil)
}

// transientStatus reports whether an HTTP status is worth retrying:
// 408, 429 and 5xx except 501/505.
func transientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	case http.StatusNotImplemented, http.StatusHTTPVersionNotSupported:
		return false
	}
	return status >= 500 && status < 600
}

// retryAfter parses the Retry-After header as seconds or HTTP date.
func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait, true
		}
	}
	return 0, false
}

func snippet(body []byte) string {
	const max = 200
	b := bytes.TrimSpace(body)
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// HasStatus reports whether err is a permanent failure caused by the given
// HTTP status.
func HasStatus(err error, status int) bool {
	if !fault.IsKind(err, fault.KindUpstreamPermanent) {
		return false
	}
	return containsHTTPStatus(err.Error(), status)
}

// NotFound reports whether err is a permanent failure caused by a 404. The
// orchestrator marks the affected mapping orphaned in that case.
func NotFound(err error) bool {
	return HasStatus(err, http.StatusNotFound)
}

func containsHTTPStatus(msg string, status int) bool {
	return bytes.Contains([]byte(msg), []byte(fmt.Sprintf("HTTP %d", status)))
}
