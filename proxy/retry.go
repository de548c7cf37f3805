package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kcolemangt/tierproxy/metrics"
	"github.com/kcolemangt/tierproxy/model"
)

// maxRetryAfter caps how long a server-supplied Retry-After hint can
// hold an attempt back.
const maxRetryAfter = 60 * time.Second

// outboundRequest is one fully addressed upstream call, ready to be
// attempted up to RetryPolicy.MaxAttempts times. The body is the caller's
// original bytes; it is never re-marshaled.
type outboundRequest struct {
	endpoint  string
	header    http.Header
	body      []byte
	streaming bool
	route     string
}

// upstreamResult is the terminal outcome of the attempt loop. Either Body
// holds a complete buffered response, or Live holds an open streaming
// response whose ownership (body close, LiveCancel) passes to the caller.
type upstreamResult struct {
	Status int
	Header http.Header
	Body   []byte

	Live       *http.Response
	LiveCancel context.CancelFunc
}

// retrier drives the attempt loop for one inbound request.
type retrier struct {
	client  *UpstreamClient
	policy  model.RetryPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Do runs attempts until one ends terminally. HTTP error statuses are not
// errors here: a non-retryable status, or a 429 that survives the final
// attempt, comes back as a buffered result for verbatim relay. The error
// return is one of the typed upstream errors, or errClientDisconnected
// when the caller went away first.
func (rt *retrier) Do(ctx context.Context, req outboundRequest) (*upstreamResult, error) {
	var (
		lastErr error
		lastRes *upstreamResult
		delay   time.Duration
	)

	for attempt := 0; attempt < rt.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			rt.metrics.RecordRetry(req.route, retryReason(lastErr))
			rt.logger.Debug("backing off before retry",
				zap.String("route", req.route),
				zap.Int("next_attempt", attempt+1),
				zap.Duration("delay", delay),
			)
			if err := sleepContext(ctx, delay); err != nil {
				return nil, errClientDisconnected
			}
		}

		res, err := rt.attempt(ctx, req)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, errClientDisconnected) {
			return nil, err
		}

		lastErr, lastRes = err, res
		rt.logger.Warn("upstream attempt failed",
			zap.String("route", req.route),
			zap.String("endpoint", req.endpoint),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", rt.policy.MaxAttempts),
			zap.Error(err),
		)

		delay = rt.backoff(attempt)
		var rateErr *RateLimitError
		if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
			delay = rateErr.RetryAfter
		}
	}

	if lastRes != nil {
		// Attempts ended on a 429: the provider's own response goes back
		// byte for byte.
		return lastRes, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	// Unreachable while MaxAttempts >= 1: every attempt records a result
	// or an error.
	return nil, &UnexpectedError{Cause: errors.New("max retries exceeded")}
}

// attempt sends the request once. For a 429 it returns both the buffered
// response and a RateLimitError so the loop can either retry or hand the
// final 429 back verbatim. A 2xx on a streaming request returns a live
// result and transfers the response body and context to the caller.
func (rt *retrier) attempt(ctx context.Context, req outboundRequest) (*upstreamResult, error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	var watchdogFired atomic.Bool
	watchdog := time.AfterFunc(rt.client.PreResponseBudget(), func() {
		watchdogFired.Store(true)
		cancel()
	})

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, req.endpoint, bytes.NewReader(req.body))
	if err != nil {
		watchdog.Stop()
		cancel()
		return nil, &UnexpectedError{Cause: err}
	}
	httpReq.Header = req.header.Clone()

	resp, err := rt.client.Do(httpReq)
	watchdog.Stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil && !watchdogFired.Load() {
			return nil, errClientDisconnected
		}
		return nil, classifyUpstreamErr(req.endpoint, err, false, watchdogFired.Load())
	}

	if req.streaming && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &upstreamResult{
			Status:     resp.StatusCode,
			Header:     resp.Header,
			Live:       resp,
			LiveCancel: cancel,
		}, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	cancel()
	if readErr != nil {
		if ctx.Err() != nil && !watchdogFired.Load() {
			return nil, errClientDisconnected
		}
		return nil, classifyUpstreamErr(req.endpoint, readErr, false, watchdogFired.Load())
	}

	res := &upstreamResult{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
	if resp.StatusCode == http.StatusTooManyRequests {
		return res, &RateLimitError{
			Upstream:   req.endpoint,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return res, nil
}

// backoff draws the full-jitter delay following failed attempt k
// (0-indexed): uniform over [0, min(MaxDelay, BaseDelay<<k)).
func (rt *retrier) backoff(attempt int) time.Duration {
	if rt.policy.BaseDelay <= 0 {
		return 0
	}
	limit := rt.policy.MaxDelay
	if attempt < 62 {
		if exp := rt.policy.BaseDelay << uint(attempt); exp > 0 && exp < limit {
			limit = exp
		}
	}
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// parseRetryAfter reads a Retry-After header in either delay-seconds or
// HTTP-date form, capped at maxRetryAfter. Unparseable or absent values
// yield zero, which falls back to jittered backoff.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(header); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(header); err == nil {
		d = time.Until(t)
	}

	if d < 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

// sleepContext waits out d unless ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
