package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"
)

// errClientDisconnected marks an inbound caller that went away before the
// attempt loop reached a terminal outcome. Nothing is written downstream
// and nothing is retried.
var errClientDisconnected = errors.New("client disconnected")

// ConnectTimeoutError reports a dial that exceeded the connect timeout.
type ConnectTimeoutError struct {
	Upstream string
	Cause    error
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("connect to %s timed out: %v", e.Upstream, e.Cause)
}

func (e *ConnectTimeoutError) Unwrap() error { return e.Cause }

// ReadTimeoutError reports an upstream that went silent past the read
// timeout, either while the proxy waited for response headers or between
// body chunks. MidStream records whether response bytes had already been
// relayed downstream; a mid-stream timeout is never retried.
type ReadTimeoutError struct {
	Upstream  string
	MidStream bool
	Cause     error
}

func (e *ReadTimeoutError) Error() string {
	if e.MidStream {
		return fmt.Sprintf("read from %s timed out mid-stream: %v", e.Upstream, e.Cause)
	}
	return fmt.Sprintf("read from %s timed out: %v", e.Upstream, e.Cause)
}

func (e *ReadTimeoutError) Unwrap() error { return e.Cause }

// RateLimitError reports an upstream 429. RetryAfter holds the parsed and
// capped server hint, or zero when the server sent none.
type RateLimitError struct {
	Upstream   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Upstream, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Upstream)
}

// TransportError is any non-timeout failure on the wire before a usable
// response arrived: connection refused, reset, TLS failure, a torn
// response.
type TransportError struct {
	Upstream string
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure against %s: %v", e.Upstream, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// UnexpectedError wraps failures outside the taxonomy. They are retried
// like transport failures and become a 500 when attempts run out.
type UnexpectedError struct {
	Cause error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected proxy failure: %v", e.Cause)
}

func (e *UnexpectedError) Unwrap() error { return e.Cause }

// classifyUpstreamErr folds a wire-level failure into the taxonomy.
// watchdogFired attributes the failure to the pre-response watchdog, which
// reads as a timeout regardless of the surfaced error text. midStream
// marks failures after response bytes already went downstream.
func classifyUpstreamErr(upstream string, err error, midStream, watchdogFired bool) error {
	if watchdogFired {
		return &ReadTimeoutError{Upstream: upstream, MidStream: midStream, Cause: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			if opErr.Timeout() {
				return &ConnectTimeoutError{Upstream: upstream, Cause: err}
			}
			return &TransportError{Upstream: upstream, Cause: err}
		}
		if opErr.Timeout() {
			return &ReadTimeoutError{Upstream: upstream, MidStream: midStream, Cause: err}
		}
		return &TransportError{Upstream: upstream, Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ReadTimeoutError{Upstream: upstream, MidStream: midStream, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ReadTimeoutError{Upstream: upstream, MidStream: midStream, Cause: err}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TransportError{Upstream: upstream, Cause: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &TransportError{Upstream: upstream, Cause: err}
	}

	return &UnexpectedError{Cause: err}
}

// retryReason names the failure class for the retry counter.
func retryReason(err error) string {
	var (
		connectErr   *ConnectTimeoutError
		readErr      *ReadTimeoutError
		rateErr      *RateLimitError
		transportErr *TransportError
	)
	switch {
	case errors.As(err, &connectErr):
		return "connect_timeout"
	case errors.As(err, &readErr):
		return "read_timeout"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &transportErr):
		return "transport"
	default:
		return "unexpected"
	}
}
