package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kcolemangt/tierproxy/metrics"
	"github.com/kcolemangt/tierproxy/middleware"
	"github.com/kcolemangt/tierproxy/model"
)

// messageEnvelope is the slice of the inbound body the proxy inspects.
// Everything else passes through untouched.
type messageEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Forwarder drives one inbound messages request end to end: parse, route,
// gate admission, the attempt loop, and response delivery. It is the
// handler behind POST /v1/messages.
type Forwarder struct {
	routes  *RouteTable
	client  *UpstreamClient
	policy  model.RetryPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewForwarder wires the forwarder from its collaborators.
func NewForwarder(routes *RouteTable, client *UpstreamClient, policy model.RetryPolicy, logger *zap.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{routes: routes, client: client, policy: policy, logger: logger, metrics: m}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.logger.Warn("failed to read inbound body", zap.Error(err))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var env messageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}

	route := f.routes.Resolve(env.Model)
	logger := f.logger.With(
		zap.String("request_id", middleware.RequestIDFrom(r.Context())),
		zap.String("model", env.Model),
		zap.String("route", route.Label()),
		zap.Bool("stream", env.Stream),
	)
	logger.Info("routing request")

	release := func() {}
	if gate := route.Gate(); gate != nil {
		if err := gate.Acquire(r.Context()); err != nil {
			// The caller left while queued; no slot was consumed and
			// nothing went upstream.
			logger.Debug("caller gone before gate admission", zap.Error(err))
			f.metrics.RecordRequest(route.Label(), "canceled")
			return
		}
		f.metrics.GateAcquired(route.Label())
		var once sync.Once
		release = func() {
			once.Do(func() {
				gate.Release()
				f.metrics.GateReleased(route.Label())
			})
		}
	}
	defer release()

	attemptCtx := r.Context()
	if !env.Stream {
		// A caller that disconnects does not cancel a non-streaming
		// attempt; the upstream call runs to its own outcome.
		attemptCtx = context.WithoutCancel(r.Context())
	}

	out := outboundRequest{
		endpoint:  route.Endpoint(),
		header:    route.BuildHeader(r.Header, env.Stream),
		body:      body,
		streaming: env.Stream,
		route:     route.Label(),
	}
	rt := &retrier{client: f.client, policy: f.policy, logger: logger, metrics: f.metrics}

	start := time.Now()
	res, err := rt.Do(attemptCtx, out)
	f.metrics.ObserveUpstreamLatency(route.Label(), time.Since(start).Seconds())
	if err != nil {
		f.finishWithError(w, logger, route.Label(), err)
		return
	}

	if res.Live != nil {
		relay := &streamRelay{
			res:      res,
			endpoint: out.endpoint,
			w:        w,
			release:  release,
			logger:   logger,
			metrics:  f.metrics,
			route:    route.Label(),
		}
		relay.run(r.Context())
		return
	}

	f.respond(w, logger, route.Label(), res)
}

// respond relays a buffered upstream response verbatim: status, headers
// and body exactly as received.
func (f *Forwarder) respond(w http.ResponseWriter, logger *zap.Logger, route string, res *upstreamResult) {
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.Status)
	if _, err := w.Write(res.Body); err != nil {
		logger.Debug("caller gone before response delivery", zap.Error(err))
	}

	if res.Status == http.StatusUnprocessableEntity {
		logger.Warn("upstream rejected request payload", zap.Int("status", res.Status))
	}

	outcome := "success"
	if res.Status >= 400 {
		outcome = "upstream_error"
	}
	f.metrics.RecordRequest(route, outcome)
	logger.Info("response forwarded", zap.Int("status", res.Status), zap.Int("bytes", len(res.Body)))
}

// finishWithError translates an exhausted attempt loop into the proxy's
// own error response.
func (f *Forwarder) finishWithError(w http.ResponseWriter, logger *zap.Logger, route string, err error) {
	if errors.Is(err, errClientDisconnected) {
		logger.Debug("caller gone before a terminal outcome")
		f.metrics.RecordRequest(route, "canceled")
		return
	}

	var (
		connectErr *ConnectTimeoutError
		readErr    *ReadTimeoutError
	)
	switch {
	case errors.As(err, &connectErr), errors.As(err, &readErr):
		logger.Warn("upstream timed out on every attempt", zap.Error(err))
		f.metrics.RecordRequest(route, "timeout")
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	default:
		logger.Error("exhausted retries without an upstream response", zap.Error(err))
		f.metrics.RecordRequest(route, "error")
		http.Error(w, fmt.Sprintf("max retries exceeded: %v", err), http.StatusInternalServerError)
	}
}

// copyHeader copies every upstream header except Content-Length, which
// the stdlib recomputes for the buffered body.
func copyHeader(dst, src http.Header) {
	for k, values := range src {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
