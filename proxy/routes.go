package proxy

import (
	"net/http"
	"strings"

	"github.com/kcolemangt/tierproxy/model"
)

// messagesPath is the only upstream endpoint the proxy talks to.
const messagesPath = "/v1/messages"

// passthroughHeaders are the inbound headers copied verbatim on
// passthrough routes, beyond Authorization. Nothing else crosses the
// boundary.
var passthroughHeaders = []string{"anthropic-version", "anthropic-beta", "x-api-key"}

// Route decides where an outbound attempt goes and how it authenticates.
// Exactly two implementations exist: DirectRoute for a configured tier
// upstream with its own credential, and PassthroughRoute for the default
// Anthropic upstream with the caller's own credential material.
type Route interface {
	// Label names the route for logs and metrics.
	Label() string

	// Endpoint returns the absolute URL of the messages endpoint.
	Endpoint() string

	// BuildHeader derives the outbound header set from the inbound one.
	BuildHeader(inbound http.Header, streaming bool) http.Header

	// Gate returns the admission gate, or nil for ungated routes.
	Gate() *Gate
}

// DirectRoute sends traffic to one tier's configured upstream using the
// tier's own credential. Admission is bounded by its gate.
type DirectRoute struct {
	Tier    string
	BaseURL string
	APIKey  string

	gate *Gate
}

func (r *DirectRoute) Label() string { return r.Tier }

func (r *DirectRoute) Endpoint() string { return r.BaseURL + messagesPath }

func (r *DirectRoute) BuildHeader(inbound http.Header, streaming bool) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		h.Set("Authorization", "Bearer "+r.APIKey)
	}
	if streaming {
		h.Set("Accept", "text/event-stream")
	}
	return h
}

func (r *DirectRoute) Gate() *Gate { return r.gate }

// PassthroughRoute sends traffic to the default Anthropic upstream with
// the caller's Authorization forwarded verbatim. It is never gated.
type PassthroughRoute struct {
	BaseURL string
}

func (r *PassthroughRoute) Label() string { return "passthrough" }

func (r *PassthroughRoute) Endpoint() string { return r.BaseURL + messagesPath }

func (r *PassthroughRoute) BuildHeader(inbound http.Header, streaming bool) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if auth := inbound.Get("Authorization"); auth != "" {
		h.Set("Authorization", auth)
	}
	for _, name := range passthroughHeaders {
		if v := inbound.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if streaming {
		h.Set("Accept", "text/event-stream")
	}
	return h
}

func (r *PassthroughRoute) Gate() *Gate { return nil }

// RouteTable maps model identifiers to routes. It is built once at
// startup and read-only afterwards, so lookups need no locking.
type RouteTable struct {
	direct      map[string]*DirectRoute
	passthrough *PassthroughRoute
}

// NewRouteTable builds the table from the resolved configuration. A tier
// with no BaseURL is not routable and never enters the table. When two
// tiers name the same model, the first tier in config order wins.
func NewRouteTable(cfg model.Config) *RouteTable {
	table := &RouteTable{
		direct:      make(map[string]*DirectRoute),
		passthrough: &PassthroughRoute{BaseURL: strings.TrimRight(cfg.AnthropicBaseURL, "/")},
	}

	for _, tier := range cfg.Tiers {
		if tier.BaseURL == "" || tier.Model == "" {
			continue
		}
		if _, taken := table.direct[tier.Model]; taken {
			continue
		}
		table.direct[tier.Model] = &DirectRoute{
			Tier:    tier.Name,
			BaseURL: strings.TrimRight(tier.BaseURL, "/"),
			APIKey:  tier.APIKey,
			gate:    NewGate(int64(cfg.MaxConcurrent)),
		}
	}

	return table
}

// Resolve returns the route for a model identifier. The match is exact
// and case-sensitive; an unknown or empty identifier is not an error, it
// resolves to the passthrough route.
func (t *RouteTable) Resolve(modelID string) Route {
	if r, ok := t.direct[modelID]; ok {
		return r
	}
	return t.passthrough
}
