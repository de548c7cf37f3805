package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kcolemangt/tierproxy/metrics"
	"github.com/kcolemangt/tierproxy/middleware"
	"github.com/kcolemangt/tierproxy/model"
	"github.com/kcolemangt/tierproxy/proxy"
)

// NewRouter wires the inbound HTTP surface: the messages endpoint, the
// health report, and prometheus exposition.
func NewRouter(cfg model.Config, fwd *proxy.Forwarder, m *metrics.Metrics, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Post("/v1/messages", fwd.ServeHTTP)
	r.Get("/health", HealthHandler(cfg))
	r.Method(http.MethodGet, "/metrics", m.Handler())

	return r
}

// tierHealth is the per-tier slice of the health report: the routed model
// and whether an upstream and key are configured. True health would need
// an upstream round trip; this endpoint only reports configuration.
type tierHealth struct {
	Model       string `json:"model"`
	ProviderSet bool   `json:"provider_set"`
	APIKeySet   bool   `json:"api_key_set"`
	UsesOAuth   *bool  `json:"uses_oauth,omitempty"`
}

type healthReport struct {
	Status string     `json:"status"`
	Haiku  tierHealth `json:"haiku"`
	Opus   tierHealth `json:"opus"`
	Sonnet tierHealth `json:"sonnet"`
}

// HealthHandler reports the configured state of the three tiers. The
// sonnet tier additionally reports whether it falls back to the caller's
// own OAuth credentials.
func HealthHandler(cfg model.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := healthReport{Status: "healthy"}
		for _, tier := range cfg.Tiers {
			th := tierHealth{
				Model:       tier.Model,
				ProviderSet: tier.BaseURL != "",
				APIKeySet:   tier.APIKey != "",
			}
			switch tier.Name {
			case model.TierHaiku:
				report.Haiku = th
			case model.TierOpus:
				report.Opus = th
			case model.TierSonnet:
				usesOAuth := tier.BaseURL == ""
				th.UsesOAuth = &usesOAuth
				report.Sonnet = th
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}
