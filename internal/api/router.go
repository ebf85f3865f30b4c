package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/yardgen/internal/generation"
	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/internal/security"
	"github.com/example/yardgen/internal/webhook"
	"github.com/example/yardgen/pkg/audit"
)

// Auditor appends to the tamper-evident audit chain.
type Auditor interface {
	Record(action, subject, details string) *audit.Entry
}

// GenerationService is the slice of the orchestrator the API needs.
type GenerationService interface {
	Start(ctx context.Context, in generation.StartRequest) (*generation.Request, error)
	Get(ctx context.Context, id string) (*generation.Request, error)
}

// LedgerService is the slice of the ledger the API needs.
type LedgerService interface {
	Account(ctx context.Context, userID string) (*ledger.Account, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Transactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error)
	UpdateReloadSettings(ctx context.Context, userID string, settings ledger.ReloadSettings) (*ledger.Account, error)
}

// WebhookHandler applies one provider event.
type WebhookHandler interface {
	Handle(ctx context.Context, evt webhook.Event) error
}

// Dependencies wires the router. Nil optional fields disable the matching
// middleware.
type Dependencies struct {
	Logger *slog.Logger

	Generation GenerationService
	Ledger     LedgerService
	Webhook    WebhookHandler

	Auditor          Auditor
	RateLimiter      *security.RedisTokenBucket
	WebhookAllowlist []*net.IPNet
	WebhookSecret    string
	MaxBodyBytes     int64
}

// NewRouter builds the HTTP surface: authenticated client routes under /v1,
// the provider webhook under /webhooks, and the operational endpoints.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.MaxBodyBytes(deps.MaxBodyBytes))
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(security.Principal)
		if deps.RateLimiter != nil {
			r.Use(security.RateLimit(deps.RateLimiter, security.PerUserKey))
		}

		r.Route("/generations", func(r chi.Router) {
			r.With(createGenerationValidator.Middleware).Post("/", handleCreateGeneration(deps))
			r.Get("/{request_id}", handleGetGeneration(deps))
		})

		r.Get("/balance", handleBalance(deps))
		r.Get("/transactions", handleTransactions(deps))

		r.Route("/account/reload", func(r chi.Router) {
			r.Get("/", handleGetReloadSettings(deps))
			r.With(reloadSettingsValidator.Middleware).Put("/", handleUpdateReloadSettings(deps))
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(security.IPAllowlist(deps.WebhookAllowlist))
		r.Use(security.VerifyWebhookSignature(deps.WebhookSecret))
		r.With(webhookEventValidator.Middleware).Post("/payment", handleWebhook(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
