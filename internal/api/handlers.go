package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/yardgen/internal/generation"
	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/internal/payment"
	"github.com/example/yardgen/internal/security"
	"github.com/example/yardgen/internal/webhook"
)

type createGenerationRequest struct {
	Areas []generation.AreaSpec `json:"areas"`
}

type generationResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Request       *generation.Request `json:"request"`
}

type deniedResponse struct {
	CorrelationID  string `json:"correlation_id"`
	Error          string `json:"error"`
	Reason         string `json:"reason"`
	Shortfall      int64  `json:"shortfall"`
	SuggestedTopUp int64  `json:"suggested_top_up"`
}

type balanceResponse struct {
	CorrelationID string `json:"correlation_id"`
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
}

type transactionsResponse struct {
	CorrelationID string                `json:"correlation_id"`
	Transactions  []*ledger.Transaction `json:"transactions"`
}

type reloadSettingsRequest struct {
	Enabled   bool  `json:"enabled"`
	Threshold int64 `json:"threshold"`
	Amount    int64 `json:"amount"`
}

type reloadSettingsResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Settings      ledger.ReloadSettings `json:"settings"`
	FailureCount  int                  `json:"failure_count"`
}

type webhookAck struct {
	Received bool `json:"received"`
}

func handleCreateGeneration(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Generation == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "generation_unavailable")
			return
		}

		var req createGenerationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		userID := security.PrincipalFromContext(r.Context())
		result, err := deps.Generation.Start(r.Context(), generation.StartRequest{
			UserID: userID,
			Areas:  req.Areas,
		})
		if err != nil {
			var denied *payment.DeniedError
			if errors.As(err, &denied) {
				writeJSON(w, r, http.StatusPaymentRequired, deniedResponse{
					CorrelationID:  security.CorrelationIDFromContext(r.Context()),
					Error:          "payment_required",
					Reason:         denied.Reason,
					Shortfall:      denied.Shortfall,
					SuggestedTopUp: denied.SuggestedTopUp,
				})
				return
			}
			security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		writeJSON(w, r, http.StatusAccepted, generationResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Request:       result,
		})
	}
}

func handleGetGeneration(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Generation == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "generation_unavailable")
			return
		}

		requestID := chi.URLParam(r, "request_id")
		result, err := deps.Generation.Get(r.Context(), requestID)
		if err != nil {
			if errors.Is(err, generation.ErrRequestNotFound) {
				security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
				return
			}
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		// Requests are only visible to their owner.
		if result.UserID != security.PrincipalFromContext(r.Context()) {
			security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
			return
		}

		writeJSON(w, r, http.StatusOK, generationResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Request:       result,
		})
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		userID := security.PrincipalFromContext(r.Context())
		balance, err := deps.Ledger.Balance(r.Context(), userID)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		writeJSON(w, r, http.StatusOK, balanceResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			UserID:        userID,
			Balance:       balance,
		})
	}
}

func handleTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if i, err := strconv.Atoi(v); err == nil && i > 0 && i <= 500 {
				limit = i
			}
		}

		userID := security.PrincipalFromContext(r.Context())
		txs, err := deps.Ledger.Transactions(r.Context(), userID, limit)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		if txs == nil {
			txs = []*ledger.Transaction{}
		}

		writeJSON(w, r, http.StatusOK, transactionsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transactions:  txs,
		})
	}
}

func handleGetReloadSettings(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		userID := security.PrincipalFromContext(r.Context())
		account, err := deps.Ledger.Account(r.Context(), userID)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		writeJSON(w, r, http.StatusOK, reloadSettingsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Settings: ledger.ReloadSettings{
				Enabled:   account.AutoReloadEnabled,
				Threshold: account.AutoReloadThreshold,
				Amount:    account.AutoReloadAmount,
			},
			FailureCount: account.AutoReloadFailureCount,
		})
	}
}

func handleUpdateReloadSettings(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		var req reloadSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		userID := security.PrincipalFromContext(r.Context())
		account, err := deps.Ledger.UpdateReloadSettings(r.Context(), userID, ledger.ReloadSettings{
			Enabled:   req.Enabled,
			Threshold: req.Threshold,
			Amount:    req.Amount,
		})
		if err != nil {
			var se *ledger.SettingsError
			if errors.As(err, &se) {
				security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", se.Error())
				return
			}
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		writeJSON(w, r, http.StatusOK, reloadSettingsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Settings: ledger.ReloadSettings{
				Enabled:   account.AutoReloadEnabled,
				Threshold: account.AutoReloadThreshold,
				Amount:    account.AutoReloadAmount,
			},
			FailureCount: account.AutoReloadFailureCount,
		})
	}
}

func handleWebhook(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Webhook == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "webhook_unavailable")
			return
		}

		var evt webhook.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		if err := deps.Webhook.Handle(r.Context(), evt); err != nil {
			// Non-2xx tells the provider to redeliver; the handlers are
			// idempotent, so a retry is always safe.
			security.WriteJSONErrorDetail(w, r, http.StatusInternalServerError, "event_failed", err.Error())
			return
		}

		writeJSON(w, r, http.StatusOK, webhookAck{Received: true})
	}
}
