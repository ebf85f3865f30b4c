// Package reload watches token balances after debits and tops accounts up
// automatically when they fall below the user's configured threshold.
package reload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/pkg/audit"
)

var chargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reload_charges_total",
	Help: "Auto-reload charge attempts by outcome.",
}, []string{"outcome"})

// DeclinedError is a business decline from the payment provider: the card
// was refused. It counts against the circuit breaker, unlike transport
// failures.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string {
	return "charge declined: " + e.Reason
}

// Charger initiates an off-session charge against the user's saved payment
// method. The resulting credit arrives asynchronously through the provider's
// webhook, not through this call.
type Charger interface {
	Charge(ctx context.Context, userID string, amount int64) (chargeID string, err error)
}

// Monitor evaluates auto-reload after every token debit. It gates on the
// user's settings and the breaker, claims the per-account throttle slot, and
// fires the charge without blocking the debit path.
type Monitor struct {
	ledger  *ledger.Service
	charger Charger
	auditor *audit.ChainLogger
	logger  *slog.Logger

	chargeTimeout time.Duration
	wg            sync.WaitGroup
}

// NewMonitor wires the monitor. auditor may be nil.
func NewMonitor(ls *ledger.Service, charger Charger, auditor *audit.ChainLogger, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		ledger:        ls,
		charger:       charger,
		auditor:       auditor,
		logger:        logger,
		chargeTimeout: 30 * time.Second,
	}
}

// AfterDebit re-evaluates the account after a balance decrease. At most one
// charge per account per throttle window; the breaker state lives in the
// ledger and has already disabled the flag after repeated declines.
func (m *Monitor) AfterDebit(ctx context.Context, userID string) {
	account, err := m.ledger.Account(ctx, userID)
	if err != nil {
		m.logger.Error("failed to load account for reload check", "user_id", userID, "error", err)
		return
	}

	if !account.AutoReloadEnabled || account.Balance >= account.AutoReloadThreshold {
		return
	}

	claimed, err := m.ledger.ClaimReloadSlot(ctx, userID, time.Now().UTC())
	if err != nil {
		m.logger.Error("failed to claim reload slot", "user_id", userID, "error", err)
		return
	}
	if !claimed {
		// Another debit already triggered a reload inside the window.
		return
	}

	m.logger.Info("initiating auto-reload charge",
		"user_id", userID, "balance", account.Balance,
		"threshold", account.AutoReloadThreshold, "amount", account.AutoReloadAmount)

	m.wg.Add(1)
	go m.charge(userID, account.AutoReloadAmount)
}

// charge runs off the debit path. Success only initiates the payment; the
// token credit lands when the provider's charge.succeeded webhook arrives.
func (m *Monitor) charge(userID string, amount int64) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.chargeTimeout)
	defer cancel()

	chargeID, err := m.charger.Charge(ctx, userID, amount)
	if err == nil {
		chargesTotal.WithLabelValues("initiated").Inc()
		if m.auditor != nil {
			m.auditor.Record("reload.charge_initiated", userID,
				fmt.Sprintf("charge_id=%s amount=%d", chargeID, amount))
		}
		return
	}

	var declined *DeclinedError
	outcome := "error"
	if errors.As(err, &declined) {
		outcome = "declined"
	}
	chargesTotal.WithLabelValues(outcome).Inc()
	m.logger.Warn("auto-reload charge failed", "user_id", userID, "amount", amount, "outcome", outcome, "error", err)

	if _, recErr := m.ledger.RecordReloadOutcome(ctx, userID, false); recErr != nil {
		m.logger.Error("failed to record reload failure", "user_id", userID, "error", recErr)
	}
}

// Shutdown waits for in-flight charges, bounded by ctx.
func (m *Monitor) Shutdown(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPCharger initiates charges against the payment provider's API.
type HTTPCharger struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPCharger creates a charger for the provider at baseURL.
func NewHTTPCharger(baseURL, apiKey string) *HTTPCharger {
	return &HTTPCharger{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type chargeRequest struct {
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
	Purpose string `json:"purpose"`
}

type chargeResponse struct {
	ChargeID string `json:"charge_id"`
	Error    string `json:"error,omitempty"`
}

// Charge implements Charger. A 402 from the provider is a decline; other
// non-200 statuses are infrastructure failures.
func (hc *HTTPCharger) Charge(ctx context.Context, userID string, amount int64) (string, error) {
	body, err := json.Marshal(chargeRequest{UserID: userID, Amount: amount, Purpose: "auto_reload"})
	if err != nil {
		return "", fmt.Errorf("failed to encode charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.BaseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+hc.APIKey)

	resp, err := hc.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("charge call failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode charge response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return "", &DeclinedError{Reason: decoded.Error}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("charge request returned status %d: %s", resp.StatusCode, decoded.Error)
	case decoded.ChargeID == "":
		return "", fmt.Errorf("provider returned no charge ID")
	}
	return decoded.ChargeID, nil
}
