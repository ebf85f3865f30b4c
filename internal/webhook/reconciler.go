// Package webhook reconciles payment-provider events with the token ledger.
// Delivery is at-least-once and unordered, so every handler is idempotent.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/pkg/audit"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "webhook_events_total",
	Help: "Webhook events by type and outcome.",
}, []string{"type", "outcome"})

// Provider event types this service reconciles.
const (
	EventCheckoutCompleted = "checkout.completed"
	EventChargeSucceeded   = "charge.succeeded"
	EventChargeFailed      = "charge.failed"
)

// PurposeAutoReload marks charges initiated by the auto-reload monitor.
const PurposeAutoReload = "auto_reload"

// errMalformed flags payload defects. A permanently malformed event must be
// acknowledged, not errored: a non-2xx would make the provider redeliver it
// forever. It is not marked processed either, so a corrected redelivery
// under the same event ID still applies.
var errMalformed = errors.New("malformed event")

// Event is one provider notification. ID is the provider's event ID and is
// the idempotency key for everything downstream.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
	Purpose string `json:"purpose,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Reconciler applies provider events to the ledger. Redelivered events are
// acknowledged without effect.
type Reconciler struct {
	ledger  *ledger.Service
	log     EventLog
	auditor *audit.ChainLogger
	logger  *slog.Logger
}

// NewReconciler wires the reconciler. auditor may be nil.
func NewReconciler(ls *ledger.Service, log EventLog, auditor *audit.ChainLogger, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{ledger: ls, log: log, auditor: auditor, logger: logger}
}

// Handle applies one event. A nil return acknowledges the delivery; an error
// tells the provider to redeliver later.
//
// The event log is checked before processing and written after, so a crash
// mid-handle redelivers the event. That is safe: credits dedupe on the event
// ID at the ledger, and the breaker counter tolerates the rare extra
// increment in exchange for never losing a decline.
func (r *Reconciler) Handle(ctx context.Context, evt Event) error {
	if evt.ID == "" || evt.Type == "" {
		eventsTotal.WithLabelValues(evt.Type, "malformed").Inc()
		r.logger.Warn("acknowledging malformed webhook event",
			"event_id", evt.ID, "type", evt.Type, "error", "event ID and type are required")
		return nil
	}

	seen, err := r.log.Seen(ctx, evt.ID)
	if err != nil {
		return fmt.Errorf("failed to check event log: %w", err)
	}
	if seen {
		eventsTotal.WithLabelValues(evt.Type, "duplicate").Inc()
		r.logger.Info("duplicate webhook event acknowledged", "event_id", evt.ID, "type", evt.Type)
		return nil
	}

	if err := r.process(ctx, evt); err != nil {
		if errors.Is(err, errMalformed) {
			eventsTotal.WithLabelValues(evt.Type, "malformed").Inc()
			r.logger.Warn("acknowledging malformed webhook event",
				"event_id", evt.ID, "type", evt.Type, "error", err)
			return nil
		}
		eventsTotal.WithLabelValues(evt.Type, "error").Inc()
		return err
	}

	if err := r.log.MarkProcessed(ctx, evt.ID, evt.Type); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	eventsTotal.WithLabelValues(evt.Type, "processed").Inc()
	return nil
}

func (r *Reconciler) process(ctx context.Context, evt Event) error {
	switch evt.Type {
	case EventCheckoutCompleted:
		return r.credit(ctx, evt, ledger.TypePurchase)

	case EventChargeSucceeded:
		if evt.Purpose != PurposeAutoReload {
			return r.credit(ctx, evt, ledger.TypePurchase)
		}
		if err := r.credit(ctx, evt, ledger.TypeAutoReload); err != nil {
			return err
		}
		if _, err := r.ledger.RecordReloadOutcome(ctx, evt.UserID, true); err != nil {
			return fmt.Errorf("failed to reset reload failures: %w", err)
		}
		return nil

	case EventChargeFailed:
		if evt.Purpose != PurposeAutoReload {
			r.logger.Warn("charge failed outside auto-reload", "event_id", evt.ID, "user_id", evt.UserID, "reason", evt.Reason)
			return nil
		}
		if evt.UserID == "" {
			return fmt.Errorf("%w: charge.failed missing user ID", errMalformed)
		}
		account, err := r.ledger.RecordReloadOutcome(ctx, evt.UserID, false)
		if err != nil {
			return fmt.Errorf("failed to record reload decline: %w", err)
		}
		r.logger.Warn("auto-reload charge declined",
			"event_id", evt.ID, "user_id", evt.UserID, "reason", evt.Reason,
			"failure_count", account.AutoReloadFailureCount, "enabled", account.AutoReloadEnabled)
		return nil

	default:
		// Unknown types are acknowledged so the provider stops retrying.
		eventsTotal.WithLabelValues(evt.Type, "ignored").Inc()
		r.logger.Warn("ignoring unknown webhook event type", "event_id", evt.ID, "type", evt.Type)
		return nil
	}
}

func (r *Reconciler) credit(ctx context.Context, evt Event, txType ledger.TransactionType) error {
	if evt.UserID == "" {
		return fmt.Errorf("%w: %s missing user ID", errMalformed, evt.Type)
	}
	if evt.Amount <= 0 {
		return fmt.Errorf("%w: %s has non-positive amount %d", errMalformed, evt.Type, evt.Amount)
	}

	tx, err := r.ledger.Credit(ctx, evt.UserID, evt.Amount, txType, evt.ID, "payment provider event "+evt.Type)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	if r.auditor != nil {
		r.auditor.Record("webhook.credited", evt.UserID,
			fmt.Sprintf("event=%s type=%s amount=%d tx=%s", evt.ID, txType, evt.Amount, tx.ID))
	}
	return nil
}
