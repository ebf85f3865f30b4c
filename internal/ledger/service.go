package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/yardgen/pkg/audit"
)

var (
	debitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_debits_total",
		Help: "Unit debits applied to ledger accounts.",
	})
	creditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_credits_total",
		Help: "Credits applied to ledger accounts, by transaction type.",
	}, []string{"type"})
	insufficientTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_insufficient_balance_total",
		Help: "Debit attempts rejected for insufficient balance.",
	})
	integrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_integrity_violations_total",
		Help: "Conservation check failures. Any increase is a bug.",
	})
)

// Service is the high-level ledger API. It layers validation, audit and
// metrics over a Store; the Store supplies the transactional isolation.
type Service struct {
	store   Store
	auditor *audit.ChainLogger
	logger  *slog.Logger
}

// NewService creates a ledger service.
func NewService(store Store, auditor *audit.ChainLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, auditor: auditor, logger: logger}
}

// Account returns the user's account, creating it lazily.
func (s *Service) Account(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	return s.store.GetAccount(ctx, userID)
}

// Balance returns the current token balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	account, err := s.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// DebitForAreas applies one unit debit per area job, all-or-nothing. Each
// transaction carries its area job id as the external reference so the refund
// for a failed area can address the exact debit that funded it.
func (s *Service) DebitForAreas(ctx context.Context, userID string, areaJobIDs []string, reason string) ([]*Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if len(areaJobIDs) == 0 {
		return nil, fmt.Errorf("at least one area job is required")
	}

	specs := make([]DebitSpec, 0, len(areaJobIDs))
	for _, id := range areaJobIDs {
		if id == "" {
			return nil, fmt.Errorf("area job ID is required")
		}
		specs = append(specs, DebitSpec{ReferenceID: id, Description: reason})
	}

	txs, err := s.store.ApplyDebits(ctx, userID, specs)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			insufficientTotal.Inc()
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply debits: %w", err)
	}

	debitsTotal.Add(float64(len(txs)))
	if s.auditor != nil {
		s.auditor.Record("ledger.debit", userID, fmt.Sprintf("areas=%d reason=%s balance_after=%d",
			len(txs), reason, txs[len(txs)-1].BalanceAfter))
	}
	return txs, nil
}

// Credit adds tokens to the account. A non-empty externalRef makes the call
// idempotent: redelivery of the same provider event is a no-op returning the
// original transaction.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType TransactionType, externalRef, description string) (*Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	switch txType {
	case TypePurchase, TypeAutoReload, TypeRefund:
	default:
		return nil, fmt.Errorf("invalid credit type: %s", txType)
	}

	tx, applied, err := s.store.ApplyCredit(ctx, userID, amount, txType, externalRef, description)
	if err != nil {
		return nil, fmt.Errorf("failed to apply credit: %w", err)
	}
	if !applied {
		s.logger.Info("duplicate credit ignored", "user_id", userID, "external_reference", externalRef)
		return tx, nil
	}

	creditsTotal.WithLabelValues(string(txType)).Inc()
	if s.auditor != nil {
		s.auditor.Record("ledger.credit", userID, fmt.Sprintf("amount=%d type=%s ref=%s balance_after=%d",
			amount, txType, externalRef, tx.BalanceAfter))
	}
	return tx, nil
}

// Refund credits back the single unit debited for a failed area job. The
// refund references the original debit, and a second call for the same debit
// is a no-op.
func (s *Service) Refund(ctx context.Context, userID, originalTxID string) (*Transaction, error) {
	if userID == "" || originalTxID == "" {
		return nil, fmt.Errorf("user ID and original transaction ID are required")
	}

	orig, err := s.store.GetTransaction(ctx, userID, originalTxID)
	if err != nil {
		return nil, err
	}
	if orig.Type != TypeDeduction || orig.Amount >= 0 {
		return nil, ErrNotRefundable
	}

	ref := "refund:" + originalTxID
	return s.Credit(ctx, userID, -orig.Amount, TypeRefund, ref, "refund for failed area "+orig.ExternalReference)
}

// Transactions returns the account's transaction log, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// UpdateReloadSettings validates and stores the auto-reload configuration.
// Enabling clears the failure count so a user can recover from a breaker trip
// after fixing their payment method.
func (s *Service) UpdateReloadSettings(ctx context.Context, userID string, settings ReloadSettings) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if settings.Threshold < MinReloadThreshold || settings.Threshold > MaxReloadThreshold {
		return nil, &SettingsError{Field: "threshold", Reason: fmt.Sprintf("must be between %d and %d", MinReloadThreshold, MaxReloadThreshold)}
	}
	if settings.Amount < MinReloadAmount {
		return nil, &SettingsError{Field: "amount", Reason: fmt.Sprintf("must be at least %d", MinReloadAmount)}
	}
	return s.store.UpdateReloadSettings(ctx, userID, settings)
}

// RecordReloadOutcome applies a charge result to the failure counter and
// breaker state.
func (s *Service) RecordReloadOutcome(ctx context.Context, userID string, success bool) (*Account, error) {
	account, err := s.store.RecordReloadOutcome(ctx, userID, success)
	if err != nil {
		return nil, err
	}
	if !success && !account.AutoReloadEnabled && s.auditor != nil {
		s.auditor.Record("reload.breaker_tripped", userID,
			fmt.Sprintf("failure_count=%d", account.AutoReloadFailureCount))
	}
	return account, nil
}

// ClaimReloadSlot claims the per-account reload throttle slot.
func (s *Service) ClaimReloadSlot(ctx context.Context, userID string, now time.Time) (bool, error) {
	return s.store.ClaimReloadSlot(ctx, userID, now, ReloadWindow)
}

// VerifyConservation recomputes the transaction sum and compares it with the
// stored balance. A mismatch is an integrity violation: it is recorded on the
// audit chain and returned, never corrected in place.
func (s *Service) VerifyConservation(ctx context.Context, userID string) error {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	sum, err := s.store.SumAmounts(ctx, userID)
	if err != nil {
		return err
	}

	if sum != account.Balance {
		integrityViolations.Inc()
		violation := &IntegrityError{AccountID: account.ID, Expected: sum, Actual: account.Balance}
		if s.auditor != nil {
			s.auditor.Record("ledger.integrity_violation", userID, violation.Error())
		}
		s.logger.Error("ledger integrity violation", "user_id", userID, "expected", sum, "actual", account.Balance)
		return violation
	}
	return nil
}

// SweepConservation verifies every account and returns the violations found.
// The sweep keeps going past individual failures so one broken account does
// not hide another.
func (s *Service) SweepConservation(ctx context.Context) ([]error, error) {
	userIDs, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	var violations []error
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return violations, ctx.Err()
		}
		if err := s.VerifyConservation(ctx, userID); err != nil {
			violations = append(violations, err)
		}
	}
	s.logger.Info("conservation sweep finished", "accounts", len(userIDs), "violations", len(violations))
	return violations, nil
}
