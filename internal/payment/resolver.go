package payment

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/yardgen/internal/ledger"
)

// Method identifies which entitlement funds a generation request.
type Method string

const (
	MethodSubscription Method = "subscription"
	MethodTrial        Method = "trial"
	MethodToken        Method = "token"
)

var (
	authorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_authorizations_total",
		Help: "Authorization decisions by funding method.",
	}, []string{"method"})
	denialsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_denials_total",
		Help: "Requests denied because no method covered the full area count.",
	})
)

// Entitlements is the derived snapshot the resolver decides from. It is
// computed on demand and never stored.
type Entitlements struct {
	HasActiveSubscription bool  `json:"has_active_subscription"`
	TrialRemaining        int   `json:"trial_remaining"`
	TokenBalance          int64 `json:"token_balance"`
}

// Decision is a successful authorization: the single method that funds every
// area of the request, chosen before any debit occurs.
type Decision struct {
	Method Method `json:"method"`
	Cost   int64  `json:"cost"`
}

// DeniedError is a normal business outcome: no funding method covers the
// requested area count. It carries the shortfall and a suggested top-up so
// the client can render a purchase prompt.
type DeniedError struct {
	Reason         string `json:"reason"`
	Shortfall      int64  `json:"shortfall"`
	SuggestedTopUp int64  `json:"suggested_top_up"`
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %s (shortfall %d, suggested top-up %d)",
		e.Reason, e.Shortfall, e.SuggestedTopUp)
}

// BalanceReader is the slice of the ledger the resolver needs.
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Resolver decides which payment method funds a request. Priority order is
// subscription, then trial, then tokens. Trial is consumed in whole-request
// units only: a user with fewer trial credits than areas falls through to
// tokens with the trial untouched.
type Resolver struct {
	users  UserStore
	ledger BalanceReader
}

// NewResolver creates a payment resolver.
func NewResolver(users UserStore, ledger BalanceReader) *Resolver {
	return &Resolver{users: users, ledger: ledger}
}

// Snapshot computes the user's current entitlements.
func (r *Resolver) Snapshot(ctx context.Context, userID string) (*Entitlements, error) {
	user, err := r.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	balance, err := r.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return &Entitlements{
		HasActiveSubscription: user.SubscriptionActive(),
		TrialRemaining:        user.TrialRemaining,
		TokenBalance:          balance,
	}, nil
}

// Authorize picks the funding method for areaCount areas, or returns a
// *DeniedError. It has no side effects: the debit happens in the orchestrator
// immediately after, and the ledger's own isolation closes the window between
// the two.
func (r *Resolver) Authorize(ctx context.Context, userID string, areaCount int) (*Decision, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if areaCount < 1 {
		return nil, fmt.Errorf("area count must be at least 1")
	}

	snapshot, err := r.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	need := int64(areaCount)

	if snapshot.HasActiveSubscription {
		authorizationsTotal.WithLabelValues(string(MethodSubscription)).Inc()
		return &Decision{Method: MethodSubscription, Cost: 0}, nil
	}

	if snapshot.TrialRemaining >= areaCount {
		authorizationsTotal.WithLabelValues(string(MethodTrial)).Inc()
		return &Decision{Method: MethodTrial, Cost: need}, nil
	}

	if snapshot.TokenBalance >= need {
		authorizationsTotal.WithLabelValues(string(MethodToken)).Inc()
		return &Decision{Method: MethodToken, Cost: need}, nil
	}

	denialsTotal.Inc()
	shortfall := need - snapshot.TokenBalance
	return nil, &DeniedError{
		Reason:         "insufficient_funds",
		Shortfall:      shortfall,
		SuggestedTopUp: roundUpToPack(shortfall),
	}
}

// roundUpToPack rounds a shortfall up to the smallest purchasable pack size.
func roundUpToPack(n int64) int64 {
	pack := int64(ledger.MinReloadAmount)
	if n <= 0 {
		return pack
	}
	return (n + pack - 1) / pack * pack
}
