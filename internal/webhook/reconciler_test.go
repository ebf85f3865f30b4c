package webhook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/pkg/audit"
)

type reconcilerFixture struct {
	ledger     *ledger.Service
	reconciler *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	ls := ledger.NewService(ledger.NewMemoryStore(), audit.NewChainLogger(), nil)
	return &reconcilerFixture{
		ledger:     ls,
		reconciler: NewReconciler(ls, NewMemoryEventLog(), audit.NewChainLogger(), nil),
	}
}

func TestCheckoutCompletedCredits(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	err := f.reconciler.Handle(ctx, Event{
		ID: "evt_1", Type: EventCheckoutCompleted, UserID: "u1", Amount: 50,
	})
	require.NoError(t, err)

	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	txs, err := f.ledger.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TypePurchase, txs[0].Type)
	assert.Equal(t, "evt_1", txs[0].ExternalReference)
}

func TestRedeliveryCreditsOnce(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	evt := Event{ID: "evt_1", Type: EventCheckoutCompleted, UserID: "u1", Amount: 50}

	for i := 0; i < 4; i++ {
		require.NoError(t, f.reconciler.Handle(ctx, evt))
	}

	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	txs, err := f.ledger.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestChargeSucceededAutoReload(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpdateReloadSettings(ctx, "u1",
		ledger.ReloadSettings{Enabled: true, Threshold: 5, Amount: 20})
	require.NoError(t, err)
	_, err = f.ledger.RecordReloadOutcome(ctx, "u1", false)
	require.NoError(t, err)

	err = f.reconciler.Handle(ctx, Event{
		ID: "evt_2", Type: EventChargeSucceeded, UserID: "u1", Amount: 20, Purpose: PurposeAutoReload,
	})
	require.NoError(t, err)

	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	txs, err := f.ledger.Transactions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TypeAutoReload, txs[0].Type)

	// A successful charge clears the decline streak.
	account, err := f.ledger.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, account.AutoReloadFailureCount)
}

func TestChargeFailedTripsBreaker(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpdateReloadSettings(ctx, "u1",
		ledger.ReloadSettings{Enabled: true, Threshold: 5, Amount: 20})
	require.NoError(t, err)

	for i, id := range []string{"evt_a", "evt_b", "evt_c"} {
		err := f.reconciler.Handle(ctx, Event{
			ID: id, Type: EventChargeFailed, UserID: "u1", Purpose: PurposeAutoReload, Reason: "card_declined",
		})
		require.NoError(t, err)

		account, err := f.ledger.Account(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, i+1, account.AutoReloadFailureCount)
	}

	account, err := f.ledger.Account(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, account.AutoReloadEnabled)
}

func TestChargeFailedRedeliveryCountsOnce(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.UpdateReloadSettings(ctx, "u1",
		ledger.ReloadSettings{Enabled: true, Threshold: 5, Amount: 20})
	require.NoError(t, err)

	evt := Event{ID: "evt_a", Type: EventChargeFailed, UserID: "u1", Purpose: PurposeAutoReload, Reason: "card_declined"}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.reconciler.Handle(ctx, evt))
	}

	account, err := f.ledger.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, account.AutoReloadFailureCount)
	assert.True(t, account.AutoReloadEnabled)
}

func TestUnknownEventTypeAcknowledged(t *testing.T) {
	f := newReconcilerFixture(t)
	err := f.reconciler.Handle(context.Background(), Event{ID: "evt_x", Type: "invoice.created"})
	assert.NoError(t, err)
}

func TestMalformedEventsAcknowledged(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	// A malformed payload must be acknowledged, or the provider redelivers
	// it forever. It is never applied.
	cases := []struct {
		name string
		evt  Event
	}{
		{"missing id", Event{Type: EventCheckoutCompleted, UserID: "u1", Amount: 10}},
		{"missing type", Event{ID: "evt_1", UserID: "u1", Amount: 10}},
		{"missing user", Event{ID: "evt_1", Type: EventCheckoutCompleted, Amount: 10}},
		{"missing user on decline", Event{ID: "evt_1", Type: EventChargeFailed, Purpose: PurposeAutoReload}},
		{"zero amount", Event{ID: "evt_1", Type: EventCheckoutCompleted, UserID: "u1"}},
		{"negative amount", Event{ID: "evt_1", Type: EventCheckoutCompleted, UserID: "u1", Amount: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NoError(t, f.reconciler.Handle(ctx, tc.evt))

			balance, err := f.ledger.Balance(ctx, "u1")
			require.NoError(t, err)
			assert.Zero(t, balance)
		})
	}

	// A malformed event is not marked processed: the corrected redelivery
	// still applies.
	err := f.reconciler.Handle(ctx, Event{ID: "evt_1", Type: EventCheckoutCompleted, UserID: "u1", Amount: 10})
	require.NoError(t, err)
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestInfrastructureFailureRedelivered(t *testing.T) {
	ls := ledger.NewService(ledger.NewMemoryStore(), audit.NewChainLogger(), nil)
	log := &failingEventLog{EventLog: NewMemoryEventLog()}
	rec := NewReconciler(ls, log, nil, nil)
	ctx := context.Background()

	log.fail = true
	err := rec.Handle(ctx, Event{ID: "evt_1", Type: EventCheckoutCompleted, UserID: "u1", Amount: 10})
	require.Error(t, err)

	// The redelivery after the outage lands exactly once.
	log.fail = false
	require.NoError(t, rec.Handle(ctx, Event{ID: "evt_1", Type: EventCheckoutCompleted, UserID: "u1", Amount: 10}))
	balance, err := ls.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

// failingEventLog simulates an event-log outage.
type failingEventLog struct {
	EventLog
	fail bool
}

func (f *failingEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	if f.fail {
		return false, errors.New("event log unavailable")
	}
	return f.EventLog.Seen(ctx, eventID)
}
