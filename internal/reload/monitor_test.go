package reload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/pkg/audit"
)

type fakeCharger struct {
	mu    sync.Mutex
	err   error
	calls []int64
}

func (fc *fakeCharger) Charge(ctx context.Context, userID string, amount int64) (string, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.calls = append(fc.calls, amount)
	if fc.err != nil {
		return "", fc.err
	}
	return "ch_test", nil
}

func (fc *fakeCharger) callCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.calls)
}

type monitorFixture struct {
	ledger  *ledger.Service
	charger *fakeCharger
	monitor *Monitor
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	ls := ledger.NewService(ledger.NewMemoryStore(), audit.NewChainLogger(), nil)
	charger := &fakeCharger{}
	monitor := NewMonitor(ls, charger, audit.NewChainLogger(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = monitor.Shutdown(ctx)
	})
	return &monitorFixture{ledger: ls, charger: charger, monitor: monitor}
}

func (f *monitorFixture) enable(t *testing.T, userID string, threshold, amount int64) {
	t.Helper()
	_, err := f.ledger.UpdateReloadSettings(context.Background(), userID,
		ledger.ReloadSettings{Enabled: true, Threshold: threshold, Amount: amount})
	require.NoError(t, err)
}

func (f *monitorFixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), userID, amount, ledger.TypePurchase, "", "test funding")
	require.NoError(t, err)
}

func TestAfterDebitChargesBelowThreshold(t *testing.T) {
	f := newMonitorFixture(t)
	f.fund(t, "u1", 3)
	f.enable(t, "u1", 5, 20)

	f.monitor.AfterDebit(context.Background(), "u1")

	require.Eventually(t, func() bool {
		return f.charger.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(20), f.charger.calls[0])
}

func TestAfterDebitThrottledWithinWindow(t *testing.T) {
	f := newMonitorFixture(t)
	f.fund(t, "u1", 3)
	f.enable(t, "u1", 5, 20)

	f.monitor.AfterDebit(context.Background(), "u1")
	f.monitor.AfterDebit(context.Background(), "u1")
	f.monitor.AfterDebit(context.Background(), "u1")

	require.Eventually(t, func() bool {
		return f.charger.callCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.charger.callCount())
}

func TestAfterDebitSkipsWhenDisabled(t *testing.T) {
	f := newMonitorFixture(t)
	f.fund(t, "u1", 1)

	f.monitor.AfterDebit(context.Background(), "u1")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.charger.callCount())
}

func TestAfterDebitSkipsAboveThreshold(t *testing.T) {
	f := newMonitorFixture(t)
	f.fund(t, "u1", 50)
	f.enable(t, "u1", 5, 20)

	f.monitor.AfterDebit(context.Background(), "u1")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.charger.callCount())
}

func TestDeclineCountsAgainstBreaker(t *testing.T) {
	f := newMonitorFixture(t)
	f.fund(t, "u1", 2)
	f.enable(t, "u1", 5, 20)
	f.charger.err = &DeclinedError{Reason: "card_declined"}

	f.monitor.AfterDebit(context.Background(), "u1")

	require.Eventually(t, func() bool {
		account, err := f.ledger.Account(context.Background(), "u1")
		return err == nil && account.AutoReloadFailureCount == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBreakerBlocksFurtherCharges(t *testing.T) {
	f := newMonitorFixture(t)
	f.fund(t, "u1", 2)
	f.enable(t, "u1", 5, 20)

	ctx := context.Background()
	for i := 0; i < ledger.MaxReloadFailures; i++ {
		_, err := f.ledger.RecordReloadOutcome(ctx, "u1", false)
		require.NoError(t, err)
	}
	account, err := f.ledger.Account(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, account.AutoReloadEnabled)

	f.monitor.AfterDebit(ctx, "u1")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.charger.callCount())
}

func TestSuccessfulChargeDoesNotCreditDirectly(t *testing.T) {
	f := newMonitorFixture(t)
	f.fund(t, "u1", 2)
	f.enable(t, "u1", 5, 20)

	f.monitor.AfterDebit(context.Background(), "u1")

	require.Eventually(t, func() bool {
		return f.charger.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The credit arrives via webhook, never from the monitor.
	balance, err := f.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}
