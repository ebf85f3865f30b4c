package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/internal/payment"
	"github.com/example/yardgen/pkg/audit"
)

type fakeOutcome struct {
	url string
	err error
}

// fakeGenerator resolves each area according to a script. Areas with a
// blocker channel hang until it is closed or the call's context expires.
type fakeGenerator struct {
	mu       sync.Mutex
	outcomes map[string]fakeOutcome
	blockers map[string]chan struct{}
	calls    map[string]int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		outcomes: make(map[string]fakeOutcome),
		blockers: make(map[string]chan struct{}),
		calls:    make(map[string]int),
	}
}

func (g *fakeGenerator) succeed(areaID, url string) { g.outcomes[areaID] = fakeOutcome{url: url} }
func (g *fakeGenerator) fail(areaID string, err error) {
	g.outcomes[areaID] = fakeOutcome{err: err}
}

func (g *fakeGenerator) block(areaID string) chan struct{} {
	ch := make(chan struct{})
	g.blockers[areaID] = ch
	return ch
}

func (g *fakeGenerator) callCount(areaID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[areaID]
}

func (g *fakeGenerator) Generate(ctx context.Context, params GenerateParams) (string, error) {
	g.mu.Lock()
	g.calls[params.AreaID]++
	outcome := g.outcomes[params.AreaID]
	blocker := g.blockers[params.AreaID]
	g.mu.Unlock()

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return outcome.url, outcome.err
}

type orchFixture struct {
	users  *payment.MemoryUserStore
	ledger *ledger.Service
	store  *MemoryRequestStore
	gen    *fakeGenerator
	orch   *Orchestrator
}

func newOrchFixture(t *testing.T, trialGrant int, cfg Config) *orchFixture {
	t.Helper()

	users := payment.NewMemoryUserStore(trialGrant)
	ls := ledger.NewService(ledger.NewMemoryStore(), audit.NewChainLogger(), nil)
	store := NewMemoryRequestStore()
	gen := newFakeGenerator()
	orch := NewOrchestrator(store, ls, users, payment.NewResolver(users, ls), gen, nil, audit.NewChainLogger(), nil, cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &orchFixture{users: users, ledger: ls, store: store, gen: gen, orch: orch}
}

func (f *orchFixture) fundTokens(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), userID, amount, ledger.TypePurchase, "", "test funding")
	require.NoError(t, err)
}

func (f *orchFixture) waitTerminal(t *testing.T, requestID string) *Request {
	t.Helper()
	var final *Request
	require.Eventually(t, func() bool {
		req, err := f.orch.Get(context.Background(), requestID)
		if err != nil || !req.Status.Terminal() {
			return false
		}
		final = req
		return true
	}, 3*time.Second, 5*time.Millisecond, "request never reached a terminal status")
	return final
}

func (f *orchFixture) waitBalance(t *testing.T, userID string, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := f.ledger.Balance(context.Background(), userID)
		return err == nil && got == want
	}, 3*time.Second, 5*time.Millisecond, "balance never settled at %d", want)
}

func specs(areaIDs ...string) []AreaSpec {
	out := make([]AreaSpec, 0, len(areaIDs))
	for _, id := range areaIDs {
		out = append(out, AreaSpec{AreaID: id, Style: "modern", SourceImageRef: "img-" + id})
	}
	return out
}

func TestStartTokenFundedAllComplete(t *testing.T) {
	f := newOrchFixture(t, 0, Config{})
	f.fundTokens(t, "u1", 10)
	f.gen.succeed("front", "https://cdn.example/front.png")
	f.gen.succeed("back", "https://cdn.example/back.png")
	f.gen.succeed("side", "https://cdn.example/side.png")

	req, err := f.orch.Start(context.Background(), StartRequest{UserID: "u1", Areas: specs("front", "back", "side")})
	require.NoError(t, err)
	assert.Equal(t, payment.MethodToken, req.PaymentMethod)
	assert.Equal(t, RequestProcessing, req.Status)

	final := f.waitTerminal(t, req.ID)
	assert.Equal(t, RequestCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	for _, area := range final.Areas {
		assert.Equal(t, AreaCompleted, area.Status)
		assert.Equal(t, 100, area.ProgressPercentage)
		assert.NotEmpty(t, area.ImageURL)
	}

	balance, err := f.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
}

func TestAreaIDReusedAcrossRequests(t *testing.T) {
	f := newOrchFixture(t, 0, Config{})
	f.fundTokens(t, "u1", 10)
	f.gen.succeed("front", "https://cdn.example/front.png")

	for i := 0; i < 2; i++ {
		req, err := f.orch.Start(context.Background(), StartRequest{UserID: "u1", Areas: specs("front")})
		require.NoError(t, err)
		final := f.waitTerminal(t, req.ID)
		assert.Equal(t, RequestCompleted, final.Status)
	}

	// Both requests debited despite sharing an area ID.
	balance, err := f.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)
}

func TestPartialFailureRefundsExactlyOnce(t *testing.T) {
	f := newOrchFixture(t, 0, Config{})
	f.fundTokens(t, "u1", 10)
	f.gen.succeed("front", "https://cdn.example/front.png")
	f.gen.fail("back", &GenerateError{Code: "nsfw_filter", Message: "content rejected"})
	f.gen.succeed("side", "https://cdn.example/side.png")

	req, err := f.orch.Start(context.Background(), StartRequest{UserID: "u1", Areas: specs("front", "back", "side")})
	require.NoError(t, err)

	final := f.waitTerminal(t, req.ID)
	assert.Equal(t, RequestPartialFailed, final.Status)

	back := final.Area("back")
	require.NotNil(t, back)
	assert.Equal(t, AreaFailed, back.Status)
	assert.Contains(t, back.ErrorMessage, "content rejected")

	// 10 - 3 debits + 1 refund for the single failed area.
	f.waitBalance(t, "u1", 8)

	txs, err := f.ledger.Transactions(context.Background(), "u1", 0)
	require.NoError(t, err)
	refunds := 0
	for _, tx := range txs {
		if tx.Type == ledger.TypeRefund {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestAllAreasFailed(t *testing.T) {
	f := newOrchFixture(t, 0, Config{})
	f.fundTokens(t, "u1", 5)
	f.gen.fail("front", &GenerateError{Code: "upstream", Message: "model unavailable"})
	f.gen.fail("back", &GenerateError{Code: "upstream", Message: "model unavailable"})

	req, err := f.orch.Start(context.Background(), StartRequest{UserID: "u1", Areas: specs("front", "back")})
	require.NoError(t, err)

	final := f.waitTerminal(t, req.ID)
	assert.Equal(t, RequestFailed, final.Status)

	// Every debit refunded.
	f.waitBalance(t, "u1", 5)
}

func TestTimeoutForcesFailureAndRefund(t *testing.T) {
	f := newOrchFixture(t, 0, Config{AreaTimeout: 30 * time.Millisecond})
	f.fundTokens(t, "u1", 5)
	f.gen.block("front")

	req, err := f.orch.Start(context.Background(), StartRequest{UserID: "u1", Areas: specs("front")})
	require.NoError(t, err)

	final := f.waitTerminal(t, req.ID)
	assert.Equal(t, RequestFailed, final.Status)
	assert.Equal(t, "generation timed out", final.Area("front").ErrorMessage)

	f.waitBalance(t, "u1", 5)
}

func TestTrialFundedFailureRestoresTrial(t *testing.T) {
	f := newOrchFixture(t, 3, Config{})
	f.gen.succeed("front", "https://cdn.example/front.png")
	f.gen.fail("back", &GenerateError{Code: "upstream", Message: "model unavailable"})

	req, err := f.orch.Start(context.Background(), StartRequest{UserID: "u1", Areas: specs("front", "back")})
	require.NoError(t, err)
	assert.Equal(t, payment.MethodTrial, req.PaymentMethod)

	f.waitTerminal(t, req.ID)

	// 3 grant - 2 consumed + 1 restored for the failed area.
	require.Eventually(t, func() bool {
		u, err := f.users.Get(context.Background(), "u1")
		return err == nil && u.TrialRemaining == 2
	}, 3*time.Second, 5*time.Millisecond)

	// The ledger was never touched.
	txs, err := f.ledger.Transactions(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestSubscriptionFundedNeverTouchesLedger(t *testing.T) {
	f := newOrchFixture(t, 0, Config{})
	until := time.Now().Add(24 * time.Hour)
	require.NoError(t, f.users.SetSubscription(context.Background(), "u1", &until))
	f.gen.succeed("front", "https://cdn.example/front.png")
	f.gen.fail("back", &GenerateError{Code: "upstream", Message: "model unavailable"})

	req, err := f.orch.Start(context.Background(), StartRequest{UserID: "u1", Areas: specs("front", "back")})
	require.NoError(t, err)
	assert.Equal(t, payment.MethodSubscription, req.PaymentMethod)

	final := f.waitTerminal(t, req.ID)
	assert.Equal(t, RequestPartialFailed, final.Status)

	// No debits, no refunds.
	time.Sleep(50 * time.Millisecond)
	txs, err := f.ledger.Transactions(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestStartDeniedWithoutFunds(t *testing.T) {
	f := newOrchFixture(t, 0, Config{})
	f.fundTokens(t, "u1", 2)

	_, err := f.orch.Start(context.Background(), StartRequest{UserID: "u1", Areas: specs("a", "b", "c")})

	var denied *payment.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, int64(1), denied.Shortfall)

	// Denial must leave the balance untouched.
	balance, err := f.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}

func TestDuplicateResolutionIgnored(t *testing.T) {
	f := newOrchFixture(t, 0, Config{AreaTimeout: 5 * time.Second})
	f.fundTokens(t, "u1", 5)
	release := f.gen.block("front")
	defer close(release)

	req, err := f.orch.Start(context.Background(), StartRequest{UserID: "u1", Areas: specs("front")})
	require.NoError(t, err)

	// Wait for the worker to pick the area up.
	require.Eventually(t, func() bool {
		return f.gen.callCount("front") == 1
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, f.orch.ResolveArea(req.ID, "front", AreaOutcome{ImageURL: "https://cdn.example/first.png"}))
	require.NoError(t, f.orch.ResolveArea(req.ID, "front", AreaOutcome{ImageURL: "https://cdn.example/second.png"}))

	final := f.waitTerminal(t, req.ID)
	assert.Equal(t, RequestCompleted, final.Status)
	assert.Equal(t, "https://cdn.example/first.png", final.Area("front").ImageURL)

	balance, err := f.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestResolveUnknownRequest(t *testing.T) {
	f := newOrchFixture(t, 0, Config{})
	err := f.orch.ResolveArea("missing", "front", AreaOutcome{ImageURL: "x"})
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestStartValidation(t *testing.T) {
	f := newOrchFixture(t, 0, Config{MaxAreasPerRequest: 2})
	ctx := context.Background()

	cases := []struct {
		name string
		in   StartRequest
	}{
		{"missing user", StartRequest{Areas: specs("a")}},
		{"no areas", StartRequest{UserID: "u1"}},
		{"duplicate area", StartRequest{UserID: "u1", Areas: specs("a", "a")}},
		{"too many areas", StartRequest{UserID: "u1", Areas: specs("a", "b", "c")}},
		{"empty area ID", StartRequest{UserID: "u1", Areas: []AreaSpec{{Style: "modern"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Start(ctx, tc.in)
			assert.Error(t, err)
		})
	}
}

// brokenStatusStore accepts the request but cannot persist the move to
// processing, simulating storage dying between funding and launch.
type brokenStatusStore struct {
	*MemoryRequestStore
}

func (bs *brokenStatusStore) UpdateStatus(ctx context.Context, req *Request) error {
	if req.Status == RequestProcessing {
		return errors.New("storage unavailable")
	}
	return bs.MemoryRequestStore.UpdateStatus(ctx, req)
}

func TestTransitionFailureRefundsDebits(t *testing.T) {
	users := payment.NewMemoryUserStore(0)
	ls := ledger.NewService(ledger.NewMemoryStore(), audit.NewChainLogger(), nil)
	store := &brokenStatusStore{MemoryRequestStore: NewMemoryRequestStore()}
	orch := NewOrchestrator(store, ls, users, payment.NewResolver(users, ls), newFakeGenerator(), nil, audit.NewChainLogger(), nil, Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	ctx := context.Background()

	_, err := ls.Credit(ctx, "u1", 5, ledger.TypePurchase, "", "test funding")
	require.NoError(t, err)

	_, err = orch.Start(ctx, StartRequest{UserID: "u1", Areas: specs("front", "back")})
	require.Error(t, err)

	// Both debits come back; the user is never charged for a request that
	// never ran.
	require.Eventually(t, func() bool {
		got, err := ls.Balance(ctx, "u1")
		return err == nil && got == 5
	}, 3*time.Second, 5*time.Millisecond)

	stored, err := store.Get(ctx, listSoleRequestID(t, store.MemoryRequestStore))
	require.NoError(t, err)
	assert.Equal(t, RequestFailed, stored.Status)
	for _, area := range stored.Areas {
		assert.Equal(t, AreaFailed, area.Status)
	}
}

func TestTransitionFailureRestoresTrial(t *testing.T) {
	users := payment.NewMemoryUserStore(3)
	ls := ledger.NewService(ledger.NewMemoryStore(), audit.NewChainLogger(), nil)
	store := &brokenStatusStore{MemoryRequestStore: NewMemoryRequestStore()}
	orch := NewOrchestrator(store, ls, users, payment.NewResolver(users, ls), newFakeGenerator(), nil, audit.NewChainLogger(), nil, Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	ctx := context.Background()

	_, err := orch.Start(ctx, StartRequest{UserID: "u1", Areas: specs("front", "back")})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		u, err := users.Get(ctx, "u1")
		return err == nil && u.TrialRemaining == 3
	}, 3*time.Second, 5*time.Millisecond)
}

func listSoleRequestID(t *testing.T, store *MemoryRequestStore) string {
	t.Helper()
	reqs := storedRequests(store)
	require.Len(t, reqs, 1)
	return reqs[0].ID
}

func storedRequests(store *MemoryRequestStore) []*Request {
	store.mu.RLock()
	defer store.mu.RUnlock()
	out := make([]*Request, 0, len(store.requests))
	for _, req := range store.requests {
		out = append(out, req.Clone())
	}
	return out
}

func TestRecoverInterruptedRefundsStrandedDebit(t *testing.T) {
	f := newOrchFixture(t, 0, Config{})
	ctx := context.Background()
	f.fundTokens(t, "u1", 5)

	// A request the previous process left mid-flight: one area done, one
	// still processing with its debit recorded.
	refs := []string{fundingRef("req-1", "front"), fundingRef("req-1", "back")}
	txs, err := f.ledger.DebitForAreas(ctx, "u1", refs, "generation req-1")
	require.NoError(t, err)
	byRef := make(map[string]string, len(txs))
	for _, tx := range txs {
		byRef[tx.ExternalReference] = tx.ID
	}

	req := &Request{
		ID:            "req-1",
		UserID:        "u1",
		Status:        RequestProcessing,
		PaymentMethod: payment.MethodToken,
		CreatedAt:     time.Now().UTC(),
		Areas: []*AreaJob{
			{AreaID: "front", Status: AreaCompleted, ProgressPercentage: 100,
				ImageURL: "https://cdn.example/front.png", DebitTransactionID: byRef[refs[0]]},
			{AreaID: "back", Status: AreaProcessing, ProgressPercentage: 40,
				DebitTransactionID: byRef[refs[1]]},
		},
	}
	require.NoError(t, f.store.Create(ctx, req))

	require.NoError(t, f.orch.RecoverInterrupted(ctx))

	// 5 - 2 debits + 1 refund for the interrupted area.
	f.waitBalance(t, "u1", 4)

	recovered, err := f.store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, RequestPartialFailed, recovered.Status)
	assert.Equal(t, AreaCompleted, recovered.Area("front").Status)
	back := recovered.Area("back")
	assert.Equal(t, AreaFailed, back.Status)
	assert.Equal(t, "interrupted by service restart", back.ErrorMessage)

	// Sweeping again is a no-op: the request is terminal and the refund
	// reference already landed.
	require.NoError(t, f.orch.RecoverInterrupted(ctx))
	time.Sleep(50 * time.Millisecond)
	f.waitBalance(t, "u1", 4)
}

func TestRecoverInterruptedRestoresTrial(t *testing.T) {
	f := newOrchFixture(t, 3, Config{})
	ctx := context.Background()

	require.NoError(t, f.users.ConsumeTrial(ctx, "u1", 1))
	req := &Request{
		ID:            "req-t",
		UserID:        "u1",
		Status:        RequestProcessing,
		PaymentMethod: payment.MethodTrial,
		CreatedAt:     time.Now().UTC(),
		Areas:         []*AreaJob{{AreaID: "front", Status: AreaProcessing, ProgressPercentage: 30}},
	}
	require.NoError(t, f.store.Create(ctx, req))

	require.NoError(t, f.orch.RecoverInterrupted(ctx))

	require.Eventually(t, func() bool {
		u, err := f.users.Get(ctx, "u1")
		return err == nil && u.TrialRemaining == 3
	}, 3*time.Second, 5*time.Millisecond)

	recovered, err := f.store.Get(ctx, "req-t")
	require.NoError(t, err)
	assert.Equal(t, RequestFailed, recovered.Status)
}

func TestRecoverInterruptedPendingRefundsNothing(t *testing.T) {
	f := newOrchFixture(t, 0, Config{})
	ctx := context.Background()
	f.fundTokens(t, "u1", 5)

	// A request that died before any debit was recorded: failed, no refund.
	req := &Request{
		ID:            "req-p",
		UserID:        "u1",
		Status:        RequestPending,
		PaymentMethod: payment.MethodToken,
		CreatedAt:     time.Now().UTC(),
		Areas:         []*AreaJob{{AreaID: "front", Status: AreaPending}},
	}
	require.NoError(t, f.store.Create(ctx, req))

	require.NoError(t, f.orch.RecoverInterrupted(ctx))

	recovered, err := f.store.Get(ctx, "req-p")
	require.NoError(t, err)
	assert.Equal(t, RequestFailed, recovered.Status)

	time.Sleep(50 * time.Millisecond)
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}
