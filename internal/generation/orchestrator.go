package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/internal/payment"
	"github.com/example/yardgen/pkg/audit"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_requests_total",
		Help: "Generation requests reaching a terminal status.",
	}, []string{"status"})
	areaJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_area_jobs_total",
		Help: "Area jobs reaching a terminal status.",
	}, []string{"outcome"})
	refundRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "generation_refund_retries_total",
		Help: "Refund attempts that failed and were retried.",
	})
)

// ReloadNotifier receives a signal after each successful token debit so the
// auto-reload monitor can re-evaluate the balance.
type ReloadNotifier interface {
	AfterDebit(ctx context.Context, userID string)
}

// Config tunes the orchestrator.
type Config struct {
	// AreaTimeout bounds each generation call; an area that has not resolved
	// within it is forced to failed and refunded.
	AreaTimeout time.Duration
	// MaxParallelAreas caps concurrently running area jobs across requests.
	MaxParallelAreas int
	// ProgressInterval is how often a running area's progress estimate
	// advances while waiting on the capability.
	ProgressInterval time.Duration
	// MaxAreasPerRequest bounds a single request.
	MaxAreasPerRequest int
}

func (c *Config) applyDefaults() {
	if c.AreaTimeout <= 0 {
		c.AreaTimeout = 2 * time.Minute
	}
	if c.MaxParallelAreas <= 0 {
		c.MaxParallelAreas = 8
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 2 * time.Second
	}
	if c.MaxAreasPerRequest <= 0 {
		c.MaxAreasPerRequest = 10
	}
}

// StartRequest is a client's request to generate images for a set of areas.
type StartRequest struct {
	UserID string
	Areas  []AreaSpec
}

// AreaOutcome is one terminal result for an area job.
type AreaOutcome struct {
	ImageURL     string
	Failed       bool
	ErrorMessage string
}

// Orchestrator owns the lifecycle of generation requests: it authorizes and
// funds them, fans areas out to concurrent workers, forces timeouts, refunds
// failed areas and aggregates the terminal status.
type Orchestrator struct {
	store     RequestStore
	ledger    *ledger.Service
	users     payment.UserStore
	resolver  *payment.Resolver
	generator Generator
	reload    ReloadNotifier
	auditor   *audit.ChainLogger
	logger    *slog.Logger

	cfg  Config
	sem  chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex
	live map[string]*requestState
}

// requestState serializes all mutations of one in-flight request.
type requestState struct {
	mu  sync.Mutex
	req *Request
}

// NewOrchestrator wires the orchestrator. reload and auditor may be nil.
func NewOrchestrator(store RequestStore, ls *ledger.Service, users payment.UserStore, resolver *payment.Resolver, generator Generator, reload ReloadNotifier, auditor *audit.ChainLogger, logger *slog.Logger, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		ledger:    ls,
		users:     users,
		resolver:  resolver,
		generator: generator,
		reload:    reload,
		auditor:   auditor,
		logger:    logger,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.MaxParallelAreas),
		quit:      make(chan struct{}),
		live:      make(map[string]*requestState),
	}
}

// Start authorizes, funds and launches a generation request. Denials and
// funding shortfalls come back as *payment.DeniedError; everything else is an
// infrastructure failure.
func (o *Orchestrator) Start(ctx context.Context, in StartRequest) (*Request, error) {
	if err := validateStart(in, o.cfg.MaxAreasPerRequest); err != nil {
		return nil, err
	}

	decision, err := o.resolver.Authorize(ctx, in.UserID, len(in.Areas))
	if err != nil {
		return nil, err
	}

	req := &Request{
		ID:            uuid.NewString(),
		UserID:        in.UserID,
		Status:        RequestPending,
		PaymentMethod: decision.Method,
		CreatedAt:     time.Now().UTC(),
	}
	for _, spec := range in.Areas {
		req.Areas = append(req.Areas, &AreaJob{
			AreaID:         spec.AreaID,
			Style:          spec.Style,
			SourceImageRef: spec.SourceImageRef,
			CustomPrompt:   spec.CustomPrompt,
			Status:         AreaPending,
		})
	}
	if err := o.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist request: %w", err)
	}

	if err := o.fund(ctx, req, decision.Method); err != nil {
		o.failUnfunded(ctx, req)
		return nil, err
	}

	if err := o.transition(ctx, req, RequestProcessing); err != nil {
		// The funding already landed. Every funded area goes through the
		// refund path before the failure is surfaced, so a dead store cannot
		// strand the debits.
		o.abortFunded(ctx, req)
		return nil, err
	}

	state := &requestState{req: req}
	o.mu.Lock()
	o.live[req.ID] = state
	o.mu.Unlock()

	// Snapshot before the workers start mutating the request.
	snapshot := req.Clone()
	for _, area := range req.Areas {
		o.wg.Add(1)
		go o.runArea(state, area.AreaID)
	}
	return snapshot, nil
}

// fund debits the chosen method. A funding race (entitlements consumed by a
// concurrent request between authorize and debit) re-resolves once; the
// second denial is final.
func (o *Orchestrator) fund(ctx context.Context, req *Request, method payment.Method) error {
	for attempt := 0; ; attempt++ {
		err := o.fundWith(ctx, req, method)
		if err == nil {
			req.PaymentMethod = method
			return nil
		}

		raced := errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, payment.ErrTrialExhausted)
		if !raced || attempt > 0 {
			return err
		}

		decision, authErr := o.resolver.Authorize(ctx, req.UserID, len(req.Areas))
		if authErr != nil {
			return authErr
		}
		method = decision.Method
	}
}

func (o *Orchestrator) fundWith(ctx context.Context, req *Request, method payment.Method) error {
	switch method {
	case payment.MethodSubscription:
		return nil

	case payment.MethodTrial:
		return o.users.ConsumeTrial(ctx, req.UserID, len(req.Areas))

	case payment.MethodToken:
		// References are scoped to the request: the same user may reuse area
		// IDs across requests, and each debit must stay uniquely addressable.
		refs := make([]string, 0, len(req.Areas))
		for _, area := range req.Areas {
			refs = append(refs, fundingRef(req.ID, area.AreaID))
		}

		txs, err := o.ledger.DebitForAreas(ctx, req.UserID, refs, "generation "+req.ID)
		if err != nil {
			return err
		}

		byRef := make(map[string]*ledger.Transaction, len(txs))
		for _, tx := range txs {
			byRef[tx.ExternalReference] = tx
		}
		for _, area := range req.Areas {
			if tx := byRef[fundingRef(req.ID, area.AreaID)]; tx != nil {
				area.DebitTransactionID = tx.ID
				if err := o.store.UpdateArea(ctx, req.ID, area); err != nil {
					o.logger.Error("failed to persist debit reference", "request_id", req.ID, "area_id", area.AreaID, "error", err)
				}
			}
		}

		if o.reload != nil {
			go o.reload.AfterDebit(context.Background(), req.UserID)
		}
		return nil

	default:
		return fmt.Errorf("unknown payment method: %s", method)
	}
}

// abortFunded fails a request whose funding landed but which cannot proceed,
// refunding every funded area through the retrying refund path.
func (o *Orchestrator) abortFunded(ctx context.Context, req *Request) {
	for _, area := range req.Areas {
		area.Status = AreaFailed
		area.ProgressPercentage = 100
		area.ErrorMessage = "request aborted before processing"
		o.persistArea(req.ID, area)
		areaJobsTotal.WithLabelValues("aborted").Inc()

		if req.PaymentMethod != payment.MethodSubscription {
			o.wg.Add(1)
			go o.refundArea(req.ID, req.UserID, req.PaymentMethod, *area)
		}
	}
	if err := o.transition(ctx, req, RequestFailed); err != nil {
		o.logger.Error("failed to mark aborted request failed", "request_id", req.ID, "error", err)
	}
	if o.auditor != nil {
		o.auditor.Record("generation.aborted", req.ID,
			fmt.Sprintf("user=%s areas=%d method=%s", req.UserID, len(req.Areas), req.PaymentMethod))
	}
}

func (o *Orchestrator) failUnfunded(ctx context.Context, req *Request) {
	if err := o.transition(ctx, req, RequestFailed); err != nil {
		o.logger.Error("failed to mark unfunded request failed", "request_id", req.ID, "error", err)
	}
}

// RecoverInterrupted sweeps persisted requests that were in flight when the
// process last stopped: non-terminal areas are failed, refunds for failed
// areas are reissued and the request reaches a terminal status. Refunds and
// trial restores are idempotent by reference, so sweeping twice is safe.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	reqs, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unfinished requests: %w", err)
	}
	for _, req := range reqs {
		o.recoverRequest(ctx, req)
	}
	return nil
}

func (o *Orchestrator) recoverRequest(ctx context.Context, req *Request) {
	// A request only reaches processing once its funding landed. A pending
	// request may have crashed before consuming anything, so only debits it
	// recorded on an area are safe to compensate.
	funded := req.Status == RequestProcessing

	for _, area := range req.Areas {
		if !area.Status.Terminal() {
			area.Status = AreaFailed
			area.ProgressPercentage = 100
			area.ErrorMessage = "interrupted by service restart"
			o.persistArea(req.ID, area)
			areaJobsTotal.WithLabelValues("interrupted").Inc()
		}
		if area.Status != AreaFailed {
			continue
		}

		switch req.PaymentMethod {
		case payment.MethodToken:
			if area.DebitTransactionID == "" {
				continue
			}
		case payment.MethodTrial:
			if !funded {
				continue
			}
		default:
			continue
		}
		o.wg.Add(1)
		go o.refundArea(req.ID, req.UserID, req.PaymentMethod, *area)
	}

	final := aggregate(req.Areas)
	if err := o.transition(ctx, req, final); err != nil {
		o.logger.Error("failed to finalize recovered request", "request_id", req.ID, "error", err)
		return
	}
	o.logger.Warn("recovered interrupted request",
		"request_id", req.ID, "user_id", req.UserID, "status", final)
	if o.auditor != nil {
		o.auditor.Record("generation.recovered", req.ID,
			fmt.Sprintf("user=%s status=%s areas=%d", req.UserID, final, len(req.Areas)))
	}
}

// transition moves the request through the state machine and persists it.
func (o *Orchestrator) transition(ctx context.Context, req *Request, to RequestStatus) error {
	if !validTransition(req.Status, to) {
		return &InvalidTransitionError{RequestID: req.ID, From: req.Status, To: to}
	}
	req.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		req.CompletedAt = &now
		requestsTotal.WithLabelValues(string(to)).Inc()
	}
	if err := o.store.UpdateStatus(ctx, req); err != nil {
		return fmt.Errorf("failed to persist status: %w", err)
	}
	return nil
}

// Get returns a point-in-time snapshot of the request, readable at any time
// including mid-flight.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Request, error) {
	if id == "" {
		return nil, fmt.Errorf("request ID is required")
	}

	o.mu.Lock()
	state, ok := o.live[id]
	o.mu.Unlock()
	if ok {
		state.mu.Lock()
		defer state.mu.Unlock()
		return state.req.Clone(), nil
	}
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) runArea(state *requestState, areaID string) {
	defer o.wg.Done()

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-o.quit:
		return
	}

	params, ok := o.beginArea(state, areaID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.AreaTimeout)
	defer cancel()

	done := make(chan struct{})
	go o.advanceProgress(state, areaID, done)

	imageURL, err := o.generator.Generate(ctx, params)
	close(done)

	if err != nil {
		message := err.Error()
		outcome := "failed"
		if ctx.Err() != nil {
			message = "generation timed out"
			outcome = "timeout"
		}
		o.resolveArea(state, areaID, AreaOutcome{Failed: true, ErrorMessage: message}, outcome)
		return
	}
	o.resolveArea(state, areaID, AreaOutcome{ImageURL: imageURL}, "completed")
}

func (o *Orchestrator) beginArea(state *requestState, areaID string) (GenerateParams, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	area := state.req.Area(areaID)
	if area == nil || area.Status != AreaPending {
		return GenerateParams{}, false
	}
	area.Status = AreaProcessing
	area.ProgressPercentage = 10
	o.persistArea(state.req.ID, area)

	return GenerateParams{
		AreaID:         area.AreaID,
		Style:          area.Style,
		SourceImageRef: area.SourceImageRef,
		CustomPrompt:   area.CustomPrompt,
	}, true
}

// advanceProgress nudges the progress estimate while the capability call is
// in flight. It caps at 90; only a terminal outcome reaches 100.
func (o *Orchestrator) advanceProgress(state *requestState, areaID string, done <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-o.quit:
			return
		case <-ticker.C:
			state.mu.Lock()
			area := state.req.Area(areaID)
			if area == nil || area.Status != AreaProcessing {
				state.mu.Unlock()
				return
			}
			if area.ProgressPercentage < 90 {
				area.ProgressPercentage += 10
				o.persistArea(state.req.ID, area)
			}
			state.mu.Unlock()
		}
	}
}

// ResolveArea applies a terminal outcome delivered for an area, for use by
// callback-style completion paths. Duplicate deliveries for an already
// resolved area are ignored.
func (o *Orchestrator) ResolveArea(requestID, areaID string, outcome AreaOutcome) error {
	o.mu.Lock()
	state, ok := o.live[requestID]
	o.mu.Unlock()
	if !ok {
		// The request is no longer in flight. If it exists and is terminal
		// this is a late redelivery, which is ignored by contract.
		req, err := o.store.Get(context.Background(), requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("request %s is not running", requestID)
	}

	label := "completed"
	if outcome.Failed {
		label = "failed"
	}
	o.resolveArea(state, areaID, outcome, label)
	return nil
}

func (o *Orchestrator) resolveArea(state *requestState, areaID string, outcome AreaOutcome, metricLabel string) {
	state.mu.Lock()
	defer state.mu.Unlock()

	req := state.req
	if req.Status.Terminal() {
		return
	}
	area := req.Area(areaID)
	if area == nil || area.Status.Terminal() {
		return
	}

	area.ProgressPercentage = 100
	if outcome.Failed {
		area.Status = AreaFailed
		area.ErrorMessage = outcome.ErrorMessage
		o.logger.Warn("area job failed",
			"request_id", req.ID, "area_id", areaID, "error", outcome.ErrorMessage)

		// Exactly one refund per failed area; subscription requests cost
		// nothing and refund nothing.
		if req.PaymentMethod != payment.MethodSubscription {
			refund := *area
			o.wg.Add(1)
			go o.refundArea(req.ID, req.UserID, req.PaymentMethod, refund)
		}
	} else {
		area.Status = AreaCompleted
		area.ImageURL = outcome.ImageURL
	}
	areaJobsTotal.WithLabelValues(metricLabel).Inc()
	o.persistArea(req.ID, area)

	for _, a := range req.Areas {
		if !a.Status.Terminal() {
			return
		}
	}

	// Last area resolved: aggregate and finish.
	final := aggregate(req.Areas)
	if err := o.transition(context.Background(), req, final); err != nil {
		o.logger.Error("failed to finalize request", "request_id", req.ID, "error", err)
		return
	}
	if o.auditor != nil {
		o.auditor.Record("generation.finished", req.ID,
			fmt.Sprintf("user=%s status=%s areas=%d", req.UserID, final, len(req.Areas)))
	}

	o.mu.Lock()
	delete(o.live, req.ID)
	o.mu.Unlock()
}

// refundArea issues the refund for one failed area and retries until it
// lands. A failed area must never go permanently un-refunded, so this loop
// only gives up on shutdown or on proof the refund cannot apply.
func (o *Orchestrator) refundArea(requestID, userID string, method payment.Method, area AreaJob) {
	defer o.wg.Done()

	ctx := context.Background()
	backoff := time.Second

	for {
		var err error
		switch method {
		case payment.MethodToken:
			_, err = o.ledger.Refund(ctx, userID, area.DebitTransactionID)
		case payment.MethodTrial:
			_, err = o.users.RestoreTrial(ctx, userID, fundingRef(requestID, area.AreaID))
		default:
			return
		}

		if err == nil {
			if o.auditor != nil {
				o.auditor.Record("generation.refund", requestID,
					fmt.Sprintf("user=%s area=%s method=%s", userID, area.AreaID, method))
			}
			return
		}

		if errors.Is(err, ledger.ErrTransactionNotFound) || errors.Is(err, ledger.ErrNotRefundable) {
			// The debit reference is wrong: an invariant is broken. Surface
			// loudly instead of retrying forever against a bug.
			o.logger.Error("refund cannot apply", "request_id", requestID, "area_id", area.AreaID, "error", err)
			if o.auditor != nil {
				o.auditor.Record("generation.refund_integrity", requestID, err.Error())
			}
			return
		}

		refundRetriesTotal.Inc()
		o.logger.Warn("refund failed, retrying", "request_id", requestID, "area_id", area.AreaID, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-o.quit:
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (o *Orchestrator) persistArea(requestID string, area *AreaJob) {
	if err := o.store.UpdateArea(context.Background(), requestID, area); err != nil {
		o.logger.Error("failed to persist area job", "request_id", requestID, "area_id", area.AreaID, "error", err)
	}
}

// Shutdown stops background work and waits for in-flight workers, bounded by
// ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.quit)

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fundingRef is the per-area idempotency reference for debits and trial
// restores.
func fundingRef(requestID, areaID string) string {
	return requestID + ":" + areaID
}

func validateStart(in StartRequest, maxAreas int) error {
	if in.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(in.Areas) == 0 {
		return fmt.Errorf("at least one area is required")
	}
	if len(in.Areas) > maxAreas {
		return fmt.Errorf("at most %d areas per request", maxAreas)
	}

	seen := make(map[string]bool, len(in.Areas))
	for _, area := range in.Areas {
		if area.AreaID == "" {
			return fmt.Errorf("area ID is required")
		}
		if seen[area.AreaID] {
			return fmt.Errorf("duplicate area ID: %s", area.AreaID)
		}
		seen[area.AreaID] = true
	}
	return nil
}
