package generation

import (
	"context"
	"errors"
	"sync"
)

// ErrRequestNotFound is returned when a generation request id is unknown.
var ErrRequestNotFound = errors.New("generation request not found")

// RequestStore persists generation requests and their area jobs. The
// orchestrator serializes writes per request, so implementations only need
// whole-row durability, not cross-writer coordination.
type RequestStore interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	UpdateStatus(ctx context.Context, req *Request) error
	UpdateArea(ctx context.Context, requestID string, area *AreaJob) error

	// ListUnfinished returns every request not yet in a terminal status.
	// Used by the startup recovery sweep.
	ListUnfinished(ctx context.Context) ([]*Request, error)
}

// MemoryRequestStore is the in-process RequestStore for tests and development
// mode.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryRequestStore creates an empty in-memory store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]*Request)}
}

// Create implements RequestStore.
func (ms *MemoryRequestStore) Create(ctx context.Context, req *Request) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.requests[req.ID] = req.Clone()
	return nil
}

// Get implements RequestStore.
func (ms *MemoryRequestStore) Get(ctx context.Context, id string) (*Request, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	req, ok := ms.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

// UpdateStatus implements RequestStore.
func (ms *MemoryRequestStore) UpdateStatus(ctx context.Context, req *Request) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored, ok := ms.requests[req.ID]
	if !ok {
		return ErrRequestNotFound
	}
	stored.Status = req.Status
	stored.PaymentMethod = req.PaymentMethod
	if req.CompletedAt != nil {
		ts := *req.CompletedAt
		stored.CompletedAt = &ts
	}
	return nil
}

// ListUnfinished implements RequestStore.
func (ms *MemoryRequestStore) ListUnfinished(ctx context.Context) ([]*Request, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*Request
	for _, req := range ms.requests {
		if !req.Status.Terminal() {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

// UpdateArea implements RequestStore.
func (ms *MemoryRequestStore) UpdateArea(ctx context.Context, requestID string, area *AreaJob) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored, ok := ms.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	existing := stored.Area(area.AreaID)
	if existing == nil {
		return ErrRequestNotFound
	}
	*existing = *area
	return nil
}
