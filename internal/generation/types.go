package generation

import (
	"fmt"
	"time"

	"github.com/example/yardgen/internal/payment"
)

// RequestStatus is the top-level state of a generation request.
type RequestStatus string

const (
	RequestPending       RequestStatus = "pending"
	RequestProcessing    RequestStatus = "processing"
	RequestCompleted     RequestStatus = "completed"
	RequestPartialFailed RequestStatus = "partial_failed"
	RequestFailed        RequestStatus = "failed"
)

// AreaStatus is the state of a single area job.
type AreaStatus string

const (
	AreaPending    AreaStatus = "pending"
	AreaProcessing AreaStatus = "processing"
	AreaCompleted  AreaStatus = "completed"
	AreaFailed     AreaStatus = "failed"
)

// AllowedRequestTransitions defines the valid request state transitions.
func AllowedRequestTransitions() map[RequestStatus][]RequestStatus {
	return map[RequestStatus][]RequestStatus{
		RequestPending:       {RequestProcessing, RequestFailed},
		RequestProcessing:    {RequestCompleted, RequestPartialFailed, RequestFailed},
		RequestCompleted:     {},
		RequestPartialFailed: {},
		RequestFailed:        {},
	}
}

// Terminal reports whether the request status is final.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCompleted, RequestPartialFailed, RequestFailed:
		return true
	}
	return false
}

// Terminal reports whether the area status is final.
func (s AreaStatus) Terminal() bool {
	return s == AreaCompleted || s == AreaFailed
}

// InvalidTransitionError reports an attempted transition the state machine
// does not allow.
type InvalidTransitionError struct {
	RequestID string
	From      RequestStatus
	To        RequestStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for request %s", e.From, e.To, e.RequestID)
}

// validTransition checks the request transition table.
func validTransition(from, to RequestStatus) bool {
	for _, allowed := range AllowedRequestTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AreaSpec is the client's description of one yard area to render.
type AreaSpec struct {
	AreaID         string `json:"area_id"`
	Style          string `json:"style"`
	SourceImageRef string `json:"source_image_ref"`
	CustomPrompt   string `json:"custom_prompt,omitempty"`
}

// AreaJob is one independently-processed unit of a generation request. Its
// DebitTransactionID records the exact ledger debit that funded it, which is
// what makes the failed-area refund addressable.
type AreaJob struct {
	AreaID             string     `json:"area_id"`
	Style              string     `json:"style"`
	SourceImageRef     string     `json:"source_image_ref"`
	CustomPrompt       string     `json:"custom_prompt,omitempty"`
	Status             AreaStatus `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
	ImageURL           string     `json:"image_url,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	DebitTransactionID string     `json:"-"`
}

// Request is a generation request composed of 1..N area jobs. Terminal once
// Status is completed, failed or partial_failed.
type Request struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Status        RequestStatus  `json:"status"`
	PaymentMethod payment.Method `json:"payment_method"`
	Areas         []*AreaJob     `json:"areas"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out as a poll snapshot.
func (r *Request) Clone() *Request {
	cp := *r
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		cp.CompletedAt = &ts
	}
	cp.Areas = make([]*AreaJob, len(r.Areas))
	for i, area := range r.Areas {
		areaCp := *area
		cp.Areas[i] = &areaCp
	}
	return &cp
}

// Area returns the job for areaID, or nil.
func (r *Request) Area(areaID string) *AreaJob {
	for _, area := range r.Areas {
		if area.AreaID == areaID {
			return area
		}
	}
	return nil
}

// aggregate derives the terminal request status from resolved areas:
// completed only when all areas completed, failed only when all failed,
// partial_failed otherwise.
func aggregate(areas []*AreaJob) RequestStatus {
	completed, failed := 0, 0
	for _, area := range areas {
		switch area.Status {
		case AreaCompleted:
			completed++
		case AreaFailed:
			failed++
		}
	}
	switch {
	case completed == len(areas):
		return RequestCompleted
	case failed == len(areas):
		return RequestFailed
	default:
		return RequestPartialFailed
	}
}
