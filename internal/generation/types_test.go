package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestTransitions(t *testing.T) {
	cases := []struct {
		from, to RequestStatus
		ok       bool
	}{
		{RequestPending, RequestProcessing, true},
		{RequestPending, RequestFailed, true},
		{RequestPending, RequestCompleted, false},
		{RequestProcessing, RequestCompleted, true},
		{RequestProcessing, RequestPartialFailed, true},
		{RequestProcessing, RequestFailed, true},
		{RequestProcessing, RequestPending, false},
		{RequestCompleted, RequestProcessing, false},
		{RequestFailed, RequestProcessing, false},
		{RequestPartialFailed, RequestCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, validTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestAggregate(t *testing.T) {
	area := func(s AreaStatus) *AreaJob { return &AreaJob{Status: s} }

	assert.Equal(t, RequestCompleted, aggregate([]*AreaJob{area(AreaCompleted), area(AreaCompleted)}))
	assert.Equal(t, RequestFailed, aggregate([]*AreaJob{area(AreaFailed), area(AreaFailed)}))
	assert.Equal(t, RequestPartialFailed, aggregate([]*AreaJob{area(AreaCompleted), area(AreaFailed)}))
}

func TestCloneIsDeep(t *testing.T) {
	req := &Request{
		ID:     "r1",
		Status: RequestProcessing,
		Areas:  []*AreaJob{{AreaID: "front", Status: AreaProcessing}},
	}
	cp := req.Clone()
	cp.Areas[0].Status = AreaCompleted
	cp.Status = RequestCompleted

	assert.Equal(t, AreaProcessing, req.Areas[0].Status)
	assert.Equal(t, RequestProcessing, req.Status)
}
