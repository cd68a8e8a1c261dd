package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionQueryHeap verifies pending queries come back in deadline
// order, independent of insertion order.
func TestSessionQueryHeap(t *testing.T) {
	clock := NewManualClock(0)
	mctx := NewModelSessionContext(testSession, clock)

	for _, deadline := range []int64{500, 100, 300, 200, 400} {
		mctx.PushQuery(&QueryContext{
			GlobalID:   GlobalID(deadline),
			DeadlineNS: deadline,
		})
	}
	require.Equal(t, 5, mctx.PendingQueries())

	var deadlines []int64
	for q := mctx.PopQuery(); q != nil; q = mctx.PopQuery() {
		deadlines = append(deadlines, q.DeadlineNS)
	}
	assert.Equal(t, []int64{100, 200, 300, 400, 500}, deadlines)
	assert.Equal(t, 0, mctx.PendingQueries())
}

func TestBackendContext_OccupancyAndIdle(t *testing.T) {
	profile, err := NewModelProfile(testSession.ProfileID(), map[uint32]float64{1: 20000})
	require.NoError(t, err)

	sink := &captureSink{}
	delegate := NewBackendDelegate(1, "10.0.0.2", 9001, 9002, testGPUDevice, testGPUUUID, 16<<30, sink, 0)
	defer delegate.Close()
	bctx := NewBackendContext(delegate)

	assert.True(t, bctx.Idle())
	assert.InDelta(t, 0, bctx.Occupancy(), 1e-9)

	inst := NewInstanceContext(testSession, 1, profile)
	inst.Weight = 25
	bctx.Instances[testSession.ID()] = inst

	// 25 rps of a 50 rps peak.
	assert.False(t, bctx.Idle())
	assert.InDelta(t, 0.5, bctx.Occupancy(), 1e-9)
}
