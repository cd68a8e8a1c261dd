package dispatch

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendRate(id NodeID, rate float64) BackendRate {
	return BackendRate{
		Info:       BackendInfo{NodeID: id, IP: "10.0.0.1", ServerPort: 9001, RPCPort: 9002},
		Throughput: rate,
	}
}

func TestModelRoute_EmptyRoute(t *testing.T) {
	route := NewModelRoute("m1")
	_, err := route.GetBackend()
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestModelRoute_SingleBackendServesEverything(t *testing.T) {
	route := NewModelRoute("m1")
	route.Update(ModelRouteSnapshot{ModelSessionID: "m1", Backends: []BackendRate{backendRate(1, 25)}})

	for i := 0; i < 50; i++ {
		info, err := route.GetBackend()
		require.NoError(t, err)
		assert.Equal(t, NodeID(1), info.NodeID)
	}
}

// TestModelRoute_WeightedFairness verifies DRR fairness: over N picks with
// fixed rates, each backend's served count stays within route-size of its
// proportional share.
func TestModelRoute_WeightedFairness(t *testing.T) {
	tests := []struct {
		name  string
		rates map[NodeID]float64
		picks int
	}{
		{"30/70 split", map[NodeID]float64{1: 30, 2: 70}, 100},
		{"equal pair", map[NodeID]float64{1: 10, 2: 10}, 100},
		{"three way", map[NodeID]float64{1: 10, 2: 20, 3: 70}, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := NewModelRoute("m1")
			var backends []BackendRate
			var total float64
			for id, rate := range tt.rates {
				backends = append(backends, backendRate(id, rate))
				total += rate
			}
			route.Update(ModelRouteSnapshot{ModelSessionID: "m1", Backends: backends})

			counts := make(map[NodeID]int)
			for i := 0; i < tt.picks; i++ {
				info, err := route.GetBackend()
				require.NoError(t, err)
				counts[info.NodeID]++
			}

			for id, rate := range tt.rates {
				expected := float64(tt.picks) * rate / total
				assert.LessOrEqual(t, math.Abs(float64(counts[id])-expected), float64(len(tt.rates)),
					"backend %d served %d, expected %.1f", id, counts[id], expected)
			}
		})
	}
}

// TestModelRoute_TerminationBound verifies every pick terminates within
// size(route) cursor revolutions even with badly skewed rates.
func TestModelRoute_TerminationBound(t *testing.T) {
	route := NewModelRoute("m1")
	route.Update(ModelRouteSnapshot{ModelSessionID: "m1", Backends: []BackendRate{
		backendRate(1, 0.001), backendRate(2, 1000), backendRate(3, 5),
	}})
	// GetBackend panics if DRR cannot decide; a full sweep would trip it.
	for i := 0; i < 10000; i++ {
		_, err := route.GetBackend()
		require.NoError(t, err)
	}
}

// TestModelRoute_UpdateRoundTrip verifies update followed by snapshot yields
// the same members and rates.
func TestModelRoute_UpdateRoundTrip(t *testing.T) {
	route := NewModelRoute("m1")
	in := ModelRouteSnapshot{ModelSessionID: "m1", Backends: []BackendRate{
		backendRate(1, 30), backendRate(2, 70),
	}}
	route.Update(in)

	out := route.Snapshot()
	assert.Equal(t, in.ModelSessionID, out.ModelSessionID)
	assert.Equal(t, in.Backends, out.Backends)
	assert.InDelta(t, 100, route.TotalThroughput(), 1e-9)
}

// TestModelRoute_CursorPreservedAcrossUpdate verifies the cursor keeps
// pointing at the same backend when it survives a membership change.
func TestModelRoute_CursorPreservedAcrossUpdate(t *testing.T) {
	route := NewModelRoute("m1")
	route.Update(ModelRouteSnapshot{ModelSessionID: "m1", Backends: []BackendRate{
		backendRate(1, 10),
	}})

	for i := 0; i < 5; i++ {
		info, err := route.GetBackend()
		require.NoError(t, err)
		assert.Equal(t, NodeID(1), info.NodeID)
	}
	current, ok := route.CurrentBackendID()
	require.True(t, ok)

	// Hot-add a second backend; the cursor must not move off the current one.
	route.Update(ModelRouteSnapshot{ModelSessionID: "m1", Backends: []BackendRate{
		backendRate(2, 10), backendRate(1, 10),
	}})
	after, ok := route.CurrentBackendID()
	require.True(t, ok)
	assert.Equal(t, current, after)

	// Long-run split settles to 50/50.
	counts := make(map[NodeID]int)
	for i := 0; i < 10; i++ {
		info, err := route.GetBackend()
		require.NoError(t, err)
		counts[info.NodeID]++
	}
	assert.LessOrEqual(t, math.Abs(float64(counts[1]-counts[2])), 2.0,
		"expected near-even split, got %v", counts)
}

// TestModelRoute_NewMemberGetsImmediateQuantum verifies a freshly added
// backend can serve without waiting a full revolution.
func TestModelRoute_NewMemberGetsImmediateQuantum(t *testing.T) {
	route := NewModelRoute("m1")
	route.Update(ModelRouteSnapshot{ModelSessionID: "m1", Backends: []BackendRate{
		backendRate(1, 10), backendRate(2, 10),
	}})
	served := make(map[NodeID]bool)
	for i := 0; i < 2; i++ {
		info, err := route.GetBackend()
		require.NoError(t, err)
		served[info.NodeID] = true
	}
	assert.True(t, served[1] && served[2], "both members should serve in the first revolution, got %v", served)
}

func TestModelRoute_DroppedMemberLosesDeficit(t *testing.T) {
	route := NewModelRoute("m1")
	route.Update(ModelRouteSnapshot{ModelSessionID: "m1", Backends: []BackendRate{
		backendRate(1, 10), backendRate(2, 10),
	}})
	route.Update(ModelRouteSnapshot{ModelSessionID: "m1", Backends: []BackendRate{
		backendRate(2, 10),
	}})
	assert.Equal(t, 1, route.Len())
	for i := 0; i < 4; i++ {
		info, err := route.GetBackend()
		require.NoError(t, err)
		assert.Equal(t, NodeID(2), info.NodeID, "pick %d", i)
	}
}

func ExampleModelRoute_GetBackend() {
	route := NewModelRoute("tensorflow:resnet:1:50000")
	route.Update(ModelRouteSnapshot{
		ModelSessionID: "tensorflow:resnet:1:50000",
		Backends: []BackendRate{
			{Info: BackendInfo{NodeID: 1}, Throughput: 1},
		},
	})
	info, _ := route.GetBackend()
	fmt.Println(info.NodeID)
	// Output: 1
}
