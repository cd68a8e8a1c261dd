package dispatch

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ModelRoute is the deficit-round-robin state for one model session: an
// ordered list of (backend, throughput) pairs with per-backend deficit
// counters. Callers hold the dispatcher state mutex; ModelRoute itself is
// not concurrency-safe.
type ModelRoute struct {
	modelSessionID  string
	backends        []BackendRate
	quanta          map[NodeID]float64
	minRate         float64
	totalThroughput float64
	cursor          int
}

// NewModelRoute creates an empty route for a session.
func NewModelRoute(modelSessionID string) *ModelRoute {
	return &ModelRoute{
		modelSessionID: modelSessionID,
		quanta:         make(map[NodeID]float64),
	}
}

// Update replaces the route membership with new (backend, rate) pairs.
// New members are granted an immediate quantum equal to their rate; deficit
// entries of departed members are dropped; the cursor keeps pointing at the
// backend it pointed at before, when that backend survives the update.
func (r *ModelRoute) Update(snapshot ModelRouteSnapshot) {
	logrus.Infof("Update model route for %s", snapshot.ModelSessionID)

	// Save the current DRR backend
	var currentID NodeID
	if len(r.backends) > 0 {
		currentID = r.backends[r.cursor].Info.NodeID
	}

	r.modelSessionID = snapshot.ModelSessionID
	r.backends = append(r.backends[:0], snapshot.Backends...)
	r.totalThroughput = 0

	// Calculate quantum:rate ratio
	r.minRate = 0
	for i, backend := range r.backends {
		if i == 0 || backend.Throughput < r.minRate {
			r.minRate = backend.Throughput
		}
	}

	// Give quantum to new backends
	index := make(map[NodeID]int, len(r.backends))
	for i, backend := range r.backends {
		id := backend.Info.NodeID
		r.totalThroughput += backend.Throughput
		logrus.Infof("  backend %d: %g rps", id, backend.Throughput)
		if _, ok := r.quanta[id]; !ok {
			r.quanta[id] = backend.Throughput
		}
		index[id] = i
	}
	logrus.Infof("  total throughput: %g rps", r.totalThroughput)

	// Remove quantum of old backends
	for id := range r.quanta {
		if _, ok := index[id]; !ok {
			delete(r.quanta, id)
		}
	}

	// Recover the current DRR backend
	if i, ok := index[currentID]; ok {
		r.cursor = i
	} else if len(r.backends) == 0 {
		r.cursor = 0
	} else {
		r.cursor %= len(r.backends)
	}
}

// GetBackend runs one DRR pick. After a successful pick the cursor points at
// the backend that just served and its deficit has been decreased by the
// route's minimum rate. Returns ErrNoBackend on an empty route.
func (r *ModelRoute) GetBackend() (BackendInfo, error) {
	if len(r.backends) == 0 {
		return BackendInfo{}, ErrNoBackend
	}
	for i := 0; ; i++ {
		backend := r.backends[r.cursor]
		id := backend.Info.NodeID
		if r.quanta[id] >= r.minRate {
			r.quanta[id] -= r.minRate
			return backend.Info, nil
		}
		r.quanta[id] += backend.Throughput
		r.cursor = (r.cursor + 1) % len(r.backends)

		if i > len(r.backends) {
			panic(fmt.Sprintf("DRR could not decide for %s", r.modelSessionID))
		}
	}
}

// Snapshot returns the route membership in wire form.
func (r *ModelRoute) Snapshot() ModelRouteSnapshot {
	backends := make([]BackendRate, len(r.backends))
	copy(backends, r.backends)
	return ModelRouteSnapshot{ModelSessionID: r.modelSessionID, Backends: backends}
}

// TotalThroughput returns the sum of member rates.
func (r *ModelRoute) TotalThroughput() float64 { return r.totalThroughput }

// Len returns the number of member backends.
func (r *ModelRoute) Len() int { return len(r.backends) }

// CurrentBackendID reports the backend the cursor points at, for tests and
// logging. Returns false on an empty route.
func (r *ModelRoute) CurrentBackendID() (NodeID, bool) {
	if len(r.backends) == 0 {
		return 0, false
	}
	return r.backends[r.cursor].Info.NodeID, true
}
