package dispatch

import (
	"container/heap"
)

// QueryContext tracks one admitted query from ingress until its plan is
// handed to a backend or it times out.
type QueryContext struct {
	GlobalID GlobalID
	Query    QueryMeta
	// DeadlineNS = frontend_recv_ns + latency_sla_us * 1000.
	DeadlineNS int64
}

// queryHeap is a deadline min-heap of pending queries, built on
// container/heap like every ordered queue in this codebase.
type queryHeap []*QueryContext

func (h queryHeap) Len() int            { return len(h) }
func (h queryHeap) Less(i, j int) bool  { return h[i].DeadlineNS < h[j].DeadlineNS }
func (h queryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *queryHeap) Push(x any)         { *h = append(*h, x.(*QueryContext)) }
func (h *queryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// InstanceContext binds one model session to one backend: the profile plus
// the derived max batch that still fits the full latency budget, and the
// throughput currently assigned to this pairing by the epoch scheduler.
type InstanceContext struct {
	Session   ModelSession
	BackendID NodeID
	Profile   *ModelProfile
	MaxBatch  uint32
	// Weight is the rps currently assigned to this instance.
	Weight float64
}

// NewInstanceContext derives max batch from the profile and the session's
// full latency budget.
func NewInstanceContext(session ModelSession, backendID NodeID, profile *ModelProfile) *InstanceContext {
	return &InstanceContext{
		Session:   session,
		BackendID: backendID,
		Profile:   profile,
		MaxBatch:  profile.MaxBatchWithFullBudget(session.LatencySLAUS),
	}
}

// PeakRate returns the throughput in rps this instance delivers running its
// max batch back to back.
func (i *InstanceContext) PeakRate() float64 {
	latUS := i.Profile.ForwardLatency(i.MaxBatch)
	if latUS <= 0 {
		return 0
	}
	return float64(i.MaxBatch) / (latUS / 1e6)
}

// BackendContext is the dispatcher's view of one backend GPU. All fields are
// guarded by the dispatcher state mutex; cross-references to sessions are
// string keys into the dispatcher's session map, never pointers.
type BackendContext struct {
	BackendID NodeID
	Delegate  *BackendDelegate
	GPUDevice string
	GPUUUID   string
	// NextAvailableTimeNS is a soft hint advanced at dispatch to avoid
	// double-booking the GPU. Nothing reads it for correctness.
	NextAvailableTimeNS int64
	// Instances maps model session id to the instance living on this GPU.
	Instances map[string]*InstanceContext
	// StaticWorkloadID pins this backend to a preconfigured workload slot.
	// Empty means the epoch scheduler may reallocate it freely.
	StaticWorkloadID string
}

func NewBackendContext(delegate *BackendDelegate) *BackendContext {
	return &BackendContext{
		BackendID: delegate.NodeID(),
		Delegate:  delegate,
		GPUDevice: delegate.GPUDevice(),
		GPUUUID:   delegate.GPUUUID(),
		Instances: make(map[string]*InstanceContext),
	}
}

// Occupancy returns the fraction of the GPU's duty cycle consumed by the
// throughput assigned across all instances.
func (b *BackendContext) Occupancy() float64 {
	var occ float64
	for _, inst := range b.Instances {
		peak := inst.PeakRate()
		if peak > 0 {
			occ += inst.Weight / peak
		}
	}
	return occ
}

// Idle reports whether no throughput is assigned to this backend.
func (b *BackendContext) Idle() bool {
	for _, inst := range b.Instances {
		if inst.Weight > workloadEpsilon {
			return false
		}
	}
	return true
}

// IsStatic reports whether the backend is pinned to a static workload slot.
func (b *BackendContext) IsStatic() bool { return b.StaticWorkloadID != "" }

// ModelSessionContext is the dispatcher's per-session state.
type ModelSessionContext struct {
	Session  ModelSession
	StringID string
	// BackendWeights maps backend id to its assigned rps for this session.
	BackendWeights map[NodeID]float64
	// BackupBackends holds standby backends established for static
	// workloads.
	BackupBackends map[NodeID]struct{}
	// Subscribers are the frontends that receive route updates for this
	// session.
	Subscribers map[NodeID]struct{}
	// RPSHistory is a bounded deque of per-beacon request-rate samples,
	// newest last.
	RPSHistory []float64
	// UnassignedWorkload is rps wanted but not yet placed on any backend.
	UnassignedWorkload float64

	reqCounter *IntervalCounter
	reqRate    *MovingAverage

	// pending queries awaiting scheduling, ordered by deadline.
	sortedQueries queryHeap
}

const (
	countIntervalSec = 1
	avgIntervalSec   = 5
)

func NewModelSessionContext(session ModelSession, clock Clock) *ModelSessionContext {
	return &ModelSessionContext{
		Session:        session,
		StringID:       session.ID(),
		BackendWeights: make(map[NodeID]float64),
		BackupBackends: make(map[NodeID]struct{}),
		Subscribers:    make(map[NodeID]struct{}),
		reqCounter:     NewIntervalCounter(clock, countIntervalSec),
		reqRate:        NewMovingAverage(countIntervalSec, avgIntervalSec),
	}
}

// CountRequest records one admitted query for rate estimation.
func (m *ModelSessionContext) CountRequest() { m.reqCounter.Add(1) }

// RequestRate folds completed counter buckets into the moving average and
// returns the current trailing rate. Leading zero buckets are skipped while
// the average is unseeded so an idle session does not poison its first
// estimate.
func (m *ModelSessionContext) RequestRate() float64 {
	for _, nreq := range m.reqCounter.History() {
		if m.reqRate.Rate() < 0 && nreq == 0 {
			continue
		}
		m.reqRate.AddSample(nreq)
	}
	return m.reqRate.Rate()
}

// PushQuery adds a pending query in deadline order.
func (m *ModelSessionContext) PushQuery(q *QueryContext) {
	heap.Push(&m.sortedQueries, q)
}

// PopQuery removes and returns the earliest-deadline pending query, or nil.
func (m *ModelSessionContext) PopQuery() *QueryContext {
	if len(m.sortedQueries) == 0 {
		return nil
	}
	return heap.Pop(&m.sortedQueries).(*QueryContext)
}

// PendingQueries returns the number of queries awaiting scheduling.
func (m *ModelSessionContext) PendingQueries() int { return len(m.sortedQueries) }

// TotalWeight returns the throughput currently assigned across backends.
func (m *ModelSessionContext) TotalWeight() float64 {
	var sum float64
	for _, w := range m.BackendWeights {
		sum += w
	}
	return sum
}

// PushRPSSample appends a beacon sample and trims the history to limit.
func (m *ModelSessionContext) PushRPSSample(rps float64, limit int) {
	m.RPSHistory = append(m.RPSHistory, rps)
	if len(m.RPSHistory) > limit {
		m.RPSHistory = m.RPSHistory[len(m.RPSHistory)-limit:]
	}
}

// LastRPS returns the newest beacon sample, or 0 with false when none exist.
func (m *ModelSessionContext) LastRPS() (float64, bool) {
	if len(m.RPSHistory) == 0 {
		return 0, false
	}
	return m.RPSHistory[len(m.RPSHistory)-1], true
}
