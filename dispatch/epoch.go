package dispatch

import (
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Beacon trigger and adjustment thresholds. A session whose measured rate
// drifts outside [0.8, 1.1] of its allocated throughput trips an early epoch
// pass; the pass itself only shrinks allocations once the rate drops below
// 0.97 of throughput.
const (
	beaconLowFactor  = 0.8
	beaconHighFactor = 1.1
	scaleDownFactor  = 0.97
	minEstimateRPS   = 0.1
)

// SchedulerConfig carries the epoch scheduler's timing knobs.
type SchedulerConfig struct {
	// EpochScheduleEnabled gates the epoch pass entirely; the beacon loop
	// (rate sampling, keep-alive expiry) always runs.
	EpochScheduleEnabled bool
	BeaconIntervalSec    uint32
	EpochIntervalSec     uint32
	MinEpochSec          uint32
	AvgIntervalSec       uint32
	// KeepAliveMisses is how many beacon intervals a node may stay silent
	// before it is declared dead.
	KeepAliveMisses uint32
}

// HistoryLen is the bounded rps-history depth: three averaging windows of
// beacon samples.
func (c SchedulerConfig) HistoryLen() int {
	return int(math.Ceil(float64(c.AvgIntervalSec) * 3 / float64(c.BeaconIntervalSec)))
}

// EpochScheduler periodically reallocates backends to model sessions based
// on measured request rates. It owns the beacon thread; all table mutations
// happen under the dispatcher's state mutex.
type EpochScheduler struct {
	dispatcher *Dispatcher
	config     SchedulerConfig

	lastEpochNS int64

	stop chan struct{}
	done chan struct{}
}

func NewEpochScheduler(dispatcher *Dispatcher, config SchedulerConfig) *EpochScheduler {
	return &EpochScheduler{
		dispatcher: dispatcher,
		config:     config,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run is the beacon loop. Call in its own goroutine; Stop terminates it.
func (s *EpochScheduler) Run() {
	defer close(s.done)
	interval := time.Duration(s.config.BeaconIntervalSec) * time.Second
	for {
		select {
		case <-s.stop:
			return
		case <-time.After(interval):
		}
		s.Beat()
	}
}

// Stop terminates the beacon loop and waits for it.
func (s *EpochScheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Beat runs one beacon iteration: keep-alive expiry, rate sampling, and an
// epoch pass when triggered or overdue. Exposed for tests driving manual
// clocks.
func (s *EpochScheduler) Beat() {
	d := s.dispatcher
	d.metrics.BeaconPasses.Inc()
	d.expireDeadNodes(s.config.KeepAliveMisses)

	trigger := s.beaconCheck()

	if !s.config.EpochScheduleEnabled {
		return
	}
	now := d.clock.Now()
	elapsed := now - s.lastEpochNS
	minEpochNS := int64(s.config.MinEpochSec) * int64(1e9)
	epochNS := int64(s.config.EpochIntervalSec) * int64(1e9)
	if (trigger && elapsed >= minEpochNS) || elapsed >= epochNS {
		s.lastEpochNS = now
		s.EpochSchedule()
	}
}

// beaconCheck samples every session's request rate into its rps history and
// reports whether any session with a full history has drifted outside the
// trigger band around its allocated throughput.
func (s *EpochScheduler) beaconCheck() bool {
	d := s.dispatcher
	historyLen := s.config.HistoryLen()

	d.mu.Lock()
	defer d.mu.Unlock()

	trigger := false
	for _, mctx := range d.sessions {
		if rate := mctx.RequestRate(); rate >= 0 {
			mctx.PushRPSSample(rate, historyLen)
		}
		if len(mctx.RPSHistory) < historyLen {
			continue
		}
		last, _ := mctx.LastRPS()
		throughput := mctx.TotalWeight()
		if last < throughput*beaconLowFactor || last > throughput*beaconHighFactor {
			trigger = true
		}
	}
	return trigger
}

// EpochSchedule runs one full reallocation pass over every session with a
// full rps history, then spills load out of overloaded backends, bin-packs
// unassigned workload, and pushes refreshed tables and routes.
func (s *EpochScheduler) EpochSchedule() {
	d := s.dispatcher
	d.metrics.EpochPasses.Inc()
	historyLen := s.config.HistoryLen()

	d.mu.Lock()

	changed := make(map[string]*ModelSessionContext)
	overloaded := make(map[NodeID]*BackendContext)

	for _, mctx := range d.sessions {
		if len(mctx.RPSHistory) < historyLen {
			continue
		}
		throughput := mctx.TotalWeight()
		last, _ := mctx.LastRPS()
		estimate := math.Max(last, minEstimateRPS)

		switch {
		case estimate < throughput*scaleDownFactor:
			if s.scaleDownLocked(mctx, estimate) {
				changed[mctx.StringID] = mctx
			}
		case estimate > throughput:
			if s.scaleUpLocked(mctx, estimate, overloaded) {
				changed[mctx.StringID] = mctx
			}
		}
	}

	// Overload spill-out: overcommitted backends shed whole sessions until
	// they fit again; shed load returns to the unassigned pool but must not
	// land back on the backend it just left.
	skips := make(map[string]map[NodeID]struct{})
	for _, bctx := range overloaded {
		for _, shed := range s.spillOutLocked(bctx) {
			shed.session.UnassignedWorkload += shed.rate
			changed[shed.session.StringID] = shed.session
			if skips[shed.session.StringID] == nil {
				skips[shed.session.StringID] = make(map[NodeID]struct{})
			}
			skips[shed.session.StringID][bctx.BackendID] = struct{}{}
		}
	}

	for _, mctx := range d.allocateUnassignedWorkloads(skips) {
		changed[mctx.StringID] = mctx
	}

	// A backend hosting a changed session needs a fresh table even when the
	// session was unloaded from it; instances linger at weight zero.
	affectedBackends := make(map[NodeID]*BackendContext)
	var changedSessions []*ModelSessionContext
	for _, mctx := range changed {
		d.rebuildRouteLocked(mctx)
		changedSessions = append(changedSessions, mctx)
		for backendID, bctx := range d.backends {
			if _, ok := bctx.Instances[mctx.StringID]; ok {
				affectedBackends[backendID] = bctx
			}
		}
	}
	type tablePush struct {
		delegate *BackendDelegate
		update   ModelTableUpdate
	}
	var tables []tablePush
	for _, bctx := range affectedBackends {
		tables = append(tables, tablePush{bctx.Delegate, d.modelTableLocked(bctx)})
	}
	routeUpdates := d.pushRouteUpdatesLocked(changedSessions)

	d.mu.Unlock()

	for _, push := range tables {
		push.delegate.UpdateModelTable(push.update)
	}
	for frontend, update := range routeUpdates {
		frontend.UpdateModelRoutes(update)
	}
	if len(changedSessions) > 0 {
		logrus.Infof("epoch pass adjusted %d sessions", len(changedSessions))
	}
}

// sessionMember pairs a backend with its current weight for one session.
type sessionMember struct {
	bctx   *BackendContext
	weight float64
}

// membersByWeightLocked returns the session's non-static member backends
// sorted by descending weight. Node id breaks ties for determinism.
func (s *EpochScheduler) membersByWeightLocked(mctx *ModelSessionContext) []sessionMember {
	d := s.dispatcher
	members := make([]sessionMember, 0, len(mctx.BackendWeights))
	for backendID, weight := range mctx.BackendWeights {
		bctx, ok := d.backends[backendID]
		if !ok || bctx.IsStatic() {
			continue
		}
		members = append(members, sessionMember{bctx: bctx, weight: weight})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].weight != members[j].weight {
			return members[i].weight > members[j].weight
		}
		return members[i].bctx.BackendID < members[j].bctx.BackendID
	})
	return members
}

// scaleDownLocked drains estimate over the session's backends in descending
// weight order: backends inside the budget keep their weight, the one
// straddling the boundary is reduced, everything after is unloaded.
func (s *EpochScheduler) scaleDownLocked(mctx *ModelSessionContext, estimate float64) bool {
	remaining := estimate
	changed := false
	for _, member := range s.membersByWeightLocked(mctx) {
		inst := member.bctx.Instances[mctx.StringID]
		switch {
		case remaining >= member.weight:
			remaining -= member.weight
		case remaining > workloadEpsilon:
			logrus.Infof("epoch: reduce %s on backend %d: %.3f -> %.3f rps",
				mctx.StringID, member.bctx.BackendID, member.weight, remaining)
			if inst != nil {
				inst.Weight = remaining
			}
			mctx.BackendWeights[member.bctx.BackendID] = remaining
			remaining = 0
			changed = true
		default:
			logrus.Infof("epoch: unload %s from backend %d (%.3f rps)",
				mctx.StringID, member.bctx.BackendID, member.weight)
			if inst != nil {
				inst.Weight = 0
			}
			delete(mctx.BackendWeights, member.bctx.BackendID)
			changed = true
		}
	}
	return changed
}

// scaleUpLocked asks each member backend, in descending weight order, to
// grow toward the remaining estimate. Growth is capped by the instance's
// peak rate only; a backend pushed past the occupancy ceiling lands in the
// overload set for spill-out. The remainder becomes the session's
// unassigned workload.
func (s *EpochScheduler) scaleUpLocked(mctx *ModelSessionContext, estimate float64, overloaded map[NodeID]*BackendContext) bool {
	remaining := estimate
	changed := false
	for _, member := range s.membersByWeightLocked(mctx) {
		inst := member.bctx.Instances[mctx.StringID]
		if inst == nil {
			continue
		}
		target := math.Min(remaining, inst.PeakRate())
		if target > member.weight+workloadEpsilon {
			inst.Weight = target
			mctx.BackendWeights[member.bctx.BackendID] = target
			changed = true
		} else {
			target = member.weight
		}
		remaining -= target
		if remaining < 0 {
			remaining = 0
		}
		if member.bctx.Occupancy() > maxOccupancy {
			overloaded[member.bctx.BackendID] = member.bctx
		}
	}
	if remaining > workloadEpsilon {
		mctx.UnassignedWorkload = remaining
		changed = true
	}
	return changed
}

// shedEntry is one (session, rate) a backend gives up during spill-out.
type shedEntry struct {
	session *ModelSessionContext
	rate    float64
}

// spillOutLocked removes whole sessions from an overcommitted backend,
// smallest weight first, until its occupancy fits again.
func (s *EpochScheduler) spillOutLocked(bctx *BackendContext) []shedEntry {
	d := s.dispatcher
	type candidate struct {
		mctx   *ModelSessionContext
		weight float64
	}
	var insts []candidate
	for sessionID, inst := range bctx.Instances {
		if inst.Weight <= workloadEpsilon {
			continue
		}
		mctx, ok := d.sessions[sessionID]
		if !ok {
			continue
		}
		insts = append(insts, candidate{mctx: mctx, weight: inst.Weight})
	}
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].weight != insts[j].weight {
			return insts[i].weight < insts[j].weight
		}
		return insts[i].mctx.StringID < insts[j].mctx.StringID
	})

	var shed []shedEntry
	for _, c := range insts {
		if bctx.Occupancy() <= 1.0 {
			break
		}
		inst := bctx.Instances[c.mctx.StringID]
		logrus.Infof("epoch: spill %s off backend %d (%.3f rps)",
			c.mctx.StringID, bctx.BackendID, inst.Weight)
		inst.Weight = 0
		delete(c.mctx.BackendWeights, bctx.BackendID)
		shed = append(shed, shedEntry{session: c.mctx, rate: c.weight})
	}
	return shed
}
