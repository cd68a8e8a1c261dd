package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// networkLatencyBudgetNS is the single constant separating plan construction
// from plan execution: the time allowed for the plan and the input payload
// to reach the backend.
const networkLatencyBudgetNS = 5_000_000

// Dispatcher is the control-plane core: it registers frontends and backends,
// routes queries to backends through per-session DRR, builds batch plans,
// and owns every scheduler table under one state mutex.
type Dispatcher struct {
	clock    Clock
	profiles *ProfileDB
	statics  *StaticAssignments
	metrics  *Metrics

	beaconIntervalSec uint32

	mu        sync.Mutex
	frontends map[NodeID]*FrontendDelegate
	backends  map[NodeID]*BackendContext
	sessions  map[string]*ModelSessionContext
	routes    map[string]*ModelRoute

	nextGlobalID atomic.Uint64
	nextPlanID   atomic.Uint64
}

// NewDispatcher wires the dispatcher with its injected collaborators. The
// profile database is read-only after this call.
func NewDispatcher(clock Clock, profiles *ProfileDB, statics *StaticAssignments, metrics *Metrics, beaconIntervalSec uint32) *Dispatcher {
	if statics == nil {
		statics = NewStaticAssignments()
	}
	return &Dispatcher{
		clock:             clock,
		profiles:          profiles,
		statics:           statics,
		metrics:           metrics,
		beaconIntervalSec: beaconIntervalSec,
		frontends:         make(map[NodeID]*FrontendDelegate),
		backends:          make(map[NodeID]*BackendContext),
		sessions:          make(map[string]*ModelSessionContext),
		routes:            make(map[string]*ModelRoute),
	}
}

// Register adds a frontend or backend delegate. The ip is taken from the
// connection peer, the sink is the node's outbound transport.
func (d *Dispatcher) Register(req RegisterRequest, ip string, sink MessageSink) RegisterReply {
	logrus.Infof("Register %s node_id=%d ip=%s", req.NodeKind, req.NodeID, ip)
	switch req.NodeKind {
	case FrontendNode:
		return d.registerFrontend(req, ip, sink)
	case BackendNode:
		return d.registerBackend(req, ip, sink)
	default:
		logrus.Errorf("unknown node kind %d in register", req.NodeKind)
		return RegisterReply{Status: StatusNotRegistered}
	}
}

func (d *Dispatcher) registerFrontend(req RegisterRequest, ip string, sink MessageSink) RegisterReply {
	frontend := NewFrontendDelegate(req.NodeID, ip, req.ServerPort, req.RPCPort, sink, d.clock.Now())

	d.mu.Lock()
	if _, ok := d.frontends[req.NodeID]; ok {
		d.mu.Unlock()
		frontend.Close()
		return RegisterReply{Status: StatusFrontendIDConflict}
	}
	d.frontends[req.NodeID] = frontend
	update := d.backendListLocked()
	d.mu.Unlock()

	frontend.UpdateBackendList(update)
	return RegisterReply{Status: StatusOK, BeaconIntervalSec: d.beaconIntervalSec}
}

func (d *Dispatcher) registerBackend(req RegisterRequest, ip string, sink MessageSink) RegisterReply {
	backend := NewBackendDelegate(req.NodeID, ip, req.ServerPort, req.RPCPort,
		req.GPUDevice, req.GPUUUID, req.GPUAvailableMemory, sink, d.clock.Now())
	bctx := NewBackendContext(backend)

	d.mu.Lock()
	if _, ok := d.backends[req.NodeID]; ok {
		d.mu.Unlock()
		backend.Close()
		return RegisterReply{Status: StatusBackendIDConflict}
	}
	d.backends[req.NodeID] = bctx

	status := StatusOK
	if static := d.statics.ForBackend(req.NodeID); static != nil {
		d.bindStaticWorkloadLocked(bctx, static)
	} else {
		// Instantiate every known session whose model is profiled on this
		// GPU and ask the backend to load it.
		for _, mctx := range d.sessions {
			profile := d.profiles.GetProfile(bctx.GPUDevice, bctx.GPUUUID, mctx.Session.ProfileID())
			if profile == nil {
				logrus.Warnf("no profile for %s on gpu %s/%s, skipping load",
					mctx.StringID, bctx.GPUDevice, bctx.GPUUUID)
				status = StatusInvalidLoadModel
				continue
			}
			inst := NewInstanceContext(mctx.Session, bctx.BackendID, profile)
			bctx.Instances[mctx.StringID] = inst
			backend.SendLoadModelCommand(mctx.Session, inst.MaxBatch)
		}
	}

	update := BackendListUpdate{Backends: []BackendInfo{backend.BackendInfo()}}
	frontends := d.frontendsLocked()
	d.mu.Unlock()

	for _, frontend := range frontends {
		frontend.UpdateBackendList(update)
	}
	return RegisterReply{Status: status, BeaconIntervalSec: d.beaconIntervalSec}
}

// bindStaticWorkloadLocked pins a freshly registered backend to its
// preconfigured slot: fixed instances, fixed weights, backup relationships.
func (d *Dispatcher) bindStaticWorkloadLocked(bctx *BackendContext, static *StaticWorkload) {
	bctx.StaticWorkloadID = static.ID
	for _, assign := range static.Models {
		mctx, ok := d.sessions[assign.ModelSessionID]
		if !ok {
			session, err := ParseModelSession(assign.ModelSessionID)
			if err != nil {
				logrus.Errorf("static workload %s names malformed session %q: %v",
					static.ID, assign.ModelSessionID, err)
				continue
			}
			mctx = NewModelSessionContext(session, d.clock)
			d.sessions[mctx.StringID] = mctx
			d.routes[mctx.StringID] = NewModelRoute(mctx.StringID)
		}
		profile := d.profiles.GetProfile(bctx.GPUDevice, bctx.GPUUUID, mctx.Session.ProfileID())
		if profile == nil {
			logrus.Errorf("static workload %s: no profile for %s on gpu %s/%s",
				static.ID, mctx.StringID, bctx.GPUDevice, bctx.GPUUUID)
			continue
		}
		inst := NewInstanceContext(mctx.Session, bctx.BackendID, profile)
		inst.Weight = assign.Rate
		bctx.Instances[mctx.StringID] = inst
		mctx.BackendWeights[bctx.BackendID] = assign.Rate
		if static.BackupBackendID != 0 {
			mctx.BackupBackends[static.BackupBackendID] = struct{}{}
		}
		bctx.Delegate.SendLoadModelCommand(mctx.Session, inst.MaxBatch)
		d.rebuildRouteLocked(mctx)
	}
}

// Unregister removes a node. Backend removal runs the backend-gone path of
// the epoch scheduler.
func (d *Dispatcher) Unregister(req UnregisterRequest) Status {
	switch req.NodeKind {
	case FrontendNode:
		d.mu.Lock()
		frontend, ok := d.frontends[req.NodeID]
		if !ok {
			d.mu.Unlock()
			return StatusNotRegistered
		}
		delete(d.frontends, req.NodeID)
		for _, mctx := range d.sessions {
			delete(mctx.Subscribers, req.NodeID)
		}
		d.mu.Unlock()
		frontend.Close()
		return StatusOK
	case BackendNode:
		d.mu.Lock()
		bctx, ok := d.backends[req.NodeID]
		if !ok {
			d.mu.Unlock()
			return StatusNotRegistered
		}
		delete(d.backends, req.NodeID)
		d.backendGoneLocked(bctx)
		update := d.backendListLocked()
		frontends := d.frontendsLocked()
		d.mu.Unlock()

		bctx.Delegate.Close()
		for _, frontend := range frontends {
			frontend.UpdateBackendList(update)
		}
		return StatusOK
	default:
		return StatusNotRegistered
	}
}

// KeepAlive refreshes the node's last-seen tick.
func (d *Dispatcher) KeepAlive(req KeepAliveRequest) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	switch req.NodeKind {
	case FrontendNode:
		if frontend, ok := d.frontends[req.NodeID]; ok {
			frontend.Tick(now)
			return StatusOK
		}
	case BackendNode:
		if bctx, ok := d.backends[req.NodeID]; ok {
			bctx.Delegate.Tick(now)
			return StatusOK
		}
	}
	return StatusNotRegistered
}

// expireDeadNodes unregisters every node whose last tick is older than
// beacon_interval * misses. Called from the scheduler beacon loop.
func (d *Dispatcher) expireDeadNodes(misses uint32) {
	deadlineNS := int64(d.beaconIntervalSec) * int64(misses) * int64(1e9)
	now := d.clock.Now()

	d.mu.Lock()
	var deadFrontends, deadBackends []NodeID
	for id, frontend := range d.frontends {
		if now-frontend.LastTick() > deadlineNS {
			deadFrontends = append(deadFrontends, id)
		}
	}
	for id, bctx := range d.backends {
		if now-bctx.Delegate.LastTick() > deadlineNS {
			deadBackends = append(deadBackends, id)
		}
	}
	d.mu.Unlock()

	for _, id := range deadFrontends {
		logrus.Warnf("frontend %d missed keep-alives, unregistering", id)
		d.metrics.NodesExpired.Inc()
		d.Unregister(UnregisterRequest{NodeKind: FrontendNode, NodeID: id})
	}
	for _, id := range deadBackends {
		logrus.Warnf("backend %d missed keep-alives, unregistering", id)
		d.metrics.NodesExpired.Inc()
		d.Unregister(UnregisterRequest{NodeKind: BackendNode, NodeID: id})
	}
}

// LoadModel makes a model session routable. A session already loaded is an
// idempotent success that re-subscribes the requesting frontend.
func (d *Dispatcher) LoadModel(req LoadModelRequest) LoadModelReply {
	sessionID := req.ModelSession.ID()
	profileID := req.ModelSession.ProfileID()

	d.mu.Lock()
	defer d.mu.Unlock()

	if mctx, ok := d.sessions[sessionID]; ok {
		mctx.Subscribers[req.NodeID] = struct{}{}
		return LoadModelReply{Status: StatusOK, Route: d.routes[sessionID].Snapshot()}
	}

	if !d.profiles.HasProfileID(profileID) {
		logrus.Errorf("LoadModel: model not found. profile_id=%s", profileID)
		return LoadModelReply{Status: StatusModelNotFound}
	}

	mctx := NewModelSessionContext(req.ModelSession, d.clock)
	mctx.Subscribers[req.NodeID] = struct{}{}
	d.sessions[sessionID] = mctx
	d.routes[sessionID] = NewModelRoute(sessionID)

	// Instantiate on every eligible backend and ask each to load the model;
	// weights are assigned below.
	for _, bctx := range d.backends {
		if bctx.IsStatic() {
			continue
		}
		profile := d.profiles.GetProfile(bctx.GPUDevice, bctx.GPUUUID, profileID)
		if profile == nil {
			logrus.Warnf("no profile for %s on gpu %s/%s, skipping load",
				sessionID, bctx.GPUDevice, bctx.GPUUUID)
			continue
		}
		inst := NewInstanceContext(req.ModelSession, bctx.BackendID, profile)
		bctx.Instances[sessionID] = inst
		bctx.Delegate.SendLoadModelCommand(req.ModelSession, inst.MaxBatch)
	}

	if req.EstimateWorkload > 0 {
		// Spread the estimate over capacity, best-fit first.
		mctx.UnassignedWorkload = req.EstimateWorkload
		d.allocateUnassignedWorkloads(nil)
	} else {
		// No estimate: place the session on the single best-fit backend.
		if offer, ok := d.findBestBackend(mctx, 0, nil); ok {
			d.applyOffer(mctx, offer)
		}
	}
	d.rebuildRouteLocked(mctx)

	if len(mctx.BackendWeights) == 0 {
		logrus.Warnf("LoadModel: no backend can host %s yet", sessionID)
	}
	return LoadModelReply{Status: StatusOK, Route: d.routes[sessionID].Snapshot()}
}

// Dispatch routes one query: DRR pick, batch plan of size 1, hand-off to the
// backend delegate. A nil reply means the query was dropped and the frontend
// gets no answer.
func (d *Dispatcher) Dispatch(req *DispatchRequest) *DispatchReply {
	reply := &DispatchReply{ModelSession: req.ModelSession, QueryID: req.QueryID}
	query := req.Query
	query.ModelSessionID = req.ModelSession.ID()

	// Punch clock: scheduling starts now.
	query.Clock.DispatcherSchedNS = d.clock.Now()

	// Assign GlobalId
	query.GlobalID = GlobalID(d.nextGlobalID.Add(1))

	// Run round-robin
	var backend *BackendContext
	d.mu.Lock()
	route, ok := d.routes[query.ModelSessionID]
	if !ok {
		d.mu.Unlock()
		reply.Status = StatusModelNotFound
		d.metrics.DispatchTotal.WithLabelValues(reply.Status.String()).Inc()
		return reply
	}
	info, err := route.GetBackend()
	if err != nil {
		d.mu.Unlock()
		reply.Status = StatusBackendUnavailable
		d.metrics.DispatchTotal.WithLabelValues(reply.Status.String()).Inc()
		return reply
	}
	if mctx, ok := d.sessions[query.ModelSessionID]; ok {
		mctx.CountRequest()
	}
	backend = d.backends[info.NodeID]
	var inst *InstanceContext
	if backend != nil {
		inst = backend.Instances[query.ModelSessionID]
	}
	d.mu.Unlock()

	if backend == nil || inst == nil {
		logrus.Errorf("cannot find backend delegate for backend %d", info.NodeID)
		d.metrics.QueriesDropped.Inc()
		return nil
	}

	// Punch clock, then carve the network budget out from the stamp so the
	// plan's exec time always clears it.
	dispatchNS := d.clock.Now()
	query.Clock.DispatcherDispatchNS = dispatchNS

	execTimeNS := dispatchNS + networkLatencyBudgetNS
	deadlineNS := query.Clock.FrontendRecvNS + int64(req.ModelSession.LatencySLAUS)*1000
	finishTimeNS := execTimeNS + int64(inst.Profile.ForwardLatency(1)*1000)

	plan := &BatchPlan{
		PlanID:               PlanID(d.nextPlanID.Add(1)),
		ModelSessionID:       query.ModelSessionID,
		Queries:              []QueryMeta{query},
		ExecTimeNS:           execTimeNS,
		DeadlineNS:           deadlineNS,
		ExpectedFinishTimeNS: finishTimeNS,
	}

	d.mu.Lock()
	if finishTimeNS > backend.NextAvailableTimeNS {
		backend.NextAvailableTimeNS = finishTimeNS
	}
	d.mu.Unlock()

	backend.Delegate.EnqueueBatchPlan(plan)
	reply.Status = StatusOK
	d.metrics.DispatchTotal.WithLabelValues(reply.Status.String()).Inc()
	return reply
}

// UpdateModelRoute replaces a route wholesale. No control message reaches
// it; tests use it to install routes, and the epoch scheduler mutates routes
// through rebuildRouteLocked instead.
func (d *Dispatcher) UpdateModelRoute(snapshot ModelRouteSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	route, ok := d.routes[snapshot.ModelSessionID]
	if !ok {
		route = NewModelRoute(snapshot.ModelSessionID)
		d.routes[snapshot.ModelSessionID] = route
	}
	route.Update(snapshot)
}

// GetModelRoute returns the current route for a session id.
func (d *Dispatcher) GetModelRoute(sessionID string) (ModelRouteSnapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	route, ok := d.routes[sessionID]
	if !ok {
		return ModelRouteSnapshot{}, false
	}
	return route.Snapshot(), true
}

// rebuildRouteLocked regenerates a session's DRR route from its backend
// weights and updates the route gauge. Subscribers learn of the change only
// where the caller collects updates with pushRouteUpdatesLocked.
func (d *Dispatcher) rebuildRouteLocked(mctx *ModelSessionContext) {
	snapshot := ModelRouteSnapshot{ModelSessionID: mctx.StringID}
	for backendID, weight := range mctx.BackendWeights {
		if weight <= workloadEpsilon {
			continue
		}
		bctx, ok := d.backends[backendID]
		if !ok {
			continue
		}
		snapshot.Backends = append(snapshot.Backends, BackendRate{
			Info:       bctx.Delegate.BackendInfo(),
			Throughput: weight,
		})
	}
	route, ok := d.routes[mctx.StringID]
	if !ok {
		route = NewModelRoute(mctx.StringID)
		d.routes[mctx.StringID] = route
	}
	route.Update(snapshot)
	d.metrics.RouteBackends.WithLabelValues(mctx.StringID).Set(float64(len(snapshot.Backends)))
}

// pushRouteUpdatesLocked collects per-frontend route updates covering only
// the sessions each frontend subscribes to. The caller hands the returned
// work to the frontend delegates, whose enqueue never blocks: EpochSchedule
// does so after releasing the lock, backendGoneLocked while holding it.
func (d *Dispatcher) pushRouteUpdatesLocked(changed []*ModelSessionContext) map[*FrontendDelegate]ModelRouteUpdate {
	updates := make(map[*FrontendDelegate]ModelRouteUpdate)
	for _, mctx := range changed {
		snapshot := d.routes[mctx.StringID].Snapshot()
		for frontendID := range mctx.Subscribers {
			frontend, ok := d.frontends[frontendID]
			if !ok {
				continue
			}
			update := updates[frontend]
			update.Routes = append(update.Routes, snapshot)
			updates[frontend] = update
		}
	}
	return updates
}

// modelTableLocked builds a backend's full (session, rate) table.
func (d *Dispatcher) modelTableLocked(bctx *BackendContext) ModelTableUpdate {
	var update ModelTableUpdate
	for sessionID, inst := range bctx.Instances {
		update.Entries = append(update.Entries, ModelTableEntry{
			ModelSessionID: sessionID,
			Rate:           inst.Weight,
			MaxBatch:       inst.MaxBatch,
		})
	}
	return update
}

// backendGoneLocked runs the backend-gone path: drop the backend from every
// route, try to reseat its whole workload on an idle backend, otherwise
// convert lost weight into unassigned workload and re-allocate.
func (d *Dispatcher) backendGoneLocked(bctx *BackendContext) {
	var affected []*ModelSessionContext
	lost := make(map[string]float64)
	for _, mctx := range d.sessions {
		if weight, ok := mctx.BackendWeights[bctx.BackendID]; ok {
			delete(mctx.BackendWeights, bctx.BackendID)
			lost[mctx.StringID] = weight
			affected = append(affected, mctx)
		}
		delete(mctx.BackupBackends, bctx.BackendID)
	}
	if len(affected) == 0 {
		return
	}

	if target := d.findWholesaleTargetLocked(bctx, lost); target != nil {
		logrus.Infof("reseating workload of backend %d on idle backend %d",
			bctx.BackendID, target.BackendID)
		for _, mctx := range affected {
			offer, ok := d.prepareLoadModel(target, mctx, lost[mctx.StringID])
			if !ok {
				mctx.UnassignedWorkload += lost[mctx.StringID]
				continue
			}
			d.applyOffer(mctx, offer)
		}
	} else {
		for _, mctx := range affected {
			mctx.UnassignedWorkload += lost[mctx.StringID]
		}
	}
	changed := d.allocateUnassignedWorkloads(nil)
	seen := make(map[string]struct{})
	for _, mctx := range affected {
		seen[mctx.StringID] = struct{}{}
	}
	for _, mctx := range changed {
		if _, ok := seen[mctx.StringID]; !ok {
			affected = append(affected, mctx)
			seen[mctx.StringID] = struct{}{}
		}
	}
	for _, mctx := range affected {
		d.rebuildRouteLocked(mctx)
	}
	updates := d.pushRouteUpdatesLocked(affected)
	for frontend, update := range updates {
		frontend.UpdateModelRoutes(update)
	}
}

// findWholesaleTargetLocked looks for one idle dynamic backend that can
// absorb every session the departing backend carried.
func (d *Dispatcher) findWholesaleTargetLocked(gone *BackendContext, lost map[string]float64) *BackendContext {
	for _, candidate := range d.backends {
		if candidate.BackendID == gone.BackendID || candidate.IsStatic() || !candidate.Idle() {
			continue
		}
		fits := true
		occ := candidate.Occupancy()
		for sessionID, weight := range lost {
			mctx := d.sessions[sessionID]
			inst := candidate.Instances[sessionID]
			var profile *ModelProfile
			if inst != nil {
				profile = inst.Profile
			} else {
				profile = d.profiles.GetProfile(candidate.GPUDevice, candidate.GPUUUID, mctx.Session.ProfileID())
			}
			if profile == nil {
				fits = false
				break
			}
			peak := NewInstanceContext(mctx.Session, candidate.BackendID, profile).PeakRate()
			if peak <= 0 {
				fits = false
				break
			}
			occ += weight / peak
		}
		if fits && occ <= maxOccupancy {
			return candidate
		}
	}
	return nil
}

// Stop closes every delegate sender. In-flight plans already handed to
// backends are not cancelled.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	frontends := d.frontendsLocked()
	backends := make([]*BackendContext, 0, len(d.backends))
	for _, bctx := range d.backends {
		backends = append(backends, bctx)
	}
	d.mu.Unlock()

	for _, frontend := range frontends {
		frontend.Close()
	}
	for _, bctx := range backends {
		bctx.Delegate.Close()
	}
	logrus.Info("Shutting down the dispatcher.")
}

func (d *Dispatcher) backendListLocked() BackendListUpdate {
	var update BackendListUpdate
	for _, bctx := range d.backends {
		update.Backends = append(update.Backends, bctx.Delegate.BackendInfo())
	}
	return update
}

func (d *Dispatcher) frontendsLocked() []*FrontendDelegate {
	out := make([]*FrontendDelegate, 0, len(d.frontends))
	for _, frontend := range d.frontends {
		out = append(out, frontend)
	}
	return out
}
