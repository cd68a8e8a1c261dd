package dispatch

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// workloadEpsilon is the rate below which an assignment is treated as zero.
const workloadEpsilon = 1e-3

// maxOccupancy is the duty-cycle ceiling before a backend counts as
// overloaded.
const maxOccupancy = 1.05

// loadOffer is one backend's answer to prepareLoadModel: the additional
// throughput it can take on for a session and the occupancy it would land
// at.
type loadOffer struct {
	backend    *BackendContext
	inst       *InstanceContext
	throughput float64
	occupancy  float64
}

// prepareLoadModel asks what loading (session, requiredRate) onto a backend
// would achieve. Returns false when the backend has no profile for the
// model. requiredRate == 0 asks for the backend's full remaining capacity.
// Caller holds the state mutex.
func (d *Dispatcher) prepareLoadModel(bctx *BackendContext, mctx *ModelSessionContext, requiredRate float64) (loadOffer, bool) {
	inst := bctx.Instances[mctx.StringID]
	if inst == nil {
		profile := d.profiles.GetProfile(bctx.GPUDevice, bctx.GPUUUID, mctx.Session.ProfileID())
		if profile == nil {
			return loadOffer{}, false
		}
		inst = NewInstanceContext(mctx.Session, bctx.BackendID, profile)
	}
	peak := inst.PeakRate()
	if peak <= 0 {
		return loadOffer{}, false
	}
	free := peak * (1 - bctx.Occupancy())
	if free < 0 {
		free = 0
	}
	achievable := free
	if requiredRate > 0 && requiredRate < achievable {
		achievable = requiredRate
	}
	occ := bctx.Occupancy() + achievable/peak
	return loadOffer{backend: bctx, inst: inst, throughput: achievable, occupancy: occ}, true
}

// findBestBackend scans all dynamic backends not in skip and picks a target
// for (session, requiredRate):
//
//   - requiredRate == 0: the idle backend with the highest achievable
//     throughput.
//   - no backend reaches requiredRate: the one with the highest achievable
//     throughput (take what we can get).
//   - otherwise: the one landing at the highest occupancy, the tightest fit.
//
// Caller holds the state mutex. Returns false when no backend qualifies.
func (d *Dispatcher) findBestBackend(mctx *ModelSessionContext, requiredRate float64, skip map[NodeID]struct{}) (loadOffer, bool) {
	var (
		maxThroughput loadOffer
		maxOcc        loadOffer
		found         bool
	)
	for _, bctx := range d.backends {
		if _, skipped := skip[bctx.BackendID]; skipped {
			continue
		}
		if bctx.IsStatic() {
			continue
		}
		if requiredRate == 0 && !bctx.Idle() {
			continue
		}
		offer, ok := d.prepareLoadModel(bctx, mctx, requiredRate)
		if !ok || offer.throughput <= workloadEpsilon {
			continue
		}
		if !found || offer.throughput > maxThroughput.throughput {
			maxThroughput = offer
		}
		if !found || offer.occupancy > maxOcc.occupancy {
			maxOcc = offer
		}
		found = true
	}
	if !found {
		return loadOffer{}, false
	}
	if requiredRate == 0 {
		return maxThroughput, true
	}
	if maxThroughput.throughput < requiredRate {
		return maxThroughput, true
	}
	return maxOcc, true
}

// applyOffer commits an offer: installs the instance on the backend, records
// the weight on both sides, and sends the load command if the instance is
// new on that backend. Caller holds the state mutex.
func (d *Dispatcher) applyOffer(mctx *ModelSessionContext, offer loadOffer) {
	bctx := offer.backend
	if _, ok := bctx.Instances[mctx.StringID]; !ok {
		bctx.Instances[mctx.StringID] = offer.inst
		bctx.Delegate.SendLoadModelCommand(mctx.Session, offer.inst.MaxBatch)
	}
	offer.inst.Weight += offer.throughput
	mctx.BackendWeights[bctx.BackendID] = offer.inst.Weight
}

// allocateUnassignedWorkloads bin-packs every session with pending
// unassigned workload onto remaining capacity, largest demand first. skips
// maps a session id to backends it must not land on (the ones it was just
// spilled off); nil means no restrictions. Caller holds the state mutex.
// Returns the sessions whose routes changed.
func (d *Dispatcher) allocateUnassignedWorkloads(skips map[string]map[NodeID]struct{}) []*ModelSessionContext {
	var pending []*ModelSessionContext
	for _, mctx := range d.sessions {
		if mctx.UnassignedWorkload > workloadEpsilon {
			pending = append(pending, mctx)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].UnassignedWorkload != pending[j].UnassignedWorkload {
			return pending[i].UnassignedWorkload > pending[j].UnassignedWorkload
		}
		return pending[i].StringID < pending[j].StringID
	})

	var changed []*ModelSessionContext
	for _, mctx := range pending {
		before := mctx.UnassignedWorkload
		tried := make(map[NodeID]struct{})
		for id := range skips[mctx.StringID] {
			tried[id] = struct{}{}
		}
		for mctx.UnassignedWorkload > workloadEpsilon {
			offer, ok := d.findBestBackend(mctx, mctx.UnassignedWorkload, tried)
			if !ok {
				break
			}
			granted := offer.throughput
			d.applyOffer(mctx, offer)
			mctx.UnassignedWorkload -= granted
			tried[offer.backend.BackendID] = struct{}{}
		}
		if mctx.UnassignedWorkload < workloadEpsilon {
			mctx.UnassignedWorkload = 0
		}
		if mctx.UnassignedWorkload != before {
			changed = append(changed, mctx)
		}
		if mctx.UnassignedWorkload > workloadEpsilon {
			logrus.Warnf("unassigned workload remains for %s: %.3f rps", mctx.StringID, mctx.UnassignedWorkload)
		}
		d.metrics.UnassignedRPS.WithLabelValues(mctx.StringID).Set(mctx.UnassignedWorkload)
	}
	return changed
}
