package dispatch

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelProfile is a calibrated batch-size → forward-latency function for one
// model on one GPU type. Latencies are microseconds.
type ModelProfile struct {
	ProfileID string
	// points sorted by batch size ascending; at least one entry.
	points []profilePoint
}

type profilePoint struct {
	batch     uint32
	latencyUS float64
}

// NewModelProfile builds a profile from (batch, forward latency µs) pairs.
func NewModelProfile(profileID string, latencies map[uint32]float64) (*ModelProfile, error) {
	if len(latencies) == 0 {
		return nil, fmt.Errorf("profile %s has no latency points", profileID)
	}
	points := make([]profilePoint, 0, len(latencies))
	for batch, lat := range latencies {
		if batch == 0 || lat <= 0 {
			return nil, fmt.Errorf("profile %s has invalid point (batch=%d, latency=%v)", profileID, batch, lat)
		}
		points = append(points, profilePoint{batch: batch, latencyUS: lat})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].batch < points[j].batch })
	return &ModelProfile{ProfileID: profileID, points: points}, nil
}

// ForwardLatency returns the expected forward latency in microseconds for the
// given batch size. Values between calibrated points are interpolated
// linearly; values past the last point are extrapolated from the final slope.
func (p *ModelProfile) ForwardLatency(batch uint32) float64 {
	if batch == 0 {
		return 0
	}
	first := p.points[0]
	if batch <= first.batch {
		// Scale down from the smallest calibrated batch.
		return first.latencyUS * float64(batch) / float64(first.batch)
	}
	for i := 1; i < len(p.points); i++ {
		lo, hi := p.points[i-1], p.points[i]
		if batch <= hi.batch {
			frac := float64(batch-lo.batch) / float64(hi.batch-lo.batch)
			return lo.latencyUS + frac*(hi.latencyUS-lo.latencyUS)
		}
	}
	if len(p.points) == 1 {
		return first.latencyUS * float64(batch) / float64(first.batch)
	}
	lo, hi := p.points[len(p.points)-2], p.points[len(p.points)-1]
	slope := (hi.latencyUS - lo.latencyUS) / float64(hi.batch-lo.batch)
	return hi.latencyUS + slope*float64(batch-hi.batch)
}

// MaxBatchWithFullBudget returns the largest batch size whose forward latency
// fits inside the full latency budget. Never less than 1: a model whose
// single-query latency exceeds the SLA still gets batch size 1 and relies on
// the deadline-miss path.
func (p *ModelProfile) MaxBatchWithFullBudget(budgetUS uint64) uint32 {
	best := uint32(1)
	last := p.points[len(p.points)-1].batch
	for batch := uint32(1); batch <= last; batch++ {
		if p.ForwardLatency(batch) <= float64(budgetUS) {
			best = batch
		} else {
			break
		}
	}
	return best
}

// MaxMeasuredBatch returns the largest calibrated batch size.
func (p *ModelProfile) MaxMeasuredBatch() uint32 {
	return p.points[len(p.points)-1].batch
}

// ProfileDB is the read-only registry from (gpu device, gpu uuid, profile id)
// to model profiles. Populated once at startup and injected; lookups after
// that are concurrent-safe because the maps are never mutated.
type ProfileDB struct {
	// gpuKey(device, uuid) → profileID → profile
	profiles map[string]map[string]*ModelProfile
}

func gpuKey(gpuDevice, gpuUUID string) string {
	return gpuDevice + "|" + gpuUUID
}

// NewProfileDB builds an empty registry. Tests and loaders add profiles with
// AddProfile before the registry is handed to the dispatcher.
func NewProfileDB() *ProfileDB {
	return &ProfileDB{profiles: make(map[string]map[string]*ModelProfile)}
}

// AddProfile registers a profile for a GPU. Not safe for use after the
// registry has been shared.
func (db *ProfileDB) AddProfile(gpuDevice, gpuUUID string, profile *ModelProfile) {
	key := gpuKey(gpuDevice, gpuUUID)
	if db.profiles[key] == nil {
		db.profiles[key] = make(map[string]*ModelProfile)
	}
	db.profiles[key][profile.ProfileID] = profile
}

// GetProfile returns the profile for a model on a GPU, or nil if the GPU has
// never been calibrated for it.
func (db *ProfileDB) GetProfile(gpuDevice, gpuUUID, profileID string) *ModelProfile {
	byID := db.profiles[gpuKey(gpuDevice, gpuUUID)]
	if byID == nil {
		return nil
	}
	return byID[profileID]
}

// HasProfileID reports whether any GPU has a calibration for the model.
// Used to distinguish an unknown model from a model with no eligible
// backend.
func (db *ProfileDB) HasProfileID(profileID string) bool {
	for _, byID := range db.profiles {
		if _, ok := byID[profileID]; ok {
			return true
		}
	}
	return false
}

// profileFileEntry is one calibrated model in the profile database file.
type profileFileEntry struct {
	GPUDevice string             `yaml:"gpu_device"`
	GPUUUID   string             `yaml:"gpu_uuid"`
	ProfileID string             `yaml:"profile_id"`
	ForwardUS map[uint32]float64 `yaml:"forward_latency_us"`
}

type profileFile struct {
	Profiles []profileFileEntry `yaml:"profiles"`
}

// LoadProfileDB reads the YAML profile database written by the offline
// profiler.
func LoadProfileDB(path string) (*ProfileDB, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile db: %w", err)
	}
	var file profileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse profile db %s: %w", path, err)
	}
	db := NewProfileDB()
	for _, entry := range file.Profiles {
		profile, err := NewModelProfile(entry.ProfileID, entry.ForwardUS)
		if err != nil {
			return nil, fmt.Errorf("profile db %s: %w", path, err)
		}
		db.AddProfile(entry.GPUDevice, entry.GPUUUID, profile)
	}
	return db, nil
}
