package dispatch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticWorkload pins a backend to a fixed set of model sessions. Backends
// bound to a slot are excluded from all epoch-scheduler reallocation; their
// sessions' backup-backend relationships are established when the backend
// registers.
type StaticWorkload struct {
	// ID names the workload slot.
	ID string `yaml:"id"`
	// BackendID is the backend the slot is reserved for.
	BackendID NodeID `yaml:"backend_id"`
	// Models lists the fixed (session, rate) assignments.
	Models []StaticModelAssignment `yaml:"models"`
	// BackupBackendID optionally names a standby backend for this slot.
	BackupBackendID NodeID `yaml:"backup_backend_id"`
}

type StaticModelAssignment struct {
	ModelSessionID string  `yaml:"model_session_id"`
	Rate           float64 `yaml:"rate"`
}

// StaticAssignments indexes static workload slots by backend id.
type StaticAssignments struct {
	byBackend map[NodeID]*StaticWorkload
}

// NewStaticAssignments builds an empty table (every backend dynamic).
func NewStaticAssignments() *StaticAssignments {
	return &StaticAssignments{byBackend: make(map[NodeID]*StaticWorkload)}
}

// ForBackend returns the slot reserved for a backend, or nil.
func (s *StaticAssignments) ForBackend(id NodeID) *StaticWorkload {
	return s.byBackend[id]
}

// Add registers a slot. Returns an error on duplicate backend bindings.
func (s *StaticAssignments) Add(w *StaticWorkload) error {
	if _, ok := s.byBackend[w.BackendID]; ok {
		return fmt.Errorf("backend %d bound to more than one static workload", w.BackendID)
	}
	s.byBackend[w.BackendID] = w
	return nil
}

type staticFile struct {
	Workloads []StaticWorkload `yaml:"workloads"`
}

// LoadStaticAssignments reads the static workload file.
func LoadStaticAssignments(path string) (*StaticAssignments, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static workloads: %w", err)
	}
	var file staticFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse static workloads %s: %w", path, err)
	}
	out := NewStaticAssignments()
	for i := range file.Workloads {
		if err := out.Add(&file.Workloads[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
