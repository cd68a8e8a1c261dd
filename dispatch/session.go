package dispatch

import (
	"fmt"
	"strconv"
	"strings"
)

// ModelSession identifies a model together with its latency budget and
// preprocessing shape. Immutable once created; its canonical string form is
// the key for every per-model map in the dispatcher.
type ModelSession struct {
	Framework    string
	ModelName    string
	Version      uint32
	LatencySLAUS uint64
	// Optional preprocessing shape. Zero means unset.
	ImageHeight uint32
	ImageWidth  uint32
}

// ID returns the canonical string key:
//
//	framework:model:version:sla[:HxW]
func (s ModelSession) ID() string {
	var sb strings.Builder
	sb.WriteString(s.Framework)
	sb.WriteByte(':')
	sb.WriteString(s.ModelName)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatUint(uint64(s.Version), 10))
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatUint(s.LatencySLAUS, 10))
	if s.ImageHeight > 0 && s.ImageWidth > 0 {
		fmt.Fprintf(&sb, ":%dx%d", s.ImageHeight, s.ImageWidth)
	}
	return sb.String()
}

// ProfileID returns the key used to look the session's model up in the
// profile database. The latency SLA is not part of the profile identity.
func (s ModelSession) ProfileID() string {
	return fmt.Sprintf("%s:%s:%d", s.Framework, s.ModelName, s.Version)
}

// ParseModelSession parses a canonical session id back into its parts.
func ParseModelSession(id string) (ModelSession, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 4 && len(parts) != 5 {
		return ModelSession{}, fmt.Errorf("malformed model session id %q", id)
	}
	version, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return ModelSession{}, fmt.Errorf("malformed version in %q: %w", id, err)
	}
	sla, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return ModelSession{}, fmt.Errorf("malformed latency sla in %q: %w", id, err)
	}
	sess := ModelSession{
		Framework:    parts[0],
		ModelName:    parts[1],
		Version:      uint32(version),
		LatencySLAUS: sla,
	}
	if len(parts) == 5 {
		var h, w uint32
		if _, err := fmt.Sscanf(parts[4], "%dx%d", &h, &w); err != nil {
			return ModelSession{}, fmt.Errorf("malformed image shape in %q: %w", id, err)
		}
		sess.ImageHeight, sess.ImageWidth = h, w
	}
	return sess, nil
}
