package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfile(t *testing.T, latencies map[uint32]float64) *ModelProfile {
	t.Helper()
	profile, err := NewModelProfile("tensorflow:resnet:1", latencies)
	require.NoError(t, err)
	return profile
}

func TestModelProfile_ForwardLatencyInterpolation(t *testing.T) {
	profile := testProfile(t, map[uint32]float64{1: 5000, 4: 14000, 8: 26000})

	tests := []struct {
		batch    uint32
		expected float64
	}{
		{1, 5000},
		{4, 14000},
		{8, 26000},
		{2, 8000},     // between 1 and 4
		{6, 20000},    // between 4 and 8
		{12, 38000},   // extrapolated from the last slope
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.expected, profile.ForwardLatency(tt.batch), 1e-6, "batch %d", tt.batch)
	}
}

func TestModelProfile_MaxBatchWithFullBudget(t *testing.T) {
	profile := testProfile(t, map[uint32]float64{1: 5000, 4: 14000, 8: 26000})

	assert.Equal(t, uint32(8), profile.MaxBatchWithFullBudget(50000))
	assert.Equal(t, uint32(4), profile.MaxBatchWithFullBudget(14000))
	assert.Equal(t, uint32(1), profile.MaxBatchWithFullBudget(5000))
	// SLA below the single-query latency still yields batch 1.
	assert.Equal(t, uint32(1), profile.MaxBatchWithFullBudget(1000))
}

func TestNewModelProfile_RejectsBadPoints(t *testing.T) {
	_, err := NewModelProfile("p", nil)
	assert.Error(t, err)
	_, err = NewModelProfile("p", map[uint32]float64{0: 100})
	assert.Error(t, err)
	_, err = NewModelProfile("p", map[uint32]float64{1: -5})
	assert.Error(t, err)
}

func TestProfileDB_Lookup(t *testing.T) {
	db := NewProfileDB()
	db.AddProfile("tesla_v100", "GPU-1", testProfile(t, map[uint32]float64{1: 5000}))

	assert.NotNil(t, db.GetProfile("tesla_v100", "GPU-1", "tensorflow:resnet:1"))
	assert.Nil(t, db.GetProfile("tesla_v100", "GPU-2", "tensorflow:resnet:1"))
	assert.Nil(t, db.GetProfile("tesla_v100", "GPU-1", "tensorflow:vgg:1"))
	assert.True(t, db.HasProfileID("tensorflow:resnet:1"))
	assert.False(t, db.HasProfileID("tensorflow:vgg:1"))
}

func TestLoadProfileDB_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	content := `profiles:
  - gpu_device: tesla_v100
    gpu_uuid: GPU-1
    profile_id: "tensorflow:resnet:1"
    forward_latency_us:
      1: 5000
      4: 14000
      8: 26000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	db, err := LoadProfileDB(path)
	require.NoError(t, err)
	profile := db.GetProfile("tesla_v100", "GPU-1", "tensorflow:resnet:1")
	require.NotNil(t, profile)
	assert.InDelta(t, 14000, profile.ForwardLatency(4), 1e-6)
	assert.Equal(t, uint32(8), profile.MaxMeasuredBatch())
}

func TestLoadProfileDB_MissingFile(t *testing.T) {
	_, err := LoadProfileDB(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestModelSession_IDRoundTrip(t *testing.T) {
	tests := []ModelSession{
		{Framework: "tensorflow", ModelName: "resnet", Version: 1, LatencySLAUS: 50000},
		{Framework: "caffe2", ModelName: "ssd", Version: 3, LatencySLAUS: 100000, ImageHeight: 300, ImageWidth: 300},
	}
	for _, session := range tests {
		parsed, err := ParseModelSession(session.ID())
		require.NoError(t, err)
		assert.Equal(t, session, parsed)
	}
}

func TestParseModelSession_Malformed(t *testing.T) {
	for _, id := range []string{"", "a:b", "a:b:c:d", "a:b:1:x"} {
		_, err := ParseModelSession(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestInstanceContext_PeakRate(t *testing.T) {
	profile := testProfile(t, map[uint32]float64{1: 5000, 4: 14000, 8: 26000})
	session := ModelSession{Framework: "tensorflow", ModelName: "resnet", Version: 1, LatencySLAUS: 50000}
	inst := NewInstanceContext(session, 1, profile)

	assert.Equal(t, uint32(8), inst.MaxBatch)
	// 8 queries every 26 ms.
	assert.InDelta(t, 8/0.026, inst.PeakRate(), 1e-6)
}
