package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyConfig()

	assert.Equal(t, time.Second, cfg.GetPoseInterval())
	assert.Equal(t, 5*time.Second, cfg.GetExploreInterval())
	assert.Equal(t, 40, cfg.GetFailureThreshold())
	assert.InDelta(t, 11*math.Pi/12, cfg.GetMaxBearingRad(), 1e-12)
	assert.Equal(t, "map", cfg.GetReferenceFrame())
	assert.Equal(t, "base_link", cfg.GetBodyFrame())
	assert.Equal(t, VisitedModeCell, cfg.GetVisitedMode())
	assert.Equal(t, time.Second, cfg.GetShutdownGrace())
	assert.Equal(t, 30*time.Second, cfg.GetMapSaveTimeout())
	assert.Equal(t, "~/my_explored_map", cfg.GetMapSavePath())
	assert.Equal(t, []string{"ros2", "run", "nav2_map_server", "map_saver_cli", "-f"}, cfg.GetMapSaverCommand())
	assert.Equal(t, 50*time.Millisecond, cfg.GetMotionPeriod())
	assert.Equal(t, StopModeRamp, cfg.GetStopMode())
}

func TestDefaultConfigMatchesDefaultsFile(t *testing.T) {
	fromFile := MustLoadDefaultConfig()
	builtin := DefaultConfig()

	assert.Equal(t, builtin.GetPoseInterval(), fromFile.GetPoseInterval())
	assert.Equal(t, builtin.GetExploreInterval(), fromFile.GetExploreInterval())
	assert.Equal(t, builtin.GetFailureThreshold(), fromFile.GetFailureThreshold())
	assert.InDelta(t, builtin.GetMaxBearingRad(), fromFile.GetMaxBearingRad(), 1e-12)
	assert.Equal(t, builtin.GetMapSaverCommand(), fromFile.GetMapSaverCommand())
	assert.Equal(t, builtin.GetMaxLinearSpeed(), fromFile.GetMaxLinearSpeed())
	assert.Equal(t, builtin.GetLinearDecel(), fromFile.GetLinearDecel())
	assert.Equal(t, builtin.GetStopMode(), fromFile.GetStopMode())
	require.NoError(t, builtin.Validate())
}

func TestLoadConfigPartial(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "explorer.json")

	testJSON := `{
  "explore_interval": "2s",
  "failure_threshold": 10,
  "visited_mode": "world",
  "stop_mode": "immediate"
}`
	require.NoError(t, os.WriteFile(configPath, []byte(testJSON), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.GetExploreInterval())
	assert.Equal(t, 10, cfg.GetFailureThreshold())
	assert.Equal(t, VisitedModeWorld, cfg.GetVisitedMode())
	assert.Equal(t, StopModeImmediate, cfg.GetStopMode())
	// untouched fields keep defaults
	assert.Equal(t, time.Second, cfg.GetPoseInterval())
	assert.Equal(t, 0.15, cfg.GetMaxLinearSpeed())
}

func TestLoadConfigRejects(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{"wrong extension", write("explorer.yaml", `{}`)},
		{"missing file", filepath.Join(tmpDir, "missing.json")},
		{"bad json", write("bad.json", `{`)},
		{"bad duration", write("dur.json", `{"pose_interval": "soon"}`)},
		{"zero interval", write("zero.json", `{"explore_interval": "0s"}`)},
		{"threshold below one", write("thr.json", `{"failure_threshold": 0}`)},
		{"bearing above pi", write("bearing.json", `{"max_bearing_rad": 4}`)},
		{"unknown visited mode", write("visited.json", `{"visited_mode": "fuzzy"}`)},
		{"empty saver command", write("cmd.json", `{"map_saver_command": []}`)},
		{"negative accel", write("accel.json", `{"linear_accel": -1}`)},
		{"unknown stop mode", write("stop.json", `{"stop_mode": "brake"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigTooLarge(t *testing.T) {
	p := filepath.Join(t.TempDir(), "huge.json")
	big := make([]byte, 1024*1024+1)
	for i := range big {
		big[i] = ' '
	}
	require.NoError(t, os.WriteFile(p, big, 0644))

	_, err := LoadConfig(p)
	assert.ErrorContains(t, err, "too large")
}

func TestZeroShutdownGraceAllowed(t *testing.T) {
	cfg := &ExplorerConfig{ShutdownGrace: ptrString("0s")}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Duration(0), cfg.GetShutdownGrace())
}
