package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

// Helper to reset global variables for testing
func resetGlobalConfig() {
	k = nil
	once = sync.Once{}
}

func TestInitGlobalConfig_InitializesKoanfOnce(t *testing.T) {
	resetGlobalConfig()
	InitGlobalConfig()
	assert.NotNil(t, k, "Global koanf instance should be initialized")
}

func TestInitGlobalConfig_IsIdempotent(t *testing.T) {
	resetGlobalConfig()
	InitGlobalConfig()
	firstInstance := k
	InitGlobalConfig()
	secondInstance := k
	assert.Equal(t, firstInstance, secondInstance, "Koanf instance should not change on repeated InitGlobalConfig calls")
}

func TestNewManager_InitializesManagerWithGlobalKoanf(t *testing.T) {
	resetGlobalConfig()
	manager := NewManager()
	assert.NotNil(t, manager, "Manager should not be nil")
	assert.NotNil(t, manager.koanfInstance, "Manager's koanfInstance should not be nil")
	assert.Equal(t, k, manager.koanfInstance, "Manager's koanfInstance should use the global Koanf instance")
}

func TestLoadDefaults(t *testing.T) {
	resetGlobalConfig()
	m := NewManager()
	require.NoError(t, m.Load(nil, ""))

	cfg := m.Get()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 0.20, cfg.Policy.BatteryMinimum)
	assert.Equal(t, "critical", cfg.Policy.ThermalCeiling)
	assert.Equal(t, "ffmpeg", cfg.Engine.FFmpegPath)
	assert.Equal(t, 10*time.Second, cfg.Engine.StopTimeout)
	assert.Equal(t, 1.2, cfg.Precheck.SafetyFactor)
	assert.Empty(t, cfg.Metrics.Addr, "metrics listener is opt-in")
	assert.Empty(t, cfg.History.Path, "persistence is opt-in")
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	resetGlobalConfig()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
monitor:
  poll_interval: 1s
policy:
  battery_minimum: 0.35
`), 0o600))

	m := NewManager()
	require.NoError(t, m.Load(nil, path))

	cfg := m.Get()
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 0.35, cfg.Policy.BatteryMinimum)
	// Untouched keys keep their defaults.
	assert.Equal(t, "ffmpeg", cfg.Engine.FFmpegPath)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	resetGlobalConfig()
	m := NewManager()
	err := m.Load(nil, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	resetGlobalConfig()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	t.Setenv("VIDCONV_LOG_LEVEL", "error")

	m := NewManager()
	require.NoError(t, m.Load(nil, path))
	assert.Equal(t, "error", m.Get().Log.Level)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	resetGlobalConfig()
	t.Setenv("VIDCONV_LOG_LEVEL", "error")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse([]string{"--log.level=debug"}))

	m := NewManager()
	require.NoError(t, m.Load(flags, ""))
	assert.Equal(t, "debug", m.Get().Log.Level)
}

func TestGetValue(t *testing.T) {
	resetGlobalConfig()
	m := NewManager()
	require.NoError(t, m.Load(nil, ""))

	assert.Equal(t, "info", m.GetValue("log.level"))
	assert.Nil(t, m.GetValue("no.such.key"))
}

func TestThresholdsFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.BatteryMinimum = 0.15
	cfg.Policy.ThermalCeiling = "serious"

	ths := cfg.Thresholds()
	require.Len(t, ths, 4)

	byKind := make(map[policy.ResourceKind]policy.Threshold, len(ths))
	for _, th := range ths {
		byKind[th.Kind] = th
	}

	thermal := byKind[policy.ResourceThermal]
	assert.Equal(t, policy.CompareGTE, thermal.Comparator)
	assert.Equal(t, float64(device.ThermalSerious), thermal.Limit)
	assert.Equal(t, policy.DecisionAbort, thermal.Decide)

	battery := byKind[policy.ResourceBattery]
	assert.Equal(t, policy.CompareLT, battery.Comparator)
	assert.Equal(t, 0.15, battery.Limit)
	assert.Equal(t, policy.DecisionPause, battery.Decide)

	assert.Equal(t, policy.DecisionAbort, byKind[policy.ResourceStorage].Decide)
	assert.Equal(t, policy.DecisionAlert, byKind[policy.ResourceMemory].Decide)
}

func TestThresholdsUnknownCeilingFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.ThermalCeiling = "volcanic"

	ths := cfg.Thresholds()
	for _, th := range ths {
		if th.Kind == policy.ResourceThermal {
			assert.Equal(t, float64(device.ThermalCritical), th.Limit)
			return
		}
	}
	t.Fatal("no thermal threshold built")
}
