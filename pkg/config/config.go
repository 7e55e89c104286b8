// Package config loads the conversion core's configuration. Every tunable
// is carried in an explicit Config struct handed to the coordinator; no
// component reads ambient global state at runtime.
package config

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

// Global Koanf instance, initialized once at startup.
var (
	k    *koanf.Koanf
	once sync.Once
)

// InitGlobalConfig initializes the global Koanf instance. Called early in
// the application lifecycle, before Load.
func InitGlobalConfig() {
	once.Do(func() {
		k = koanf.New(".")
	})
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "text" or "json"
}

// MonitorConfig tunes the resource monitor.
type MonitorConfig struct {
	PollInterval     time.Duration `koanf:"poll_interval"`
	TelemetryTimeout time.Duration `koanf:"telemetry_timeout"`
	HistorySize      int           `koanf:"history_size"`
	FailureThreshold int           `koanf:"failure_threshold"`
}

// PolicyConfig carries the threshold defaults.
type PolicyConfig struct {
	BatteryMinimum float64       `koanf:"battery_minimum"` // 0.0 - 1.0
	StorageMinimum uint64        `koanf:"storage_minimum_bytes"`
	MemoryMinimum  uint64        `koanf:"memory_minimum_bytes"`
	ThermalCeiling string        `koanf:"thermal_ceiling"`
	AlertCooldown  time.Duration `koanf:"alert_cooldown"`
	AlertRetention int           `koanf:"alert_retention"`
}

// EngineConfig tunes the codec engine adapter.
type EngineConfig struct {
	FFmpegPath  string        `koanf:"ffmpeg_path"`
	StopTimeout time.Duration `koanf:"stop_timeout"` // bounded wait for engine-stop acknowledgement
	StopGrace   time.Duration `koanf:"stop_grace"`   // SIGTERM -> SIGKILL window
}

// PrecheckConfig tunes submit-time validation.
type PrecheckConfig struct {
	Timeout      time.Duration `koanf:"timeout"`
	SafetyFactor float64       `koanf:"safety_factor"` // estimated space = input size * factor
}

// HistoryConfig controls the persistent archive.
type HistoryConfig struct {
	Path      string `koanf:"path"` // empty disables persistence
	MaxJobs   int    `koanf:"max_jobs"`
	MaxAlerts int    `koanf:"max_alerts"`
	JobRing   int    `koanf:"job_ring"` // in-memory completed-job ring size
}

// MetricsConfig controls the /metrics listener.
type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables the listener
}

// Config is the root configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Monitor  MonitorConfig  `koanf:"monitor"`
	Policy   PolicyConfig   `koanf:"policy"`
	Engine   EngineConfig   `koanf:"engine"`
	Precheck PrecheckConfig `koanf:"precheck"`
	History  HistoryConfig  `koanf:"history"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// DefaultConfig returns the baseline configuration if no other sources
// override it.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Monitor: MonitorConfig{
			PollInterval:     5 * time.Second,
			TelemetryTimeout: 2 * time.Second,
			HistorySize:      120,
			FailureThreshold: 3,
		},
		Policy: PolicyConfig{
			BatteryMinimum: 0.20,
			StorageMinimum: 500 << 20, // 500 MiB
			MemoryMinimum:  256 << 20,
			ThermalCeiling: device.ThermalCritical.String(),
			AlertCooldown:  60 * time.Second,
			AlertRetention: 256,
		},
		Engine: EngineConfig{
			FFmpegPath:  "ffmpeg",
			StopTimeout: 10 * time.Second,
			StopGrace:   3 * time.Second,
		},
		Precheck: PrecheckConfig{
			Timeout:      5 * time.Second,
			SafetyFactor: 1.2,
		},
		History: HistoryConfig{
			MaxJobs:   500,
			MaxAlerts: 1000,
			JobRing:   32,
		},
	}
}

// Thresholds builds the policy rules configured by this Config.
func (c Config) Thresholds() []policy.Threshold {
	ceiling, ok := device.ParseThermalState(c.Policy.ThermalCeiling)
	if !ok {
		ceiling = device.ThermalCritical
	}
	return []policy.Threshold{
		policy.NewThreshold(policy.ResourceThermal, policy.CompareGTE, float64(ceiling), policy.DecisionAbort, policy.SeverityCritical),
		policy.NewThreshold(policy.ResourceBattery, policy.CompareLT, c.Policy.BatteryMinimum, policy.DecisionPause, policy.SeverityWarning),
		policy.NewThreshold(policy.ResourceStorage, policy.CompareLT, float64(c.Policy.StorageMinimum), policy.DecisionAbort, policy.SeverityCritical),
		policy.NewThreshold(policy.ResourceMemory, policy.CompareLT, float64(c.Policy.MemoryMinimum), policy.DecisionAlert, policy.SeverityInfo),
	}
}

// Manager handles loading and accessing application configuration.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex
}

// NewManager creates a Manager backed by the global Koanf instance.
func NewManager() *Manager {
	InitGlobalConfig()
	return &Manager{koanfInstance: k}
}

// Load loads configuration from the default source chain.
//
// Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (VIDCONV_ prefix, underscore-to-dot mapping)
//  3. Config file (YAML)
//  4. Default values
func (m *Manager) Load(flags *pflag.FlagSet, configFilePath string) error {
	return m.LoadWithSources(DefaultSources(configFilePath, flags))
}

// LoadWithSources loads from the provided sources in priority order;
// higher-priority sources override lower ones.
func (m *Manager) LoadWithSources(sources []Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	for _, src := range sources {
		if err := src.Load(m.koanfInstance); err != nil {
			return fmt.Errorf("error loading config from %s: %w", src.Name(), err)
		}
	}

	var newCfg Config
	if err := m.koanfInstance.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling final config: %w", err)
	}
	m.currentConfig = newCfg
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentConfig
}

// GetValue retrieves a raw configuration value by key path, nil if absent.
func (m *Manager) GetValue(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance.Get(key)
}

// DefaultConfigAsMap flattens DefaultConfig for koanf's confmap provider,
// so every key is known even before other sources load.
func DefaultConfigAsMap() map[string]any {
	def := DefaultConfig()
	return map[string]any{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,

		"monitor.poll_interval":     def.Monitor.PollInterval.String(),
		"monitor.telemetry_timeout": def.Monitor.TelemetryTimeout.String(),
		"monitor.history_size":      def.Monitor.HistorySize,
		"monitor.failure_threshold": def.Monitor.FailureThreshold,

		"policy.battery_minimum":       def.Policy.BatteryMinimum,
		"policy.storage_minimum_bytes": def.Policy.StorageMinimum,
		"policy.memory_minimum_bytes":  def.Policy.MemoryMinimum,
		"policy.thermal_ceiling":       def.Policy.ThermalCeiling,
		"policy.alert_cooldown":        def.Policy.AlertCooldown.String(),
		"policy.alert_retention":       def.Policy.AlertRetention,

		"engine.ffmpeg_path":  def.Engine.FFmpegPath,
		"engine.stop_timeout": def.Engine.StopTimeout.String(),
		"engine.stop_grace":   def.Engine.StopGrace.String(),

		"precheck.timeout":       def.Precheck.Timeout.String(),
		"precheck.safety_factor": def.Precheck.SafetyFactor,

		"history.path":       def.History.Path,
		"history.max_jobs":   def.History.MaxJobs,
		"history.max_alerts": def.History.MaxAlerts,
		"history.job_ring":   def.History.JobRing,

		"metrics.addr": def.Metrics.Addr,
	}
}

// BindFlags defines command-line flags corresponding to configuration
// settings callers commonly override.
func BindFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()
	flags.String("log.level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	flags.Duration("monitor.poll_interval", defaults.Monitor.PollInterval, "Device poll interval")
	flags.String("engine.ffmpeg_path", defaults.Engine.FFmpegPath, "Path to the ffmpeg binary")
	flags.String("metrics.addr", defaults.Metrics.Addr, "Prometheus listen address (empty disables)")
	flags.String("history.path", defaults.History.Path, "SQLite history database path (empty disables)")
}
