// Package config loads the runtime's YAML configuration: every bound and
// timeout named across spec §4's components. Grounded on the teacher's
// config.DefaultConfig/GetConfigDir/LoadConfig naming and
// os.UserHomeDir-based path resolution (config/config.go), adapted from
// JSON to YAML (gopkg.in/yaml.v3, already a teacher dependency) and from
// MCP/program/shell fields to the orchestration runtime's own bounds.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gitmind-dev/gitmind/rtlog"
)

const ConfigFileName = "config.yaml"

// GetConfigDir returns the path to the application's configuration
// directory, following the teacher's own ~/.claude-squad convention.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".gitmind"), nil
}

// SchedulerConfig bounds the task scheduler (spec §4.2).
type SchedulerConfig struct {
	MaxQueueSize               int           `yaml:"max_queue_size"`
	MaxConcurrentTasksPerAgent int           `yaml:"max_concurrent_tasks_per_agent"`
	JanitorBaseInterval        time.Duration `yaml:"janitor_base_interval"`
	JanitorMaxInterval         time.Duration `yaml:"janitor_max_interval"`

	// SnapshotPath, if non-empty, is where the janitor writes a
	// crash-visibility ledger snapshot on every sweep. Empty disables it.
	SnapshotPath string `yaml:"snapshot_path"`
}

// ManagerConfig bounds the agent manager (spec §4.3).
type ManagerConfig struct {
	MaxAgents               int           `yaml:"max_agents"`
	AgentStartupTimeout     time.Duration `yaml:"agent_startup_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// CollabConfig bounds the collaboration orchestrator (spec §4.4).
type CollabConfig struct {
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
	MaxQueuedSessions     int `yaml:"max_queued_sessions"`
}

// HotswapConfig bounds the hot-swap manager (spec §4.5).
type HotswapConfig struct {
	MaxConcurrentOperations int           `yaml:"max_concurrent_operations"`
	InitializationTimeout   time.Duration `yaml:"initialization_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	MaxQueueSize            int           `yaml:"max_queue_size"`
}

// HealthConfig bounds the health monitor (spec §4.6).
type HealthConfig struct {
	CheckInterval       time.Duration `yaml:"check_interval"`
	MaxConcurrentChecks int           `yaml:"max_concurrent_checks"`
	AlertThrottle       time.Duration `yaml:"alert_throttle"`
	WebhookURL          string        `yaml:"webhook_url,omitempty"`

	EnableAutoRecovery bool          `yaml:"enable_auto_recovery"`
	MaxFailures        int           `yaml:"max_failures"`
	RecoveryInterval   time.Duration `yaml:"recovery_interval"`
}

// RetryConfig bounds the retry/timeout executor (spec §4.7).
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	Multiplier        float64       `yaml:"multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Jitter            bool          `yaml:"jitter"`
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout"`
	TotalTimeout      time.Duration `yaml:"total_timeout"`
}

// CacheConfig bounds the suggestion cache (spec §4.8).
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// BusConfig bounds the message bus (spec §4.1).
type BusConfig struct {
	DefaultInboxBuffer int `yaml:"default_inbox_buffer"`
}

// Config is the runtime's full YAML configuration, threaded into every
// component's constructor (spec §6's "(AMBIENT STACK) Configuration
// surface").
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Manager  ManagerConfig  `yaml:"manager"`
	Collab   CollabConfig   `yaml:"collab"`
	Hotswap  HotswapConfig  `yaml:"hotswap"`
	Health   HealthConfig   `yaml:"health"`
	Retry    RetryConfig    `yaml:"retry"`
	Cache    CacheConfig    `yaml:"cache"`
}

// Default returns the runtime's default configuration. The scheduler,
// manager, collab and hotswap sections match those packages'
// DefaultConfig(); the health and retry sections differ from theirs in
// places (CheckInterval 10s vs 30s, InitialDelay 100ms vs 1s, TotalTimeout
// 1m vs 2m). Load unmarshals the YAML file over Default(), so fields a
// partial file omits keep these values.
func Default() *Config {
	return &Config{
		Bus: BusConfig{DefaultInboxBuffer: 64},
		Scheduler: SchedulerConfig{
			MaxQueueSize:               1000,
			MaxConcurrentTasksPerAgent: 4,
			JanitorBaseInterval:        time.Second,
			JanitorMaxInterval:         30 * time.Second,
		},
		Manager: ManagerConfig{
			MaxAgents:               32,
			AgentStartupTimeout:     30 * time.Second,
			GracefulShutdownTimeout: 15 * time.Second,
		},
		Collab: CollabConfig{
			MaxConcurrentSessions: 8,
			MaxQueuedSessions:     256,
		},
		Hotswap: HotswapConfig{
			MaxConcurrentOperations: 4,
			InitializationTimeout:   30 * time.Second,
			GracefulShutdownTimeout: 15 * time.Second,
			MaxQueueSize:            256,
		},
		Health: HealthConfig{
			CheckInterval:       10 * time.Second,
			MaxConcurrentChecks: 8,
			AlertThrottle:       time.Minute,
			EnableAutoRecovery:  false,
			MaxFailures:         3,
			RecoveryInterval:    5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:       5,
			InitialDelay:      100 * time.Millisecond,
			Multiplier:        2.0,
			MaxDelay:          30 * time.Second,
			Jitter:            true,
			PerAttemptTimeout: 10 * time.Second,
			TotalTimeout:      time.Minute,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			DefaultTTL: 10 * time.Minute,
		},
	}
}

// Load reads the YAML configuration file from the config directory,
// falling back to Default() (and writing it out) when the file does not
// exist yet — matching the teacher's LoadConfig fallback-and-seed
// behavior (config/config.go).
func Load() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		if rtlog.ErrorLog != nil {
			rtlog.ErrorLog.Printf("config: failed to get config directory: %v", err)
		}
		return Default()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			defaultCfg := Default()
			if saveErr := Save(defaultCfg); saveErr != nil && rtlog.WarningLog != nil {
				rtlog.WarningLog.Printf("config: failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}
		if rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("config: failed to read config file: %v", err)
		}
		return Default()
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if rtlog.ErrorLog != nil {
			rtlog.ErrorLog.Printf("config: failed to parse config file: %v", err)
		}
		return Default()
	}
	return cfg
}

// Save writes cfg to the config directory as YAML, creating the directory
// if needed.
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("config: failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("config: failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: failed to marshal config: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	return atomicWriteFile(configPath, data, 0644)
}
