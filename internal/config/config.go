// Package config loads the agentcorp configuration from <state root>/config.json
// with environment overrides. Missing file yields defaults; a malformed file
// is an error so a typo never silently reverts the corporation to defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultStateRoot is the on-disk store directory, relative to the working
// directory unless AGENTCORP_STATE_ROOT overrides it.
const DefaultStateRoot = ".corp"

// Config is the process-wide configuration.
type Config struct {
	StateRoot string          `json:"state_root,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Hooks     HooksConfig     `json:"hooks"`
	Executor  ExecutorConfig  `json:"executor"`
	Monitor   MonitorConfig   `json:"monitor"`
	Scheduler SchedulerConfig `json:"scheduler"`
	LLM       LLMConfig       `json:"llm"`
}

// LoggingConfig mirrors logging's expectations (see internal/logging).
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty"`
	JSONFormat bool            `json:"json_format,omitempty"`
}

// HooksConfig controls work queue behavior.
type HooksConfig struct {
	// StaleAfterSeconds is the claim age past which a hook may reclaim an
	// in_progress item from a silent agent. Default 300 (the monitor's
	// critical heartbeat threshold).
	StaleAfterSeconds int `json:"stale_after_seconds"`
	DefaultMaxRetries int `json:"default_max_retries"`
}

// ExecutorConfig controls the cycle runner.
type ExecutorConfig struct {
	CycleIntervalSeconds int `json:"cycle_interval_seconds"`
	// MaxConcurrentAgents bounds per-tier parallelism. 0 = one goroutine
	// per agent.
	MaxConcurrentAgents int `json:"max_concurrent_agents"`
}

// MonitorConfig holds health thresholds.
type MonitorConfig struct {
	HeartbeatWarningSeconds  int `json:"heartbeat_warning_seconds"`
	HeartbeatCriticalSeconds int `json:"heartbeat_critical_seconds"`
	QueueDepthWarning        int `json:"queue_depth_warning"`
	QueueDepthCritical       int `json:"queue_depth_critical"`
	SnapshotCacheSeconds     int `json:"snapshot_cache_seconds"`
}

// SchedulerConfig controls assignment behavior.
type SchedulerConfig struct {
	RebalanceIntervalSeconds int `json:"rebalance_interval_seconds"`
}

// LLMConfig configures the Gemini backend.
type LLMConfig struct {
	Provider string `json:"provider,omitempty"` // "gemini" or "mock"
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	// TimeoutSeconds bounds a single backend call; timeouts surface as
	// retryable deadline failures.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateRoot: DefaultStateRoot,
		Logging:   LoggingConfig{Level: "info"},
		Hooks: HooksConfig{
			StaleAfterSeconds: 300,
			DefaultMaxRetries: 3,
		},
		Executor: ExecutorConfig{
			CycleIntervalSeconds: 30,
		},
		Monitor: MonitorConfig{
			HeartbeatWarningSeconds:  60,
			HeartbeatCriticalSeconds: 300,
			QueueDepthWarning:        10,
			QueueDepthCritical:       50,
			SnapshotCacheSeconds:     5,
		},
		Scheduler: SchedulerConfig{
			RebalanceIntervalSeconds: 60,
		},
		LLM: LLMConfig{
			Provider:       "gemini",
			Model:          "gemini-2.5-flash",
			TimeoutSeconds: 600,
		},
	}
}

// Load reads <root>/config.json over the defaults, then applies env
// overrides. A missing file is not an error.
func Load(root string) (*Config, error) {
	cfg := Default()
	if root == "" {
		root = DefaultStateRoot
	}
	cfg.StateRoot = root

	path := filepath.Join(root, "config.json")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		// The file may carry a state_root of its own; the directory it
		// lives in wins.
		cfg.StateRoot = root
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// StateRootFromEnv resolves the state root before config load.
func StateRootFromEnv() string {
	if v := os.Getenv("AGENTCORP_STATE_ROOT"); v != "" {
		return v
	}
	return DefaultStateRoot
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTCORP_GEMINI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGENTCORP_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("AGENTCORP_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("AGENTCORP_STALE_AFTER_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Hooks.StaleAfterSeconds = n
		}
	}
}

// StaleAfter returns the hook reclaim threshold as a duration.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Hooks.StaleAfterSeconds) * time.Second
}

// CycleInterval returns the continuous-executor interval.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Executor.CycleIntervalSeconds) * time.Second
}
