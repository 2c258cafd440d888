package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx"
)

// Config is the agent-level configuration, loadable from a JSON file with
// flag overrides applied on top via Merge.
type Config struct {
	// BindAddr is the address both listeners bind to.
	BindAddr string `json:"bind_addr"`

	// HTTPPort serves the client and admin API.
	HTTPPort int `json:"http_port"`

	// WSPort serves the worker session endpoint.
	WSPort int `json:"ws_port"`

	// DBPath is the SQLite database location.
	DBPath string `json:"db_path"`

	// LogLevel is one of TRACE, DEBUG, INFO, WARN, ERROR.
	LogLevel string `json:"log_level"`

	// InitialCredits is the balance granted to new users.
	InitialCredits float64 `json:"initial_credits"`

	// CostRatePerSecond and CostBase parameterize the time-based cost
	// formula.
	CostRatePerSecond float64 `json:"cost_rate_per_second"`
	CostBase          float64 `json:"cost_base"`

	// WorkerRewardFraction of the actual cost goes to the worker's owner.
	WorkerRewardFraction float64 `json:"worker_reward_fraction"`

	// CoordinatorOwner is the owner ID of the fallback worker pool.
	CoordinatorOwner string `json:"coordinator_owner"`

	// QueueCap bounds the number of queued jobs.
	QueueCap int `json:"queue_cap"`

	// HeartbeatStaleSeconds and OfflineThresholdSeconds drive the watchdog;
	// WatchdogPeriodSeconds is its sweep interval.
	HeartbeatStaleSeconds   int `json:"heartbeat_stale_seconds"`
	OfflineThresholdSeconds int `json:"offline_threshold_seconds"`
	WatchdogPeriodSeconds   int `json:"watchdog_period_seconds"`

	// SupportedLanguages accepted at job submission.
	SupportedLanguages []string `json:"supported_languages"`
}

// DefaultConfig returns the agent defaults, derived from the coordinator
// core defaults.
func DefaultConfig() *Config {
	core := gridx.DefaultConfig()
	return &Config{
		BindAddr:                "0.0.0.0",
		HTTPPort:                core.HTTPPort,
		WSPort:                  core.WSPort,
		DBPath:                  core.DBPath,
		LogLevel:                "INFO",
		InitialCredits:          core.InitialCredits,
		CostRatePerSecond:       core.CostRatePerSecond,
		CostBase:                core.CostBase,
		WorkerRewardFraction:    core.WorkerRewardFraction,
		CoordinatorOwner:        core.CoordinatorOwner,
		QueueCap:                core.QueueCap,
		HeartbeatStaleSeconds:   int(core.HeartbeatStale / time.Second),
		OfflineThresholdSeconds: int(core.OfflineThreshold / time.Second),
		WatchdogPeriodSeconds:   int(core.WatchdogPeriod / time.Second),
		SupportedLanguages:      core.SupportedLanguages,
	}
}

// LoadConfigFile reads a JSON config file.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &c, nil
}

// Merge overlays b onto the receiver, returning a new config. Zero values
// in b keep the receiver's setting.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}

	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.HTTPPort != 0 {
		result.HTTPPort = b.HTTPPort
	}
	if b.WSPort != 0 {
		result.WSPort = b.WSPort
	}
	if b.DBPath != "" {
		result.DBPath = b.DBPath
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.InitialCredits != 0 {
		result.InitialCredits = b.InitialCredits
	}
	if b.CostRatePerSecond != 0 {
		result.CostRatePerSecond = b.CostRatePerSecond
	}
	if b.CostBase != 0 {
		result.CostBase = b.CostBase
	}
	if b.WorkerRewardFraction != 0 {
		result.WorkerRewardFraction = b.WorkerRewardFraction
	}
	if b.CoordinatorOwner != "" {
		result.CoordinatorOwner = b.CoordinatorOwner
	}
	if b.QueueCap != 0 {
		result.QueueCap = b.QueueCap
	}
	if b.HeartbeatStaleSeconds != 0 {
		result.HeartbeatStaleSeconds = b.HeartbeatStaleSeconds
	}
	if b.OfflineThresholdSeconds != 0 {
		result.OfflineThresholdSeconds = b.OfflineThresholdSeconds
	}
	if b.WatchdogPeriodSeconds != 0 {
		result.WatchdogPeriodSeconds = b.WatchdogPeriodSeconds
	}
	if len(b.SupportedLanguages) != 0 {
		result.SupportedLanguages = b.SupportedLanguages
	}
	return &result
}

// toCoordinatorConfig converts the agent config into the core config.
func (c *Config) toCoordinatorConfig() *gridx.Config {
	core := gridx.DefaultConfig()
	core.DBPath = c.DBPath
	core.HTTPPort = c.HTTPPort
	core.WSPort = c.WSPort
	core.InitialCredits = c.InitialCredits
	core.CostRatePerSecond = c.CostRatePerSecond
	core.CostBase = c.CostBase
	core.WorkerRewardFraction = c.WorkerRewardFraction
	core.CoordinatorOwner = c.CoordinatorOwner
	core.QueueCap = c.QueueCap
	if c.HeartbeatStaleSeconds > 0 {
		core.HeartbeatStale = time.Duration(c.HeartbeatStaleSeconds) * time.Second
	}
	if c.OfflineThresholdSeconds > 0 {
		core.OfflineThreshold = time.Duration(c.OfflineThresholdSeconds) * time.Second
	}
	if c.WatchdogPeriodSeconds > 0 {
		core.WatchdogPeriod = time.Duration(c.WatchdogPeriodSeconds) * time.Second
	}
	if len(c.SupportedLanguages) > 0 {
		core.SupportedLanguages = c.SupportedLanguages
	}
	return core
}
