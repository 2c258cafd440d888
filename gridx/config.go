package gridx

import (
	"fmt"
	"io"
	"time"
)

// Config parameterizes the coordinator.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string

	// HTTPPort serves the client and admin API.
	HTTPPort int

	// WSPort serves the worker session endpoint.
	WSPort int

	// InitialCredits is the starting balance granted to new users.
	InitialCredits float64

	// CostRatePerSecond and CostBase parameterize the time-based cost
	// formula: cost = rate*duration + base. Setting base=0 and
	// rate=flat/timeout emulates flat pricing.
	CostRatePerSecond float64
	CostBase          float64

	// WorkerRewardFraction of the actual cost is credited to the owner of
	// the executing worker at settlement.
	WorkerRewardFraction float64

	// CoordinatorOwner is the special owner ID whose workers are used as
	// the dispatch fallback bucket between "others" and "self".
	CoordinatorOwner string

	// QueueCap bounds the number of queued jobs.
	QueueCap int

	// HeartbeatStale is the session silence beyond which the watchdog
	// recovers a worker's jobs.
	HeartbeatStale time.Duration

	// OfflineThreshold is the heartbeat silence beyond which a persisted
	// worker is marked offline.
	OfflineThreshold time.Duration

	// WatchdogPeriod is the sweep interval.
	WatchdogPeriod time.Duration

	// PingPeriod is the transport keepalive interval for worker sessions.
	// PingTimeout is how long past a ping the peer may stay silent before
	// the connection is dropped.
	PingPeriod  time.Duration
	PingTimeout time.Duration

	// SupportedLanguages is the set accepted at submission.
	SupportedLanguages []string

	// LogOutput is the destination for logs; stderr when nil.
	LogOutput io.Writer
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		DBPath:               "gridx.db",
		HTTPPort:             8081,
		WSPort:               8080,
		InitialCredits:       100,
		CostRatePerSecond:    0.1,
		CostBase:             0,
		WorkerRewardFraction: 0.8,
		CoordinatorOwner:     "coordinator",
		QueueCap:             1000,
		HeartbeatStale:       45 * time.Second,
		OfflineThreshold:     90 * time.Second,
		WatchdogPeriod:       15 * time.Second,
		PingPeriod:           20 * time.Second,
		PingTimeout:          20 * time.Second,
		SupportedLanguages:   []string{"python", "javascript", "node", "bash"},
	}
}

// Validate checks the configuration for values the coordinator cannot run
// with.
func (c *Config) Validate() error {
	if c.QueueCap <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCap)
	}
	if c.CostRatePerSecond < 0 || c.CostBase < 0 {
		return fmt.Errorf("cost parameters must be non-negative")
	}
	if c.WorkerRewardFraction < 0 || c.WorkerRewardFraction > 1 {
		return fmt.Errorf("worker reward fraction must be in [0,1], got %v", c.WorkerRewardFraction)
	}
	if c.WatchdogPeriod <= 0 {
		return fmt.Errorf("watchdog period must be positive")
	}
	if c.PingPeriod <= 0 || c.PingTimeout <= 0 {
		return fmt.Errorf("session keepalive intervals must be positive")
	}
	if len(c.SupportedLanguages) == 0 {
		return fmt.Errorf("at least one supported language is required")
	}
	return nil
}

// LanguageSupported reports whether lang is accepted at submission.
func (c *Config) LanguageSupported(lang string) bool {
	for _, l := range c.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// Merge overlays non-zero fields of b onto a copy of c and returns it.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}
	if b.DBPath != "" {
		result.DBPath = b.DBPath
	}
	if b.HTTPPort != 0 {
		result.HTTPPort = b.HTTPPort
	}
	if b.WSPort != 0 {
		result.WSPort = b.WSPort
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
	if b.HeartbeatStale != 0 {
		result.HeartbeatStale = b.HeartbeatStale
	}
	if b.OfflineThreshold != 0 {
		result.OfflineThreshold = b.OfflineThreshold
	}
	if b.WatchdogPeriod != 0 {
		result.WatchdogPeriod = b.WatchdogPeriod
	}
	if b.PingPeriod != 0 {
		result.PingPeriod = b.PingPeriod
	}
	if b.PingTimeout != 0 {
		result.PingTimeout = b.PingTimeout
	}
	if len(b.SupportedLanguages) != 0 {
		result.SupportedLanguages = b.SupportedLanguages
	}
	if b.LogOutput != nil {
		result.LogOutput = b.LogOutput
	}
	return &result
}
