package breaker

import "time"

// Config holds the thresholds of a single breaker.
type Config struct {
	// FailureThreshold is the number of failures inside MonitoringWindow that trips the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// Timeout bounds a single call when the caller does not supply one.
	Timeout time.Duration `yaml:"timeout"`
	// ResetTimeout is how long the breaker stays open before admitting a probe.
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	MonitoringWindow time.Duration `yaml:"monitoring_window"`
	// HalfOpenMaxCalls caps the calls admitted during one half-open episode.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
	SuccessThreshold int `yaml:"success_threshold"`
	// MaintenanceInterval drives window pruning and health-check events.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// DefaultConfig provides balanced settings for most providers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		Timeout:             30 * time.Second,
		ResetTimeout:        60 * time.Second,
		MonitoringWindow:    60 * time.Second,
		HalfOpenMaxCalls:    3,
		SuccessThreshold:    2,
		MaintenanceInterval: 30 * time.Second,
	}
}

// AggressiveConfig trips fast and probes early, for cheap local backends.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold:    3,
		Timeout:             10 * time.Second,
		ResetTimeout:        15 * time.Second,
		MonitoringWindow:    30 * time.Second,
		HalfOpenMaxCalls:    2,
		SuccessThreshold:    2,
		MaintenanceInterval: 10 * time.Second,
	}
}

// ConservativeConfig tolerates more failures, for expensive remote APIs with bursty errors.
func ConservativeConfig() Config {
	return Config{
		FailureThreshold:    10,
		Timeout:             60 * time.Second,
		ResetTimeout:        2 * time.Minute,
		MonitoringWindow:    2 * time.Minute,
		HalfOpenMaxCalls:    5,
		SuccessThreshold:    3,
		MaintenanceInterval: time.Minute,
	}
}

// Merge returns c with every zero field taken from defaults.
func (c Config) Merge(defaults Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaults.ResetTimeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = defaults.MonitoringWindow
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaults.SuccessThreshold
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaults.MaintenanceInterval
	}
	return c
}

// normalized fills missing values and keeps the half-open budget large
// enough for SuccessThreshold probes to close the circuit.
func (c Config) normalized() Config {
	c = c.Merge(DefaultConfig())
	if c.HalfOpenMaxCalls < c.SuccessThreshold {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	return c
}
