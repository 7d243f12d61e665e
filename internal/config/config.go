// Package config loads the bus's runtime tuning parameters from YAML,
// mirroring the teacher's typed-struct, normalize-then-validate convention
// for application configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig configures the OTLP metrics exporter (metrics only; the
// bus never originates traces).
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// BackpressureConfig throttles PublishAsync ahead of the free-list wait.
// A zero RatePerSecond disables throttling; the free-list wait (spec §4.5)
// remains the only backpressure point in that case.
type BackpressureConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// AsyncConfig sizes the asynchronous dispatch path (spec §4.5).
type AsyncConfig struct {
	Workers              int                 `yaml:"workers"`
	QueueCapacity        int                 `yaml:"queueCapacity"`
	AdaptivePollAttempts int                 `yaml:"adaptivePollAttempts"`
	Backpressure         BackpressureConfig  `yaml:"backpressure"`
}

// BusConfig is the unified runtime configuration for one bus instance.
type BusConfig struct {
	Async     AsyncConfig     `yaml:"async"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration a bus uses when no file is supplied:
// one worker per logical CPU, a queue/free-list sized generously for burst
// publishers, and telemetry disabled (no-op exporters).
func Default() BusConfig {
	workers := runtime.NumCPU()
	if workers <= 0 {
		workers = 4
	}
	return BusConfig{
		Async: AsyncConfig{
			Workers:              workers,
			QueueCapacity:        1024,
			AdaptivePollAttempts: 32,
			Backpressure: BackpressureConfig{
				RatePerSecond: 0,
				Burst:         0,
			},
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "busline",
			OTLPInsecure: false,
		},
	}
}

// Load reads and validates a BusConfig from a YAML file at path.
func Load(path string) (BusConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return BusConfig{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return BusConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return BusConfig{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return BusConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads path if it exists, falling back to Default() when it
// does not. Any other read/parse error is returned.
func LoadOrDefault(path string) (cfg BusConfig, loadedFromFile bool, err error) {
	if strings.TrimSpace(path) == "" {
		return Default(), false, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		if os.IsNotExist(statErr) {
			return Default(), false, nil
		}
		return BusConfig{}, false, fmt.Errorf("config: stat %s: %w", path, statErr)
	}
	cfg, err = Load(path)
	if err != nil {
		return BusConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *BusConfig) normalize() {
	if c.Async.Workers <= 0 {
		if n := runtime.NumCPU(); n > 0 {
			c.Async.Workers = n
		} else {
			c.Async.Workers = 4
		}
	}
	if c.Async.QueueCapacity <= 0 {
		c.Async.QueueCapacity = 1024
	}
	if c.Async.AdaptivePollAttempts < 0 {
		c.Async.AdaptivePollAttempts = 0
	}
	if c.Async.Backpressure.RatePerSecond > 0 && c.Async.Backpressure.Burst <= 0 {
		c.Async.Backpressure.Burst = 1
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "busline"
	}
}

// Validate reports configuration errors normalize cannot silently repair.
func (c BusConfig) Validate() error {
	if c.Async.Workers <= 0 {
		return fmt.Errorf("config: async.workers must be > 0")
	}
	if c.Async.QueueCapacity <= 0 {
		return fmt.Errorf("config: async.queueCapacity must be > 0")
	}
	if c.Async.Backpressure.RatePerSecond < 0 {
		return fmt.Errorf("config: async.backpressure.ratePerSecond must be >= 0")
	}
	return nil
}

// AdaptivePollBudget returns AdaptivePollAttempts × 1ms as a nominal
// wall-clock figure for the adaptive-wait poll phase (spec §4.5), or 0 when
// polling is disabled. The asyncbus worker loop does not read it: its poll
// phase is bounded by the attempt count and its own backoff schedule.
func (c BusConfig) AdaptivePollBudget() time.Duration {
	if c.Async.AdaptivePollAttempts <= 0 {
		return 0
	}
	return time.Duration(c.Async.AdaptivePollAttempts) * time.Millisecond
}
