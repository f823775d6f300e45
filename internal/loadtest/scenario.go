package loadtest

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML scenarios can write "250ms" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string from a TOML value.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Mix sets the relative weight of each operation in generated traffic.
// Weights need not sum to 1; only their ratios matter.
type Mix struct {
	Create float64 `toml:"create"`
	Update float64 `toml:"update"`
	Delete float64 `toml:"delete"`
}

// total returns the combined weight.
func (m Mix) total() float64 {
	return m.Create + m.Update + m.Delete
}

// Scenario describes one synthetic workload.
type Scenario struct {
	// Name labels the run in output.
	Name string `toml:"name"`

	// Entities is how many distinct entity ids the generator draws from.
	// Smaller values produce more supersession; the queued backlog can
	// never exceed this number.
	Entities int `toml:"entities"`

	// Mutations is the total number of enqueue calls across all workers.
	Mutations int `toml:"mutations"`

	// Workers is the number of concurrent enqueueing goroutines.
	Workers int `toml:"workers"`

	// Mix weights the generated operations.
	Mix Mix `toml:"mix"`

	// MaxPriority spreads priorities uniformly over [0, MaxPriority].
	MaxPriority int `toml:"max_priority"`

	// CriticalRatio is the fraction of mutations flagged critical (0-1).
	CriticalRatio float64 `toml:"critical_ratio"`

	// PayloadBytes sizes the generated payload padding.
	PayloadBytes int `toml:"payload_bytes"`

	// Seed makes generated traffic reproducible.
	Seed int64 `toml:"seed"`

	// Duration caps the wall-clock time of the enqueue phase. Zero means
	// no cap; the run ends when Mutations have been enqueued.
	Duration Duration `toml:"duration"`

	// Drain runs the coordinator against an accept-everything remote
	// after the enqueue phase and measures drain throughput.
	Drain bool `toml:"drain"`

	// BatchSize and FanOut configure the draining coordinator.
	BatchSize int `toml:"batch_size"`
	FanOut    int `toml:"fan_out"`

	// RemoteLatency simulates the round-trip time of each push.
	RemoteLatency Duration `toml:"remote_latency"`
}

// DefaultScenario returns a medium workload suitable for a local run.
func DefaultScenario() Scenario {
	return Scenario{
		Name:          "default",
		Entities:      200,
		Mutations:     5000,
		Workers:       8,
		Mix:           Mix{Create: 0.2, Update: 0.7, Delete: 0.1},
		MaxPriority:   5,
		CriticalRatio: 0.05,
		PayloadBytes:  256,
		Seed:          42,
		Drain:         true,
		BatchSize:     25,
		FanOut:        4,
	}
}

// QuickScenario returns a small workload for development and CI.
func QuickScenario() Scenario {
	return Scenario{
		Name:          "quick",
		Entities:      50,
		Mutations:     500,
		Workers:       4,
		Mix:           Mix{Create: 0.2, Update: 0.7, Delete: 0.1},
		MaxPriority:   5,
		CriticalRatio: 0.05,
		PayloadBytes:  128,
		Seed:          42,
		Drain:         true,
		BatchSize:     25,
		FanOut:        4,
	}
}

// LoadScenario reads a TOML scenario file. Fields left out of the file keep
// the DefaultScenario values.
func LoadScenario(path string) (Scenario, error) {
	scenario := DefaultScenario()
	if _, err := toml.DecodeFile(path, &scenario); err != nil {
		return Scenario{}, fmt.Errorf("failed to load scenario %s: %w", path, err)
	}
	if err := scenario.Validate(); err != nil {
		return Scenario{}, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return scenario, nil
}

// Validate checks the scenario parameters.
func (s Scenario) Validate() error {
	if s.Entities < 1 {
		return fmt.Errorf("entities must be at least 1")
	}
	if s.Mutations < 1 {
		return fmt.Errorf("mutations must be at least 1")
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if s.Mix.Create < 0 || s.Mix.Update < 0 || s.Mix.Delete < 0 {
		return fmt.Errorf("mix weights cannot be negative")
	}
	if s.Mix.total() <= 0 {
		return fmt.Errorf("mix weights must sum to a positive value")
	}
	if s.MaxPriority < 0 {
		return fmt.Errorf("max_priority cannot be negative")
	}
	if s.CriticalRatio < 0 || s.CriticalRatio > 1 {
		return fmt.Errorf("critical_ratio must be between 0 and 1")
	}
	if s.PayloadBytes < 0 {
		return fmt.Errorf("payload_bytes cannot be negative")
	}
	if s.Drain {
		if s.BatchSize < 1 {
			return fmt.Errorf("batch_size must be at least 1")
		}
		if s.FanOut < 1 {
			return fmt.Errorf("fan_out must be at least 1")
		}
	}
	return nil
}
