// Package config loads govcpu settings from defaults, an optional YAML file
// and GOVCPU_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bobuhiro11/govcpu/vcpu"
)

// Config is the complete configuration.
type Config struct {
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	VCPUs      []VCPUConfig     `mapstructure:"vcpus"`
	Workload   []JobConfig      `mapstructure:"workload"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SchedulerConfig holds machine and scheduler settings. Zero NumCPUs or
// Frequency means "take it from the host".
type SchedulerConfig struct {
	NumCPUs         int    `mapstructure:"num_cpus"`
	Frequency       uint64 `mapstructure:"frequency"`
	QuantumHz       uint64 `mapstructure:"quantum_hz"`
	TimerResolution uint64 `mapstructure:"timer_resolution"`
	PinnedCPU       int    `mapstructure:"pinned_cpu"`
	CheckInvariants bool   `mapstructure:"check_invariants"`
}

// VCPUConfig is one entry of the boot VCPU table. C and T are milliseconds.
type VCPUConfig struct {
	Type    string   `mapstructure:"type"`
	C       uint64   `mapstructure:"c"`
	T       uint64   `mapstructure:"t"`
	IOClass []string `mapstructure:"io_class"`
}

// JobConfig describes a synthetic task: it runs for Burst, then sleeps for
// Sleep, forever. A zero Burst never stops running. Tasks with an IOClass
// are bound with IO VCPU selection, the rest to the VCPU at index VCPU.
// Deferred jobs are not started at boot; they only describe the pattern of
// a job arriving by migration.
type JobConfig struct {
	Name     string        `mapstructure:"name"`
	VCPU     int           `mapstructure:"vcpu"`
	IOClass  []string      `mapstructure:"io_class"`
	Burst    time.Duration `mapstructure:"burst"`
	Sleep    time.Duration `mapstructure:"sleep"`
	Deferred bool          `mapstructure:"deferred"`
}

// SimulationConfig bounds a simulated run.
type SimulationConfig struct {
	Duration      time.Duration `mapstructure:"duration"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Address
// disables it.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var errUnknownVCPUType = errors.New("unknown vcpu type")

// Params converts the entry into creation parameters.
func (c VCPUConfig) Params() (vcpu.Params, error) {
	p := vcpu.Params{C: c.C, T: c.T}

	switch strings.ToLower(c.Type) {
	case "main", "":
		p.Type = vcpu.Main
	case "io":
		p.Type = vcpu.IO
	default:
		return p, fmt.Errorf("%w: %q", errUnknownVCPUType, c.Type)
	}

	class, err := vcpu.ParseClass(c.IOClass)
	if err != nil {
		return p, err
	}

	p.Class = class

	return p, nil
}

// BootTable converts the configured VCPU table.
func (c *Config) BootTable() ([]vcpu.Params, error) {
	ps := make([]vcpu.Params, 0, len(c.VCPUs))

	for i, vc := range c.VCPUs {
		p, err := vc.Params()
		if err != nil {
			return nil, fmt.Errorf("vcpus[%d]: %w", i, err)
		}

		ps = append(ps, p)
	}

	return ps, nil
}

// Load reads configuration from configPath, or from config.yaml in ./configs
// or the working directory when configPath is empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GOVCPU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Scheduler
	v.SetDefault("scheduler.num_cpus", 0)
	v.SetDefault("scheduler.frequency", 0)
	v.SetDefault("scheduler.quantum_hz", 1000)
	v.SetDefault("scheduler.timer_resolution", 1)
	v.SetDefault("scheduler.pinned_cpu", -1)
	v.SetDefault("scheduler.check_invariants", false)

	// Boot VCPU table
	v.SetDefault("vcpus", []map[string]any{
		{"type": "main", "c": 10, "t": 100},
		{"type": "io", "c": 1, "t": 10, "io_class": []string{"usb"}},
		{"type": "io", "c": 1, "t": 10, "io_class": []string{"ata"}},
		{"type": "io", "c": 1, "t": 10, "io_class": []string{"net"}},
		{"type": "io", "c": 1, "t": 10, "io_class": []string{"gpio"}},
	})

	// Workload
	v.SetDefault("workload", []map[string]any{
		{"name": "hog", "vcpu": 0},
		{"name": "periodic", "vcpu": 0, "burst": "2ms", "sleep": "8ms"},
		{"name": "usb-driver", "io_class": []string{"usb"}, "burst": "100us", "sleep": "5ms"},
		{"name": "net-driver", "io_class": []string{"net"}, "burst": "200us", "sleep": "500us"},
	})

	// Simulation
	v.SetDefault("simulation.duration", "1s")
	v.SetDefault("simulation.stats_interval", "100ms")

	// Metrics
	v.SetDefault("metrics.address", "")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
