package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/bobuhiro11/govcpu/config"
	"github.com/bobuhiro11/govcpu/vcpu"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Scheduler.QuantumHz != 1000 || cfg.Scheduler.PinnedCPU != -1 || cfg.Scheduler.TimerResolution != 1 {
		t.Errorf("scheduler defaults %+v", cfg.Scheduler)
	}

	boot, err := cfg.BootTable()
	if err != nil {
		t.Fatal(err)
	}

	if len(boot) != 5 {
		t.Fatalf("boot table %+v", boot)
	}

	if boot[0] != (vcpu.Params{Type: vcpu.Main, C: 10, T: 100}) {
		t.Errorf("vcpu 0 %+v", boot[0])
	}

	if boot[3] != (vcpu.Params{Type: vcpu.IO, C: 1, T: 10, Class: vcpu.ClassNET}) {
		t.Errorf("vcpu 3 %+v", boot[3])
	}

	if len(cfg.Workload) != 4 || cfg.Workload[1].Burst != 2*time.Millisecond {
		t.Errorf("workload %+v", cfg.Workload)
	}

	if cfg.Simulation.Duration != time.Second || cfg.Simulation.StatsInterval != 100*time.Millisecond {
		t.Errorf("simulation %+v", cfg.Simulation)
	}

	if cfg.Logging.Level != "info" || cfg.Metrics.Address != "" {
		t.Errorf("logging %+v metrics %+v", cfg.Logging, cfg.Metrics)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "govcpu.yaml")

	yaml := `scheduler:
  num_cpus: 2
  frequency: 1000000
vcpus:
  - type: main
    c: 20
    t: 50
  - type: io
    c: 2
    t: 10
    io_class: [ata, usb]
workload:
  - name: worker
    vcpu: 0
    burst: 3ms
    sleep: 7ms
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Scheduler.NumCPUs != 2 || cfg.Scheduler.Frequency != 1_000_000 {
		t.Errorf("scheduler %+v", cfg.Scheduler)
	}

	boot, err := cfg.BootTable()
	if err != nil {
		t.Fatal(err)
	}

	if len(boot) != 2 || boot[1].Class != vcpu.ClassATA|vcpu.ClassUSB || boot[0].T != 50 {
		t.Errorf("boot table %+v", boot)
	}

	if len(cfg.Workload) != 1 || cfg.Workload[0].Sleep != 7*time.Millisecond {
		t.Errorf("workload %+v", cfg.Workload)
	}

	// unset keys keep their defaults
	if cfg.Scheduler.QuantumHz != 1000 {
		t.Errorf("quantum %d", cfg.Scheduler.QuantumHz)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("GOVCPU_SCHEDULER_NUM_CPUS", "8")
	t.Setenv("GOVCPU_LOGGING_LEVEL", "debug")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Scheduler.NumCPUs != 8 || cfg.Logging.Level != "debug" {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Scheduler, cfg.Logging)
	}
}

func TestBootTableErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{VCPUs: []config.VCPUConfig{{Type: "rt", C: 1, T: 2}}}
	if _, err := cfg.BootTable(); err == nil {
		t.Error("unknown type accepted")
	}

	cfg = &config.Config{VCPUs: []config.VCPUConfig{{Type: "io", C: 1, T: 2, IOClass: []string{"scsi"}}}}
	if _, err := cfg.BootTable(); err == nil {
		t.Error("unknown io class accepted")
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"json", "console"} {
		l, err := config.NewLogger(config.LoggingConfig{Level: "warn", Format: format})
		if err != nil {
			t.Fatal(err)
		}

		if l.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("%s logger has debug enabled", format)
		}
	}
}
