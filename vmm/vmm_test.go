package vmm_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/bobuhiro11/govcpu/config"
	"github.com/bobuhiro11/govcpu/vmm"
)

func testConfig(workload ...config.JobConfig) *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			NumCPUs:         1,
			Frequency:       1_000_000,
			QuantumHz:       1000,
			TimerResolution: 1,
			PinnedCPU:       -1,
			CheckInvariants: true,
		},
		VCPUs: []config.VCPUConfig{
			{Type: "main", C: 10, T: 100},
			{Type: "main", C: 5, T: 20},
			{Type: "io", C: 1, T: 10, IOClass: []string{"net"}},
		},
		Workload: workload,
		Simulation: config.SimulationConfig{
			Duration:      50 * time.Millisecond,
			StatsInterval: 20 * time.Millisecond,
		},
	}
}

func newVMM(t *testing.T, cfg *config.Config) *vmm.VMM {
	t.Helper()

	v := vmm.New(cfg, zaptest.NewLogger(t))
	if err := v.Init(); err != nil {
		t.Fatal(err)
	}

	return v
}

func TestBoot(t *testing.T) {
	t.Parallel()

	cfg := testConfig(
		config.JobConfig{Name: "hog", VCPU: 0},
		config.JobConfig{Name: "periodic", VCPU: 1, Burst: time.Millisecond, Sleep: 3 * time.Millisecond},
		config.JobConfig{Name: "net-driver", IOClass: []string{"net"}, Burst: 100 * time.Microsecond, Sleep: time.Millisecond},
	)
	cfg.Metrics.Address = "127.0.0.1:0"

	v := newVMM(t, cfg)

	if err := v.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := v.Now(); got != 50_001 {
		t.Errorf("clock reads %d after the run, want 50001", got)
	}

	drv, err := v.Job("net-driver")
	if err != nil {
		t.Fatal(err)
	}

	if drv.VCPU != 2 {
		t.Errorf("net driver on vcpu %d, want 2", drv.VCPU)
	}

	// the last window is the 10ms left after two full intervals
	const want = `
# HELP govcpu_stats_window_cycles Length of the last stats window.
# TYPE govcpu_stats_window_cycles gauge
govcpu_stats_window_cycles 10000
`

	if err := testutil.GatherAndCompare(v.Metrics().Registry(), strings.NewReader(want),
		"govcpu_stats_window_cycles"); err != nil {
		t.Error(err)
	}
}

func TestBootCancelled(t *testing.T) {
	t.Parallel()

	v := newVMM(t, testConfig(config.JobConfig{Name: "hog"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := v.Boot(ctx); err != nil {
		t.Fatal(err)
	}

	if v.Now() != 1 {
		t.Errorf("cancelled run advanced the clock to %d", v.Now())
	}
}

func TestBootBeforeInit(t *testing.T) {
	t.Parallel()

	v := vmm.New(testConfig(), zaptest.NewLogger(t))

	if err := v.Boot(context.Background()); err == nil {
		t.Error("Boot without Init succeeded")
	}
}

func TestInitErrors(t *testing.T) {
	t.Parallel()

	badType := testConfig()
	badType.VCPUs[0].Type = "realtime"

	badClass := testConfig(config.JobConfig{Name: "drv", IOClass: []string{"scsi"}})

	badVCPU := testConfig(config.JobConfig{Name: "lost", VCPU: 7})

	for name, cfg := range map[string]*config.Config{
		"vcpu type": badType,
		"io class":  badClass,
		"job vcpu":  badVCPU,
	} {
		if err := vmm.New(cfg, zaptest.NewLogger(t)).Init(); err == nil {
			t.Errorf("%s: Init succeeded", name)
		}
	}
}

func TestDeferredJobNotStarted(t *testing.T) {
	t.Parallel()

	v := newVMM(t, testConfig(
		config.JobConfig{Name: "hog"},
		config.JobConfig{Name: "later", VCPU: 1, Deferred: true},
	))

	if _, err := v.Job("later"); err == nil {
		t.Error("deferred job was started")
	}
}
