package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bobuhiro11/govcpu/metrics"
	"github.com/bobuhiro11/govcpu/sched"
	"github.com/bobuhiro11/govcpu/vcpu"
)

func stats() sched.Stats {
	return sched.Stats{
		Window: 10_000,
		Cores:  []sched.CoreStats{{CPU: 0, Idle: 4000, Passes: 12, Overhead: 3}},
		VCPUs: []sched.VCPUStats{
			{Index: 0, CPU: 0, Type: vcpu.Main, Counted: 2500, Budget: 500, Replenishments: 2},
			{Index: 1, CPU: 0, Type: vcpu.IO, Counted: 1000, Queued: 1},
		},
	}
}

func TestObserve(t *testing.T) {
	t.Parallel()

	c := metrics.New()

	c.Observe(stats())
	c.Observe(stats())

	want := `
# HELP govcpu_core_idle_cycles_total Cycles a core spent without a VCPU.
# TYPE govcpu_core_idle_cycles_total counter
govcpu_core_idle_cycles_total{pcpu="0"} 8000
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(want),
		"govcpu_core_idle_cycles_total"); err != nil {
		t.Error(err)
	}

	want = `
# HELP govcpu_vcpu_utilization_percent Share of the last stats window a VCPU ran.
# TYPE govcpu_vcpu_utilization_percent gauge
govcpu_vcpu_utilization_percent{pcpu="0",type="io",vcpu="1"} 10
govcpu_vcpu_utilization_percent{pcpu="0",type="main",vcpu="0"} 25
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(want),
		"govcpu_vcpu_utilization_percent"); err != nil {
		t.Error(err)
	}

	if n, err := testutil.GatherAndCount(c.Registry(), "govcpu_vcpu_replenishments"); err != nil || n != 2 {
		t.Errorf("replenishment series %d (%v), want 2", n, err)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	c := metrics.New()
	c.Observe(stats())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}

	if !strings.Contains(rec.Body.String(), "govcpu_vcpu_consumed_cycles_total") {
		t.Error("consumed cycles missing from exposition")
	}
}
