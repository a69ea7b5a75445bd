// Package metrics exports scheduler statistics as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bobuhiro11/govcpu/sched"
)

const namespace = "govcpu"

// Collector holds the scheduler metrics and their registry.
type Collector struct {
	reg *prometheus.Registry

	coreIdle     *prometheus.CounterVec
	coreSched    *prometheus.CounterVec
	corePasses   *prometheus.CounterVec
	coreOverhead *prometheus.GaugeVec
	vcpuConsumed *prometheus.CounterVec
	vcpuBudget   *prometheus.GaugeVec
	vcpuUsage    *prometheus.GaugeVec
	vcpuRepl     *prometheus.GaugeVec
	vcpuQueued   *prometheus.GaugeVec
	vcpuOverhead *prometheus.GaugeVec
	vcpuUtilPct  *prometheus.GaugeVec
	windowCycles prometheus.Gauge
}

// New registers the scheduler metrics on a fresh registry.
func New() *Collector {
	coreLabels := []string{"pcpu"}
	vcpuLabels := []string{"vcpu", "pcpu", "type"}

	c := &Collector{
		reg:          prometheus.NewRegistry(),
		coreIdle:     counter("core", "idle_cycles_total", "Cycles a core spent without a VCPU.", coreLabels),
		coreSched:    counter("core", "sched_cycles_total", "Profiler cycles spent inside scheduling passes.", coreLabels),
		corePasses:   counter("core", "passes_total", "Scheduling passes run on a core.", coreLabels),
		coreOverhead: gauge("core", "overhead_cycles", "Last overrun of a VCPU past its budget.", coreLabels),
		vcpuConsumed: counter("vcpu", "consumed_cycles_total", "Cycles a VCPU has run.", vcpuLabels),
		vcpuBudget:   gauge("vcpu", "budget_cycles", "Budget currently available to a VCPU.", vcpuLabels),
		vcpuUsage:    gauge("vcpu", "usage_cycles", "Budget consumed from the head replenishment.", vcpuLabels),
		vcpuRepl:     gauge("vcpu", "replenishments", "Pending replenishments of a MAIN VCPU.", vcpuLabels),
		vcpuQueued:   gauge("vcpu", "runqueue_length", "Tasks waiting on a VCPU.", vcpuLabels),
		vcpuOverhead: gauge("vcpu", "overhead_cycles", "Last overrun of a VCPU past its budget.", vcpuLabels),
		vcpuUtilPct:  gauge("vcpu", "utilization_percent", "Share of the last stats window a VCPU ran.", vcpuLabels),
		windowCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_window_cycles",
			Help:      "Length of the last stats window.",
		}),
	}

	c.reg.MustRegister(
		c.coreIdle, c.coreSched, c.corePasses, c.coreOverhead,
		c.vcpuConsumed, c.vcpuBudget, c.vcpuUsage, c.vcpuRepl,
		c.vcpuQueued, c.vcpuOverhead, c.vcpuUtilPct, c.windowCycles,
	)

	return c
}

func counter(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func gauge(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// Registry returns the registry holding the metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe folds one stats window into the metrics.
func (c *Collector) Observe(st sched.Stats) {
	c.windowCycles.Set(float64(st.Window))

	for _, core := range st.Cores {
		l := strconv.Itoa(core.CPU)

		c.coreIdle.WithLabelValues(l).Add(float64(core.Idle))
		c.coreSched.WithLabelValues(l).Add(float64(core.SchedTime))
		c.corePasses.WithLabelValues(l).Add(float64(core.Passes))
		c.coreOverhead.WithLabelValues(l).Set(float64(core.Overhead))
	}

	for _, v := range st.VCPUs {
		l := []string{strconv.Itoa(int(v.Index)), strconv.Itoa(v.CPU), v.Type.String()}

		c.vcpuConsumed.WithLabelValues(l...).Add(float64(v.Counted))
		c.vcpuBudget.WithLabelValues(l...).Set(float64(v.Budget))
		c.vcpuUsage.WithLabelValues(l...).Set(float64(v.Usage))
		c.vcpuRepl.WithLabelValues(l...).Set(float64(v.Replenishments))
		c.vcpuQueued.WithLabelValues(l...).Set(float64(v.Queued))
		c.vcpuOverhead.WithLabelValues(l...).Set(float64(v.SchedOverhead))

		if st.Window > 0 {
			c.vcpuUtilPct.WithLabelValues(l...).Set(float64(v.Counted) * 100 / float64(st.Window))
		}
	}
}
