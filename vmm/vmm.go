// Package vmm assembles a simulated machine from the configuration and runs
// it: the scheduler, the synthetic workload, periodic statistics and the
// metrics endpoint.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/govcpu/clock"
	"github.com/bobuhiro11/govcpu/config"
	"github.com/bobuhiro11/govcpu/machine"
	"github.com/bobuhiro11/govcpu/metrics"
	"github.com/bobuhiro11/govcpu/probe"
	"github.com/bobuhiro11/govcpu/sched"
	"github.com/bobuhiro11/govcpu/vcpu"
)

const shutdownTimeout = 5 * time.Second

var errNotInitialized = errors.New("vmm is not initialized")

type VMM struct {
	*machine.Machine

	cfg     *config.Config
	log     *zap.Logger
	runID   uuid.UUID
	metrics *metrics.Collector
}

func New(cfg *config.Config, logger *zap.Logger) *VMM {
	id := uuid.New()

	return &VMM{
		cfg:     cfg,
		log:     logger.With(zap.String("run_id", id.String())),
		runID:   id,
		metrics: metrics.New(),
	}
}

// RunID identifies this run in logs.
func (v *VMM) RunID() uuid.UUID { return v.runID }

// Metrics returns the collector fed by Boot.
func (v *VMM) Metrics() *metrics.Collector { return v.metrics }

// Init instantiates a machine. A zero CPU count is taken from the host; a
// zero frequency runs the simulation at the host counter rate and profiles
// scheduling passes with the host clock.
func (v *VMM) Init() error {
	sc := v.cfg.Scheduler

	mc := machine.Config{
		NumCPUs:   sc.NumCPUs,
		Frequency: sc.Frequency,
		Sched: sched.Config{
			QuantumHz:       sc.QuantumHz,
			TimerResolution: sc.TimerResolution,
			PinnedCPU:       sc.PinnedCPU,
			CheckInvariants: sc.CheckInvariants,
		},
	}

	if mc.NumCPUs == 0 {
		info, err := probe.Host()
		if err != nil {
			return fmt.Errorf("probe host: %w", err)
		}

		v.log.Info("Probed host", zap.Stringer("cpu", info))
		mc.NumCPUs = info.Cores
	}

	if mc.Frequency == 0 {
		host := clock.Host{}
		mc.Frequency = host.Frequency()
		mc.Sched.Profiler = host
	}

	boot, err := v.cfg.BootTable()
	if err != nil {
		return err
	}

	mc.Boot = boot

	for i, jc := range v.cfg.Workload {
		if jc.Deferred {
			continue
		}

		j, err := jobFromConfig(jc)
		if err != nil {
			return fmt.Errorf("workload[%d]: %w", i, err)
		}

		mc.Jobs = append(mc.Jobs, j)
	}

	m, err := machine.New(mc, v.log)
	if err != nil {
		return err
	}

	v.Machine = m

	v.log.Info("Machine initialized",
		zap.Int("num_cpus", mc.NumCPUs),
		zap.Uint64("frequency", mc.Frequency),
		zap.Int("vcpus", len(boot)),
		zap.Int("jobs", len(mc.Jobs)),
	)

	return nil
}

func jobFromConfig(jc config.JobConfig) (machine.Job, error) {
	class, err := vcpu.ParseClass(jc.IOClass)
	if err != nil {
		return machine.Job{}, err
	}

	return machine.Job{
		Name:  jc.Name,
		VCPU:  jc.VCPU,
		Class: class,
		Burst: jc.Burst,
		Sleep: jc.Sleep,
	}, nil
}

// Boot runs the simulation for the configured duration, publishing
// statistics every stats interval. The metrics endpoint, if configured,
// serves until the simulation ends or ctx is cancelled.
func (v *VMM) Boot(ctx context.Context) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()

		return v.simulate(ctx)
	})

	if addr := v.cfg.Metrics.Address; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           v.metricsMux(),
			ReadHeaderTimeout: shutdownTimeout,
		}

		g.Go(func() error {
			v.log.Info("Serving metrics", zap.String("address", addr))

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-ctx.Done()

			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()

			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

func (v *VMM) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", v.metrics.Handler())

	return mux
}

func (v *VMM) simulate(ctx context.Context) error {
	total := v.cfg.Simulation.Duration
	step := v.cfg.Simulation.StatsInterval

	if step <= 0 || step > total {
		step = total
	}

	v.log.Info("Starting simulation", zap.Duration("duration", total), zap.Duration("stats_interval", step))

	for done := time.Duration(0); done < total; done += step {
		d := min(step, total-done)

		if err := v.Run(ctx, d); err != nil {
			if errors.Is(err, context.Canceled) {
				v.log.Info("Simulation interrupted", zap.Duration("elapsed", done))

				return nil
			}

			return err
		}

		v.metrics.Observe(v.System().DumpStats())
	}

	v.log.Info("Simulation finished",
		zap.Duration("simulated", clock.ToDuration(v.Clock(), v.Now())),
	)

	return nil
}
