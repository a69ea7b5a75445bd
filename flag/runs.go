package flag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/bobuhiro11/govcpu/clock"
	"github.com/bobuhiro11/govcpu/config"
	"github.com/bobuhiro11/govcpu/probe"
	"github.com/bobuhiro11/govcpu/vmm"
)

var (
	errUnknownProfile = errors.New("unknown profile mode")
	errNoJob          = errors.New("--migrate-to needs --job")
)

const (
	programName = "govcpu"
	programDesc = "govcpu simulates a multi-core machine scheduled by sporadic-server VCPUs"
)

func newParser(c *CLI) (*kong.Kong, error) {
	return kong.New(c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
}

func Parse() error {
	c := CLI{}

	parser, err := newParser(&c)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	return ctx.Run()
}

func (d *ProbeCMD) Run() error {
	info, err := probe.Host()
	if err != nil {
		return err
	}

	fmt.Println(info)
	fmt.Printf("host counter: %d Hz\n", clock.Host{}.Frequency())

	return nil
}

// apply overrides cfg with the flags that were set.
func (s *BootCMD) apply(cfg *config.Config) error {
	if s.CPUs > 0 {
		cfg.Scheduler.NumCPUs = s.CPUs
	}

	if s.Frequency != "" {
		hz, err := ParseFrequency(s.Frequency)
		if err != nil {
			return err
		}

		cfg.Scheduler.Frequency = hz
	}

	if s.Duration != "" {
		d, err := time.ParseDuration(s.Duration)
		if err != nil {
			return err
		}

		cfg.Simulation.Duration = d
	}

	if s.Metrics != "" {
		cfg.Metrics.Address = s.Metrics
	}

	if s.LogLevel != "" {
		cfg.Logging.Level = s.LogLevel
	}

	if s.MigrateTo != "" && s.Job == "" {
		return errNoJob
	}

	return nil
}

func startProfile(mode string) (interface{ Stop() }, error) {
	switch mode {
	case "":
		return nil, nil
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}

	return nil, fmt.Errorf("%w: %q", errUnknownProfile, mode)
}

func (s *BootCMD) Run() error {
	cfg, err := config.Load(s.Config)
	if err != nil {
		return err
	}

	if err := s.apply(cfg); err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	defer func() { _ = logger.Sync() }()

	prof, err := startProfile(s.Profile)
	if err != nil {
		return err
	}

	if prof != nil {
		defer prof.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := vmm.New(cfg, logger)

	if err := v.Init(); err != nil {
		return err
	}

	if s.Incoming != "" {
		l, err := net.Listen("tcp", s.Incoming)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.Incoming, err)
		}

		_, err = v.Incoming(l)
		l.Close()

		if err != nil {
			return err
		}
	}

	if err := v.Boot(ctx); err != nil {
		return err
	}

	if s.MigrateTo != "" {
		return v.MigrateTo(ctx, s.MigrateTo, s.Job)
	}

	return nil
}
