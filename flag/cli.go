package flag

// CLI is the command line of govcpu.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Run the scheduler simulation."`
	Probe ProbeCMD `cmd:"" help:"Print the host processor the simulation defaults to."`
}

// BootCMD runs a simulation. Flags override the configuration file.
type BootCMD struct {
	Config    string `short:"f" type:"path" help:"Configuration file (YAML)."`
	CPUs      int    `short:"c" help:"Number of simulated cores, 0 takes the host count."`
	Frequency string `short:"F" help:"Cycle counter rate as number[gGmMkK] Hz."`
	Duration  string `short:"d" help:"Simulated run time, e.g. 2s."`
	Metrics   string `short:"m" help:"Serve Prometheus metrics on this address."`
	LogLevel  string `name:"log-level" help:"Log level: debug, info, warn or error."`
	Profile   string `help:"Write a cpu or mem profile of the simulator."`

	Incoming  string `help:"Before booting, wait on this address for a migrated job."`
	MigrateTo string `name:"migrate-to" help:"After the run, send a job to the VMM waiting on this address."`
	Job       string `help:"Job sent by --migrate-to."`
}

// ProbeCMD prints host information.
type ProbeCMD struct{}
