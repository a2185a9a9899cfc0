// Command balloond adjusts the memory of a running QEMU VM from guest
// telemetry, using balloon inflation to reclaim and DIMM hotplug to grow.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"

	"github.com/spin-stack/balloond/internal/config"
	"github.com/spin-stack/balloond/internal/version"
)

const usage = `Usage: balloond [flags] [run|status|stop|version]

Commands:
  run       start the memory controller (default)
  status    show controller state and recent adjustments
  stop      ask a running controller to exit
  version   print version information

Flags:
`

// options holds the command line. Only flags the user set override the
// configuration file.
type options struct {
	configFile  string
	debug       bool
	logFormat   string
	name        string
	socket      string
	tcp         string
	sharedDir   string
	statusFile  string
	minMemory   int64
	maxMemory   int64
	metricsAddr string
	journalPath string
	background  bool
	once        bool
	detached    bool
	history     int

	command string
	set     map[string]bool
}

func parseArgs(args []string, output io.Writer) (*options, error) {
	opts := &options{set: map[string]bool{}}

	fs := flag.NewFlagSet("balloond", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, usage)
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.configFile, "config", "", "Path to configuration file (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	fs.BoolVar(&opts.debug, "debug", false, "Debug log level")
	fs.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	fs.StringVar(&opts.name, "name", "", "VM name")
	fs.StringVar(&opts.socket, "socket", "", "QMP unix socket path")
	fs.StringVar(&opts.tcp, "tcp", "", "QMP TCP address (host:port)")
	fs.StringVar(&opts.sharedDir, "shared-dir", "", "Directory shared with the guest")
	fs.StringVar(&opts.statusFile, "status-file", "", "Guest memory status file (overrides -shared-dir)")
	fs.Int64Var(&opts.minMemory, "min-memory", 0, "Memory the VM was started with, in MiB")
	fs.Int64Var(&opts.maxMemory, "max-memory", 0, "Memory ceiling in MiB (default host memory minus reserve)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on host:port")
	fs.StringVar(&opts.journalPath, "journal", "", "Adjustment journal database")
	fs.BoolVar(&opts.background, "background", false, "Run detached from the terminal")
	fs.BoolVar(&opts.once, "once", false, "Run a single adjustment cycle and exit")
	fs.IntVar(&opts.history, "n", 10, "Number of journal entries shown by status")
	fs.BoolVar(&opts.detached, "detached", false, "")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})

	switch fs.NArg() {
	case 0:
		opts.command = "run"
	case 1:
		opts.command = fs.Arg(0)
	default:
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}
	switch opts.command {
	case "run", "status", "stop", "version":
	default:
		return nil, fmt.Errorf("unknown command %q", opts.command)
	}

	if opts.set["socket"] && opts.set["tcp"] {
		return nil, errors.New("-socket and -tcp are mutually exclusive")
	}
	return opts, nil
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configFile != "" {
		cfg, err = config.LoadFrom(opts.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	applyOverrides(cfg, opts)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, opts *options) {
	if opts.set["name"] {
		cfg.VM.Name = opts.name
	}
	if opts.set["socket"] {
		cfg.Transport.Network = "unix"
		cfg.Transport.Address = opts.socket
	}
	if opts.set["tcp"] {
		cfg.Transport.Network = "tcp"
		cfg.Transport.Address = opts.tcp
	}
	if opts.set["shared-dir"] {
		cfg.Telemetry.SharedDir = opts.sharedDir
	}
	if opts.set["status-file"] {
		cfg.Telemetry.StatusFile = opts.statusFile
	}
	if opts.set["min-memory"] {
		cfg.Balloon.MinMemoryMB = opts.minMemory
	}
	if opts.set["max-memory"] {
		cfg.Balloon.MaxMemoryMB = opts.maxMemory
	}
	if opts.set["metrics-addr"] {
		cfg.Metrics.ListenAddr = opts.metricsAddr
	}
	if opts.set["journal"] {
		cfg.Journal.Path = opts.journalPath
		cfg.Journal.Disabled = opts.journalPath == ""
	}
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if opts.debug {
		log.SetLevel("debug")
	} else {
		log.SetLevel("info")
	}
	if err := log.SetFormat(log.OutputFormat(opts.logFormat)); err != nil {
		log.L.WithError(err).Fatal("invalid log format")
	}

	if opts.command == "version" {
		fmt.Println(version.Info())
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		log.L.WithError(err).Error("failed to load balloond configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.command {
	case "status":
		err = status(ctx, os.Stdout, cfg, opts.history)
	case "stop":
		err = stopController(os.Stdout, cfg)
	default:
		err = run(ctx, cfg, opts)
	}
	if err != nil {
		log.G(ctx).WithError(err).Error("balloond: exiting with error")
		stop()
		os.Exit(1)
	}
}
