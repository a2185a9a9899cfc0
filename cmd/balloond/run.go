package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/spin-stack/balloond/internal/balloon"
	"github.com/spin-stack/balloond/internal/config"
	"github.com/spin-stack/balloond/internal/hostmem"
	"github.com/spin-stack/balloond/internal/journal"
	"github.com/spin-stack/balloond/internal/paths"
	"github.com/spin-stack/balloond/internal/pidfile"
	"github.com/spin-stack/balloond/internal/qmp"
	"github.com/spin-stack/balloond/internal/telemetry"
)

const metricsShutdownTimeout = 5 * time.Second

func run(ctx context.Context, cfg *config.Config, opts *options) error {
	pidPath := paths.BalloonPIDFile(cfg.VM)
	pid, err := pidfile.Check(pidPath)
	if err != nil {
		return err
	}
	if pid != 0 && pid != os.Getpid() {
		fmt.Printf("Balloon controller already running (PID: %d)\n", pid)
		return nil
	}

	network, address := paths.Transport(cfg)
	if network == "unix" && !paths.Exists(address) {
		return fmt.Errorf("VM %q is not running: QMP socket %s not found", cfg.VM.Name, address)
	}

	if opts.background && !opts.detached {
		return spawnDetached(cfg)
	}

	if err := pidfile.Write(pidPath, os.Getpid()); err != nil {
		return err
	}

	ctrl, registry, err := newController(cfg, network, address, pidPath, opts.once)
	if err != nil {
		_ = pidfile.Remove(pidPath)
		return err
	}
	return serve(ctx, ctrl, registry, cfg.Metrics.ListenAddr)
}

// newController wires the QMP client, telemetry reader, journal and metrics
// into a controller that removes pidPath when it exits.
func newController(cfg *config.Config, network, address, pidPath string, once bool) (*balloon.Controller, *prometheus.Registry, error) {
	ceiling, err := hostmem.Ceiling(cfg.Balloon.MaxMemoryMB, cfg.Balloon.HostReserveMB)
	if err != nil {
		return nil, nil, err
	}

	client := qmp.NewClient(qmp.Endpoint{Network: network, Address: address})
	client.SetTimeouts(cfg.Timeouts.GetQMPConnect(), cfg.Timeouts.GetQMPCommand())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	vmPIDFile := paths.VMPIDFile(cfg.VM)
	ctrlOpts := []balloon.Option{
		balloon.WithPIDFile(pidPath),
		balloon.WithMetrics(balloon.NewPrometheusMetricsProvider(registry, cfg.VM.Name)),
		balloon.WithLiveness(func() bool {
			return pidfile.Running(vmPIDFile)
		}),
	}
	if path := paths.JournalPath(cfg); path != "" {
		ctrlOpts = append(ctrlOpts, balloon.WithJournal(journal.Open(path, cfg.Journal.Keep)))
	}

	bc := balloon.Config{
		CheckInterval: cfg.Balloon.GetCheckInterval(),
		LowThreshold:  cfg.Balloon.LowThreshold,
		HighThreshold: cfg.Balloon.HighThreshold,
		StepMB:        cfg.Balloon.StepMB,
		MaxSlots:      cfg.Balloon.MaxSlots,
		CeilingMB:     ceiling,
		MinMemoryMB:   cfg.Balloon.MinMemoryMB,
		LivenessEvery: cfg.Balloon.LivenessEvery,
		RunOnce:       once,
	}
	reader := telemetry.NewFileReader(paths.StatusFile(cfg))

	return balloon.NewController(cfg.VM.Name, client, reader, bc, ctrlOpts...), registry, nil
}

// serve runs the controller and, when listenAddr is set, the metrics
// endpoint. The endpoint stops when the controller returns.
func serve(ctx context.Context, ctrl *balloon.Controller, registry *prometheus.Registry, listenAddr string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return ctrl.Run(gctx)
	})

	if listenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.G(gctx).WithField("addr", listenAddr).Info("balloon: serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// spawnDetached re-executes balloond in the background with its output
// appended to the balloon log file. The child writes its own PID marker.
func spawnDetached(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	logPath := paths.BalloonLogFile(cfg.VM)
	if err := os.MkdirAll(paths.VMDir(cfg.VM), 0o755); err != nil {
		return fmt.Errorf("create VM directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open balloon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, detachedArgs(os.Args[1:])...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start background controller: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release background controller: %w", err)
	}

	fmt.Printf("Balloon controller started for VM %s (PID: %d, log: %s)\n", cfg.VM.Name, pid, logPath)
	return nil
}

// detachedArgs replaces -background with the internal -detached flag so the
// child runs the loop in place.
func detachedArgs(args []string) []string {
	out := make([]string, 0, len(args)+1)
	out = append(out, "-detached")
	for _, a := range args {
		switch a {
		case "-background", "--background", "-background=true", "--background=true":
			continue
		}
		out = append(out, a)
	}
	return out
}
