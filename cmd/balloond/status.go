package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spin-stack/balloond/internal/config"
	"github.com/spin-stack/balloond/internal/journal"
	"github.com/spin-stack/balloond/internal/paths"
	"github.com/spin-stack/balloond/internal/pidfile"
)

// status prints the controller and VM state plus the newest journal entries.
func status(ctx context.Context, w io.Writer, cfg *config.Config, history int) error {
	fmt.Fprintf(w, "VM:                 %s\n", cfg.VM.Name)

	vmState := "stopped"
	if pid, err := pidfile.Read(paths.VMPIDFile(cfg.VM)); err == nil && pidfile.Alive(pid) {
		vmState = fmt.Sprintf("running (PID: %d)", pid)
	}
	fmt.Fprintf(w, "VM state:           %s\n", vmState)

	ctrlState := "not running"
	pid, err := pidfile.Check(paths.BalloonPIDFile(cfg.VM))
	if err != nil {
		return err
	}
	if pid != 0 {
		ctrlState = fmt.Sprintf("running (PID: %d)", pid)
	}
	fmt.Fprintf(w, "Balloon controller: %s\n", ctrlState)

	network, address := paths.Transport(cfg)
	fmt.Fprintf(w, "QMP endpoint:       %s:%s\n", network, address)
	fmt.Fprintf(w, "Telemetry:          %s\n", paths.StatusFile(cfg))

	path := paths.JournalPath(cfg)
	if path == "" || history <= 0 {
		return nil
	}

	events, err := journal.Open(path, cfg.Journal.Keep).Recent(ctx, history)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	fmt.Fprintln(w)
	if len(events) == 0 {
		fmt.Fprintln(w, "No adjustments recorded.")
		return nil
	}
	return printEvents(w, events)
}

func printEvents(w io.Writer, events []journal.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEQ\tACTION\tFROM\tTO\tSLOT\tRESULT")
	for _, ev := range events {
		result := "ok"
		if !ev.Success {
			result = "failed: " + ev.Error
		}
		slot := ev.Slot
		if slot == "" {
			slot = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%dMB\t%dMB\t%s\t%s\n",
			ev.Time.Local().Format(time.DateTime), ev.SequenceID, ev.Action, ev.FromMB, ev.ToMB, slot, result)
	}
	return tw.Flush()
}

// stopController sends a termination request to the running controller.
func stopController(w io.Writer, cfg *config.Config) error {
	pidPath := paths.BalloonPIDFile(cfg.VM)
	pid, err := pidfile.Read(pidPath)
	if errors.Is(err, pidfile.ErrNoMarker) {
		fmt.Fprintln(w, "Balloon controller is not running")
		return nil
	}
	if err != nil {
		return err
	}

	if !pidfile.Alive(pid) {
		fmt.Fprintln(w, "Balloon controller is not running (removed stale PID marker)")
		return pidfile.Remove(pidPath)
	}
	if err := pidfile.Terminate(pid); err != nil {
		return fmt.Errorf("stop balloon controller (PID %d): %w", pid, err)
	}
	fmt.Fprintf(w, "Stopped balloon controller (PID: %d)\n", pid)
	return nil
}
