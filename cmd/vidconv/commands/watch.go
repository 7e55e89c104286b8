package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/event"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/monitor"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll device resources and print snapshots until interrupted",
		RunE:  runWatch,
	}
	cmd.Flags().Duration("interval", 0, "Poll interval (0 uses the configured default)")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := manager.Get()
	interval, _ := cmd.Flags().GetDuration("interval")

	bus := event.NewBus()
	alerts := policy.NewLog(cfg.Policy.AlertRetention)

	mon := monitor.New(&device.HostTelemetry{}, bus, alerts, monitor.Options{
		PollInterval:     cfg.Monitor.PollInterval,
		TelemetryTimeout: cfg.Monitor.TelemetryTimeout,
		HistorySize:      cfg.Monitor.HistorySize,
		FailureThreshold: cfg.Monitor.FailureThreshold,
		Sink:             printSnapshot,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := mon.Start(interval)
	fmt.Fprintf(os.Stderr, "monitoring session %s (interval %s), ctrl-c to stop\n",
		session.ID[:8], session.PollInterval)

	<-ctx.Done()
	mon.Stop()

	if final, ok := mon.CurrentSession(); ok {
		fmt.Fprintf(os.Stderr, "session ended after %d samples over %s\n",
			final.SamplesTaken, final.EndedAt.Sub(final.StartedAt).Round(time.Second))
	}
	bus.Close()
	return nil
}

func printSnapshot(s device.Snapshot) {
	fmt.Printf("%s  thermal=%-9s battery=%3.0f%% charging=%-5v mem=%s storage=%s\n",
		s.Timestamp.Format("15:04:05"), s.Thermal, s.BatteryLevel*100, s.IsCharging,
		humanBytes(s.AvailableMemory), humanBytes(s.AvailableStorage))
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), "KMGTPE"[exp])
}
