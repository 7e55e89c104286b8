package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/codec"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/config"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/coordinator"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/event"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/filestore"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/history"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/job"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/metrics"
)

func newConvertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Convert a video file, supervised by the resource policy",
		Args:  cobra.ExactArgs(2),
		RunE:  runConvert,
	}

	cmd.Flags().String("video-codec", "", "Target video codec (e.g. libx264, libx265)")
	cmd.Flags().String("audio-codec", "", "Target audio codec (e.g. aac)")
	cmd.Flags().String("bitrate", "", "Target video bitrate (e.g. 2M)")
	cmd.Flags().String("preset", "", "Encoder preset (e.g. fast, medium)")
	cmd.Flags().Int("crf", 0, "Constant rate factor (0 leaves the encoder default)")
	cmd.Flags().Int("width", 0, "Output width in pixels (0 keeps source)")
	cmd.Flags().Int("height", 0, "Output height in pixels (0 keeps source)")
	cmd.Flags().Int("fps", 0, "Output frame rate (0 keeps source)")
	cmd.Flags().Duration("duration", 0, "Source duration hint used for progress percent")

	return cmd
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg := manager.Get()
	inputPath, outputPath := args[0], args[1]

	info, err := os.Stat(inputPath)
	if err != nil {
		return fmt.Errorf("stat input %s: %w", inputPath, err)
	}
	durationHint, _ := cmd.Flags().GetDuration("duration")

	input := job.InputDescriptor{
		Path:      inputPath,
		SizeBytes: info.Size(),
		Duration:  durationHint,
	}
	output := job.OutputTarget{
		Path:   outputPath,
		Params: encodeParams(cmd),
	}

	coord, archive, err := buildCoordinator(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if archive != nil {
			_ = archive.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, coord)
	}

	events := coord.Bus().Stream(ctx, nil)

	jobID, err := coord.Submit(ctx, input, output)
	if err != nil {
		if errors.Is(err, job.ErrAlreadyRunning) {
			return fmt.Errorf("another conversion is already active")
		}
		return fmt.Errorf("submit conversion: %w", err)
	}

	exitErr := watchConversion(ctx, coord, jobID, events)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.StopTimeout+2*time.Second)
	coord.Shutdown(shutdownCtx)
	cancel()
	return exitErr
}

// watchConversion renders bus events until the job reaches a terminal state.
// A signal on ctx requests cancellation once; the loop then keeps draining
// so the terminal transition is still reported.
func watchConversion(ctx context.Context, coord *coordinator.Coordinator, jobID string, events <-chan event.Event) error {
	cancelRequested := false

	for {
		select {
		case <-ctx.Done():
			if !cancelRequested {
				cancelRequested = true
				fmt.Fprintln(os.Stderr, "interrupt received, cancelling conversion...")
				if err := coord.Cancel(context.Background(), jobID); err != nil && !errors.Is(err, job.ErrNotFound) {
					log.Warn().Err(err).Msg("cancel request failed")
				}
			}
			ctx = context.Background() // only react to the first signal

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch data := ev.Data.(type) {
			case event.ProgressUpdated:
				if data.JobID != jobID {
					continue
				}
				line := fmt.Sprintf("\r%6.1f%%  %s", data.Progress.Percent, data.Progress.Phase)
				if data.Progress.ETA > 0 {
					line += fmt.Sprintf("  ETA %s", data.Progress.ETA.Round(time.Second))
				}
				fmt.Fprint(os.Stderr, line)

			case event.AlertRaised:
				fmt.Fprintf(os.Stderr, "\n[%s] %s: %s\n",
					data.Alert.Severity, data.Alert.Kind, data.Alert.Message)

			case event.JobStateChanged:
				if data.JobID != jobID {
					continue
				}
				fmt.Fprintf(os.Stderr, "\njob %s -> %s", data.JobID[:8], data.To)
				if data.Reason != "" {
					fmt.Fprintf(os.Stderr, " (%s)", data.Reason)
				}
				fmt.Fprintln(os.Stderr)

				if data.To.Terminal() {
					return terminalError(coord, jobID, data.To)
				}
			}
		}
	}
}

func terminalError(coord *coordinator.Coordinator, jobID string, state job.State) error {
	switch state {
	case job.StateCompleted:
		fmt.Fprintln(os.Stderr, "conversion completed")
		return nil
	case job.StateCancelled:
		return fmt.Errorf("conversion cancelled")
	default:
		for _, rec := range coord.History(0) {
			if rec.ID == jobID && rec.FailureReason != "" {
				return fmt.Errorf("conversion failed: %s", rec.FailureReason)
			}
		}
		return fmt.Errorf("conversion failed")
	}
}

// buildCoordinator assembles the production dependency set from config.
func buildCoordinator(cfg config.Config) (*coordinator.Coordinator, *history.Store, error) {
	var archive *history.Store
	if cfg.History.Path != "" {
		var err error
		archive, err = history.Open(cfg.History.Path, history.Options{
			MaxJobs:   cfg.History.MaxJobs,
			MaxAlerts: cfg.History.MaxAlerts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open history store: %w", err)
		}
	}

	coord, err := coordinator.New(cfg, coordinator.Deps{
		Engine:    codec.NewFFmpegEngine(cfg.Engine.FFmpegPath, cfg.Engine.StopGrace),
		Telemetry: &device.HostTelemetry{},
		Store:     filestore.NewLocal(),
		Bus:       event.NewBus(),
		Metrics:   metrics.New(),
		Archive:   archive,
	})
	if err != nil {
		if archive != nil {
			_ = archive.Close()
		}
		return nil, nil, err
	}
	return coord, archive, nil
}

func serveMetrics(addr string, coord *coordinator.Coordinator) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", coord.Metrics().Handler())
	log.Info().Str("addr", addr).Msg("metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("metrics listener stopped")
	}
}

func encodeParams(cmd *cobra.Command) map[string]any {
	params := make(map[string]any)
	if v, _ := cmd.Flags().GetString("video-codec"); v != "" {
		params["video_codec"] = v
	}
	if v, _ := cmd.Flags().GetString("audio-codec"); v != "" {
		params["audio_codec"] = v
	}
	if v, _ := cmd.Flags().GetString("bitrate"); v != "" {
		params["bitrate"] = v
	}
	if v, _ := cmd.Flags().GetString("preset"); v != "" {
		params["preset"] = v
	}
	if v, _ := cmd.Flags().GetInt("crf"); v > 0 {
		params["crf"] = v
	}
	if v, _ := cmd.Flags().GetInt("width"); v > 0 {
		params["width"] = v
	}
	if v, _ := cmd.Flags().GetInt("height"); v > 0 {
		params["height"] = v
	}
	if v, _ := cmd.Flags().GetInt("fps"); v > 0 {
		params["fps"] = v
	}
	return params
}
