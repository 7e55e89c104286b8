package codec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/job"
)

// FFmpegEngine runs encodes through an external ffmpeg binary. Progress is
// read from ffmpeg's machine-readable `-progress` stream.
type FFmpegEngine struct {
	// Path is the ffmpeg executable. Defaults to "ffmpeg" on PATH.
	Path string

	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	logger zerolog.Logger
}

// NewFFmpegEngine builds an engine around the given binary path.
func NewFFmpegEngine(path string, stopGrace time.Duration) *FFmpegEngine {
	if path == "" {
		path = "ffmpeg"
	}
	if stopGrace <= 0 {
		stopGrace = 3 * time.Second
	}
	return &FFmpegEngine{
		Path:      path,
		StopGrace: stopGrace,
		logger:    log.With().Str("component", "FFmpegEngine").Logger(),
	}
}

// Begin implements Engine.
func (e *FFmpegEngine) Begin(ctx context.Context, input job.InputDescriptor, output job.OutputTarget) (Handle, error) {
	args := buildArgs(input, output)

	cmd := exec.CommandContext(ctx, e.Path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &job.EngineError{Code: "start_failed", Message: err.Error()}
	}

	h := &ffmpegHandle{
		cmd:       cmd,
		stopGrace: e.StopGrace,
		duration:  input.Duration,
		progress:  make(chan ProgressEvent, 16),
		done:      make(chan Result, 1),
		logger:    e.logger.With().Str("output", output.Path).Logger(),
	}
	go h.readProgress(stdout)
	go h.collectStderr(stderr)
	go h.wait()

	e.logger.Info().Str("input", input.Path).Str("output", output.Path).Msg("ffmpeg started")
	return h, nil
}

// buildArgs maps the requested encode parameters onto an ffmpeg command
// line. Unknown parameter keys are ignored rather than rejected; the
// precheck layer owns validation.
func buildArgs(input job.InputDescriptor, output job.OutputTarget) []string {
	args := []string{"-hide_banner", "-nostats", "-y", "-i", input.Path}

	p := output.Params
	if v, ok := p["video_codec"]; ok {
		args = append(args, "-c:v", cast.ToString(v))
	}
	if v, ok := p["audio_codec"]; ok {
		args = append(args, "-c:a", cast.ToString(v))
	}
	if v, ok := p["bitrate"]; ok {
		args = append(args, "-b:v", cast.ToString(v))
	}
	if v, ok := p["preset"]; ok {
		args = append(args, "-preset", cast.ToString(v))
	}
	if v, ok := p["crf"]; ok {
		args = append(args, "-crf", strconv.Itoa(cast.ToInt(v)))
	}
	w, h := cast.ToInt(p["width"]), cast.ToInt(p["height"])
	if w > 0 && h > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", w, h))
	}
	if v, ok := p["fps"]; ok {
		args = append(args, "-r", cast.ToString(v))
	}

	args = append(args, "-progress", "pipe:1", output.Path)
	return args
}

type ffmpegHandle struct {
	cmd       *exec.Cmd
	stopGrace time.Duration
	duration  time.Duration
	logger    zerolog.Logger

	progress chan ProgressEvent
	done     chan Result

	mu        sync.Mutex
	stopping  bool
	throttled bool
	stderrBuf []string // bounded tail for diagnostics
}

func (h *ffmpegHandle) Progress() <-chan ProgressEvent { return h.progress }
func (h *ffmpegHandle) Done() <-chan Result            { return h.done }

// Stop sends SIGTERM, escalating to SIGKILL after the grace window.
func (h *ffmpegHandle) Stop() error {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		return nil
	}
	h.stopping = true
	h.mu.Unlock()

	if err := h.signal(syscall.SIGTERM); err != nil {
		return err
	}
	go func() {
		time.Sleep(h.stopGrace)
		_ = h.signal(syscall.SIGKILL)
	}()
	return nil
}

func (h *ffmpegHandle) Pause() error  { return h.signal(syscall.SIGSTOP) }
func (h *ffmpegHandle) Resume() error { return h.signal(syscall.SIGCONT) }

// Throttle drops the encode to a background scheduling priority, and back.
func (h *ffmpegHandle) Throttle(on bool) error {
	h.mu.Lock()
	if h.throttled == on {
		h.mu.Unlock()
		return nil
	}
	h.throttled = on
	h.mu.Unlock()

	prio := 0
	if on {
		prio = 15
	}
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return syscall.Setpriority(syscall.PRIO_PROCESS, h.cmd.Process.Pid, prio)
}

func (h *ffmpegHandle) signal(sig syscall.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	err := h.cmd.Process.Signal(sig)
	if err != nil && strings.Contains(err.Error(), "process already finished") {
		return nil
	}
	return err
}

// readProgress parses ffmpeg's key=value progress stream into events.
func (h *ffmpegHandle) readProgress(r io.Reader) {
	defer close(h.progress)

	scanner := bufio.NewScanner(r)
	var outTimeUS int64
	var frames int64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				outTimeUS = v
			}
		case "frame":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				frames = v
			}
		case "progress":
			ev := h.buildEvent(outTimeUS, frames, value == "end")
			select {
			case h.progress <- ev:
			default:
				// coordinator fell behind; newer event supersedes anyway
			}
		}
	}
}

func (h *ffmpegHandle) buildEvent(outTimeUS, frames int64, final bool) ProgressEvent {
	ev := ProgressEvent{
		Phase:          "encoding",
		ProcessedUnits: frames,
		At:             time.Now().UTC(),
	}
	processed := time.Duration(outTimeUS) * time.Microsecond
	if final {
		ev.Percent = 100
		ev.Phase = "finished"
		return ev
	}
	if h.duration > 0 {
		pct := float64(processed) / float64(h.duration) * 100
		if pct > 99.9 {
			pct = 99.9 // 100 is reserved for the terminal event
		}
		ev.Percent = pct
		ev.ETA = h.duration - processed
		if ev.ETA < 0 {
			ev.ETA = 0
		}
	}
	return ev
}

func (h *ffmpegHandle) collectStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.mu.Lock()
		h.stderrBuf = append(h.stderrBuf, scanner.Text())
		if len(h.stderrBuf) > 20 {
			h.stderrBuf = h.stderrBuf[1:]
		}
		h.mu.Unlock()
	}
}

func (h *ffmpegHandle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	stopped := h.stopping
	tail := strings.Join(h.stderrBuf, "\n")
	h.mu.Unlock()

	res := Result{Success: err == nil}
	if err != nil {
		res.Code = "exit_error"
		if stopped {
			res.Code = "stopped"
		}
		res.Message = err.Error()
		if tail != "" {
			res.Message = fmt.Sprintf("%s: %s", err.Error(), tail)
		}
		h.logger.Warn().Str("code", res.Code).Msg("ffmpeg exited with error")
	}
	h.done <- res
	close(h.done)
}
