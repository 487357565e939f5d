package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/yo8192/octo2influx/internal/logger"
)

// ErrInvalidInterval is returned for intervals that are not a positive count
// of seconds, minutes, hours or days
var ErrInvalidInterval = errors.New("invalid interval")

var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseInterval parses a positive integer with an optional s, m, h or d
// suffix. A bare integer counts seconds.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidInterval)
	}

	unit := time.Second
	num := s
	if u, ok := units[s[len(s)-1]]; ok {
		unit = u
		num = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer with an optional s, m, h or d suffix, got %q", ErrInvalidInterval, s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: must be positive, got %q", ErrInvalidInterval, s)
	}
	return time.Duration(n) * unit, nil
}

// Recorder receives the outcome of each run
type Recorder interface {
	RecordRun(duration time.Duration, exitCode int, err error)
}

// Command starts one run and waits for it, returning the exit code
type Command func(ctx context.Context) (int, error)

// ExecCommand runs name with args, sharing this process's stdout and stderr
func ExecCommand(name string, args ...string) Command {
	return func(ctx context.Context) (int, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		// let the child finish its current write on shutdown
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = 30 * time.Second

		err := cmd.Run()
		if err == nil {
			return 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), err
		}
		return -1, err
	}
}

// Runner repeats a command with a pause between the end of a run and the
// start of the next
type Runner struct {
	command  Command
	interval time.Duration
	recorder Recorder
	logger   *logger.Logger
}

// NewRunner creates a Runner. recorder may be nil.
func NewRunner(command Command, interval time.Duration, recorder Recorder, log *logger.Logger) *Runner {
	return &Runner{
		command:  command,
		interval: interval,
		recorder: recorder,
		logger:   log,
	}
}

// Run loops until ctx is cancelled. A failing run is logged and the loop
// carries on.
func (r *Runner) Run(ctx context.Context) {
	for run := 1; ; run++ {
		r.runOnce(ctx, run)

		r.logger.Info("Sleeping until next run", "interval", r.interval.String())
		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("Stopping loop")
			return
		case <-timer.C:
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, run int) {
	log := r.logger.WithFields("run", run)
	log.Info("Starting sync run")
	start := time.Now()

	code, err := r.command(ctx)
	duration := time.Since(start)

	if ctx.Err() != nil && err != nil {
		log.Info("Sync run interrupted", "duration_seconds", duration.Seconds())
		return
	}
	if r.recorder != nil {
		r.recorder.RecordRun(duration, code, err)
	}
	if err != nil {
		log.Error("Sync run failed", "exit_code", code, "duration_seconds", duration.Seconds(), "error", err)
		return
	}
	log.Info("Sync run succeeded", "duration_seconds", duration.Seconds())
}
