package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/downdeck-backend/internal/adapters"
	types "github.com/yungbote/downdeck-backend/internal/domain"
)

const (
	// termGrace is how long a signalled child gets before the hard kill.
	termGrace = 5 * time.Second

	maxLineBytes  = 1 << 20
	tailKeepLines = 32
)

// stallError is the watchdog's verdict: the tool is alive but has reported
// nothing during a phase that should be moving.
type stallError struct {
	stage types.JobStage
	idle  time.Duration
}

func (e *stallError) Error() string {
	return fmt.Sprintf("no progress for %s during %s", e.idle.Round(time.Second), e.stage)
}

// processRun drives one external child: both output streams are scanned
// line by line, parsed lines become progress events, the rest become log
// events, and a watchdog kills the child when a moving phase goes quiet.
type processRun struct {
	s     *Supervisor
	job   *types.Job
	parse func(string, *adapters.ParseContext) *adapters.ProgressDelta

	mu           sync.Mutex
	pc           *adapters.ParseContext
	lastActivity time.Time
	lastProgress float64
	speed        string
	eta          *int
	totalBytes   *int64
	tail         []string

	exitCode int
}

func newProcessRun(s *Supervisor, job *types.Job, pc *adapters.ParseContext, parse func(string, *adapters.ParseContext) *adapters.ProgressDelta) *processRun {
	return &processRun{s: s, job: job, pc: pc, parse: parse, lastProgress: job.Progress}
}

// execute launches the child and blocks until it exits or is torn down.
// A nil return with a non-zero exitCode means the tool failed and the
// caller should classify; a non-nil return carries cancellation, timeout
// or stall.
func (r *processRun) execute(ctx context.Context, spec adapters.ProcessSpec) error {
	procCtx, cancelProc := context.WithCancelCause(ctx)
	defer cancelProc(nil)

	cmd := exec.CommandContext(procCtx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// The tool may fork helpers (yt-dlp runs ffmpeg) that inherit the output
	// pipes; signals go to the whole group or the readers never see EOF.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &types.CodedError{Code: types.CodeInternalError, Message: err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &types.CodedError{Code: types.CodeInternalError, Message: err.Error()}
	}

	if err := cmd.Start(); err != nil {
		return &types.CodedError{Code: types.CodeInternalError, Message: fmt.Sprintf("launch %s: %v", spec.Path, err)}
	}
	r.s.log.Debug("child started", "jobID", r.job.ID, "bin", spec.Path, "pid", cmd.Process.Pid)

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-waitDone:
		case <-procCtx.Done():
			timer := time.NewTimer(termGrace)
			defer timer.Stop()
			select {
			case <-waitDone:
			case <-timer.C:
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		}
	}()

	r.touch()
	watchdogDone := make(chan struct{})
	go r.watchdog(procCtx, cancelProc, watchdogDone)

	var g errgroup.Group
	g.Go(func() error { r.consume(stdout, false); return nil })
	g.Go(func() error { r.consume(stderr, true); return nil })
	_ = g.Wait()

	waitErr := cmd.Wait()
	close(waitDone)
	close(watchdogDone)

	if procCtx.Err() != nil {
		cause := context.Cause(procCtx)
		if cause == nil {
			cause = procCtx.Err()
		}
		return cause
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			r.exitCode = exitErr.ExitCode()
			return nil
		}
		return &types.CodedError{Code: types.CodeInternalError, Message: waitErr.Error()}
	}
	r.exitCode = 0
	return nil
}

func (r *processRun) consume(stream io.Reader, isStderr bool) {
	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		r.mu.Lock()
		if isStderr {
			r.tail = append(r.tail, line)
			if len(r.tail) > tailKeepLines {
				r.tail = r.tail[len(r.tail)-tailKeepLines:]
			}
		}
		delta := r.parse(line, r.pc)
		var evt *types.ProgressEvent
		if delta != nil {
			// Only a changed progress value counts as liveness; a tool
			// repeating the same percentage is stalled.
			if delta.Progress != nil && *delta.Progress != r.lastProgress {
				r.lastActivity = time.Now()
			}
			evt = r.applyDeltaLocked(delta)
		}
		r.mu.Unlock()

		if evt != nil {
			r.s.sink.OnProgress(*evt)
			continue
		}
		level := "debug"
		if isStderr {
			level = "warn"
		}
		r.s.sink.OnLog(types.LogEvent{
			JobID:     r.job.ID,
			Timestamp: time.Now().UTC(),
			Level:     level,
			Message:   line,
		})
	}
}

// applyDeltaLocked folds a delta into the run's rolling view so every
// emitted event carries the full picture, not just the changed field.
func (r *processRun) applyDeltaLocked(delta *adapters.ProgressDelta) *types.ProgressEvent {
	if delta.Progress != nil {
		r.lastProgress = *delta.Progress
	}
	if delta.Speed != "" {
		r.speed = delta.Speed
	}
	if delta.ETA != nil {
		r.eta = delta.ETA
	}
	if delta.TotalBytes != nil {
		r.totalBytes = delta.TotalBytes
	}
	stage := delta.Stage
	if stage == "" {
		stage = r.pc.Stage
	}
	return &types.ProgressEvent{
		JobID:      r.job.ID,
		Stage:      stage,
		Progress:   r.lastProgress,
		Speed:      r.speed,
		ETA:        r.eta,
		TotalBytes: r.totalBytes,
	}
}

func (r *processRun) watchdog(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(r.s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			stage := r.pc.Stage
			idle := time.Since(r.lastActivity)
			r.mu.Unlock()
			if stage != types.StageDownload && stage != types.StageTranscode {
				continue
			}
			if idle >= r.s.cfg.StallAfter {
				r.s.log.Warn("watchdog tripped", "jobID", r.job.ID, "stage", stage, "idle", idle.Round(time.Second))
				cancel(&stallError{stage: stage, idle: idle})
				return
			}
		}
	}
}

func (r *processRun) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *processRun) stderrTail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.tail, "\n")
}
