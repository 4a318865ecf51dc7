package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yungbote/downdeck-backend/internal/adapters"
	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

const (
	// DefaultJobTimeout bounds one attempt end to end, transcode included.
	DefaultJobTimeout = 2 * time.Hour
	// DefaultStallAfter is how long the watchdog tolerates zero progress
	// during an active download or transcode phase.
	DefaultStallAfter = 60 * time.Second

	watchdogTick = 5 * time.Second
	pollInterval = 2 * time.Second
)

// Sink receives the live event stream of a run. The progress pipeline is
// the production implementation.
type Sink interface {
	OnProgress(evt types.ProgressEvent)
	OnLog(evt types.LogEvent)
}

// AdapterSource resolves a job kind to its adapter. *adapters.Registry is
// the production implementation.
type AdapterSource interface {
	ExecFor(kind types.JobKind) (adapters.Adapter, bool)
	PollerFor(kind types.JobKind) (adapters.Poller, bool)
	Transcode() *adapters.TranscodeAdapter
}

// Config locates the run directories and bounds attempt duration.
type Config struct {
	DataDir    string
	TempDir    string
	JobTimeout time.Duration
	StallAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.StallAfter <= 0 {
		c.StallAfter = DefaultStallAfter
	}
	return c
}

// Result is what a successful attempt hands back to the orchestrator.
type Result struct {
	Filename   string
	OutputPath string
	Size       int64
}

// Supervisor owns one attempt of one job: it launches the external tool,
// streams parsed progress into the sink, watches for stalls, and lands the
// finished artifact in the data directory.
type Supervisor struct {
	registry AdapterSource
	sink     Sink
	log      *logger.Logger
	cfg      Config

	tick      time.Duration
	pollEvery time.Duration
}

func New(registry AdapterSource, sink Sink, baseLog *logger.Logger, cfg Config) *Supervisor {
	return &Supervisor{
		registry:  registry,
		sink:      sink,
		log:       baseLog.With("component", "Supervisor"),
		cfg:       cfg.withDefaults(),
		tick:      watchdogTick,
		pollEvery: pollInterval,
	}
}

// CanRun reports whether a downloader is configured for the kind. The
// file kind is daemon-backed and absent unless aria2 is wired up.
func (s *Supervisor) CanRun(kind types.JobKind) bool {
	if _, ok := s.registry.ExecFor(kind); ok {
		return true
	}
	_, ok := s.registry.PollerFor(kind)
	return ok
}

// Run executes one attempt. A nil error means the artifact is in DataDir
// and Result describes it. Cancellation and pause surface as the parent
// context's cause; everything else comes back as a CodedError.
func (s *Supervisor) Run(ctx context.Context, job *types.Job) (*Result, error) {
	req, err := decodeOptions(job)
	if err != nil {
		return nil, err
	}

	tempDir := filepath.Join(s.cfg.TempDir, job.ID.String())
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: "create temp dir: " + err.Error()}
	}
	// Finished artifacts live under <DataDir>/<jobID>/, so name collisions
	// can only happen between attempts of the same job.
	dataDir := filepath.Join(s.cfg.DataDir, job.ID.String())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: "create data dir: " + err.Error()}
	}
	defer os.RemoveAll(tempDir)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	artifact, err := s.download(runCtx, job, req, tempDir)
	if err != nil {
		return nil, s.mapRunError(ctx, runCtx, err)
	}

	if req.Transcode != nil && adapters.IsVideo(artifact.Path) {
		artifact, err = s.transcode(runCtx, job, req, artifact, tempDir)
		if err != nil {
			return nil, s.mapRunError(ctx, runCtx, err)
		}
	}

	s.sink.OnProgress(types.ProgressEvent{JobID: job.ID, Stage: types.StageFinalize, Progress: adapters.MidRunCap})

	result, err := s.finalize(artifact, req, dataDir)
	if err != nil {
		return nil, err
	}
	s.log.Info("attempt finished", "jobID", job.ID, "filename", result.Filename, "size", result.Size)
	return result, nil
}

func (s *Supervisor) download(ctx context.Context, job *types.Job, req *types.SubmitRequest, tempDir string) (*adapters.Artifact, error) {
	if poller, ok := s.registry.PollerFor(job.Kind); ok {
		return s.runPolled(ctx, job, req, poller, tempDir)
	}

	adapter, ok := s.registry.ExecFor(job.Kind)
	if !ok {
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: fmt.Sprintf("no adapter for kind %q", job.Kind)}
	}

	spec, err := adapter.Build(job, req, tempDir)
	if err != nil {
		return nil, &types.CodedError{Code: types.CodeInvalidInput, Message: err.Error()}
	}

	pc := &adapters.ParseContext{Stage: types.StageDownload}
	run := newProcessRun(s, job, pc, adapter.ParseLine)
	if err := run.execute(ctx, spec); err != nil {
		return nil, err
	}
	if run.exitCode != 0 {
		code := adapter.ClassifyError(run.exitCode, run.stderrTail())
		return nil, &types.CodedError{
			Code:    code,
			Message: fmt.Sprintf("downloader exited %d: %s", run.exitCode, lastLine(run.stderrTail())),
		}
	}

	art, err := adapter.CollectArtifact(tempDir, req)
	if err != nil {
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: "collect artifact: " + err.Error()}
	}
	return art, nil
}

func (s *Supervisor) transcode(ctx context.Context, job *types.Job, req *types.SubmitRequest, input *adapters.Artifact, tempDir string) (*adapters.Artifact, error) {
	tc := s.registry.Transcode()

	duration, err := tc.ProbeDuration(ctx, input.Path)
	if err != nil {
		return nil, &types.CodedError{Code: types.CodeFormatError, Message: err.Error()}
	}

	outDir := filepath.Join(tempDir, "transcode")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: err.Error()}
	}

	s.sink.OnProgress(types.ProgressEvent{JobID: job.ID, Stage: types.StageTranscode, Progress: 0})

	spec, outputPath := tc.Build(input.Path, outDir, req.Transcode)
	pc := &adapters.ParseContext{Stage: types.StageTranscode, DurationMicros: duration.Microseconds()}
	run := newProcessRun(s, job, pc, tc.ParseLine)
	if err := run.execute(ctx, spec); err != nil {
		return nil, err
	}
	if run.exitCode != 0 {
		code := tc.ClassifyError(run.exitCode, run.stderrTail())
		return nil, &types.CodedError{
			Code:    code,
			Message: fmt.Sprintf("ffmpeg exited %d: %s", run.exitCode, lastLine(run.stderrTail())),
		}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: "transcode output missing: " + err.Error()}
	}
	return &adapters.Artifact{Filename: filepath.Base(outputPath), Path: outputPath, Size: info.Size()}, nil
}

// finalize lands the artifact in the job's data directory under a
// collision-free name.
func (s *Supervisor) finalize(art *adapters.Artifact, req *types.SubmitRequest, dataDir string) (*Result, error) {
	name := art.Filename
	if req.FilenameHint != "" {
		hinted := types.SanitizeFilename(req.FilenameHint)
		if hinted != "" {
			if ext := filepath.Ext(name); ext != "" && !strings.EqualFold(filepath.Ext(hinted), ext) {
				hinted += ext
			}
			name = hinted
		}
	}

	dest, finalName, err := uniqueDestination(dataDir, name)
	if err != nil {
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: err.Error()}
	}
	if err := moveFile(art.Path, dest); err != nil {
		if isNoSpace(err) {
			return nil, &types.CodedError{Code: types.CodeDiskFull, Message: err.Error()}
		}
		return nil, &types.CodedError{Code: types.CodeInternalError, Message: "move artifact: " + err.Error()}
	}
	return &Result{Filename: finalName, OutputPath: dest, Size: art.Size}, nil
}

// mapRunError translates a failed phase into the outward failure, keeping
// parent-context causes (pause, cancel, shutdown) intact for the caller.
func (s *Supervisor) mapRunError(parent, run context.Context, err error) error {
	if parent.Err() != nil {
		if cause := context.Cause(parent); cause != nil {
			return cause
		}
		return parent.Err()
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return &types.CodedError{Code: types.CodeTimeout, Message: fmt.Sprintf("attempt exceeded %s", s.cfg.JobTimeout)}
	}
	var stall *stallError
	if errors.As(err, &stall) {
		return &types.CodedError{Code: types.CodeWatchdogStall, Message: stall.Error()}
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		return coded
	}
	return &types.CodedError{Code: types.CodeInternalError, Message: err.Error()}
}

func decodeOptions(job *types.Job) (*types.SubmitRequest, error) {
	req := &types.SubmitRequest{}
	if len(job.Options) > 0 {
		if err := json.Unmarshal(job.Options, req); err != nil {
			return nil, &types.CodedError{Code: types.CodeInternalError, Message: "decode job options: " + err.Error()}
		}
	}
	if req.URL == "" {
		req.URL = job.URL
	}
	return req, nil
}

func lastLine(tail string) string {
	tail = strings.TrimSpace(tail)
	if i := strings.LastIndexByte(tail, '\n'); i >= 0 {
		return strings.TrimSpace(tail[i+1:])
	}
	return tail
}
