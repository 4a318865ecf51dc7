package adapters

import (
	"context"
	"strconv"
	"strings"

	types "github.com/yungbote/downdeck-backend/internal/domain"
)

// ProcessSpec is everything needed to launch one external pipeline.
type ProcessSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// ProgressDelta is one parsed unit of downloader output. A nil Progress
// means the line carried phase information only.
type ProgressDelta struct {
	Progress   *float64
	Stage      types.JobStage
	Speed      string
	ETA        *int
	TotalBytes *int64
	Message    string
}

// Artifact is what a finished run leaves behind. Multi-file adapters bundle
// before returning, so there is always exactly one path.
type Artifact struct {
	Filename string
	Path     string
	Size     int64
}

// ParseContext accumulates cross-line state for one run: the current phase,
// file counters for count-based estimators, and the destination the tool
// announced.
type ParseContext struct {
	Stage       types.JobStage
	TotalFiles  int
	DoneFiles   int
	Destination string
	// DurationMicros is the probed input length a transcode run measures
	// its out_time against.
	DurationMicros int64
}

// Adapter plugs one line-oriented external downloader into the supervisor.
type Adapter interface {
	// Build resolves the binary, argument vector and working directory for
	// the job. tempDir is the run's private scratch space.
	Build(job *types.Job, req *types.SubmitRequest, tempDir string) (ProcessSpec, error)
	// ParseLine maps one stdout/stderr line to a progress delta, or nil.
	ParseLine(line string, pc *ParseContext) *ProgressDelta
	// ClassifyError maps a non-zero exit to the failure taxonomy.
	ClassifyError(exitCode int, stderrTail string) types.ErrorCode
	// CollectArtifact finds (and, for multi-file tools, bundles) the output.
	CollectArtifact(tempDir string, req *types.SubmitRequest) (*Artifact, error)
}

// Snapshot is one poll of a control-plane downloader daemon.
type Snapshot struct {
	State            string
	CompletedBytes   int64
	TotalBytes       int64
	SpeedBytesPerSec int64
	ErrorMessage     string
	Files            []string
}

// Poller plugs a daemon-driven downloader in: the daemon transfers, we
// submit, poll and stop.
type Poller interface {
	Start(ctx context.Context, job *types.Job, req *types.SubmitRequest, tempDir string) (handle string, err error)
	Poll(ctx context.Context, handle string) (*Snapshot, error)
	Stop(ctx context.Context, handle string) error
	// Classify maps a terminal daemon error message to the taxonomy.
	Classify(errorMessage string) types.ErrorCode
}

// MidRunCap keeps count-estimated progress below the terminal jump so
// "completed implies 100" stays true even under non-monotonic tool output.
const MidRunCap = 95.0

func clampMidRun(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > MidRunCap {
		return MidRunCap
	}
	return p
}

func ptrFloat(v float64) *float64 { return &v }

// parseClock converts "MM:SS" or "HH:MM:SS" to seconds.
func parseClock(s string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}
