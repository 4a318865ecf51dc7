package adapters

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	types "github.com/yungbote/downdeck-backend/internal/domain"
)

// TranscodeAdapter runs the optional post-download ffmpeg phase. It is not
// a kind of its own: the supervisor chains it after any adapter that
// produced a video when the submission asked for a transcode.
type TranscodeAdapter struct {
	ffmpegPath  string
	ffprobePath string
}

func NewTranscodeAdapter(ffmpegPath, ffprobePath string) *TranscodeAdapter {
	return &TranscodeAdapter{
		ffmpegPath:  resolveBin(ffmpegPath, "ffmpeg"),
		ffprobePath: resolveBin(ffprobePath, "ffprobe"),
	}
}

// ProbeDuration asks ffprobe for the input length; transcode percent is
// measured against it.
func (a *TranscodeAdapter) ProbeDuration(ctx context.Context, inputPath string) (time.Duration, error) {
	out, err := exec.CommandContext(ctx, a.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", inputPath, err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("ffprobe %s: bad duration %q", inputPath, strings.TrimSpace(string(out)))
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Build produces the transcode spec. -progress pipe:1 turns stdout into a
// key=value stream ParseLine understands.
func (a *TranscodeAdapter) Build(inputPath, outputDir string, opts *types.TranscodeOptions) (ProcessSpec, string) {
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	outputPath := filepath.Join(outputDir, base+"."+opts.To)

	args := []string{"-y", "-i", inputPath}
	if opts.To == "webm" {
		// webm cannot carry h264/h265; keep the container honest.
		args = append(args, "-c:v", "libvpx-vp9", "-crf", strconv.Itoa(opts.CRF), "-b:v", "0")
	} else {
		codec := "libx264"
		if opts.Codec == "h265" {
			codec = "libx265"
		}
		args = append(args, "-c:v", codec, "-crf", strconv.Itoa(opts.CRF))
	}
	args = append(args, "-progress", "pipe:1", "-nostats", outputPath)

	return ProcessSpec{Path: a.ffmpegPath, Args: args, Dir: outputDir}, outputPath
}

// ParseLine reads the -progress key=value stream. out_time_ms is
// microseconds despite the name.
func (a *TranscodeAdapter) ParseLine(line string, pc *ParseContext) *ProgressDelta {
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, "out_time_ms=") {
		micros, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_ms="), 10, 64)
		if err != nil || micros < 0 || pc.DurationMicros <= 0 {
			return nil
		}
		pct := clampMidRun(100 * float64(micros) / float64(pc.DurationMicros))
		pc.Stage = types.StageTranscode
		return &ProgressDelta{Progress: ptrFloat(pct), Stage: types.StageTranscode}
	}
	if strings.HasPrefix(line, "speed=") {
		speed := strings.TrimPrefix(line, "speed=")
		if speed == "" || speed == "N/A" {
			return nil
		}
		return &ProgressDelta{Stage: types.StageTranscode, Speed: speed}
	}
	if line == "progress=end" {
		pc.Stage = types.StageFinalize
		return &ProgressDelta{Progress: ptrFloat(MidRunCap), Stage: types.StageFinalize}
	}
	return nil
}

func (a *TranscodeAdapter) ClassifyError(exitCode int, stderrTail string) types.ErrorCode {
	tail := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(tail, "no space left on device"):
		return types.CodeDiskFull
	case strings.Contains(tail, "invalid data found"),
		strings.Contains(tail, "unknown encoder"),
		strings.Contains(tail, "incorrect codec parameters"):
		return types.CodeFormatError
	default:
		return types.CodeInternalError
	}
}

// IsVideo reports whether the artifact is worth transcoding.
func IsVideo(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mkv", ".webm", ".avi", ".mov", ".ts":
		return true
	}
	return false
}
