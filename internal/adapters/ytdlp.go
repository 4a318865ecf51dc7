package adapters

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	types "github.com/yungbote/downdeck-backend/internal/domain"
)

var (
	// [download]  42.3% of  120.45MiB at    2.31MiB/s ETA 00:45
	ytdlpProgressRe = regexp.MustCompile(
		`\[download\]\s+(\d+(?:\.\d+)?)%(?:\s+of\s+~?\s*([\d.]+[KMGT]?i?B))?(?:\s+at\s+([\d.]+[KMGT]?i?B/s|Unknown B/s))?(?:\s+ETA\s+([\d:]+|Unknown))?`)
	ytdlpDestRe  = regexp.MustCompile(`\[download\] Destination:\s+(.+)`)
	ytdlpMergeRe = regexp.MustCompile(`\[Merger\]|\[ffmpeg\] Merging formats`)
	ytdlpDoneRe  = regexp.MustCompile(`has already been downloaded`)
)

// ytdlpAdapter drives yt-dlp for both youtube and hls jobs; the two differ
// only in format selection.
type ytdlpAdapter struct {
	binPath string
	hls     bool
}

func NewYoutubeAdapter(binPath string) Adapter {
	return &ytdlpAdapter{binPath: resolveBin(binPath, "yt-dlp")}
}

func NewHLSAdapter(binPath string) Adapter {
	return &ytdlpAdapter{binPath: resolveBin(binPath, "yt-dlp"), hls: true}
}

func resolveBin(configured, fallback string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	return fallback
}

func (a *ytdlpAdapter) Build(job *types.Job, req *types.SubmitRequest, tempDir string) (ProcessSpec, error) {
	outTemplate := filepath.Join(tempDir, "%(title)s.%(ext)s")
	if req.FilenameHint != "" {
		hint := req.FilenameHint
		if filepath.Ext(hint) == "" {
			hint += ".%(ext)s"
		}
		outTemplate = filepath.Join(tempDir, hint)
	}

	args := []string{
		"--newline",
		"--no-playlist",
		"--progress",
		"--no-warnings",
		"-o", outTemplate,
	}
	if a.hls {
		args = append(args, "-f", "best[ext=mp4]/best")
	} else {
		args = append(args, "-f", "bestvideo+bestaudio/best", "--merge-output-format", "mp4")
	}
	if req.Headers != nil {
		if req.Headers.UA != "" {
			args = append(args, "--user-agent", req.Headers.UA)
		}
		if req.Headers.Referer != "" {
			args = append(args, "--referer", req.Headers.Referer)
		}
		for name, value := range req.Headers.Extra {
			args = append(args, "--add-header", name+": "+value)
		}
	}
	args = append(args, job.URL)

	return ProcessSpec{Path: a.binPath, Args: args, Dir: tempDir}, nil
}

func (a *ytdlpAdapter) ParseLine(line string, pc *ParseContext) *ProgressDelta {
	if m := ytdlpDestRe.FindStringSubmatch(line); m != nil {
		pc.Destination = strings.TrimSpace(m[1])
		pc.Stage = types.StageDownload
		return &ProgressDelta{Stage: types.StageDownload, Message: "downloading " + filepath.Base(pc.Destination)}
	}
	if ytdlpMergeRe.MatchString(line) {
		pc.Stage = types.StageMerge
		return &ProgressDelta{Progress: ptrFloat(MidRunCap), Stage: types.StageMerge, Message: "merging streams"}
	}
	if ytdlpDoneRe.MatchString(line) {
		pc.Stage = types.StageFinalize
		return &ProgressDelta{Progress: ptrFloat(MidRunCap), Stage: types.StageFinalize}
	}

	m := ytdlpProgressRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	pc.Stage = types.StageDownload
	delta := &ProgressDelta{
		Progress: ptrFloat(clampMidRun(pct)),
		Stage:    types.StageDownload,
	}
	if m[2] != "" {
		if bytes, perr := humanize.ParseBytes(m[2]); perr == nil {
			total := int64(bytes)
			delta.TotalBytes = &total
		}
	}
	if m[3] != "" && m[3] != "Unknown B/s" {
		delta.Speed = m[3]
	}
	if m[4] != "" && m[4] != "Unknown" {
		if secs, ok := parseClock(m[4]); ok {
			delta.ETA = &secs
		}
	}
	return delta
}

func (a *ytdlpAdapter) ClassifyError(exitCode int, stderrTail string) types.ErrorCode {
	tail := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(tail, "video unavailable"),
		strings.Contains(tail, "private video"),
		strings.Contains(tail, "this video has been removed"),
		strings.Contains(tail, "not available in your country"),
		strings.Contains(tail, "geo restricted"):
		return types.CodeVideoUnavailable
	case strings.Contains(tail, "sign in to confirm"),
		strings.Contains(tail, "login required"),
		strings.Contains(tail, "http error 403"),
		strings.Contains(tail, "unauthorized"):
		return types.CodeAuthRequired
	case strings.Contains(tail, "requested format is not available"),
		strings.Contains(tail, "no video formats"):
		return types.CodeFormatError
	case strings.Contains(tail, "no space left on device"):
		return types.CodeDiskFull
	case strings.Contains(tail, "unable to download"),
		strings.Contains(tail, "connection"),
		strings.Contains(tail, "timed out"),
		strings.Contains(tail, "network"),
		strings.Contains(tail, "temporary failure"):
		return types.CodeNetworkError
	case strings.Contains(tail, "is not a valid url"),
		strings.Contains(tail, "unsupported url"):
		return types.CodeInvalidURL
	default:
		return types.CodeInternalError
	}
}

func (a *ytdlpAdapter) CollectArtifact(tempDir string, req *types.SubmitRequest) (*Artifact, error) {
	art, err := newestMediaFile(tempDir)
	if err != nil {
		return nil, fmt.Errorf("collect yt-dlp output: %w", err)
	}
	return art, nil
}
