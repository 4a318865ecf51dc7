package adapters

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	types "github.com/yungbote/downdeck-backend/internal/domain"
)

var (
	// [12/80] downloading pin 1234
	pinCounterRe = regexp.MustCompile(`\[(\d+)\s*/\s*(\d+)\]`)
	// "downloading... 45%"
	pinPercentRe = regexp.MustCompile(`(\d{1,3})%`)
)

// pinterestAdapter drives a pinterest-dl-style board scraper. Progress comes
// from [i/N] counters when present, explicit percent markers otherwise.
type pinterestAdapter struct {
	binPath string
}

func NewPinterestAdapter(binPath string) Adapter {
	return &pinterestAdapter{binPath: resolveBin(binPath, "pinterest-dl")}
}

func (a *pinterestAdapter) Build(job *types.Job, req *types.SubmitRequest, tempDir string) (ProcessSpec, error) {
	opts := req.Pinterest
	if opts == nil {
		opts = &types.PinterestOptions{MaxImages: 100}
	}

	args := []string{"scrape", job.URL, "-o", tempDir, "-n", strconv.Itoa(opts.MaxImages)}
	if opts.Resolution != "" {
		args = append(args, "-r", opts.Resolution)
	}
	if opts.IncludeVideos {
		args = append(args, "--video")
	}

	return ProcessSpec{Path: a.binPath, Args: args, Dir: tempDir}, nil
}

func (a *pinterestAdapter) ParseLine(line string, pc *ParseContext) *ProgressDelta {
	if m := pinCounterRe.FindStringSubmatch(line); m != nil {
		done, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total <= 0 {
			return nil
		}
		pc.DoneFiles, pc.TotalFiles = done, total
		pc.Stage = types.StageDownload
		return &ProgressDelta{
			Progress: ptrFloat(clampMidRun(100 * float64(done) / float64(total))),
			Stage:    types.StageDownload,
			Message:  fmt.Sprintf("%d of %d images", done, total),
		}
	}
	if m := pinPercentRe.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil || pct > 100 {
			return nil
		}
		pc.Stage = types.StageDownload
		return &ProgressDelta{Progress: ptrFloat(clampMidRun(pct)), Stage: types.StageDownload}
	}
	return nil
}

func (a *pinterestAdapter) ClassifyError(exitCode int, stderrTail string) types.ErrorCode {
	tail := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(tail, "no images found"),
		strings.Contains(tail, "no pins found"),
		strings.Contains(tail, "empty board"):
		return types.CodeNoImagesFound
	case strings.Contains(tail, "invalid url"),
		strings.Contains(tail, "not a pinterest"),
		strings.Contains(tail, "unrecognized url"):
		return types.CodeInvalidURL
	case strings.Contains(tail, "login"),
		strings.Contains(tail, "401"), strings.Contains(tail, "403"):
		return types.CodeAuthRequired
	case strings.Contains(tail, "connection"),
		strings.Contains(tail, "timeout"),
		strings.Contains(tail, "network"):
		return types.CodeNetworkError
	default:
		return types.CodeInternalError
	}
}

func (a *pinterestAdapter) CollectArtifact(tempDir string, req *types.SubmitRequest) (*Artifact, error) {
	base := "pinterest-board"
	if req.FilenameHint != "" {
		base = strings.TrimSuffix(req.FilenameHint, ".zip")
	}
	return singleOrBundle(tempDir, base)
}
