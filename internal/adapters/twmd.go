package adapters

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	types "github.com/yungbote/downdeck-backend/internal/domain"
)

var (
	// Downloaded image 3/40: media_xyz.jpg
	twmdCounterRe = regexp.MustCompile(`(?i)(?:downloaded|saving)\s+(?:image|video|media)?\s*(\d+)\s*/\s*(\d+)`)
	// Saved: media_xyz.jpg
	twmdSavedRe = regexp.MustCompile(`(?i)^(?:saved|downloaded):\s+(.+)$`)
)

// twmdAdapter drives a twmd-style twitter media downloader. The tool gives
// no byte totals, so progress is estimated from file counts and capped
// below the terminal jump.
type twmdAdapter struct {
	binPath string
}

func NewTwitterAdapter(binPath string) Adapter {
	return &twmdAdapter{binPath: resolveBin(binPath, "twmd")}
}

func (a *twmdAdapter) Build(job *types.Job, req *types.SubmitRequest, tempDir string) (ProcessSpec, error) {
	opts := req.Twitter
	if opts == nil {
		opts = &types.TwitterOptions{MediaType: "all", MaxTweets: 50}
	}

	args := []string{"-o", tempDir, "-s", "orig"}
	switch {
	case opts.TweetID != "":
		args = append(args, "-t", opts.TweetID)
	case opts.Username != "":
		args = append(args, "-u", opts.Username, "-n", strconv.Itoa(opts.MaxTweets))
	default:
		return ProcessSpec{}, fmt.Errorf("twitter job needs a tweetId or username")
	}
	switch opts.MediaType {
	case "images":
		args = append(args, "-i")
	case "videos":
		args = append(args, "-v")
	default:
		args = append(args, "-a")
	}
	if opts.IncludeRetweets {
		args = append(args, "-r")
	}

	return ProcessSpec{Path: a.binPath, Args: args, Dir: tempDir}, nil
}

func (a *twmdAdapter) ParseLine(line string, pc *ParseContext) *ProgressDelta {
	if m := twmdCounterRe.FindStringSubmatch(line); m != nil {
		done, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total <= 0 {
			return nil
		}
		pc.DoneFiles, pc.TotalFiles = done, total
		pc.Stage = types.StageDownload
		pct := clampMidRun(100 * float64(done) / float64(total))
		return &ProgressDelta{
			Progress: ptrFloat(pct),
			Stage:    types.StageDownload,
			Message:  fmt.Sprintf("%d of %d files", done, total),
		}
	}
	if m := twmdSavedRe.FindStringSubmatch(line); m != nil {
		pc.DoneFiles++
		pc.Stage = types.StageDownload
		delta := &ProgressDelta{Stage: types.StageDownload, Message: "saved " + strings.TrimSpace(m[1])}
		if pc.TotalFiles > 0 {
			delta.Progress = ptrFloat(clampMidRun(100 * float64(pc.DoneFiles) / float64(pc.TotalFiles)))
		}
		return delta
	}
	return nil
}

func (a *twmdAdapter) ClassifyError(exitCode int, stderrTail string) types.ErrorCode {
	tail := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(tail, "tweet not found"),
		strings.Contains(tail, "tweet unavailable"),
		strings.Contains(tail, "no media found"):
		return types.CodeTweetUnavailable
	case strings.Contains(tail, "user not found"),
		strings.Contains(tail, "account suspended"),
		strings.Contains(tail, "account doesn't exist"):
		return types.CodeUserNotFound
	case strings.Contains(tail, "rate limit"),
		strings.Contains(tail, "login"),
		strings.Contains(tail, "authorization"),
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

func (a *twmdAdapter) CollectArtifact(tempDir string, req *types.SubmitRequest) (*Artifact, error) {
	base := "twitter-media"
	if req.Twitter != nil {
		switch {
		case req.Twitter.Username != "":
			base = req.Twitter.Username
		case req.Twitter.TweetID != "":
			base = "tweet-" + req.Twitter.TweetID
		}
	}
	if req.FilenameHint != "" {
		base = strings.TrimSuffix(req.FilenameHint, ".zip")
	}
	return singleOrBundle(tempDir, base)
}
