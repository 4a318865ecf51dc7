package adapters

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/yungbote/downdeck-backend/internal/clients/aria2"
	types "github.com/yungbote/downdeck-backend/internal/domain"
)

// aria2Poller is the kind=file adapter: plain HTTP downloads are handed to
// an aria2 daemon over JSON-RPC and polled for status.
type aria2Poller struct {
	client aria2.Client
}

func NewFilePoller(client aria2.Client) Poller {
	return &aria2Poller{client: client}
}

func (p *aria2Poller) Start(ctx context.Context, job *types.Job, req *types.SubmitRequest, tempDir string) (string, error) {
	out := req.FilenameHint
	if out == "" {
		out = URLBasename(job.URL)
	}

	var headers map[string]string
	if req.Headers != nil {
		headers = make(map[string]string)
		if req.Headers.UA != "" {
			headers["User-Agent"] = req.Headers.UA
		}
		if req.Headers.Referer != "" {
			headers["Referer"] = req.Headers.Referer
		}
		for name, value := range req.Headers.Extra {
			headers[name] = value
		}
	}

	gid, err := p.client.AddURI(ctx, job.URL, tempDir, out, headers)
	if err != nil {
		return "", fmt.Errorf("submit to aria2: %w", err)
	}
	return gid, nil
}

func (p *aria2Poller) Poll(ctx context.Context, handle string) (*Snapshot, error) {
	status, err := p.client.TellStatus(ctx, handle)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		State:            status.State,
		CompletedBytes:   status.CompletedLength,
		TotalBytes:       status.TotalLength,
		SpeedBytesPerSec: status.DownloadSpeed,
		ErrorMessage:     status.ErrorMessage,
		Files:            status.Files,
	}, nil
}

func (p *aria2Poller) Stop(ctx context.Context, handle string) error {
	return p.client.Remove(ctx, handle)
}

func (p *aria2Poller) Classify(errorMessage string) types.ErrorCode {
	msg := strings.ToLower(errorMessage)
	switch {
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"), strings.Contains(msg, "410"):
		return types.CodeVideoUnavailable
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "authorization"):
		return types.CodeAuthRequired
	case strings.Contains(msg, "no space"), strings.Contains(msg, "disk"):
		return types.CodeDiskFull
	case msg == "":
		return types.CodeInternalError
	default:
		return types.CodeNetworkError
	}
}

// URLBasename extracts a usable output name from the URL path, falling back
// to "download" for bare hosts.
func URLBasename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	if clean := types.SanitizeFilename(base); clean != "" {
		return clean
	}
	return "download"
}
