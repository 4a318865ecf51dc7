package adapters

import (
	"github.com/yungbote/downdeck-backend/internal/clients/aria2"
	types "github.com/yungbote/downdeck-backend/internal/domain"
)

// Config carries the external-tool locations resolved at startup.
type Config struct {
	YtdlpPath       string
	FFmpegPath      string
	FFprobePath     string
	TwmdPath        string
	PinterestDLPath string
}

// Registry is the closed set of downloader adapters, keyed by kind. The
// file kind polls a daemon; everything else drives a line-oriented child.
type Registry struct {
	exec      map[types.JobKind]Adapter
	pollers   map[types.JobKind]Poller
	transcode *TranscodeAdapter
}

func NewRegistry(cfg Config, aria2Client aria2.Client) *Registry {
	r := &Registry{
		exec: map[types.JobKind]Adapter{
			types.KindYoutube:   NewYoutubeAdapter(cfg.YtdlpPath),
			types.KindHLS:       NewHLSAdapter(cfg.YtdlpPath),
			types.KindTwitter:   NewTwitterAdapter(cfg.TwmdPath),
			types.KindPinterest: NewPinterestAdapter(cfg.PinterestDLPath),
		},
		pollers:   map[types.JobKind]Poller{},
		transcode: NewTranscodeAdapter(cfg.FFmpegPath, cfg.FFprobePath),
	}
	if aria2Client != nil {
		r.pollers[types.KindFile] = NewFilePoller(aria2Client)
	}
	return r
}

// ExecFor returns the line-oriented adapter for a concrete kind.
func (r *Registry) ExecFor(kind types.JobKind) (Adapter, bool) {
	a, ok := r.exec[kind]
	return a, ok
}

// PollerFor returns the daemon-driven adapter for a concrete kind.
func (r *Registry) PollerFor(kind types.JobKind) (Poller, bool) {
	p, ok := r.pollers[kind]
	return p, ok
}

// Transcode returns the shared post-download transcode phase.
func (r *Registry) Transcode() *TranscodeAdapter { return r.transcode }
