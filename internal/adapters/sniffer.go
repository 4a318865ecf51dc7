package adapters

import (
	"net/url"
	"strings"

	types "github.com/yungbote/downdeck-backend/internal/domain"
)

// Detect resolves kind=auto into a concrete kind by URL host and path.
// Anything unrecognized is a plain file download.
func Detect(rawURL string) types.JobKind {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return types.KindFile
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	path := strings.ToLower(u.Path)

	switch {
	case host == "youtube.com" || host == "youtu.be" ||
		strings.HasSuffix(host, ".youtube.com"):
		return types.KindYoutube
	case host == "twitter.com" || host == "x.com" ||
		strings.HasSuffix(host, ".twitter.com"):
		return types.KindTwitter
	case host == "pinterest.com" || host == "pin.it" ||
		strings.HasSuffix(host, ".pinterest.com") ||
		strings.HasPrefix(host, "pinterest."):
		return types.KindPinterest
	case strings.HasSuffix(path, ".m3u8"):
		return types.KindHLS
	}
	return types.KindFile
}

// EffectiveKind resolves the kind the run will actually use: auto sniffs,
// everything else passes through.
func EffectiveKind(kind types.JobKind, rawURL string) types.JobKind {
	if kind == types.KindAuto {
		return Detect(rawURL)
	}
	return kind
}
