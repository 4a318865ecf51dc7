package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// SubmitRequest is the submission payload. It is validated once at Submit and
// then persisted verbatim as the job's immutable options blob.
type SubmitRequest struct {
	URL          string            `json:"url"`
	Kind         JobKind           `json:"kind"`
	Headers      *HeaderOptions    `json:"headers,omitempty"`
	Transcode    *TranscodeOptions `json:"transcode,omitempty"`
	FilenameHint string            `json:"filenameHint,omitempty"`
	Twitter      *TwitterOptions   `json:"twitter,omitempty"`
	Pinterest    *PinterestOptions `json:"pinterest,omitempty"`
}

type HeaderOptions struct {
	UA      string            `json:"ua,omitempty"`
	Referer string            `json:"referer,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

type TranscodeOptions struct {
	To    string `json:"to"`
	Codec string `json:"codec"`
	CRF   int    `json:"crf"`
}

type TwitterOptions struct {
	TweetID         string `json:"tweetId,omitempty"`
	Username        string `json:"username,omitempty"`
	MediaType       string `json:"mediaType"`
	IncludeRetweets bool   `json:"includeRetweets,omitempty"`
	MaxTweets       int    `json:"maxTweets"`
}

type PinterestOptions struct {
	MaxImages     int    `json:"maxImages"`
	IncludeVideos bool   `json:"includeVideos,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
}

var (
	resolutionRe = regexp.MustCompile(`^\d+x\d+$`)

	// Header names a submission may set on the outbound download request.
	allowedExtraHeaders = map[string]struct{}{
		"user-agent":    {},
		"referer":       {},
		"authorization": {},
		"cookie":        {},
		"accept":        {},
	}
)

// Validate checks every submission rule and normalizes in place (kind
// defaulting, filename hint sanitization). Returns a CodedError with
// CodeInvalidInput on the first violation.
func (r *SubmitRequest) Validate() error {
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidf("url must be an absolute http(s) URL")
	}
	r.URL = u.String()

	if r.Kind == "" {
		r.Kind = KindAuto
	}
	if !r.Kind.Valid() {
		return invalidf("kind %q is not one of auto|file|hls|youtube|twitter|pinterest", r.Kind)
	}

	if r.FilenameHint != "" {
		clean := SanitizeFilename(r.FilenameHint)
		if clean == "" {
			return invalidf("filenameHint is empty after sanitization")
		}
		r.FilenameHint = clean
	}

	if r.Headers != nil {
		for name := range r.Headers.Extra {
			if _, ok := allowedExtraHeaders[strings.ToLower(strings.TrimSpace(name))]; !ok {
				return invalidf("header %q is not allowed", name)
			}
		}
	}

	if t := r.Transcode; t != nil {
		if t.CRF < 1 || t.CRF > 51 {
			return invalidf("transcode.crf must be in [1,51]")
		}
		switch t.Codec {
		case "h264", "h265":
		default:
			return invalidf("transcode.codec must be h264 or h265")
		}
		switch t.To {
		case "mp4", "webm", "avi":
		default:
			return invalidf("transcode.to must be mp4, webm or avi")
		}
	}

	if t := r.Twitter; t != nil {
		switch t.MediaType {
		case "all", "images", "videos":
		default:
			return invalidf("twitter.mediaType must be all, images or videos")
		}
		if t.MaxTweets < 1 || t.MaxTweets > 200 {
			return invalidf("twitter.maxTweets must be in [1,200]")
		}
	}

	if p := r.Pinterest; p != nil {
		if p.MaxImages < 1 || p.MaxImages > 500 {
			return invalidf("pinterest.maxImages must be in [1,500]")
		}
		if p.Resolution != "" && !resolutionRe.MatchString(p.Resolution) {
			return invalidf("pinterest.resolution must look like 1920x1080")
		}
	}

	return nil
}

func invalidf(format string, args ...interface{}) error {
	return &CodedError{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// SanitizeFilename strips path separators, reserved characters and control
// bytes from a user-supplied name. The result may be empty.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			// drop
		case r < 0x20 || r == 0x7f:
			// drop
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(strings.TrimSpace(b.String()), ".")
	return strings.TrimSpace(out)
}
