package adapters

import (
	"testing"

	types "github.com/yungbote/downdeck-backend/internal/domain"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		url  string
		want types.JobKind
	}{
		{"https://www.youtube.com/watch?v=abc123", types.KindYoutube},
		{"https://youtu.be/abc123", types.KindYoutube},
		{"https://m.youtube.com/watch?v=abc123", types.KindYoutube},
		{"https://twitter.com/user/status/123", types.KindTwitter},
		{"https://x.com/user/status/123", types.KindTwitter},
		{"https://www.pinterest.com/user/board/", types.KindPinterest},
		{"https://pin.it/abc", types.KindPinterest},
		{"https://pinterest.co.uk/user/board/", types.KindPinterest},
		{"https://cdn.example.test/live/stream.m3u8", types.KindHLS},
		{"https://example.test/files/10MB.bin", types.KindFile},
		{"https://example.test/", types.KindFile},
		{"not a url", types.KindFile},
	}
	for _, tc := range cases {
		if got := Detect(tc.url); got != tc.want {
			t.Errorf("Detect(%q) = %s, want %s", tc.url, got, tc.want)
		}
	}
}

func TestEffectiveKind(t *testing.T) {
	if got := EffectiveKind(types.KindAuto, "https://youtu.be/x"); got != types.KindYoutube {
		t.Errorf("auto youtube = %s", got)
	}
	// Explicit kinds are never second-guessed.
	if got := EffectiveKind(types.KindFile, "https://youtu.be/x"); got != types.KindFile {
		t.Errorf("explicit file = %s", got)
	}
}
