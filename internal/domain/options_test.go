package domain

import (
	"errors"
	"testing"
)

func TestSubmitRequestValidate(t *testing.T) {
	base := func() *SubmitRequest {
		return &SubmitRequest{URL: "https://example.test/video.mp4", Kind: KindFile}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	t.Run("kind defaults to auto", func(t *testing.T) {
		r := &SubmitRequest{URL: "https://example.test/a"}
		if err := r.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if r.Kind != KindAuto {
			t.Fatalf("kind = %q, want auto", r.Kind)
		}
	})

	bad := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"relative url", func(r *SubmitRequest) { r.URL = "/just/a/path" }},
		{"ftp scheme", func(r *SubmitRequest) { r.URL = "ftp://example.test/a" }},
		{"empty url", func(r *SubmitRequest) { r.URL = "  " }},
		{"unknown kind", func(r *SubmitRequest) { r.Kind = "torrent" }},
		{"hint all separators", func(r *SubmitRequest) { r.FilenameHint = "///" }},
		{"disallowed header", func(r *SubmitRequest) {
			r.Headers = &HeaderOptions{Extra: map[string]string{"x-forwarded-for": "1.1.1.1"}}
		}},
		{"crf too high", func(r *SubmitRequest) {
			r.Transcode = &TranscodeOptions{To: "mp4", Codec: "h264", CRF: 52}
		}},
		{"crf zero", func(r *SubmitRequest) {
			r.Transcode = &TranscodeOptions{To: "mp4", Codec: "h264", CRF: 0}
		}},
		{"bad codec", func(r *SubmitRequest) {
			r.Transcode = &TranscodeOptions{To: "mp4", Codec: "av1", CRF: 23}
		}},
		{"bad container", func(r *SubmitRequest) {
			r.Transcode = &TranscodeOptions{To: "mkv", Codec: "h264", CRF: 23}
		}},
		{"twitter media type", func(r *SubmitRequest) {
			r.Twitter = &TwitterOptions{MediaType: "gifs", MaxTweets: 10}
		}},
		{"twitter max tweets", func(r *SubmitRequest) {
			r.Twitter = &TwitterOptions{MediaType: "all", MaxTweets: 201}
		}},
		{"pinterest max images", func(r *SubmitRequest) {
			r.Pinterest = &PinterestOptions{MaxImages: 501}
		}},
		{"pinterest resolution", func(r *SubmitRequest) {
			r.Pinterest = &PinterestOptions{MaxImages: 10, Resolution: "1080p"}
		}},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			r := base()
			tc.mutate(r)
			err := r.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ce *CodedError
			if !errors.As(err, &ce) || ce.Code != CodeInvalidInput {
				t.Fatalf("error = %v, want INVALID_INPUT", err)
			}
		})
	}

	t.Run("allowed headers pass case-insensitively", func(t *testing.T) {
		r := base()
		r.Headers = &HeaderOptions{Extra: map[string]string{
			"User-Agent":    "x",
			"REFERER":       "y",
			"authorization": "Bearer z",
			"Cookie":        "a=b",
			"Accept":        "*/*",
		}}
		if err := r.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"movie.mp4", "movie.mp4"},
		{"../../etc/passwd", "etcpasswd"},
		{`a<b>c:d"e/f\g|h?i*j.bin`, "abcdefghij.bin"},
		{"  spaced name.avi  ", "spaced name.avi"},
		{"...dots...", "dots"},
		{"///", ""},
		{"nul\x00byte", "nulbyte"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
