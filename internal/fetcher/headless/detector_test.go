package headless

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

func htmlHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return h
}

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	shell := []byte(`<html><body><div id="app"></div><script src="/bundle.js"></script></body></html>`)
	rendered := []byte("<html><body>" + strings.Repeat("<p>product copy</p>", 200) + "</body></html>")

	detector := NewThinPageDetector(DetectorConfig{MinBodyBytes: 2048})

	tests := []struct {
		name  string
		probe crawl.FetchResponse
		want  bool
	}{
		{
			"thin js shell",
			crawl.FetchResponse{StatusCode: 200, Headers: htmlHeaders(), Body: shell},
			true,
		},
		{
			"already rendered headlessly",
			crawl.FetchResponse{StatusCode: 200, Headers: htmlHeaders(), Body: shell, UsedHeadless: true},
			false,
		},
		{
			"non-200 response",
			crawl.FetchResponse{StatusCode: 503, Headers: htmlHeaders(), Body: shell},
			false,
		},
		{
			"non-html content type",
			crawl.FetchResponse{StatusCode: 200, Headers: func() http.Header {
				h := http.Header{}
				h.Set("Content-Type", "application/json")
				return h
			}(), Body: shell},
			false,
		},
		{
			"large body",
			crawl.FetchResponse{StatusCode: 200, Headers: htmlHeaders(), Body: rendered},
			false,
		},
		{
			"small body without scripts",
			crawl.FetchResponse{StatusCode: 200, Headers: htmlHeaders(), Body: []byte("<html><body>tiny</body></html>")},
			false,
		},
		{
			"missing content type is assumed html",
			crawl.FetchResponse{StatusCode: 200, Headers: http.Header{}, Body: shell},
			true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, detector.ShouldPromote(tt.probe))
		})
	}
}

func TestDetectorDefaultsFloor(t *testing.T) {
	t.Parallel()

	detector := NewThinPageDetector(DetectorConfig{})
	body := []byte(`<div id="app"></div><script></script>`)
	require.True(t, detector.ShouldPromote(crawl.FetchResponse{
		StatusCode: 200,
		Headers:    htmlHeaders(),
		Body:       body,
	}))
}
