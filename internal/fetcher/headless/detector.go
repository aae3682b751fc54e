package headless

import (
	"bytes"
	"strings"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// DetectorConfig tunes the thin-page heuristic.
type DetectorConfig struct {
	// MinBodyBytes is the rendered-content floor. Responses smaller than
	// this that also carry script tags look like client-side shells.
	MinBodyBytes int
}

// ThinPageDetector flags detail pages that appear to be empty JS shells
// so the executor can refetch them with a browser.
type ThinPageDetector struct {
	cfg DetectorConfig
}

// NewThinPageDetector builds a detector.
func NewThinPageDetector(cfg DetectorConfig) *ThinPageDetector {
	if cfg.MinBodyBytes <= 0 {
		cfg.MinBodyBytes = 2048
	}
	return &ThinPageDetector{cfg: cfg}
}

// ShouldPromote reports whether the probe response warrants a headless
// refetch. Only successful HTML responses qualify.
func (d *ThinPageDetector) ShouldPromote(probe crawl.FetchResponse) bool {
	if probe.UsedHeadless || probe.StatusCode != 200 {
		return false
	}
	if ct := probe.Headers.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return false
	}
	if len(probe.Body) >= d.cfg.MinBodyBytes {
		return false
	}
	return bytes.Contains(probe.Body, []byte("<script"))
}
