package catalog

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// DetailParserConfig maps product field names onto CSS selectors.
type DetailParserConfig struct {
	// FieldSelectors extracts one field per entry; the element's trimmed
	// text becomes the field value.
	FieldSelectors map[string]string
	// RequiredFields must be non-empty after extraction or the page is a
	// parse failure.
	RequiredFields []string
}

// DetailParser extracts one product record from a detail page.
type DetailParser struct {
	cfg DetailParserConfig
}

// NewDetailParser builds a DetailParser.
func NewDetailParser(cfg DetailParserConfig) (*DetailParser, error) {
	if len(cfg.FieldSelectors) == 0 {
		return nil, fmt.Errorf("at least one field selector is required")
	}
	for _, field := range cfg.RequiredFields {
		if _, ok := cfg.FieldSelectors[field]; !ok {
			return nil, fmt.Errorf("required field %q has no selector", field)
		}
	}
	return &DetailParser{cfg: cfg}, nil
}

// ParseDetail extracts the configured fields for one product.
func (p *DetailParser) ParseDetail(_ context.Context, id string, body []byte) (crawl.Product, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawl.Product{}, fmt.Errorf("parse html: %w", err)
	}

	fields := make(map[string]string, len(p.cfg.FieldSelectors))
	for name, selector := range p.cfg.FieldSelectors {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			fields[name] = text
		}
	}
	for _, required := range p.cfg.RequiredFields {
		if fields[required] == "" {
			return crawl.Product{}, fmt.Errorf("detail %s: required field %q not found", id, required)
		}
	}

	product := crawl.Product{ID: id, Fields: fields}
	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		product.URL = canonical
	}
	return product, nil
}
