// Package catalog extracts product references and records from fetched
// HTML. Selectors are configuration; orchestration never sees HTML.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// ListParserConfig drives list-page extraction.
type ListParserConfig struct {
	// ItemSelector matches one product tile per element.
	ItemSelector string
	// IDAttr is the attribute carrying the product ID, e.g. "data-sku".
	IDAttr string
	// LinkSelector matches the anchor inside a tile; its href becomes the
	// detail URL, resolved against BaseURL when relative.
	LinkSelector string
	BaseURL      string
}

// ListParser extracts product references from list pages with goquery.
type ListParser struct {
	cfg  ListParserConfig
	base *url.URL
}

// NewListParser builds a ListParser.
func NewListParser(cfg ListParserConfig) (*ListParser, error) {
	if cfg.ItemSelector == "" {
		return nil, fmt.Errorf("item selector is required")
	}
	if cfg.IDAttr == "" {
		cfg.IDAttr = "data-id"
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = "a"
	}
	var base *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		base = u
	}
	return &ListParser{cfg: cfg, base: base}, nil
}

// ParseList extracts the product references present on one list page. A
// page with zero items is a parse error: list pages inside the plan are
// expected to carry products, so an empty match set means the grammar no
// longer fits the markup.
func (p *ListParser) ParseList(_ context.Context, page uint32, body []byte) ([]crawl.DetailRef, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var refs []crawl.DetailRef
	doc.Find(p.cfg.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
		id, ok := sel.Attr(p.cfg.IDAttr)
		if !ok || strings.TrimSpace(id) == "" {
			return
		}
		href, _ := sel.Find(p.cfg.LinkSelector).Attr("href")
		refs = append(refs, crawl.DetailRef{
			ID:  strings.TrimSpace(id),
			URL: p.resolve(href),
		})
	})
	if len(refs) == 0 {
		return nil, fmt.Errorf("page %d matched no items with selector %q", page, p.cfg.ItemSelector)
	}
	return refs, nil
}

func (p *ListParser) resolve(href string) string {
	if href == "" || p.base == nil {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return p.base.ResolveReference(u).String()
}
