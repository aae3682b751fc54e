package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

const listPage = `<!DOCTYPE html>
<html><body>
  <div class="grid">
    <article class="tile" data-sku="sku-101"><a href="/p/sku-101">Widget</a></article>
    <article class="tile" data-sku="sku-102"><a href="https://cdn.example.com/p/sku-102">Gadget</a></article>
    <article class="tile" data-sku="  "><a href="/p/blank">Blank ID</a></article>
    <article class="tile"><a href="/p/no-id">No ID</a></article>
  </div>
</body></html>`

func newListParser(t *testing.T, cfg ListParserConfig) *ListParser {
	t.Helper()
	p, err := NewListParser(cfg)
	require.NoError(t, err)
	return p
}

func TestNewListParserValidation(t *testing.T) {
	t.Parallel()

	_, err := NewListParser(ListParserConfig{})
	require.ErrorContains(t, err, "item selector")

	_, err = NewListParser(ListParserConfig{ItemSelector: ".tile", BaseURL: "://bad"})
	require.ErrorContains(t, err, "base url")
}

func TestParseListExtractsRefs(t *testing.T) {
	t.Parallel()

	p := newListParser(t, ListParserConfig{
		ItemSelector: "article.tile",
		IDAttr:       "data-sku",
		BaseURL:      "https://shop.example.com",
	})

	refs, err := p.ParseList(context.Background(), 1, []byte(listPage))
	require.NoError(t, err)
	require.Equal(t, []crawl.DetailRef{
		{ID: "sku-101", URL: "https://shop.example.com/p/sku-101"},
		{ID: "sku-102", URL: "https://cdn.example.com/p/sku-102"},
	}, refs, "tiles without a usable ID are skipped")
}

func TestParseListWithoutBaseURLKeepsRelativeHref(t *testing.T) {
	t.Parallel()

	p := newListParser(t, ListParserConfig{ItemSelector: "article.tile", IDAttr: "data-sku"})
	refs, err := p.ParseList(context.Background(), 1, []byte(listPage))
	require.NoError(t, err)
	require.Equal(t, "/p/sku-101", refs[0].URL)
}

func TestParseListZeroItemsIsError(t *testing.T) {
	t.Parallel()

	p := newListParser(t, ListParserConfig{ItemSelector: ".missing"})
	_, err := p.ParseList(context.Background(), 7, []byte(listPage))
	require.ErrorContains(t, err, "page 7 matched no items")
}

const detailPage = `<!DOCTYPE html>
<html><head>
  <link rel="canonical" href="https://shop.example.com/p/sku-101">
</head><body>
  <h1 class="name">  Widget Deluxe  </h1>
  <span class="price">$19.99</span>
  <div class="stock"></div>
</body></html>`

func newDetailParser(t *testing.T, cfg DetailParserConfig) *DetailParser {
	t.Helper()
	p, err := NewDetailParser(cfg)
	require.NoError(t, err)
	return p
}

func TestNewDetailParserValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDetailParser(DetailParserConfig{})
	require.ErrorContains(t, err, "field selector")

	_, err = NewDetailParser(DetailParserConfig{
		FieldSelectors: map[string]string{"name": ".name"},
		RequiredFields: []string{"price"},
	})
	require.ErrorContains(t, err, `required field "price" has no selector`)
}

func TestParseDetailExtractsFields(t *testing.T) {
	t.Parallel()

	p := newDetailParser(t, DetailParserConfig{
		FieldSelectors: map[string]string{
			"name":  "h1.name",
			"price": ".price",
			"stock": ".stock",
		},
		RequiredFields: []string{"name"},
	})

	product, err := p.ParseDetail(context.Background(), "sku-101", []byte(detailPage))
	require.NoError(t, err)
	require.Equal(t, "sku-101", product.ID)
	require.Equal(t, "https://shop.example.com/p/sku-101", product.URL)
	require.Equal(t, "Widget Deluxe", product.Fields["name"], "text is trimmed")
	require.Equal(t, "$19.99", product.Fields["price"])
	require.NotContains(t, product.Fields, "stock", "empty fields are dropped")
}

func TestParseDetailMissingRequiredField(t *testing.T) {
	t.Parallel()

	p := newDetailParser(t, DetailParserConfig{
		FieldSelectors: map[string]string{"rating": ".rating"},
		RequiredFields: []string{"rating"},
	})

	_, err := p.ParseDetail(context.Background(), "sku-101", []byte(detailPage))
	require.ErrorContains(t, err, `required field "rating" not found`)
}
