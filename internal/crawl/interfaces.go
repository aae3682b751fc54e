package crawl

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrTokenNotFound is returned by token stores when no checkpoint exists.
var ErrTokenNotFound = errors.New("resume token not found")

// Fetcher retrieves a single page. Implementations own transport concerns
// (rate limits, robots, headless rendering); orchestration never does.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// FetchRequest captures everything needed to fetch one page.
type FetchRequest struct {
	SessionID string
	Kind      TaskKind
	Page      uint32
	DetailID  string
	URL       string
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ListParser extracts product references from a fetched list page.
type ListParser interface {
	ParseList(ctx context.Context, page uint32, body []byte) ([]DetailRef, error)
}

// DetailParser extracts one product record from a fetched detail page.
type DetailParser interface {
	ParseDetail(ctx context.Context, id string, body []byte) (Product, error)
}

// Persister stores an extracted product record.
type Persister interface {
	Persist(ctx context.Context, product Product) error
}

// HeadlessDetector decides whether a fetched page warrants a headless
// refetch before its outcome is classified.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// TokenStore persists resume-token checkpoints keyed by session.
type TokenStore interface {
	SaveToken(ctx context.Context, sessionID string, token []byte) error
	LoadToken(ctx context.Context, sessionID string) ([]byte, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for plan integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}
