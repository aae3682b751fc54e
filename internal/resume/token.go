// Package resume serializes and restores the unfinished-work snapshot that
// lets a crawl session restart exactly where it stopped.
package resume

import (
	"encoding/json"
	"fmt"
	"time"
)

// TokenVersion is the version written by this build. Tokens without a
// version field are legacy (v1) and carry no detail-phase state.
const TokenVersion = 2

// DetailRetry is one (detail ID, retry count) pair. It marshals as the
// two-element JSON array used on the wire.
type DetailRetry struct {
	ID      string
	Retries uint32
}

// MarshalJSON renders the pair as ["id", n].
func (d DetailRetry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{d.ID, d.Retries})
}

// UnmarshalJSON parses the ["id", n] wire form.
func (d *DetailRetry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("detail retry pair: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("detail retry pair: want 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &d.ID); err != nil {
		return fmt.Errorf("detail retry id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &d.Retries); err != nil {
		return fmt.Errorf("detail retry count: %w", err)
	}
	return nil
}

// Token is the versioned, immutable snapshot of incomplete work. Absence
// of any detail_* field means v1 semantics (empty detail collections).
type Token struct {
	Version            int           `json:"version,omitempty"`
	PlanHash           string        `json:"plan_hash"`
	RemainingPages     []uint32      `json:"remaining_pages"`
	RemainingDetailIDs []string      `json:"remaining_detail_ids,omitempty"`
	DetailRetryCounts  []DetailRetry `json:"detail_retry_counts,omitempty"`
	DetailRetriesTotal uint64        `json:"detail_retries_total,omitempty"`
	GeneratedAt        time.Time     `json:"generated_at"`
	ProcessedPages     int           `json:"processed_pages"`
	TotalPages         int           `json:"total_pages"`
	BatchSize          int           `json:"batch_size"`
	ConcurrencyLimit   int           `json:"concurrency_limit"`
	RetryingPages      []uint32      `json:"retrying_pages"`
	FailedPages        []uint32      `json:"failed_pages"`
	RetriesPerPage     [][2]uint32   `json:"retries_per_page"`

	DetailRetryHistogram [][2]uint32 `json:"detail_retry_histogram,omitempty"`
}

// Encode renders the token as its persisted JSON form.
func (t Token) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode resume token: %w", err)
	}
	return data, nil
}
