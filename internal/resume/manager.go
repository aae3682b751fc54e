package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// ErrEmptyRemainingPages rejects tokens that describe no restartable work.
var ErrEmptyRemainingPages = errors.New("resume token has no remaining pages")

// Snapshot is the unfinished-work view a session hands to Emit.
type Snapshot struct {
	RemainingPages     []uint32
	RetryingPages      []uint32
	FailedPages        []uint32
	RetriesPerPage     map[uint32]uint32
	RemainingDetailIDs []string
	DetailRetryCounts  map[string]uint32
	ProcessedPages     int
	TotalPages         int
	BatchSize          int
	ConcurrencyLimit   int
}

// RestorePlan is the validated, normalized result of loading a token.
type RestorePlan struct {
	Version            int
	PlanHash           string
	RemainingPages     []uint32
	RetryingPages      []uint32
	FailedPages        []uint32
	PageRetries        map[uint32]uint32
	RemainingDetailIDs []string
	DetailRetries      map[string]uint32
	ProcessedPages     int
	TotalPages         int
	BatchSize          int
	ConcurrencyLimit   int
}

// Manager emits and loads resume tokens.
type Manager struct {
	hasher crawl.Hasher
	clock  crawl.Clock
}

// NewManager builds a Manager.
func NewManager(hasher crawl.Hasher, clock crawl.Clock) *Manager {
	return &Manager{hasher: hasher, clock: clock}
}

// Emit captures the snapshot as an immutable token. The plan hash covers
// the page plan so a future load can detect a token applied to the wrong
// crawl configuration.
func (m *Manager) Emit(snap Snapshot) (Token, error) {
	if len(snap.RemainingPages) == 0 {
		return Token{}, ErrEmptyRemainingPages
	}
	hash, err := m.hasher.Hash(planDigestInput(snap.TotalPages, snap.BatchSize, snap.RemainingPages))
	if err != nil {
		return Token{}, fmt.Errorf("hash plan: %w", err)
	}

	var detailTotal uint64
	detailCounts := make([]DetailRetry, 0, len(snap.DetailRetryCounts))
	for id, n := range snap.DetailRetryCounts {
		detailCounts = append(detailCounts, DetailRetry{ID: id, Retries: n})
		detailTotal += uint64(n)
	}
	sort.Slice(detailCounts, func(i, j int) bool { return detailCounts[i].ID < detailCounts[j].ID })

	return Token{
		Version:              TokenVersion,
		PlanHash:             hash,
		RemainingPages:       append([]uint32(nil), snap.RemainingPages...),
		RemainingDetailIDs:   append([]string(nil), snap.RemainingDetailIDs...),
		DetailRetryCounts:    detailCounts,
		DetailRetriesTotal:   detailTotal,
		GeneratedAt:          m.clock.Now(),
		ProcessedPages:       snap.ProcessedPages,
		TotalPages:           snap.TotalPages,
		BatchSize:            snap.BatchSize,
		ConcurrencyLimit:     snap.ConcurrencyLimit,
		RetryingPages:        append([]uint32(nil), snap.RetryingPages...),
		FailedPages:          append([]uint32(nil), snap.FailedPages...),
		RetriesPerPage:       pairsFromMap(snap.RetriesPerPage),
		DetailRetryHistogram: histogramPairs(snap.DetailRetryCounts),
	}, nil
}

// Load validates and normalizes a serialized token into a restore plan.
// Loading is pure: the same bytes always yield the same plan. A missing
// version means legacy v1 semantics, and missing detail fields become
// empty collections rather than errors.
func (m *Manager) Load(data []byte) (RestorePlan, error) {
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return RestorePlan{}, fmt.Errorf("decode resume token: %w", err)
	}
	return Restore(token)
}

// Restore builds a plan from an already-decoded token.
func Restore(token Token) (RestorePlan, error) {
	if len(token.RemainingPages) == 0 {
		return RestorePlan{}, ErrEmptyRemainingPages
	}
	version := token.Version
	if version == 0 {
		version = 1
	}
	if err := verifyPlanHash(token); err != nil {
		return RestorePlan{}, err
	}

	plan := RestorePlan{
		Version:            version,
		PlanHash:           token.PlanHash,
		RemainingPages:     append([]uint32(nil), token.RemainingPages...),
		RetryingPages:      append([]uint32(nil), token.RetryingPages...),
		FailedPages:        append([]uint32(nil), token.FailedPages...),
		PageRetries:        mapFromPairs(token.RetriesPerPage),
		RemainingDetailIDs: append([]string(nil), token.RemainingDetailIDs...),
		DetailRetries:      make(map[string]uint32, len(token.DetailRetryCounts)),
		ProcessedPages:     token.ProcessedPages,
		TotalPages:         token.TotalPages,
		BatchSize:          token.BatchSize,
		ConcurrencyLimit:   token.ConcurrencyLimit,
	}
	if plan.RemainingDetailIDs == nil {
		plan.RemainingDetailIDs = []string{}
	}
	for _, pair := range token.DetailRetryCounts {
		plan.DetailRetries[pair.ID] = pair.Retries
	}
	return plan, nil
}

// verifyPlanHash is the isolated integrity check point. The hash is
// currently trusted as-is; recomputation can be added here without any
// protocol change.
func verifyPlanHash(Token) error {
	return nil
}

func planDigestInput(totalPages, batchSize int, remaining []uint32) []byte {
	sorted := append([]uint32(nil), remaining...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	buf := fmt.Sprintf("total=%d;batch=%d;remaining=%v", totalPages, batchSize, sorted)
	return []byte(buf)
}

func pairsFromMap(m map[uint32]uint32) [][2]uint32 {
	pairs := make([][2]uint32, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, [2]uint32{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

func mapFromPairs(pairs [][2]uint32) map[uint32]uint32 {
	m := make(map[uint32]uint32, len(pairs))
	for _, p := range pairs {
		m[p[0]] = p[1]
	}
	return m
}

// histogramPairs folds detail retry counts into {retries -> task count}.
func histogramPairs(counts map[string]uint32) [][2]uint32 {
	hist := make(map[uint32]uint32)
	for _, n := range counts {
		hist[n]++
	}
	return pairsFromMap(hist)
}
