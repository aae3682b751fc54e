// Package retry decides the fate of failed tasks: requeue or permanent fail.
package retry

import (
	"time"

	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// Class is the coarse disposition assigned to a failure kind.
type Class string

// Failure classes per the retry contract.
const (
	ClassTransient   Class = "transient"
	ClassRateLimited Class = "rate_limited"
	ClassPermanent   Class = "permanent"
)

// Classify maps a failure kind onto a retry class. Parse errors are
// transient here; their tighter budget is applied in Decide.
func Classify(kind crawl.ErrorKind) Class {
	switch kind {
	case crawl.KindNetworkTimeout, crawl.KindServerError, crawl.KindParseError:
		return ClassTransient
	case crawl.KindRateLimited:
		return ClassRateLimited
	default:
		return ClassPermanent
	}
}

// Config bounds retry budgets per task kind.
type Config struct {
	MaxPageRetries   int
	MaxDetailRetries int
	// MaxParseRetries caps retries for parse failures regardless of kind
	// budget; a page that never parses is not worth the full budget.
	MaxParseRetries int
	Strategy        DelayStrategy
}

func (c Config) withDefaults() Config {
	if c.MaxPageRetries <= 0 {
		c.MaxPageRetries = 3
	}
	if c.MaxDetailRetries <= 0 {
		c.MaxDetailRetries = 3
	}
	if c.MaxParseRetries <= 0 {
		c.MaxParseRetries = 1
	}
	if c.Strategy == nil {
		c.Strategy = NewExponentialBackoff(250*time.Millisecond, 5*time.Second)
	}
	return c
}

// Record tracks retry accounting for one task key. Owned exclusively by
// the Manager.
type Record struct {
	TaskKey  string
	Attempts int
	LastKind crawl.ErrorKind
}

// Decision tells the coordinator what to do with a failed task.
type Decision struct {
	Requeue    bool
	EligibleAt time.Time
	Attempts   int
	Class      Class
}

// Manager tracks per-task attempt counts and applies retry budgets. It is
// not safe for concurrent use: exactly one coordinator owns each instance.
type Manager struct {
	cfg     Config
	records map[string]*Record
	logger  *zap.Logger
}

// NewManager builds a Manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*Record),
		logger:  logger,
	}
}

// Decide records the failure and returns whether the task goes back to the
// queue. Delayed tasks carry an eligibility time instead of holding a
// worker slot.
func (m *Manager) Decide(task crawl.Task, kind crawl.ErrorKind, now time.Time) Decision {
	class := Classify(kind)
	rec := m.record(task.Key())
	rec.LastKind = kind

	if class == ClassPermanent {
		return Decision{Requeue: false, Attempts: rec.Attempts, Class: class}
	}

	budget := m.budget(task.Kind, kind)
	if rec.Attempts >= budget {
		m.logger.Debug("retry budget exhausted",
			zap.String("task", task.Key()),
			zap.String("kind", string(kind)),
			zap.Int("attempts", rec.Attempts),
		)
		return Decision{Requeue: false, Attempts: rec.Attempts, Class: class}
	}

	rec.Attempts++
	return Decision{
		Requeue:    true,
		EligibleAt: now.Add(m.cfg.Strategy.Delay(rec.Attempts, class)),
		Attempts:   rec.Attempts,
		Class:      class,
	}
}

// SeedAttempts pre-loads retry accounting for a task restored from a
// resume token, so its remaining budget carries across sessions.
func (m *Manager) SeedAttempts(key string, attempts int) {
	if attempts <= 0 {
		return
	}
	m.record(key).Attempts = attempts
}

// Attempts returns the retry count recorded for a task key.
func (m *Manager) Attempts(key string) int {
	if rec, ok := m.records[key]; ok {
		return rec.Attempts
	}
	return 0
}

// TotalRetries sums retries across all tracked tasks.
func (m *Manager) TotalRetries() int {
	total := 0
	for _, rec := range m.records {
		total += rec.Attempts
	}
	return total
}

// Histogram aggregates records into {retries -> task count}.
func (m *Manager) Histogram() map[int]int {
	hist := make(map[int]int, len(m.records))
	for _, rec := range m.records {
		hist[rec.Attempts]++
	}
	return hist
}

// PageRetries returns retry counts keyed by page number.
func (m *Manager) PageRetries() map[uint32]uint32 {
	out := make(map[uint32]uint32)
	for key, rec := range m.records {
		if page, ok := parsePageKey(key); ok {
			out[page] = uint32(rec.Attempts)
		}
	}
	return out
}

// DetailRetries returns retry counts keyed by detail ID.
func (m *Manager) DetailRetries() map[string]uint32 {
	out := make(map[string]uint32)
	for key, rec := range m.records {
		if id, ok := parseDetailKey(key); ok {
			out[id] = uint32(rec.Attempts)
		}
	}
	return out
}

func (m *Manager) record(key string) *Record {
	rec, ok := m.records[key]
	if !ok {
		rec = &Record{TaskKey: key}
		m.records[key] = rec
	}
	return rec
}

func (m *Manager) budget(kind crawl.TaskKind, errKind crawl.ErrorKind) int {
	if errKind == crawl.KindParseError {
		return m.cfg.MaxParseRetries
	}
	if kind == crawl.TaskPage {
		return m.cfg.MaxPageRetries
	}
	return m.cfg.MaxDetailRetries
}
