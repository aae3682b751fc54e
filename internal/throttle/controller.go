// Package throttle adjusts a phase's worker budget under sustained failure.
package throttle

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// Config bounds the controller's downshift policy.
type Config struct {
	InitialLimit int
	// FailureThreshold is the failed/processed ratio past which the limit
	// is reduced. Defaults to 0.30.
	FailureThreshold float64
	// Factor scales the limit on downshift. Defaults to 0.5 (halving).
	Factor float64
	// MinSample is the minimum processed count before the ratio is trusted.
	MinSample int
	MinLimit  int
}

func (c Config) withDefaults() Config {
	if c.InitialLimit <= 0 {
		c.InitialLimit = 4
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.30
	}
	if c.Factor <= 0 || c.Factor >= 1 {
		c.Factor = 0.5
	}
	if c.MinSample <= 0 {
		c.MinSample = 10
	}
	if c.MinLimit <= 0 {
		c.MinLimit = 1
	}
	return c
}

// DownshiftMeta records the one downshift event for a phase.
type DownshiftMeta struct {
	Timestamp time.Time `json:"timestamp"`
	OldLimit  int       `json:"old_limit"`
	NewLimit  int       `json:"new_limit"`
	Trigger   string    `json:"trigger"`
}

// State is a copyable snapshot of the controller.
type State struct {
	CurrentLimit int            `json:"current_limit"`
	Downshifted  bool           `json:"downshifted"`
	Meta         *DownshiftMeta `json:"downshift_meta,omitempty"`
}

// Controller observes a phase's rolling failure rate and downshifts the
// concurrency limit at most once. The limit never rises again within the
// phase; in-flight tasks are never cancelled, only future dispatch shrinks.
// Not safe for concurrent use: the owning coordinator is the single writer.
type Controller struct {
	cfg         Config
	limit       int
	downshifted bool
	meta        *DownshiftMeta
	clock       crawl.Clock
	logger      *zap.Logger
}

// NewController builds a Controller starting at cfg.InitialLimit.
func NewController(cfg Config, clock crawl.Clock, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:    cfg,
		limit:  cfg.InitialLimit,
		clock:  clock,
		logger: logger,
	}
}

// Limit returns the budget applied to future dispatch decisions.
func (c *Controller) Limit() int {
	return c.limit
}

// Observe feeds the latest phase counters and returns the state plus
// whether a downshift fired on this observation.
func (c *Controller) Observe(processed, failed int) (State, bool) {
	if c.downshifted || processed < c.cfg.MinSample || processed == 0 {
		return c.Snapshot(), false
	}
	rate := float64(failed) / float64(processed)
	if rate <= c.cfg.FailureThreshold {
		return c.Snapshot(), false
	}

	oldLimit := c.limit
	newLimit := int(float64(oldLimit) * c.cfg.Factor)
	if newLimit < c.cfg.MinLimit {
		newLimit = c.cfg.MinLimit
	}
	c.limit = newLimit
	c.downshifted = true
	c.meta = &DownshiftMeta{
		Timestamp: c.clock.Now(),
		OldLimit:  oldLimit,
		NewLimit:  newLimit,
		Trigger:   fmt.Sprintf("fail_rate>%.2f", rate),
	}
	c.logger.Warn("concurrency downshift",
		zap.Int("old_limit", oldLimit),
		zap.Int("new_limit", newLimit),
		zap.Float64("fail_rate", rate),
	)
	return c.Snapshot(), true
}

// Snapshot returns a copy safe to hand to readers.
func (c *Controller) Snapshot() State {
	var meta *DownshiftMeta
	if c.meta != nil {
		m := *c.meta
		meta = &m
	}
	return State{
		CurrentLimit: c.limit,
		Downshifted:  c.downshifted,
		Meta:         meta,
	}
}
