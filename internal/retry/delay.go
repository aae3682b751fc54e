package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// DelayStrategy computes how long a retried task waits before it becomes
// eligible for dispatch again.
type DelayStrategy interface {
	Delay(attempt int, class Class) time.Duration
}

// FixedDelay waits the same duration for every retry.
type FixedDelay struct {
	D time.Duration
}

// Delay returns the configured duration regardless of attempt.
func (f FixedDelay) Delay(int, Class) time.Duration {
	return f.D
}

// ExponentialBackoff doubles the wait per attempt with random jitter.
// Rate-limited failures always wait the full cap to let the target recover.
type ExponentialBackoff struct {
	base time.Duration
	max  time.Duration
}

// NewExponentialBackoff builds a backoff strategy with the given bounds.
func NewExponentialBackoff(base, maxDelay time.Duration) *ExponentialBackoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &ExponentialBackoff{base: base, max: maxDelay}
}

// Delay returns the wait duration before the next attempt.
func (p *ExponentialBackoff) Delay(attempt int, class Class) time.Duration {
	if class == ClassRateLimited {
		return p.max
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.base) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.max) {
		delay = float64(p.max)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func parsePageKey(key string) (uint32, bool) {
	raw, ok := strings.CutPrefix(key, "page:")
	if !ok {
		return 0, false
	}
	page, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(page), true
}

func parseDetailKey(key string) (string, bool) {
	return strings.CutPrefix(key, "detail:")
}
