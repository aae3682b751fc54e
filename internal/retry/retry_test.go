package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, ClassTransient, Classify(crawl.KindNetworkTimeout))
	require.Equal(t, ClassTransient, Classify(crawl.KindServerError))
	require.Equal(t, ClassTransient, Classify(crawl.KindParseError))
	require.Equal(t, ClassRateLimited, Classify(crawl.KindRateLimited))
	require.Equal(t, ClassPermanent, Classify(crawl.KindPermanent))
	require.Equal(t, ClassPermanent, Classify(crawl.KindInternal))
}

func TestDecideRequeuesUntilBudgetExhausted(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{MaxPageRetries: 2, Strategy: FixedDelay{D: time.Second}}, nil)
	task := crawl.Task{Kind: crawl.TaskPage, Page: 1}
	now := time.Unix(1700000000, 0)

	first := m.Decide(task, crawl.KindServerError, now)
	require.True(t, first.Requeue)
	require.Equal(t, 1, first.Attempts)
	require.Equal(t, now.Add(time.Second), first.EligibleAt)

	second := m.Decide(task, crawl.KindServerError, now)
	require.True(t, second.Requeue)
	require.Equal(t, 2, second.Attempts)

	third := m.Decide(task, crawl.KindServerError, now)
	require.False(t, third.Requeue, "budget of 2 must be exhausted")
	require.Equal(t, 2, third.Attempts)
}

func TestDecidePermanentNeverRequeues(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{}, nil)
	task := crawl.Task{Kind: crawl.TaskPage, Page: 9}

	decision := m.Decide(task, crawl.KindPermanent, time.Now())
	require.False(t, decision.Requeue)
	require.Equal(t, ClassPermanent, decision.Class)
	require.Zero(t, m.TotalRetries())
}

func TestDecideParseErrorsGetTighterBudget(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{MaxPageRetries: 3, MaxParseRetries: 1, Strategy: FixedDelay{}}, nil)
	task := crawl.Task{Kind: crawl.TaskPage, Page: 4}
	now := time.Now()

	require.True(t, m.Decide(task, crawl.KindParseError, now).Requeue)
	require.False(t, m.Decide(task, crawl.KindParseError, now).Requeue,
		"parse budget of 1 overrides the page budget")
}

func TestSeedAttemptsCarriesBudgetAcrossSessions(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{MaxPageRetries: 3, Strategy: FixedDelay{}}, nil)
	m.SeedAttempts("page:5", 3)

	task := crawl.Task{Kind: crawl.TaskPage, Page: 5}
	decision := m.Decide(task, crawl.KindServerError, time.Now())
	require.False(t, decision.Requeue, "seeded attempts must count against the budget")
	require.Equal(t, 3, m.Attempts("page:5"))
}

func TestAccountingViews(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{MaxPageRetries: 5, MaxDetailRetries: 5, Strategy: FixedDelay{}}, nil)
	now := time.Now()

	page := crawl.Task{Kind: crawl.TaskPage, Page: 2}
	detail := crawl.Task{Kind: crawl.TaskDetail, DetailID: "sku-9"}
	m.Decide(page, crawl.KindServerError, now)
	m.Decide(page, crawl.KindServerError, now)
	m.Decide(detail, crawl.KindNetworkTimeout, now)

	require.Equal(t, 3, m.TotalRetries())
	require.Equal(t, map[uint32]uint32{2: 2}, m.PageRetries())
	require.Equal(t, map[string]uint32{"sku-9": 1}, m.DetailRetries())
	require.Equal(t, map[int]int{2: 1, 1: 1}, m.Histogram())
}

func TestExponentialBackoffBounds(t *testing.T) {
	t.Parallel()

	strategy := NewExponentialBackoff(100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		d := strategy.Delay(attempt, ClassTransient)
		require.Positive(t, d)
		require.LessOrEqual(t, d, time.Second)
	}
}

func TestExponentialBackoffRateLimitedWaitsFullCap(t *testing.T) {
	t.Parallel()

	strategy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second)
	require.Equal(t, 5*time.Second, strategy.Delay(1, ClassRateLimited))
}

func TestParsePageKey(t *testing.T) {
	t.Parallel()

	page, ok := parsePageKey("page:42")
	require.True(t, ok)
	require.Equal(t, uint32(42), page)

	_, ok = parsePageKey("detail:x")
	require.False(t, ok)

	id, ok := parseDetailKey("detail:sku-3")
	require.True(t, ok)
	require.Equal(t, "sku-3", id)
}
