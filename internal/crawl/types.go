// Package crawl defines core types shared across subsystems.
package crawl

import (
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle state of a crawl session.
type SessionStatus string

// Session status values exposed by the status endpoint.
const (
	SessionRunning      SessionStatus = "running"
	SessionPaused       SessionStatus = "paused"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
	SessionShuttingDown SessionStatus = "shutting_down"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionShuttingDown
}

// ContractVersion is the status/token contract carried by new sessions.
const ContractVersion = 2

// PhaseKind identifies which stage of the crawl a phase drives.
type PhaseKind string

// The two crawl phases: list-page discovery, then per-product details.
const (
	PhaseListCollection   PhaseKind = "list_collection"
	PhaseDetailCollection PhaseKind = "detail_collection"
)

// TaskKind discriminates the two unit-of-work shapes.
type TaskKind string

// Supported task kinds.
const (
	TaskPage   TaskKind = "page"
	TaskDetail TaskKind = "detail"
)

// TaskState tracks a task through dispatch and retry.
type TaskState string

// Task states. A task is in exactly one state at a time.
const (
	TaskQueued            TaskState = "queued"
	TaskDispatched        TaskState = "dispatched"
	TaskRetrying          TaskState = "retrying"
	TaskCompleted         TaskState = "completed"
	TaskPermanentlyFailed TaskState = "permanently_failed"
)

// Task is one bounded unit of work: a list page or a product detail.
type Task struct {
	Kind     TaskKind
	Page     uint32
	DetailID string
	URL      string
	Attempt  int
}

// Key returns the stable identity used for retry accounting.
func (t Task) Key() string {
	if t.Kind == TaskPage {
		return fmt.Sprintf("page:%d", t.Page)
	}
	return fmt.Sprintf("detail:%s", t.DetailID)
}

// DetailRef is a product reference discovered on a list page.
type DetailRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Product is the opaque record handed to the Persister. The extraction
// grammar lives behind the parser interfaces; orchestration only moves
// these records along.
type Product struct {
	ID     string            `json:"id"`
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Outcome is the typed result of executing one task.
type Outcome struct {
	Task     Task
	Err      error
	Kind     ErrorKind
	TimedOut bool
	Duration time.Duration
	// Details carries refs discovered by a list page task.
	Details []DetailRef
}

// Succeeded reports whether the task finished without error.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// PhaseResult aggregates a finished (or interrupted) phase.
type PhaseResult struct {
	Kind      PhaseKind
	Total     int
	Processed int
	Failed    int

	// FailedSample keeps at most FailedSampleCap task keys for reporting;
	// Failed carries the full count.
	FailedSample    []string
	FailedPages     []uint32
	FailedDetailIDs []string

	Retries        int
	RetryHistogram map[int]int

	// Details holds refs discovered during a list phase.
	Details []DetailRef

	// Remaining work at interruption, in dispatch order.
	RemainingPages     []uint32
	RemainingDetailIDs []string
	RetriesPerPage     map[uint32]uint32
	DetailRetryCounts  map[string]uint32

	Interrupted bool
}

// FailedSampleCap bounds the per-phase failed-task sample kept for status.
const FailedSampleCap = 20
