// Package progress defines the event stream emitted by the crawl engine.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// Variant denotes which milestone an Event represents.
type Variant string

// Supported event variants.
const (
	VariantSessionStarted      Variant = "SESSION_STARTED"
	VariantSessionPaused       Variant = "SESSION_PAUSED"
	VariantSessionResumed      Variant = "SESSION_RESUMED"
	VariantSessionCompleted    Variant = "SESSION_COMPLETED"
	VariantSessionFailed       Variant = "SESSION_FAILED"
	VariantSessionShuttingDown Variant = "SESSION_SHUTTING_DOWN"
	VariantPhaseStarted        Variant = "PHASE_STARTED"
	VariantPhaseCompleted      Variant = "PHASE_COMPLETED"
	VariantTaskCompleted       Variant = "TASK_COMPLETED"
	VariantTaskFailed          Variant = "TASK_FAILED"
	VariantTaskRetried         Variant = "TASK_RETRIED"
	VariantDownshift           Variant = "CONCURRENCY_DOWNSHIFT"
	VariantCheckpoint          Variant = "CHECKPOINT"
)

// GeneralizedName is the single event name used by the flattened wire mode.
const GeneralizedName = "crawl_event"

// Event captures a single engine milestone. Seq is assigned by the
// Broadcaster and increases monotonically so consumers can detect gaps.
type Event struct {
	Seq       uint64          `json:"seq"`
	BackendTS time.Time       `json:"backend_ts"`
	Variant   Variant         `json:"variant"`
	SessionID string          `json:"session_id"`
	Phase     crawl.PhaseKind `json:"phase,omitempty"`

	TaskKey   string `json:"task_key,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Note      string `json:"note,omitempty"`

	Processed int `json:"processed,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Retrying  int `json:"retrying,omitempty"`
	Total     int `json:"total,omitempty"`
	Attempt   int `json:"attempt,omitempty"`

	OldLimit int `json:"old_limit,omitempty"`
	NewLimit int `json:"new_limit,omitempty"`

	Dur time.Duration `json:"dur,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.BackendTS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Variant {
	case VariantSessionStarted, VariantSessionPaused, VariantSessionResumed,
		VariantSessionCompleted, VariantSessionFailed, VariantSessionShuttingDown,
		VariantCheckpoint:
	case VariantPhaseStarted, VariantPhaseCompleted:
		if e.Phase == "" {
			return errors.New("phase events require a phase")
		}
	case VariantTaskCompleted, VariantTaskFailed, VariantTaskRetried:
		if e.TaskKey == "" {
			return errors.New("task events require a task key")
		}
	case VariantDownshift:
		if e.NewLimit <= 0 {
			return errors.New("downshift requires the new limit")
		}
	default:
		return fmt.Errorf("unknown variant %q", e.Variant)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Name renders the wire event name. Generalized mode flattens every
// variant onto one name; legacy mode keeps per-variant names. Both modes
// are views over the same Event.
func (e Event) Name(generalized bool) string {
	if generalized {
		return GeneralizedName
	}
	return string(e.Variant)
}

// WirePayload renders the external representation for the chosen mode.
func (e Event) WirePayload(generalized bool) map[string]any {
	payload := map[string]any{
		"seq":        e.Seq,
		"backend_ts": e.BackendTS.UTC().Format(time.RFC3339Nano),
		"event_name": e.Name(generalized),
		"session_id": e.SessionID,
	}
	if generalized {
		payload["variant"] = string(e.Variant)
	}
	if e.Phase != "" {
		payload["phase"] = string(e.Phase)
	}
	if e.TaskKey != "" {
		payload["task_key"] = e.TaskKey
	}
	if e.ErrorKind != "" {
		payload["error_kind"] = e.ErrorKind
	}
	if e.Note != "" {
		payload["note"] = e.Note
	}
	if e.Total > 0 {
		payload["processed"] = e.Processed
		payload["failed"] = e.Failed
		payload["retrying"] = e.Retrying
		payload["total"] = e.Total
	}
	if e.Attempt > 0 {
		payload["attempt"] = e.Attempt
	}
	if e.Variant == VariantDownshift {
		payload["old_limit"] = e.OldLimit
		payload["new_limit"] = e.NewLimit
	}
	if e.Dur > 0 {
		payload["duration_ms"] = e.Dur.Milliseconds()
	}
	return payload
}
