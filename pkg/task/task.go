// Package task holds the task model and the concurrency-safe registry
// of in-flight and completed pipeline tasks.
package task

import "time"

// Status is the task lifecycle state.
type Status string

// Task states. The only legal transitions are
// pending -> processing -> complete | failed; both end states are
// terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Task is one submission. Fields are set monotonically by the single
// pipeline execution that owns the task; they are never cleared, so
// concurrent readers of a snapshot always observe a self-consistent
// record.
type Task struct {
	ID       string `json:"task_id"`
	Status   Status `json:"status"`
	Filename string `json:"filename,omitempty"`
	PkgName  string `json:"pkg_name,omitempty"`
	Variant  string `json:"variant"`

	InputHash  string `json:"input_hash"`
	OutputHash string `json:"output_hash,omitempty"`
	OutputPath string `json:"output_path,omitempty"`

	// Per-component digests captured during fetch-and-verify, keyed by
	// component name. Before holds the digest of the slot prior to
	// replacement ("absent" when the slot was empty).
	ComponentDigestsBefore map[string]string `json:"component_digests_before,omitempty"`
	ComponentDigestsAfter  map[string]string `json:"component_digests_after,omitempty"`

	// DetectedVariant is set once every fetched component has been
	// verified against the requested variant.
	DetectedVariant string `json:"detected_variant,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	// DurationSeconds is computed once EndedAt is stamped.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
}

// Terminal reports whether the task reached an end state.
func (t *Task) Terminal() bool {
	return t.Status == StatusComplete || t.Status == StatusFailed
}

func (t *Task) clone() Task {
	out := *t
	if t.ComponentDigestsBefore != nil {
		out.ComponentDigestsBefore = make(map[string]string, len(t.ComponentDigestsBefore))
		for k, v := range t.ComponentDigestsBefore {
			out.ComponentDigestsBefore[k] = v
		}
	}
	if t.ComponentDigestsAfter != nil {
		out.ComponentDigestsAfter = make(map[string]string, len(t.ComponentDigestsAfter))
		for k, v := range t.ComponentDigestsAfter {
			out.ComponentDigestsAfter[k] = v
		}
	}
	return out
}
