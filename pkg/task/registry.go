package task

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the in-memory table of tasks. Each task is mutated only
// by the pipeline execution that owns it; every other access is a
// point-in-time snapshot taken under the read lock.
//
// Terminal tasks are evicted after terminalTTL so the table does not
// grow for the life of the process. In-flight tasks are never evicted.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	terminalTTL time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewRegistry creates a registry. A terminalTTL of zero disables
// eviction.
func NewRegistry(terminalTTL time.Duration) *Registry {
	r := &Registry{
		tasks:       make(map[string]*Task),
		terminalTTL: terminalTTL,
		stop:        make(chan struct{}),
	}
	if terminalTTL > 0 {
		go r.janitor()
	}
	return r
}

// Close stops the eviction janitor.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Create registers a new pending task and returns a snapshot of it.
func (r *Registry) Create(pkgName, filename, variant, inputHash string) Task {
	t := &Task{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		PkgName:   pkgName,
		Filename:  filename,
		Variant:   variant,
		InputHash: inputHash,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	slog.Info("task_created", "task_id", t.ID, "pkg_name", pkgName, "variant", variant, "input_hash", inputHash)
	return t.clone()
}

// Get returns a snapshot of the task with the given id.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Len returns the number of tasks currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// update applies fn to the task under the write lock. Only the owning
// pipeline execution may call the mutators below.
func (r *Registry) update(id string, fn func(*Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// MarkProcessing transitions the task to processing and stamps its
// start time. It is called exactly once, at pipeline start.
func (r *Registry) MarkProcessing(id string) {
	r.update(id, func(t *Task) {
		t.Status = StatusProcessing
		t.StartedAt = time.Now()
	})
}

// SetComponentDigests records the per-component before/after digests
// captured during fetch-and-verify.
func (r *Registry) SetComponentDigests(id string, before, after map[string]string) {
	r.update(id, func(t *Task) {
		t.ComponentDigestsBefore = before
		t.ComponentDigestsAfter = after
	})
}

// SetDetectedVariant records the verified variant of the fetched
// components.
func (r *Registry) SetDetectedVariant(id, variant string) {
	r.update(id, func(t *Task) {
		t.DetectedVariant = variant
	})
}

// MarkComplete transitions the task to its terminal success state.
func (r *Registry) MarkComplete(id, outputHash, outputPath string) {
	r.update(id, func(t *Task) {
		if t.Terminal() {
			return
		}
		t.Status = StatusComplete
		t.OutputHash = outputHash
		t.OutputPath = outputPath
		finish(t)
	})
}

// MarkFailed transitions the task to its terminal failure state with a
// human-readable reason. Marking an already-terminal task is a no-op.
func (r *Registry) MarkFailed(id, reason string) {
	r.update(id, func(t *Task) {
		if t.Terminal() {
			return
		}
		t.Status = StatusFailed
		t.FailureReason = reason
		finish(t)
	})
}

func finish(t *Task) {
	t.EndedAt = time.Now()
	if !t.StartedAt.IsZero() {
		t.DurationSeconds = t.EndedAt.Sub(t.StartedAt).Seconds()
	}
}

// Sweep removes terminal tasks that ended before now minus the TTL and
// returns how many were evicted.
func (r *Registry) Sweep(now time.Time) int {
	if r.terminalTTL <= 0 {
		return 0
	}

	cutoff := now.Add(-r.terminalTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, t := range r.tasks {
		if t.Terminal() && !t.EndedAt.IsZero() && t.EndedAt.Before(cutoff) {
			delete(r.tasks, id)
			evicted++
		}
	}

	if evicted > 0 {
		slog.Info("task_registry_swept", "evicted", evicted, "remaining", len(r.tasks))
	}
	return evicted
}

func (r *Registry) janitor() {
	interval := r.terminalTTL / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(time.Now())
		case <-r.stop:
			return
		}
	}
}
