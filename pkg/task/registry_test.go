package task

import (
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(0)
	t.Cleanup(r.Close)
	return r
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)

	created := r.Create("com.example.game", "game.apk", "arm64-v8a", "abc123")
	if created.ID == "" {
		t.Fatal("created task has no id")
	}
	if created.Status != StatusPending {
		t.Errorf("new task status = %s, want %s", created.Status, StatusPending)
	}
	if created.CreatedAt.IsZero() {
		t.Error("created task has no creation time")
	}

	got, ok := r.Get(created.ID)
	if !ok {
		t.Fatal("task not found after create")
	}
	if got.PkgName != "com.example.game" || got.InputHash != "abc123" {
		t.Errorf("unexpected task fields: %+v", got)
	}

	if _, ok := r.Get("no-such-task"); ok {
		t.Error("Get returned a task for an unknown id")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := newTestRegistry(t)
	created := r.Create("pkg", "a.apk", "arm64-v8a", "h1")

	r.SetComponentDigests(created.ID, map[string]string{"libx.so": "d1"}, map[string]string{"libx.so": "d2"})

	snap, _ := r.Get(created.ID)
	snap.ComponentDigestsBefore["libx.so"] = "tampered"
	snap.Status = StatusFailed

	fresh, _ := r.Get(created.ID)
	if fresh.ComponentDigestsBefore["libx.so"] != "d1" {
		t.Error("mutating a snapshot map leaked into the registry")
	}
	if fresh.Status != StatusPending {
		t.Errorf("mutating a snapshot changed registry status to %s", fresh.Status)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	r := newTestRegistry(t)
	created := r.Create("pkg", "a.apk", "arm64-v8a", "h1")

	r.MarkProcessing(created.ID)
	got, _ := r.Get(created.ID)
	if got.Status != StatusProcessing {
		t.Fatalf("status = %s, want %s", got.Status, StatusProcessing)
	}
	if got.StartedAt.IsZero() {
		t.Error("MarkProcessing did not stamp start time")
	}

	r.SetDetectedVariant(created.ID, "arm64-v8a")
	r.MarkComplete(created.ID, "out-hash", "/processed/out.apk")

	got, _ = r.Get(created.ID)
	if got.Status != StatusComplete {
		t.Fatalf("status = %s, want %s", got.Status, StatusComplete)
	}
	if got.OutputHash != "out-hash" || got.OutputPath != "/processed/out.apk" {
		t.Errorf("completion did not record output: %+v", got)
	}
	if got.DetectedVariant != "arm64-v8a" {
		t.Errorf("detected variant = %s, want arm64-v8a", got.DetectedVariant)
	}
	if got.EndedAt.IsZero() {
		t.Error("completion did not stamp end time")
	}
	if got.DurationSeconds < 0 {
		t.Errorf("negative duration: %f", got.DurationSeconds)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("failed stays failed", func(t *testing.T) {
		created := r.Create("pkg", "a.apk", "arm64-v8a", "h1")
		r.MarkProcessing(created.ID)
		r.MarkFailed(created.ID, "fetch failed")
		r.MarkComplete(created.ID, "out-hash", "/out.apk")

		got, _ := r.Get(created.ID)
		if got.Status != StatusFailed {
			t.Errorf("status = %s, want %s", got.Status, StatusFailed)
		}
		if got.FailureReason != "fetch failed" {
			t.Errorf("failure reason = %q, want %q", got.FailureReason, "fetch failed")
		}
		if got.OutputHash != "" {
			t.Error("terminal task accepted an output hash")
		}
	})

	t.Run("complete stays complete", func(t *testing.T) {
		created := r.Create("pkg", "a.apk", "arm64-v8a", "h1")
		r.MarkProcessing(created.ID)
		r.MarkComplete(created.ID, "out-hash", "/out.apk")
		r.MarkFailed(created.ID, "too late")

		got, _ := r.Get(created.ID)
		if got.Status != StatusComplete {
			t.Errorf("status = %s, want %s", got.Status, StatusComplete)
		}
		if got.FailureReason != "" {
			t.Errorf("terminal task accepted a failure reason: %q", got.FailureReason)
		}
	})
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusComplete, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			task := Task{Status: tt.status}
			if got := task.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSweepEvictsOnlyExpiredTerminalTasks(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Close()

	expired := r.Create("pkg", "a.apk", "arm64-v8a", "h1")
	r.MarkProcessing(expired.ID)
	r.MarkFailed(expired.ID, "boom")

	inFlight := r.Create("pkg", "b.apk", "arm64-v8a", "h2")
	r.MarkProcessing(inFlight.ID)

	fresh := r.Create("pkg", "c.apk", "arm64-v8a", "h3")
	r.MarkProcessing(fresh.ID)
	r.MarkComplete(fresh.ID, "out", "/out.apk")

	// Two hours from now the failed and completed tasks have both
	// outlived the TTL; the in-flight one is never evicted.
	evicted := r.Sweep(time.Now().Add(2 * time.Hour))
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
	if _, ok := r.Get(expired.ID); ok {
		t.Error("expired terminal task survived sweep")
	}
	if _, ok := r.Get(fresh.ID); ok {
		t.Error("expired completed task survived sweep")
	}
	if _, ok := r.Get(inFlight.ID); !ok {
		t.Error("in-flight task was evicted")
	}
	if r.Len() != 1 {
		t.Errorf("registry size = %d, want 1", r.Len())
	}
}

func TestSweepWithinTTLKeepsTasks(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Close()

	done := r.Create("pkg", "a.apk", "arm64-v8a", "h1")
	r.MarkProcessing(done.ID)
	r.MarkComplete(done.ID, "out", "/out.apk")

	if evicted := r.Sweep(time.Now()); evicted != 0 {
		t.Errorf("evicted = %d, want 0", evicted)
	}
	if _, ok := r.Get(done.ID); !ok {
		t.Error("recently finished task was evicted")
	}
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	r := newTestRegistry(t)

	done := r.Create("pkg", "a.apk", "arm64-v8a", "h1")
	r.MarkProcessing(done.ID)
	r.MarkFailed(done.ID, "boom")

	if evicted := r.Sweep(time.Now().Add(24 * time.Hour)); evicted != 0 {
		t.Errorf("evicted = %d with eviction disabled, want 0", evicted)
	}
}
