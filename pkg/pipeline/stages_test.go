package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkgpatch/pkgpatch/pkg/digest"
	"github.com/pkgpatch/pkgpatch/pkg/fetch"
	"github.com/pkgpatch/pkgpatch/pkg/index"
	"github.com/pkgpatch/pkgpatch/pkg/task"
	"github.com/pkgpatch/pkgpatch/pkg/tools"
)

// fakeFetcher serves component bytes from memory and fails for URLs in
// the fail set.
type fakeFetcher struct {
	content map[string][]byte
	fail    map[string]bool
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL, dest string) (*fetch.Result, error) {
	f.calls++
	if f.fail[rawURL] {
		return nil, fmt.Errorf("simulated fetch failure for %s", rawURL)
	}
	body, ok := f.content[rawURL]
	if !ok {
		return nil, fmt.Errorf("no fixture for %s", rawURL)
	}
	if err := os.WriteFile(dest, body, 0644); err != nil {
		return nil, err
	}
	sum, err := digest.Reader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return &fetch.Result{LocalPath: dest, SHA256: sum, Size: int64(len(body))}, nil
}

// fakeTools simulates the external toolchain with plain file writes.
// preExisting seeds lib/<variant> slots at decode time; variants maps a
// downloaded file's base name to its detected variant.
type fakeTools struct {
	variant     tools.Variant
	variants    map[string]tools.Variant
	preExisting map[string][]byte
	signSerial  int
}

func (f *fakeTools) Decode(ctx context.Context, apkPath, outDir string) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	for rel, body := range f.preExisting {
		path := filepath.Join(outDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, body, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTools) Build(ctx context.Context, srcDir, outAPK string) error {
	return os.WriteFile(outAPK, []byte("unsigned"), 0644)
}

func (f *fakeTools) Align(ctx context.Context, inAPK, outAPK string) error {
	return os.WriteFile(outAPK, []byte("aligned"), 0644)
}

func (f *fakeTools) Sign(ctx context.Context, inAPK, outAPK string) error {
	f.signSerial++
	return os.WriteFile(outAPK, []byte(fmt.Sprintf("signed-%d", f.signSerial)), 0644)
}

func (f *fakeTools) DetectVariant(path string) (tools.Variant, error) {
	if v, ok := f.variants[filepath.Base(path)]; ok {
		return v, nil
	}
	return f.variant, nil
}

type harness struct {
	machine  *Machine
	registry *task.Registry
	index    *index.Index
	fetcher  *fakeFetcher
	tools    *fakeTools
	apkPath  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	ix, err := index.Open(filepath.Join(dir, "index.json"))
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}

	registry := task.NewRegistry(0)
	t.Cleanup(registry.Close)

	apkPath := filepath.Join(dir, "input.apk")
	if err := os.WriteFile(apkPath, []byte("input apk bytes"), 0644); err != nil {
		t.Fatalf("failed to write input fixture: %v", err)
	}

	ff := &fakeFetcher{content: map[string][]byte{}, fail: map[string]bool{}}
	ft := &fakeTools{variant: tools.VariantArm64, variants: map[string]tools.Variant{}}

	outputDir := filepath.Join(dir, "processed")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		t.Fatalf("failed to create output dir: %v", err)
	}

	return &harness{
		machine:  NewMachine(registry, ix, ff, ft, filepath.Join(dir, "tmp"), outputDir, false, 5),
		registry: registry,
		index:    ix,
		fetcher:  ff,
		tools:    ft,
		apkPath:  apkPath,
	}
}

func (h *harness) newRequest(t *testing.T, inputHash string, components map[string]string) *ProcessRequest {
	t.Helper()
	created := h.registry.Create("com.example.game", "input.apk", string(tools.VariantArm64), inputHash)
	return &ProcessRequest{
		TaskID:       created.ID,
		ArtifactPath: h.apkPath,
		InputHash:    inputHash,
		PkgName:      "com.example.game",
		Variant:      string(tools.VariantArm64),
		Components:   components,
	}
}

// runStages drives the plain stage methods in pipeline order, marking
// the task failed on the first error the way the handlers do.
func (h *harness) runStages(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	resp := &ProcessResponse{}
	h.registry.MarkProcessing(req.TaskID)

	type stage struct {
		name string
		run  func() error
	}
	stages := []stage{
		{StateUnpack, func() error { return h.machine.unpack(ctx, req, resp) }},
		{StateValidate, func() error { return validateComponents(req.Components) }},
		{StateFetchVerify, func() error { return h.machine.fetchAndVerify(ctx, req, resp) }},
		{StateCommit, func() error { return h.machine.commit(req, resp) }},
		{StateRepack, func() error { return h.machine.repack(ctx, req, resp) }},
		{StatePostProcess, func() error { return h.machine.postProcess(ctx, req, resp) }},
		{StateFinalize, func() error { return h.machine.finalize(ctx, req, resp) }},
	}
	for _, s := range stages {
		if err := s.run(); err != nil {
			return resp, h.machine.fail(req.TaskID, s.name, err)
		}
	}
	return resp, nil
}

func TestValidateComponents(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]string
		wantErr    bool
	}{
		{"nil map", nil, true},
		{"empty map", map[string]string{}, true},
		{"all blank URLs", map[string]string{"liba.so": "", "libb.so": "   "}, true},
		{"one usable URL", map[string]string{"liba.so": "", "libb.so": "https://x/b.so"}, false},
		{"all usable", map[string]string{"liba.so": "https://x/a.so"}, false},
		{"traversal name", map[string]string{"../../evil.so": "https://x/a.so"}, true},
		{"absolute name", map[string]string{"/etc/passwd": "https://x/a.so"}, true},
		{"subpath name", map[string]string{"sub/liba.so": "https://x/a.so"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateComponents(tt.components)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateComponents error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateComponentName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"bare file name", "libgame.so", false},
		{"hidden file", ".libgame.so", false},
		{"parent traversal", "../libgame.so", true},
		{"deep traversal", "../../../../../home/user/.profile", true},
		{"absolute path", "/etc/cron.d/job", true},
		{"subdirectory", "arm64/libgame.so", true},
		{"dot", ".", true},
		{"dot dot", "..", true},
		{"traversal that cleans to bare", "sub/../libgame.so", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateComponentName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateComponentName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestTraversalNameFailsBeforeFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	escape := filepath.Join(h.machine.tempDir, "..", "escape.txt")
	h.fetcher.content["https://cdn/a.so"] = []byte("planted bytes")

	req := h.newRequest(t, "aaaa1111", map[string]string{
		"../../../../escape.txt": "https://cdn/a.so",
	})

	if _, err := h.runStages(ctx, req); err == nil {
		t.Fatal("expected pipeline failure")
	}

	snap, _ := h.registry.Get(req.TaskID)
	if snap.Status != task.StatusFailed {
		t.Fatalf("task status = %s, want %s", snap.Status, task.StatusFailed)
	}
	if !strings.Contains(snap.FailureReason, "invalid component name") {
		t.Errorf("failure reason = %q, want name validation error", snap.FailureReason)
	}

	// The request was rejected before anything was downloaded and
	// nothing was written outside the work area.
	if h.fetcher.calls != 0 {
		t.Errorf("fetcher was called %d times for a rejected request", h.fetcher.calls)
	}
	if _, err := os.Stat(escape); !os.IsNotExist(err) {
		t.Error("rejected component escaped the work area")
	}
}

func TestValidComponentsSortedAndFiltered(t *testing.T) {
	names := validComponents(map[string]string{
		"libz.so": "https://x/z.so",
		"liba.so": "https://x/a.so",
		"libm.so": "  ",
	})

	if len(names) != 2 || names[0] != "liba.so" || names[1] != "libz.so" {
		t.Errorf("validComponents = %v, want [liba.so libz.so]", names)
	}
}

func TestPipelineSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	oldBytes := []byte("old liba contents")
	h.tools.preExisting = map[string][]byte{
		filepath.Join("lib", "arm64-v8a", "liba.so"): oldBytes,
	}
	newA := []byte("replacement liba")
	newB := []byte("replacement libb")
	h.fetcher.content["https://cdn/a.so"] = newA
	h.fetcher.content["https://cdn/b.so"] = newB

	req := h.newRequest(t, "aaaa1111", map[string]string{
		"liba.so": "https://cdn/a.so",
		"libb.so": "https://cdn/b.so",
	})

	resp, err := h.runStages(ctx, req)
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	// Both slots hold the replacement bytes.
	libDir := filepath.Join(resp.ExtractedDir, "lib", "arm64-v8a")
	for name, want := range map[string][]byte{"liba.so": newA, "libb.so": newB} {
		got, err := os.ReadFile(filepath.Join(libDir, name))
		if err != nil {
			t.Fatalf("failed to read committed %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("committed %s = %q, want %q", name, got, want)
		}
	}

	// The task records before/after digests; liba had a prior slot,
	// libb did not.
	got, _ := h.registry.Get(req.TaskID)
	if got.Status != task.StatusComplete {
		t.Fatalf("task status = %s, want %s", got.Status, task.StatusComplete)
	}
	oldDigest, _ := digest.Reader(bytes.NewReader(oldBytes))
	if got.ComponentDigestsBefore["liba.so"] != oldDigest {
		t.Errorf("before[liba.so] = %s, want digest of prior contents", got.ComponentDigestsBefore["liba.so"])
	}
	if got.ComponentDigestsBefore["libb.so"] != digest.Absent {
		t.Errorf("before[libb.so] = %s, want %s", got.ComponentDigestsBefore["libb.so"], digest.Absent)
	}
	if got.DetectedVariant != "arm64-v8a" {
		t.Errorf("detected variant = %s", got.DetectedVariant)
	}

	// The signed output exists and its digest matches the index entry.
	outputHash, err := digest.File(resp.OutputPath)
	if err != nil {
		t.Fatalf("failed to digest output: %v", err)
	}
	if resp.OutputHash != outputHash || got.OutputHash != outputHash {
		t.Errorf("output hash mismatch: resp=%s task=%s file=%s", resp.OutputHash, got.OutputHash, outputHash)
	}

	res := h.index.Resolve(outputHash)
	if res.State != index.Resolved || res.OriginalHash != "aaaa1111" {
		t.Errorf("Resolve(output) = %+v, want Resolved aaaa1111", res)
	}

	// Intermediates were cleaned up.
	for _, scratch := range []string{resp.UnsignedPath, resp.AlignedPath} {
		if _, err := os.Stat(scratch); !os.IsNotExist(err) {
			t.Errorf("intermediate %s still exists", scratch)
		}
	}
}

func TestFetchFailureLeavesTreeUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	oldBytes := []byte("old liba contents")
	h.tools.preExisting = map[string][]byte{
		filepath.Join("lib", "arm64-v8a", "liba.so"): oldBytes,
	}
	h.fetcher.content["https://cdn/a.so"] = []byte("replacement liba")
	h.fetcher.fail["https://cdn/b.so"] = true

	req := h.newRequest(t, "aaaa1111", map[string]string{
		"liba.so": "https://cdn/a.so",
		"libb.so": "https://cdn/b.so",
	})

	resp, err := h.runStages(ctx, req)
	if err == nil {
		t.Fatal("expected pipeline failure")
	}

	// liba fetched and verified before libb failed, but it must not
	// have been committed.
	slot := filepath.Join(resp.ExtractedDir, "lib", "arm64-v8a", "liba.so")
	got, readErr := os.ReadFile(slot)
	if readErr != nil {
		t.Fatalf("failed to read slot: %v", readErr)
	}
	if !bytes.Equal(got, oldBytes) {
		t.Error("verified-but-uncommitted component leaked into the tree")
	}

	// The task failed naming the component, and the index saw nothing.
	snap, _ := h.registry.Get(req.TaskID)
	if snap.Status != task.StatusFailed {
		t.Fatalf("task status = %s, want %s", snap.Status, task.StatusFailed)
	}
	if !strings.Contains(snap.FailureReason, "libb.so") {
		t.Errorf("failure reason %q does not name the component", snap.FailureReason)
	}
	if res := h.index.Resolve("aaaa1111"); res.State != index.NotFound {
		t.Errorf("failed task wrote to the index: %+v", res)
	}
}

func TestVariantMismatchFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.content["https://cdn/a.so"] = []byte("wrong arch bytes")
	h.tools.variants["downloaded_liba.so"] = tools.VariantArm32

	req := h.newRequest(t, "aaaa1111", map[string]string{
		"liba.so": "https://cdn/a.so",
	})

	if _, err := h.runStages(ctx, req); err == nil {
		t.Fatal("expected pipeline failure")
	}

	snap, _ := h.registry.Get(req.TaskID)
	if snap.Status != task.StatusFailed {
		t.Fatalf("task status = %s, want %s", snap.Status, task.StatusFailed)
	}
	for _, want := range []string{"liba.so", "arm64-v8a", "armeabi-v7a"} {
		if !strings.Contains(snap.FailureReason, want) {
			t.Errorf("failure reason %q missing %q", snap.FailureReason, want)
		}
	}
}

func TestEmptyComponentsFailBeforeFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := h.newRequest(t, "aaaa1111", map[string]string{"liba.so": "  "})

	if _, err := h.runStages(ctx, req); err == nil {
		t.Fatal("expected pipeline failure")
	}

	snap, _ := h.registry.Get(req.TaskID)
	if snap.Status != task.StatusFailed {
		t.Fatalf("task status = %s, want %s", snap.Status, task.StatusFailed)
	}
	if len(snap.ComponentDigestsBefore) != 0 {
		t.Error("validation failure still captured component digests")
	}
}

func TestDerivedInputRootsAtOriginal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.content["https://cdn/a.so"] = []byte("first replacement")
	components := map[string]string{"liba.so": "https://cdn/a.so"}

	// First run roots the record at the original hash.
	req1 := h.newRequest(t, "aaaa1111", components)
	resp1, err := h.runStages(ctx, req1)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Second run submits the first run's output. Its completion must
	// land on the original record, not start a new chain.
	h.fetcher.content["https://cdn/a.so"] = []byte("second replacement")
	req2 := h.newRequest(t, resp1.OutputHash, components)
	resp2, err := h.runStages(ctx, req2)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	rec, ok := h.index.Get("aaaa1111")
	if !ok {
		t.Fatal("original record missing")
	}
	if len(rec.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(rec.History))
	}
	if res := h.index.Resolve(resp2.OutputHash); res.State != index.Resolved || res.OriginalHash != "aaaa1111" {
		t.Errorf("Resolve(second output) = %+v, want Resolved aaaa1111", res)
	}
	if _, ok := h.index.Get(resp1.OutputHash); ok {
		t.Error("derived input spawned its own index record")
	}
}

func TestRetryGuardExhaustsBudget(t *testing.T) {
	h := newHarness(t)
	h.machine.maxRetries = 0

	created := h.registry.Create("pkg", "a.apk", "arm64-v8a", "h1")
	if err := h.machine.retryGuard(context.Background(), created.ID); err == nil {
		t.Fatal("expected abort with exhausted retry budget")
	}

	snap, _ := h.registry.Get(created.ID)
	if snap.Status != task.StatusFailed {
		t.Errorf("task status = %s, want %s", snap.Status, task.StatusFailed)
	}
	if !strings.Contains(snap.FailureReason, "max retries") {
		t.Errorf("failure reason %q does not mention retries", snap.FailureReason)
	}
}

func TestFailIsTerminal(t *testing.T) {
	h := newHarness(t)

	created := h.registry.Create("pkg", "a.apk", "arm64-v8a", "h1")
	h.registry.MarkProcessing(created.ID)

	if err := h.machine.fail(created.ID, StateRepack, fmt.Errorf("boom")); err == nil {
		t.Fatal("fail must return an abort error")
	}

	snap, _ := h.registry.Get(created.ID)
	if snap.Status != task.StatusFailed || snap.FailureReason != "boom" {
		t.Errorf("unexpected task after fail: %+v", snap)
	}
	if snap.EndedAt.IsZero() || snap.EndedAt.Before(snap.StartedAt.Add(-time.Second)) {
		t.Errorf("fail did not stamp a sane end time: %+v", snap)
	}
}
