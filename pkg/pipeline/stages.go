package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/superfly/fsm"

	"github.com/pkgpatch/pkgpatch/pkg/digest"
	"github.com/pkgpatch/pkgpatch/pkg/errors"
	"github.com/pkgpatch/pkgpatch/pkg/index"
	"github.com/pkgpatch/pkgpatch/pkg/task"
)

// handleUnpack enters PROCESSING and decodes the artifact into a fresh
// per-task working area.
func (m *Machine) handleUnpack(ctx context.Context, req *fsm.Request[ProcessRequest, ProcessResponse]) (*fsm.Response[ProcessResponse], error) {
	slog.Info("pipeline_unpack", "task_id", req.Msg.TaskID, "input_hash", req.Msg.InputHash)

	if err := m.retryGuard(ctx, req.Msg.TaskID); err != nil {
		return nil, err
	}

	m.registry.MarkProcessing(req.Msg.TaskID)

	resp := req.W.Msg
	if resp == nil {
		resp = &ProcessResponse{}
	}

	if err := m.unpack(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(req.Msg.TaskID, StateUnpack, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleValidate rejects requests with no usable replacement entries.
func (m *Machine) handleValidate(ctx context.Context, req *fsm.Request[ProcessRequest, ProcessResponse]) (*fsm.Response[ProcessResponse], error) {
	slog.Info("pipeline_validate", "task_id", req.Msg.TaskID, "component_count", len(req.Msg.Components))

	if err := m.retryGuard(ctx, req.Msg.TaskID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := validateComponents(req.Msg.Components); err != nil {
		return nil, m.fail(req.Msg.TaskID, StateValidate, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleFetchVerify downloads every replacement and verifies it before
// anything is committed.
func (m *Machine) handleFetchVerify(ctx context.Context, req *fsm.Request[ProcessRequest, ProcessResponse]) (*fsm.Response[ProcessResponse], error) {
	slog.Info("pipeline_fetch_verify", "task_id", req.Msg.TaskID)

	if err := m.retryGuard(ctx, req.Msg.TaskID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.fetchAndVerify(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(req.Msg.TaskID, StateFetchVerify, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleCommit copies the verified replacements into the unpacked tree.
func (m *Machine) handleCommit(ctx context.Context, req *fsm.Request[ProcessRequest, ProcessResponse]) (*fsm.Response[ProcessResponse], error) {
	if err := m.retryGuard(ctx, req.Msg.TaskID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	slog.Info("pipeline_commit", "task_id", req.Msg.TaskID, "staged_count", len(resp.Staged))

	if err := m.commit(req.Msg, resp); err != nil {
		return nil, m.fail(req.Msg.TaskID, StateCommit, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleRepack rebuilds the modified tree into an unsigned artifact.
func (m *Machine) handleRepack(ctx context.Context, req *fsm.Request[ProcessRequest, ProcessResponse]) (*fsm.Response[ProcessResponse], error) {
	slog.Info("pipeline_repack", "task_id", req.Msg.TaskID)

	if err := m.retryGuard(ctx, req.Msg.TaskID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if err := m.repack(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(req.Msg.TaskID, StateRepack, err)
	}

	return fsm.NewResponse(resp), nil
}

// handlePostProcess aligns and signs the rebuilt artifact.
func (m *Machine) handlePostProcess(ctx context.Context, req *fsm.Request[ProcessRequest, ProcessResponse]) (*fsm.Response[ProcessResponse], error) {
	slog.Info("pipeline_post_process", "task_id", req.Msg.TaskID)

	if err := m.retryGuard(ctx, req.Msg.TaskID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if err := m.postProcess(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(req.Msg.TaskID, StatePostProcess, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleFinalize digests the output, records it in the content index,
// and completes the task.
func (m *Machine) handleFinalize(ctx context.Context, req *fsm.Request[ProcessRequest, ProcessResponse]) (*fsm.Response[ProcessResponse], error) {
	slog.Info("pipeline_finalize", "task_id", req.Msg.TaskID)

	if err := m.retryGuard(ctx, req.Msg.TaskID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if err := m.finalize(ctx, req.Msg, resp); err != nil {
		return nil, m.fail(req.Msg.TaskID, StateFinalize, err)
	}

	slog.Info("pipeline_complete",
		"task_id", req.Msg.TaskID,
		"output_hash", resp.OutputHash,
		"output_path", resp.OutputPath,
	)
	return fsm.NewResponse(resp), nil
}

// unpack decodes the artifact into the task's working area. The area is
// keyed by the input hash (optionally prefixed with the package name)
// so concurrent tasks never collide and repeated tasks for one input
// reuse a stable location.
func (m *Machine) unpack(ctx context.Context, in *ProcessRequest, out *ProcessResponse) error {
	workName := in.InputHash
	if m.pkgNamePaths && in.PkgName != "" {
		workName = in.PkgName + "_" + in.InputHash
	}

	workDir := filepath.Join(m.tempDir, workName)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create work directory")
	}
	out.WorkDir = workDir

	extractedDir := filepath.Join(workDir, "extracted")
	if err := m.tools.Decode(ctx, in.ArtifactPath, extractedDir); err != nil {
		return errors.Wrap(err, "failed to decode artifact")
	}
	out.ExtractedDir = extractedDir

	slog.Info("pipeline_unpacked", "task_id", in.TaskID, "extracted_dir", extractedDir)
	return nil
}

// validateComponents drops blank-URL entries, rejects unsafe component
// names, and fails when nothing remains. An empty effective request is
// a terminal error, not a no-op success.
func validateComponents(components map[string]string) error {
	names := validComponents(components)
	if len(names) == 0 {
		return fmt.Errorf("no valid replacement supplied: all component URLs are empty")
	}
	for _, name := range names {
		if err := ValidateComponentName(name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateComponentName rejects names that would place a replacement
// outside the lib directory. A component is a bare file name inside
// lib/<variant>; separators, absolute paths, and dot traversal have no
// legitimate use there and would turn the commit into a write to an
// attacker-chosen path.
func ValidateComponentName(name string) error {
	if filepath.IsAbs(name) {
		return fmt.Errorf("invalid component name %q: absolute paths are not allowed", name)
	}
	if name == "." || name == ".." || name != filepath.Base(name) {
		return fmt.Errorf("invalid component name %q: must be a bare file name", name)
	}
	return nil
}

// validComponents returns the names of components with usable URLs in
// sorted order, keeping per-run processing deterministic for logging
// and failure attribution.
func validComponents(components map[string]string) []string {
	names := make([]string, 0, len(components))
	for name, url := range components {
		if strings.TrimSpace(url) == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fetchAndVerify downloads every component, checks its detected variant
// against the requested one, and captures before/after digests. No slot
// in the unpacked tree is touched here; a failure on the Nth component
// must leave the first N-1 uncommitted.
func (m *Machine) fetchAndVerify(ctx context.Context, in *ProcessRequest, out *ProcessResponse) error {
	libDir := filepath.Join(out.ExtractedDir, "lib", in.Variant)
	if err := os.MkdirAll(libDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create lib directory")
	}

	names := validComponents(in.Components)
	staged := make([]StagedComponent, 0, len(names))
	before := make(map[string]string, len(names))
	after := make(map[string]string, len(names))

	for i, name := range names {
		url := in.Components[name]
		slog.Info("component_fetch",
			"task_id", in.TaskID,
			"component", name,
			"progress", fmt.Sprintf("%d/%d", i+1, len(names)),
		)

		dest := filepath.Join(out.WorkDir, "downloaded_"+filepath.Base(name))
		res, err := m.fetcher.Fetch(ctx, url, dest)
		if err != nil {
			return fmt.Errorf("failed to fetch component %s: %w", name, err)
		}

		detected, err := m.tools.DetectVariant(res.LocalPath)
		if err != nil {
			return fmt.Errorf("failed to detect variant of component %s: %w", name, err)
		}
		if string(detected) != in.Variant {
			return fmt.Errorf("variant mismatch for %s: requested %s, detected %s",
				name, in.Variant, orUnknown(string(detected)))
		}

		target := filepath.Join(libDir, name)
		hashBefore := digest.Absent
		if _, err := os.Stat(target); err == nil {
			hashBefore, err = digest.File(target)
			if err != nil {
				return fmt.Errorf("failed to digest existing component %s: %w", name, err)
			}
		}

		before[name] = hashBefore
		after[name] = res.SHA256
		staged = append(staged, StagedComponent{
			Name:         name,
			DownloadPath: res.LocalPath,
			TargetPath:   target,
			HashBefore:   hashBefore,
			HashAfter:    res.SHA256,
		})

		slog.Info("component_verified",
			"task_id", in.TaskID,
			"component", name,
			"hash_before", hashBefore,
			"hash_after", res.SHA256,
		)
	}

	out.Staged = staged
	m.registry.SetComponentDigests(in.TaskID, before, after)
	m.registry.SetDetectedVariant(in.TaskID, in.Variant)
	return nil
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// commit copies every staged replacement into its slot. It runs only
// after all components verified, so the tree is never repacked with a
// subset of replacements applied.
func (m *Machine) commit(in *ProcessRequest, out *ProcessResponse) error {
	for i, sc := range out.Staged {
		if err := copyFile(sc.DownloadPath, sc.TargetPath); err != nil {
			return fmt.Errorf("failed to commit component %s: %w", sc.Name, err)
		}
		slog.Info("component_replaced",
			"task_id", in.TaskID,
			"component", sc.Name,
			"progress", fmt.Sprintf("%d/%d", i+1, len(out.Staged)),
		)
	}
	return nil
}

// repack rebuilds the modified tree into an unsigned artifact.
func (m *Machine) repack(ctx context.Context, in *ProcessRequest, out *ProcessResponse) error {
	unsigned := filepath.Join(out.WorkDir, "unsigned.apk")
	if err := m.tools.Build(ctx, out.ExtractedDir, unsigned); err != nil {
		return errors.Wrap(err, "failed to rebuild artifact")
	}
	out.UnsignedPath = unsigned
	return nil
}

// postProcess aligns then signs the rebuilt artifact. Once the signed
// output exists the intermediates are scratch and are removed
// best-effort.
func (m *Machine) postProcess(ctx context.Context, in *ProcessRequest, out *ProcessResponse) error {
	aligned := filepath.Join(out.WorkDir, "aligned.apk")
	if err := m.tools.Align(ctx, out.UnsignedPath, aligned); err != nil {
		return errors.Wrap(err, "failed to align artifact")
	}
	out.AlignedPath = aligned

	signed := filepath.Join(m.outputDir, in.TaskID+"_signed.apk")
	if err := m.tools.Sign(ctx, aligned, signed); err != nil {
		return errors.Wrap(err, "failed to sign artifact")
	}
	out.OutputPath = signed

	for _, scratch := range []string{out.UnsignedPath, out.AlignedPath} {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			slog.Warn("intermediate_cleanup_failed", "task_id", in.TaskID, "path", scratch, "error", err)
		}
	}
	return nil
}

// finalize digests the signed output and records the completion in the
// content index before the task is marked complete. An index persist
// failure fails the task: a completed task whose output is not indexed
// would be unreachable for dedup.
func (m *Machine) finalize(ctx context.Context, in *ProcessRequest, out *ProcessResponse) error {
	outputHash, err := digest.File(out.OutputPath)
	if err != nil {
		return errors.Wrap(err, "failed to digest output artifact")
	}

	// When the input hash is itself a derived hash, record against the
	// original it resolves to so alias chains stay rooted at one record.
	originalHash := in.InputHash
	if res := m.index.Resolve(in.InputHash); res.State == index.Resolved {
		originalHash = res.OriginalHash
	}

	entry := index.Entry{
		TaskID:      in.TaskID,
		PkgName:     in.PkgName,
		Variant:     in.Variant,
		OutputPath:  out.OutputPath,
		DerivedHash: outputHash,
		Timestamp:   time.Now(),
	}
	if err := m.index.RecordSuccess(originalHash, entry); err != nil {
		return errors.Wrap(err, "failed to record success in index")
	}

	out.OutputHash = outputHash
	out.Status = string(task.StatusComplete)
	m.registry.MarkComplete(in.TaskID, outputHash, out.OutputPath)
	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
