// Package pipeline implements the artifact transformation workflow. It
// drives each task through unpack, request validation, component
// fetch-and-verify, commit, repack, post-processing, and finalization
// using the superfly/fsm library, updating the task registry as it goes
// and recording successful completions in the content index.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/pkgpatch/pkgpatch/pkg/errors"
	"github.com/pkgpatch/pkgpatch/pkg/fetch"
	"github.com/pkgpatch/pkgpatch/pkg/index"
	"github.com/pkgpatch/pkgpatch/pkg/task"
	"github.com/pkgpatch/pkgpatch/pkg/tools"
)

// Machine holds the collaborators every pipeline execution needs.
type Machine struct {
	registry *task.Registry
	index    *index.Index
	fetcher  fetch.Fetcher
	tools    tools.Adapter

	tempDir      string
	outputDir    string
	pkgNamePaths bool
	maxRetries   int
}

// NewMachine creates a pipeline machine. When pkgNamePaths is set, work
// directories are prefixed with the package name so repeated tasks for
// the same input stay inspectable side by side.
func NewMachine(
	registry *task.Registry,
	ix *index.Index,
	fetcher fetch.Fetcher,
	adapter tools.Adapter,
	tempDir, outputDir string,
	pkgNamePaths bool,
	maxRetries int,
) *Machine {
	return &Machine{
		registry:     registry,
		index:        ix,
		fetcher:      fetcher,
		tools:        adapter,
		tempDir:      tempDir,
		outputDir:    outputDir,
		pkgNamePaths: pkgNamePaths,
		maxRetries:   maxRetries,
	}
}

// Register registers the artifact processing FSM.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ProcessRequest, ProcessResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ProcessRequest, ProcessResponse](manager, "apk-process").
		Start(StateUnpack, m.handleUnpack).
		To(StateValidate, m.handleValidate).
		To(StateFetchVerify, m.handleFetchVerify).
		To(StateCommit, m.handleCommit).
		To(StateRepack, m.handleRepack).
		To(StatePostProcess, m.handlePostProcess).
		To(StateFinalize, m.handleFinalize).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// retryGuard aborts the execution once the retry budget is spent.
func (m *Machine) retryGuard(ctx context.Context, taskID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		err := fmt.Errorf("max retries (%d) exceeded", m.maxRetries)
		slog.Error("max_retries_exceeded", "task_id", taskID, "max_retries", m.maxRetries)
		m.registry.MarkFailed(taskID, err.Error())
		return fsm.Abort(err)
	}
	return nil
}

// fail marks the task failed with the triggering cause and aborts the
// execution. Nothing past the failing stage runs, and a failed task
// never writes to the index.
func (m *Machine) fail(taskID, stage string, err error) error {
	slog.Error("pipeline_stage_failed", "task_id", taskID, "stage", stage, "error", err)
	m.registry.MarkFailed(taskID, err.Error())
	return fsm.Abort(err)
}
