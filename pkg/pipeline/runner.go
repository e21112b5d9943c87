package pipeline

import (
	"context"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/pkgpatch/pkgpatch/pkg/errors"
)

// Runner binds a registered machine to its FSM manager and dispatches
// task executions.
type Runner struct {
	machine *Machine
	manager *fsm.Manager
	start   fsm.Start[ProcessRequest, ProcessResponse]
}

// NewRunner registers machine with manager and returns a runner ready
// to execute tasks.
func NewRunner(ctx context.Context, machine *Machine, manager *fsm.Manager) (*Runner, error) {
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return nil, err
	}
	return &Runner{machine: machine, manager: manager, start: start}, nil
}

// Run executes the pipeline for req synchronously. The task's terminal
// state is set by the stage handlers; the returned error only reports
// the execution outcome to the caller.
func (r *Runner) Run(ctx context.Context, req *ProcessRequest) error {
	resp := &ProcessResponse{}

	version, err := r.start(ctx, req.TaskID, fsm.NewRequest(req, resp))
	if err != nil {
		// The machine never ran, so no handler marked the task.
		r.machine.registry.MarkFailed(req.TaskID, "failed to start pipeline: "+err.Error())
		return errors.Wrap(err, "FSM start failed")
	}

	if err := r.manager.Wait(ctx, version); err != nil {
		r.failIfStuck(req.TaskID, err)
		return errors.Wrap(err, "FSM execution failed")
	}
	return nil
}

// failIfStuck marks the task failed when an execution error left it
// non-terminal, for example a context cancelled between transitions.
// Without this the task would sit in PROCESSING forever; the registry
// janitor only evicts terminal tasks.
func (r *Runner) failIfStuck(taskID string, cause error) {
	if t, ok := r.machine.registry.Get(taskID); ok && !t.Terminal() {
		r.machine.registry.MarkFailed(taskID, "pipeline interrupted: "+cause.Error())
	}
}

// Dispatch runs the pipeline for req in the background. The submission
// path is fire-and-forget; callers observe progress by polling the task
// registry.
func (r *Runner) Dispatch(req *ProcessRequest) {
	go func() {
		if err := r.Run(context.Background(), req); err != nil {
			slog.Error("pipeline_run_failed", "task_id", req.TaskID, "error", err)
		}
	}()
}
