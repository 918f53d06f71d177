// Package worker defines the worker-side RPC surface the scheduler drives
// (spec.md §6) and a concrete in-process simulated worker actor fulfilling
// it: SimWorker. The training step itself is out of scope for this system
// (an external collaborator); SimWorker fakes progress with a bounded
// random walk so the scheduler/tuner core can be driven and tested.
package worker

import (
	"context"

	"github.com/niceyeti/pbtsched/internal/trial"
)

// CompletionMsg is what a worker reports on its Results channel when a
// trial has advanced one scheduling unit (a phase, a pause, a termination,
// or a mutation request), or when an in-flight trial is lost to an error.
type CompletionMsg struct {
	State trial.State
	Err   error
}

// LogFile is the external log-collection boundary: one worker's full log
// text, named by worker id.
type LogFile struct {
	ID      int
	Content string
}

// Worker is the async, request/response surface the scheduler drives.
// Every operation here corresponds to one row of spec.md §6's worker
// interface table.
type Worker interface {
	// ID identifies this worker for logging and worker_id bookkeeping.
	ID() int

	// Type is queried once at scheduler construction to partition workers
	// into cpuWorkers/gpuWorkers.
	Type() trial.WorkerType

	// AvailableSlots reports free capacity; zero means busy.
	AvailableSlots(ctx context.Context) (int, error)

	// ActiveTrials snapshots the trials currently training on this worker.
	ActiveTrials(ctx context.Context) ([]trial.State, error)

	// AssignTrial hands ts to the worker. It returns once the assignment
	// has been accepted (or rejected as a capacity collision); the actual
	// training outcome arrives later on Results().
	AssignTrial(ctx context.Context, ts trial.State) error

	// SendSignal requests preemption of the named trial if the worker is
	// still training it. It is a no-op, not an error, for an unknown id —
	// the preempt-after-finish race in spec.md §5/§8.
	SendSignal(ctx context.Context, trialID int) error

	// UpdatePhase advances the worker's view of the current phase.
	UpdatePhase(ctx context.Context, phase int) error

	// GetLogFile returns this worker's accumulated log.
	GetLogFile(ctx context.Context) (LogFile, error)

	// Results is this worker's completion stream. It stays open for the
	// worker's lifetime; the scheduler fans all workers' Results channels
	// into one via channerics.Merge.
	Results() <-chan CompletionMsg
}
