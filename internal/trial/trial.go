// Package trial holds the value-copyable trial record that crosses every
// component boundary in this system: TrialState, its hyperparameters, and
// the enums describing its lifecycle and assignment.
package trial

import "fmt"

// Status is the trial's lifecycle state. It is owned by whichever component
// currently holds the authoritative TrialState copy.
type Status int

const (
	Pending Status = iota
	Running
	Pause
	NeedMutation
	Terminate
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Pause:
		return "PAUSE"
	case NeedMutation:
		return "NEED_MUTATION"
	case Terminate:
		return "TERMINATE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// WorkerType distinguishes the two device pools workers belong to.
type WorkerType int

const (
	None WorkerType = iota
	CPU
	GPU
)

func (w WorkerType) String() string {
	switch w {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "NONE"
	}
}

// UnassignedWorkerID is the worker_id sentinel for a trial currently on a
// queue rather than assigned to any worker.
const UnassignedWorkerID = -1

// Hyperparameter is the opaque-to-the-scheduler payload a trial trains with,
// except during mutation, which reads and rewrites lr/momentum directly.
type Hyperparameter struct {
	LR        float64
	Momentum  float64
	BatchSize int
	ModelType string
}

// Checkpoint is an opaque, copyable handle to a saved model state. The
// underlying storage (wherever workers actually write checkpoint bytes) is
// an external concern; this system only ever copies the handle.
type Checkpoint struct {
	Ref string
}

// State is the mutable record for one trial. Identity is ID; every other
// field may change as the trial moves between queues and workers. State is
// passed by value between components — Clone produces an independent copy
// safe to hand to another goroutine.
type State struct {
	ID             int
	Hyperparameter Hyperparameter
	Checkpoint     *Checkpoint
	Iteration      int
	StopIteration  int
	Phase          int
	Accuracy       float64
	Status         Status
	WorkerID       int
	WorkerType     WorkerType

	// DeviceIterationCount tracks how many iterations each device type
	// contributed to this trial's progress.
	DeviceIterationCount map[WorkerType]int
}

// New returns a fresh, queue-ready trial state.
func New(id int, hp Hyperparameter, stopIteration int) State {
	return State{
		ID:             id,
		Hyperparameter: hp,
		StopIteration:  stopIteration,
		Status:         Pending,
		WorkerID:       UnassignedWorkerID,
		WorkerType:     None,
		DeviceIterationCount: map[WorkerType]int{
			CPU: 0,
			GPU: 0,
		},
	}
}

// Clone returns an independent copy of ts, safe to send across a channel to
// another goroutine without aliasing ts's map or checkpoint pointer.
func (ts State) Clone() State {
	clone := ts
	clone.DeviceIterationCount = make(map[WorkerType]int, len(ts.DeviceIterationCount))
	for k, v := range ts.DeviceIterationCount {
		clone.DeviceIterationCount[k] = v
	}
	return clone
}

// Unassign resets the worker assignment fields, as done whenever a trial
// leaves a worker and returns to a queue.
func (ts *State) Unassign() {
	ts.WorkerID = UnassignedWorkerID
	ts.WorkerType = None
}
