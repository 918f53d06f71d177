package scheduler

import (
	"context"
	"log"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/niceyeti/pbtsched/internal/trial"
	"github.com/niceyeti/pbtsched/internal/trialresult"
	"github.com/niceyeti/pbtsched/internal/worker"
)

// fakeTuner is a minimal TunerCallback backed directly by a
// trialresult.TrialResult, with no mutation perturbation beyond what the
// real Tuner does, so scheduler tests don't need the tuner package (which
// would import scheduler and create a cycle).
type fakeTuner struct {
	result *trialresult.TrialResult
}

func newFakeTuner() *fakeTuner {
	return &fakeTuner{result: trialresult.New()}
}

func (ft *fakeTuner) RecordTrialProgress(ctx context.Context, ts trial.State) error {
	ft.result.RecordTrialProgress(ts)
	return nil
}

func (ft *fakeTuner) GetTrialProgress() []trial.State {
	return ft.result.GetTrialProgress()
}

func (ft *fakeTuner) Mutation(ctx context.Context, ts trial.State) (trial.State, error) {
	_, upper := ft.result.GetQuantile(0.25)
	donor := upper[0]
	mutated := ts
	mutated.Hyperparameter = donor.Hyperparameter
	mutated.Hyperparameter.LR *= 0.8
	mutated.Hyperparameter.Momentum *= 1.2
	mutated.Checkpoint = donor.Checkpoint
	return mutated, nil
}

func testLogger() *log.Logger {
	return log.New(logDiscard{}, "", 0)
}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

func newPopulation(n, stopIteration int) []trial.State {
	pop := make([]trial.State, 0, n)
	for i := 0; i < n; i++ {
		pop = append(pop, trial.New(i, trial.Hyperparameter{LR: 0.01, Momentum: 0.9}, stopIteration))
	}
	return pop
}

// Scenario 1 from spec.md §8: single GPU, single CPU, N=2, stop=4, phase=2.
// The round-robin condition |completed| <= 2 - 3*1 = -1 never holds, so
// gpu-first governs the entire run and both trials reach TERMINATE.
func TestScheduler_SingleGPUSingleCPU(t *testing.T) {
	Convey("Given one CPU worker, one GPU worker, and two trials with a small budget", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger := testLogger()
		cpu := worker.NewSimWorker(ctx, 0, trial.CPU, worker.Config{
			Capacity: 1, PhaseIteration: 2, MutationProbability: 0, StepDelay: time.Millisecond,
		}, logger)
		gpu := worker.NewSimWorker(ctx, 1, trial.GPU, worker.Config{
			Capacity: 1, PhaseIteration: 2, MutationProbability: 0, StepDelay: time.Millisecond,
		}, logger)

		population := newPopulation(2, 4)
		ft := newFakeTuner()
		for _, ts := range population {
			ft.result.RecordTrialProgress(ts)
		}

		s := New(ft, []worker.Worker{cpu, gpu}, population, Config{
			StopIteration:  4,
			PhaseIteration: 2,
			WaitTimeout:    50 * time.Millisecond,
		}, logger)

		Convey("Run completes with both trials terminated at their stop iteration", func() {
			err := s.Run(ctx)
			So(err, ShouldBeNil)
			So(s.completed, ShouldHaveLength, 2)
			for _, ts := range s.completed {
				So(ts.Status, ShouldEqual, trial.Terminate)
				So(ts.Iteration, ShouldEqual, 4)
			}
		})
	})
}

// Scenario 2 from spec.md §8: zero GPUs, two CPUs, N=4. Round-robin governs
// throughout (no GPU workers means the switchover threshold is never a
// meaningful gate on dispatch, since gpu-first would have no GPU to assign
// to either); every trial's GPU device iteration count stays zero.
func TestScheduler_ZeroGPUsTwoCPUs(t *testing.T) {
	Convey("Given two CPU workers, no GPU workers, and four trials", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger := testLogger()
		cpuA := worker.NewSimWorker(ctx, 0, trial.CPU, worker.Config{
			Capacity: 1, PhaseIteration: 2, MutationProbability: 0, StepDelay: time.Millisecond,
		}, logger)
		cpuB := worker.NewSimWorker(ctx, 1, trial.CPU, worker.Config{
			Capacity: 1, PhaseIteration: 2, MutationProbability: 0, StepDelay: time.Millisecond,
		}, logger)

		population := newPopulation(4, 4)
		ft := newFakeTuner()
		for _, ts := range population {
			ft.result.RecordTrialProgress(ts)
		}

		s := New(ft, []worker.Worker{cpuA, cpuB}, population, Config{
			StopIteration:  4,
			PhaseIteration: 2,
			WaitTimeout:    50 * time.Millisecond,
		}, logger)

		Convey("Every trial terminates having never touched a GPU", func() {
			err := s.Run(ctx)
			So(err, ShouldBeNil)
			So(s.completed, ShouldHaveLength, 4)
			for _, ts := range s.completed {
				So(ts.Status, ShouldEqual, trial.Terminate)
				So(ts.DeviceIterationCount[trial.GPU], ShouldEqual, 0)
			}
		})
	})
}

func TestUseRoundRobin(t *testing.T) {
	Convey("Given a scheduler with 3 trials and 1 GPU worker", t, func() {
		s := &Scheduler{trialStateNums: 3, gpuWorkers: []worker.Worker{&fakeWorker{wtype: trial.GPU}}}

		Convey("Round-robin governs until more than N - 3*gpuWorkers trials have completed", func() {
			s.completed = nil
			So(s.useRoundRobin(), ShouldBeTrue)

			s.completed = make([]trial.State, 1)
			So(s.useRoundRobin(), ShouldBeFalse) // 1 > 3 - 3 = 0
		})
	})
}

func TestHandleCompletion(t *testing.T) {
	ctx := context.Background()

	Convey("Given a scheduler and a trial that terminated", t, func() {
		ft := newFakeTuner()
		s := &Scheduler{tuner: ft, logger: testLogger()}
		ts := trial.New(1, trial.Hyperparameter{}, 10)
		ts.Status = trial.Terminate
		ts.Iteration = 10
		ts.WorkerID = 0
		ts.WorkerType = trial.GPU

		Convey("It is appended to completed and recorded, never re-queued, with worker fields reset", func() {
			err := s.handleCompletion(ctx, worker.CompletionMsg{State: ts})
			So(err, ShouldBeNil)
			So(s.completed, ShouldHaveLength, 1)
			So(s.pending, ShouldBeEmpty)
			So(s.completed[0].WorkerID, ShouldEqual, trial.UnassignedWorkerID)
			So(s.completed[0].WorkerType, ShouldEqual, trial.None)

			recorded := ft.result.GetTrialProgress()
			So(recorded, ShouldHaveLength, 1)
			So(recorded[0].WorkerID, ShouldEqual, trial.UnassignedWorkerID)
		})
	})

	Convey("Given a scheduler and a trial flagged NEED_MUTATION", t, func() {
		ft := newFakeTuner()
		donorCheckpoint := &trial.Checkpoint{Ref: "donor"}
		donor := trial.New(99, trial.Hyperparameter{LR: 0.5, Momentum: 0.5}, 10)
		donor.Accuracy = 1.0
		donor.Checkpoint = donorCheckpoint
		ft.result.UpdateTrialResult(donor)

		s := &Scheduler{tuner: ft, logger: testLogger()}
		ts := trial.New(5, trial.Hyperparameter{LR: 0.01, Momentum: 0.1}, 10)
		ts.Status = trial.NeedMutation
		ts.WorkerID = 2
		ts.WorkerType = trial.GPU

		Convey("It is re-queued with the mutated hyperparameters and checkpoint, not the original", func() {
			err := s.handleCompletion(ctx, worker.CompletionMsg{State: ts})
			So(err, ShouldBeNil)
			So(s.pending, ShouldHaveLength, 1)

			requeued := s.pending[0]
			So(requeued.Status, ShouldEqual, trial.Pending)
			So(requeued.Checkpoint, ShouldEqual, donorCheckpoint)
			So(requeued.Hyperparameter.LR, ShouldEqual, 0.5*0.8)
			So(requeued.WorkerID, ShouldEqual, trial.UnassignedWorkerID)

			recorded := ft.result.GetTrialProgress()
			var got trial.State
			for _, r := range recorded {
				if r.ID == 5 {
					got = r
				}
			}
			So(got.Checkpoint, ShouldEqual, donorCheckpoint)
		})
	})

	Convey("Given a scheduler and a trial returned PENDING (collision)", t, func() {
		ft := newFakeTuner()
		s := &Scheduler{tuner: ft, logger: testLogger()}
		ts := trial.New(2, trial.Hyperparameter{}, 10)
		ts.Iteration = 3
		ts.Accuracy = 0.42
		ts.Status = trial.Pending
		ts.WorkerID = 9
		ts.WorkerType = trial.CPU

		Convey("It is re-queued unchanged in iteration, accuracy, and checkpoint", func() {
			err := s.handleCompletion(ctx, worker.CompletionMsg{State: ts})
			So(err, ShouldBeNil)
			So(s.pending, ShouldHaveLength, 1)
			requeued := s.pending[0]
			So(requeued.Iteration, ShouldEqual, 3)
			So(requeued.Accuracy, ShouldEqual, 0.42)
			So(requeued.Checkpoint, ShouldEqual, ts.Checkpoint)
			So(requeued.WorkerID, ShouldEqual, trial.UnassignedWorkerID)
			So(requeued.WorkerType, ShouldEqual, trial.None)
		})
	})

	Convey("Given a scheduler and a trial returned with status RUNNING", t, func() {
		ft := newFakeTuner()
		s := &Scheduler{tuner: ft, logger: testLogger()}
		ts := trial.New(3, trial.Hyperparameter{}, 10)
		ts.Status = trial.Running
		ts.WorkerID = 0
		ts.WorkerType = trial.CPU

		Convey("It is treated as a fatal invariant violation and panics", func() {
			So(func() { _ = s.handleCompletion(ctx, worker.CompletionMsg{State: ts}) }, ShouldPanic)
		})
	})

	Convey("Given a trial completed with a status but missing its worker assignment", t, func() {
		ft := newFakeTuner()
		s := &Scheduler{tuner: ft, logger: testLogger()}
		ts := trial.New(4, trial.Hyperparameter{}, 10)
		ts.Status = trial.Terminate

		Convey("It is a fatal invariant violation and panics", func() {
			So(func() { _ = s.handleCompletion(ctx, worker.CompletionMsg{State: ts}) }, ShouldPanic)
		})
	})

	Convey("Given a completion message carrying an error", t, func() {
		ft := newFakeTuner()
		s := &Scheduler{tuner: ft, logger: testLogger()}

		Convey("It is logged and dropped, not returned as an error", func() {
			err := s.handleCompletion(ctx, worker.CompletionMsg{Err: context.DeadlineExceeded})
			So(err, ShouldBeNil)
			So(s.completed, ShouldBeEmpty)
			So(s.pending, ShouldBeEmpty)
		})
	})
}
