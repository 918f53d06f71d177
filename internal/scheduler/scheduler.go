// Package scheduler drives the dispatch loop: it pulls trials off a
// pending queue onto idle workers, demultiplexes their asynchronous
// completions, and routes each completed trial to its next queue (or to
// the tuner for mutation) based on the status it came back with.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	channerics "github.com/niceyeti/channerics/channels"

	"github.com/niceyeti/pbtsched/internal/trial"
	"github.com/niceyeti/pbtsched/internal/trialphase"
	"github.com/niceyeti/pbtsched/internal/worker"
)

// TunerCallback is the narrow slice of Tuner capability the Scheduler
// needs: recording progress and performing a mutation. Keeping this as an
// interface here, rather than importing the tuner package directly, breaks
// what would otherwise be a Scheduler<->Tuner import cycle, since the
// Tuner owns the Scheduler.
type TunerCallback interface {
	RecordTrialProgress(ctx context.Context, ts trial.State) error
	Mutation(ctx context.Context, ts trial.State) (trial.State, error)
	GetTrialProgress() []trial.State
}

// Config bundles the scheduler's tunable knobs.
type Config struct {
	StopIteration  int
	PhaseIteration int
	// WaitTimeout bounds how long Run waits for a completion before
	// looping back to reconsider dispatch. The teacher's analogue is
	// ray.wait's timeout in the original polling loop.
	WaitTimeout time.Duration
}

// Scheduler owns the pending/completed trial queues and the dispatch loop
// that assigns them to workers.
type Scheduler struct {
	tuner TunerCallback

	workers    []worker.Worker
	gpuWorkers []worker.Worker
	cpuWorkers []worker.Worker

	pending        []trial.State
	completed      []trial.State
	// waitingTrialStates is reserved for a future admission-control queue
	// (trials held back before becoming pending); nothing populates it yet.
	waitingTrialStates []trial.State
	trialStateNums     int

	phase       *trialphase.TrialPhase
	waitTimeout time.Duration

	results <-chan worker.CompletionMsg
	logger  *log.Logger
}

// New partitions workers by type. Their Results channels are fanned into
// one completion stream when Run starts.
func New(tuner TunerCallback, workers []worker.Worker, initial []trial.State, cfg Config, logger *log.Logger) *Scheduler {
	s := &Scheduler{
		tuner:          tuner,
		workers:        workers,
		pending:        append([]trial.State(nil), initial...),
		trialStateNums: len(initial),
		phase:          trialphase.New(cfg.StopIteration, cfg.PhaseIteration, logger),
		waitTimeout:    cfg.WaitTimeout,
		logger:         logger,
	}

	streams := make([]<-chan worker.CompletionMsg, 0, len(workers))
	for _, w := range workers {
		switch w.Type() {
		case trial.GPU:
			s.gpuWorkers = append(s.gpuWorkers, w)
		case trial.CPU:
			s.cpuWorkers = append(s.cpuWorkers, w)
		}
		streams = append(streams, w.Results())
	}

	s.logger.Printf("gpu workers: %d, cpu workers: %d", len(s.gpuWorkers), len(s.cpuWorkers))
	return s
}

// useRoundRobin decides which dispatch strategy governs this tick. Early
// in a run, round-robin keeps CPU workers populated; once most trials have
// completed, gpu-first concentrates the tail on GPU capacity and starts
// preempting CPU stragglers.
func (s *Scheduler) useRoundRobin() bool {
	return len(s.completed) <= s.trialStateNums-len(s.gpuWorkers)*3
}

// updatePhase recomputes the population phase from the tuner's latest
// progress snapshot and pushes it to every worker if it advanced.
func (s *Scheduler) updatePhase(ctx context.Context, progress []trial.State) error {
	old := s.phase.CurrentPhase
	s.phase.Update(progress)

	if s.phase.CurrentPhase == old {
		return nil
	}
	for _, w := range s.workers {
		if err := w.UpdatePhase(ctx, s.phase.CurrentPhase); err != nil {
			return fmt.Errorf("updating phase on worker %d: %w", w.ID(), err)
		}
	}
	return nil
}

// dispatch runs one round-trip of the active Strategy: it may assign a
// pending trial to an idle worker, or preempt a running one. Capacity
// collisions surface later as a PENDING completion, not an error here.
func (s *Scheduler) dispatch(ctx context.Context) error {
	if len(s.pending) > 0 {
		ids := make([]int, len(s.pending))
		for i, ts := range s.pending {
			ids[i] = ts.ID
		}
		s.logger.Printf("pending queue depth %d: %v", len(s.pending), ids)
	}

	strategy := Strategy(RoundRobin)
	if !s.useRoundRobin() {
		strategy = GPUFirst
	}

	action, err := strategy(ctx, s.pending, s.gpuWorkers, s.cpuWorkers, s.phase)
	if err != nil {
		return fmt.Errorf("strategy dispatch: %w", err)
	}

	switch action.Kind {
	case Idle:
		return nil
	case Preempt:
		s.logger.Printf("preempting trial %d on worker %d", action.PreemptTrialID, action.Worker.ID())
		return action.Worker.SendSignal(ctx, action.PreemptTrialID)
	case Assign:
		ts := s.pending[action.PendingIdx]
		s.pending = append(s.pending[:action.PendingIdx], s.pending[action.PendingIdx+1:]...)
		ts.WorkerID = action.Worker.ID()
		ts.WorkerType = action.Worker.Type()
		ts.Status = trial.Running
		return action.Worker.AssignTrial(ctx, ts)
	default:
		return fmt.Errorf("unreachable: unknown action kind %v", action.Kind)
	}
}

// Run dispatches trials and drains completions until every trial the
// scheduler started with has reached TERMINATE. It returns nil when that
// happens, ctx's error when ctx is canceled, and an error when work runs
// out (nothing pending, nothing running) before every trial terminated.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Printf("dispatch loop starting, %d trials", s.trialStateNums)

	if s.results == nil {
		streams := make([]<-chan worker.CompletionMsg, 0, len(s.workers))
		for _, w := range s.workers {
			streams = append(streams, w.Results())
		}
		s.results = channerics.Merge(ctx.Done(), streams...)
	}

	for len(s.completed) < s.trialStateNums {
		if err := s.updatePhase(ctx, s.progressSnapshot()); err != nil {
			return err
		}

		if err := s.dispatch(ctx); err != nil {
			return err
		}

		if len(s.pending) == 0 && !s.anyRunning() {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.results:
			if err := s.handleCompletion(ctx, msg); err != nil {
				s.logger.Printf("completion handling failed: %v", err)
			}
		case <-time.After(s.waitTimeout):
			// no completion this tick; loop back and re-dispatch
		}
	}

	if len(s.completed) < s.trialStateNums {
		s.logger.Printf("run failed: only %d of %d trials completed", len(s.completed), s.trialStateNums)
		return fmt.Errorf("run ended with %d of %d trials completed", len(s.completed), s.trialStateNums)
	}

	s.logger.Printf("all %d trials complete", s.trialStateNums)
	return nil
}

// anyRunning reports whether any worker currently has an active trial.
// Used only to detect the otherwise-impossible state of an empty pending
// queue with no trials in flight and fewer than trialStateNums completed,
// which would hang Run forever.
func (s *Scheduler) anyRunning() bool {
	ctx := context.Background()
	for _, w := range s.workers {
		active, err := w.ActiveTrials(ctx)
		if err != nil {
			continue
		}
		if len(active) > 0 {
			return true
		}
	}
	return false
}

// progressSnapshot asks the tuner for its latest per-trial view, used to
// recompute the population phase. The scheduler keeps no iteration state
// of its own between completions; the tuner's ledger is authoritative.
func (s *Scheduler) progressSnapshot() []trial.State {
	return s.tuner.GetTrialProgress()
}

// handleCompletion routes a worker's reported outcome to its next queue.
// Per-trial errors are logged and dropped; a completion returning RUNNING,
// or one whose worker_id/worker_type don't match an assigned trial, is a
// scheduler invariant violation and panics, matching the teacher's own
// "this should be unreachable" panic in getReward.
func (s *Scheduler) handleCompletion(ctx context.Context, msg worker.CompletionMsg) error {
	if msg.Err != nil {
		s.logger.Printf("worker reported error: %v", msg.Err)
		return nil
	}

	ts := msg.State

	if ts.Status != trial.Pending && (ts.WorkerID == trial.UnassignedWorkerID || ts.WorkerType == trial.None) {
		panic(fmt.Sprintf("invariant violation: trial %d completed with status %s but no worker_id/worker_type", ts.ID, ts.Status))
	}

	reportedStatus := ts.Status

	switch ts.Status {
	case trial.Terminate:
		ts.Unassign()
		s.completed = append(s.completed, ts)
		s.logger.Printf("trial %d terminated, accuracy %.4f", ts.ID, ts.Accuracy)
		ids := make([]int, len(s.completed))
		for i, c := range s.completed {
			ids[i] = c.ID
		}
		sort.Ints(ids)
		s.logger.Printf("completed trials so far: %v", ids)

	case trial.NeedMutation:
		mutated, err := s.tuner.Mutation(ctx, ts)
		if err != nil {
			s.logger.Printf("mutation for trial %d failed: %v", ts.ID, err)
			return nil
		}
		mutated.Status = trial.Pending
		mutated.Unassign()
		ts = mutated
		s.pending = append(s.pending, ts)

	case trial.Pause:
		ts.Status = trial.Pending
		ts.Unassign()
		s.pending = append(s.pending, ts)
		s.logger.Printf("trial %d paused at iteration %d, accuracy %.4f", ts.ID, ts.Iteration, ts.Accuracy)

	case trial.Pending:
		// a capacity collision: the worker bounced the assignment back.
		ts.Unassign()
		s.pending = append(s.pending, ts)
		s.logger.Printf("collision: trial %d returned unassigned", ts.ID)

	default:
		panic(fmt.Sprintf("invariant violation: trial %d completed with unexpected status %s", ts.ID, reportedStatus))
	}

	return s.tuner.RecordTrialProgress(ctx, ts)
}

// PrintIterationCount renders a per-trial CPU/GPU iteration split as a
// colored progress bar, plus a totals row, once a run has completed.
func (s *Scheduler) PrintIterationCount() {
	completed := append([]trial.State(nil), s.completed...)
	sort.Slice(completed, func(i, j int) bool { return completed[i].ID < completed[j].ID })

	var totalCPU, totalGPU int
	for _, ts := range completed {
		cpu, gpu := ts.DeviceIterationCount[trial.CPU], ts.DeviceIterationCount[trial.GPU]
		totalCPU += cpu
		totalGPU += gpu
		fmt.Printf("Trial:%2d CPU/GPU %s\n", ts.ID, colorBar(cpu, gpu, 40))
	}
	fmt.Printf("Total   CPU/GPU %s\n", colorBar(totalCPU, totalGPU, 40))
}

// CollectWorkerLogs pulls each worker's accumulated log and writes it to
// logDir/worker-<id>.log.
func (s *Scheduler) CollectWorkerLogs(ctx context.Context, logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	for _, w := range s.workers {
		lf, err := w.GetLogFile(ctx)
		if err != nil {
			return fmt.Errorf("fetching log for worker %d: %w", w.ID(), err)
		}
		path := filepath.Join(logDir, fmt.Sprintf("worker-%d.log", lf.ID))
		if err := os.WriteFile(path, []byte(lf.Content), 0o644); err != nil {
			return fmt.Errorf("writing log for worker %d: %w", w.ID(), err)
		}
	}
	return nil
}
