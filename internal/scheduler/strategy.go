package scheduler

import (
	"context"

	"github.com/niceyeti/pbtsched/internal/trial"
	"github.com/niceyeti/pbtsched/internal/trialphase"
	"github.com/niceyeti/pbtsched/internal/worker"
)

// ActionKind is what a Strategy decided to do this dispatch tick.
type ActionKind int

const (
	// Idle means no worker had capacity, or nothing was pending.
	Idle ActionKind = iota
	// Assign means PendingIdx should be handed to Worker.
	Assign
	// Preempt means Worker should be signaled to release PreemptTrialID;
	// no new assignment happens this tick.
	Preempt
)

// Action is a Strategy's decision for one dispatch tick.
type Action struct {
	Kind           ActionKind
	PendingIdx     int
	Worker         worker.Worker
	PreemptTrialID int
}

// Strategy picks the next dispatch action given the current pending queue
// and worker pools. It must not mutate pending; the caller removes the
// chosen trial on Assign.
type Strategy func(ctx context.Context, pending []trial.State, gpuWorkers, cpuWorkers []worker.Worker, phase *trialphase.TrialPhase) (Action, error)

// firstAvailable returns the first worker in ws with free capacity.
func firstAvailable(ctx context.Context, ws []worker.Worker) (worker.Worker, error) {
	for _, w := range ws {
		slots, err := w.AvailableSlots(ctx)
		if err != nil {
			return nil, err
		}
		if slots > 0 {
			return w, nil
		}
	}
	return nil, nil
}

// mostAvailable returns the worker in ws with the most free capacity. It
// returns nil if none have any.
func mostAvailable(ctx context.Context, ws []worker.Worker) (worker.Worker, error) {
	var best worker.Worker
	bestSlots := 0
	for _, w := range ws {
		slots, err := w.AvailableSlots(ctx)
		if err != nil {
			return nil, err
		}
		if slots > bestSlots || (best == nil && slots > 0) {
			best, bestSlots = w, slots
		}
	}
	return best, nil
}

// RoundRobin prefers CPU capacity for the furthest-along trial eligible for
// the current phase, falling back to GPU capacity for the least-along
// trial overall. It never preempts.
func RoundRobin(ctx context.Context, pending []trial.State, gpuWorkers, cpuWorkers []worker.Worker, phase *trialphase.TrialPhase) (Action, error) {
	if len(pending) == 0 {
		return Action{Kind: Idle}, nil
	}

	if w, err := firstAvailable(ctx, cpuWorkers); err != nil {
		return Action{}, err
	} else if w != nil {
		idx := -1
		for i, ts := range pending {
			if ts.Phase > phase.CurrentPhase {
				continue
			}
			if idx == -1 || ts.Iteration > pending[idx].Iteration {
				idx = i
			}
		}
		if idx != -1 {
			return Action{Kind: Assign, PendingIdx: idx, Worker: w}, nil
		}
	}

	if w, err := mostAvailable(ctx, gpuWorkers); err != nil {
		return Action{}, err
	} else if w != nil {
		idx := 0
		for i, ts := range pending {
			if ts.Iteration < pending[idx].Iteration {
				idx = i
			}
		}
		return Action{Kind: Assign, PendingIdx: idx, Worker: w}, nil
	}

	return Action{Kind: Idle}, nil
}

// GPUFirst assigns the least-along pending trial to whichever GPU worker
// has the most free capacity. Whenever no GPU slot is free (or nothing is
// pending to fill one with), it instead preempts the least-along trial
// running on CPU, so its eventual PAUSE return frees a trial for a GPU to
// pick up once one opens.
func GPUFirst(ctx context.Context, pending []trial.State, gpuWorkers, cpuWorkers []worker.Worker, phase *trialphase.TrialPhase) (Action, error) {
	gw, err := mostAvailable(ctx, gpuWorkers)
	if err != nil {
		return Action{}, err
	}
	if gw != nil && len(pending) > 0 {
		idx := 0
		for i, ts := range pending {
			if ts.Iteration < pending[idx].Iteration {
				idx = i
			}
		}
		return Action{Kind: Assign, PendingIdx: idx, Worker: gw}, nil
	}

	var victimWorker worker.Worker
	var victim trial.State
	haveVictim := false
	for _, w := range cpuWorkers {
		active, err := w.ActiveTrials(ctx)
		if err != nil {
			return Action{}, err
		}
		for _, ts := range active {
			if !haveVictim || ts.Iteration < victim.Iteration {
				victimWorker, victim, haveVictim = w, ts, true
			}
		}
	}

	if !haveVictim {
		return Action{Kind: Idle}, nil
	}
	return Action{Kind: Preempt, Worker: victimWorker, PreemptTrialID: victim.ID}, nil
}
