package worker

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/niceyeti/pbtsched/internal/trial"
)

// activeTrial is the bookkeeping a SimWorker keeps for one in-flight trial.
// It is only ever touched from inside the actor's run loop.
type activeTrial struct {
	state   trial.State
	preempt chan struct{}
}

// SimWorker is an in-process actor simulating one CPU or GPU compute
// worker. Its internal state (capacity, active trial set, log lines) is
// mutated only by its own run-loop goroutine, reached by every public
// method (and by the background trainers it spawns) through a channel of
// closures — the Go analogue of the teacher's per-agent goroutine reading a
// done channel and producing results on an output channel
// (reinforcement.alphaMonteCarloVanillaTrain's agent_worker).
type SimWorker struct {
	id             int
	workerType     trial.WorkerType
	capacity       int
	phaseIteration int
	mutationProb   float64
	stepDelay      time.Duration

	requests chan func()
	results  chan CompletionMsg
	done     <-chan struct{}

	currentPhase atomic.Int32
	active       map[int]*activeTrial
	rng          *rand.Rand
	logLines     []string
	logger       *log.Logger
}

// Config bundles the knobs a SimWorker needs beyond its type and id.
type Config struct {
	Capacity       int
	PhaseIteration int
	// MutationProbability is the chance, at each phase-boundary completion
	// that isn't a termination or a preemption, that the trial is flagged
	// NEED_MUTATION instead of PAUSE. The real exploit/explore decision is
	// an external, out-of-scope concern (spec.md §1); this simulates it.
	MutationProbability float64
	// StepDelay is the simulated compute cost of one training iteration.
	StepDelay time.Duration
	Seed      int64
}

// NewSimWorker starts a worker actor and returns it. ctx cancellation stops
// the actor and every in-flight trial simulation.
func NewSimWorker(ctx context.Context, id int, wt trial.WorkerType, cfg Config, logger *log.Logger) *SimWorker {
	w := &SimWorker{
		id:             id,
		workerType:     wt,
		capacity:       cfg.Capacity,
		phaseIteration: cfg.PhaseIteration,
		mutationProb:   cfg.MutationProbability,
		stepDelay:      cfg.StepDelay,
		requests:       make(chan func()),
		results:        make(chan CompletionMsg, cfg.Capacity+1),
		done:           ctx.Done(),
		active:         make(map[int]*activeTrial),
		rng:            rand.New(rand.NewSource(cfg.Seed)),
		logger:         logger,
	}
	go w.run(ctx)
	return w
}

func (w *SimWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			req()
		}
	}
}

// exec runs fn serialized on the actor goroutine and blocks until it has
// run, or ctx/the worker's own done channel fires first.
func (w *SimWorker) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case w.requests <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ctx.Err()
	}
}

// post enqueues fn to run on the actor goroutine without waiting for it to
// finish. Used by background trainers, which must never touch w's fields
// directly.
func (w *SimWorker) post(fn func()) {
	select {
	case w.requests <- fn:
	case <-w.done:
	}
}

func (w *SimWorker) ID() int                       { return w.id }
func (w *SimWorker) Type() trial.WorkerType        { return w.workerType }
func (w *SimWorker) Results() <-chan CompletionMsg { return w.results }

func (w *SimWorker) AvailableSlots(ctx context.Context) (slots int, err error) {
	err = w.exec(ctx, func() {
		slots = w.capacity - len(w.active)
	})
	return
}

func (w *SimWorker) ActiveTrials(ctx context.Context) (trials []trial.State, err error) {
	err = w.exec(ctx, func() {
		for _, at := range w.active {
			trials = append(trials, at.state.Clone())
		}
	})
	return
}

func (w *SimWorker) UpdatePhase(ctx context.Context, phase int) error {
	return w.exec(ctx, func() {
		w.currentPhase.Store(int32(phase))
		w.appendLog("phase updated to %d", phase)
	})
}

func (w *SimWorker) SendSignal(ctx context.Context, trialID int) error {
	return w.exec(ctx, func() {
		at, ok := w.active[trialID]
		if !ok {
			// Preempt-after-finish race, or unknown id: a no-op, not an error.
			w.appendLog("preempt signal for unknown/finished trial %d ignored", trialID)
			return
		}
		select {
		case <-at.preempt:
			// already signaled
		default:
			close(at.preempt)
			w.appendLog("preempt signal delivered for trial %d", trialID)
		}
	})
}

func (w *SimWorker) GetLogFile(ctx context.Context) (lf LogFile, err error) {
	err = w.exec(ctx, func() {
		lf = LogFile{ID: w.id, Content: strings.Join(w.logLines, "\n")}
	})
	return
}

// AssignTrial enqueues ts for training. If the worker has no free slot (a
// stale availability view from the scheduler's perspective — the collision
// case of spec.md §4.6/§7), it reports the rejection as a PENDING
// CompletionMsg rather than returning an error, so the scheduler's normal
// completion-routing path handles it.
func (w *SimWorker) AssignTrial(ctx context.Context, ts trial.State) error {
	return w.exec(ctx, func() {
		if len(w.active) >= w.capacity {
			w.appendLog("rejecting trial %d: no capacity (collision)", ts.ID)
			rejected := ts.Clone()
			rejected.Status = trial.Pending
			w.sendResult(CompletionMsg{State: rejected})
			return
		}

		at := &activeTrial{state: ts.Clone(), preempt: make(chan struct{})}
		w.active[ts.ID] = at
		// Seed drawn on the actor goroutine so concurrent trainers (when
		// capacity > 1) never share a single, non-concurrency-safe rand.Rand.
		seed := w.rng.Int63()
		w.appendLog("assigned trial %d at iteration %d", ts.ID, ts.Iteration)
		go w.trainOneUnit(ctx, ts.ID, at, seed)
	})
}

// sendResult delivers msg without blocking the actor loop forever if the
// worker has been torn down.
func (w *SimWorker) sendResult(msg CompletionMsg) {
	select {
	case w.results <- msg:
	case <-w.done:
	}
}

// trainOneUnit simulates training ts until a natural scheduling boundary:
// a completed phase-iteration block, a stop-iteration termination, or a
// preemption. The real training step/dataloader/checkpoint mechanics are
// out of scope (spec.md §1); this fakes forward progress with a bounded
// random walk over iteration and accuracy. trainOneUnit runs on its own
// goroutine and never touches the actor-owned fields (active set, rng, log)
// directly; besides its own local state and at.preempt it reads only the
// worker's fixed config and the atomic currentPhase, and posts closures
// back through w.post.
func (w *SimWorker) trainOneUnit(ctx context.Context, trialID int, at *activeTrial, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	ts := at.state
	targetIteration := ts.Iteration + w.phaseIteration
	if targetIteration > ts.StopIteration {
		targetIteration = ts.StopIteration
	}

	preempted := false
	for ts.Iteration < targetIteration {
		select {
		case <-at.preempt:
			preempted = true
		case <-ctx.Done():
			return
		case <-time.After(w.stepDelay):
		}
		if preempted {
			break
		}

		ts.Iteration++
		ts.DeviceIterationCount[w.workerType]++
		ts.Accuracy += rng.Float64() * 0.01
	}

	if !preempted {
		select {
		case <-at.preempt:
			preempted = true
		default:
		}
	}

	ts.Phase = int(w.currentPhase.Load())

	var logFmt string
	switch {
	case preempted:
		ts.Status = trial.Pause
		logFmt = "trial %d preempted at iteration %d"
	case ts.Iteration >= ts.StopIteration:
		ts.Status = trial.Terminate
		logFmt = "trial %d terminated at iteration %d"
	case rng.Float64() < w.mutationProb:
		ts.Status = trial.NeedMutation
		logFmt = "trial %d flagged for mutation at iteration %d"
	default:
		ts.Status = trial.Pause
		logFmt = "trial %d paused at phase boundary, iteration %d"
	}

	w.post(func() {
		delete(w.active, trialID)
		w.appendLog(logFmt, trialID, ts.Iteration)
	})
	w.sendResult(CompletionMsg{State: ts})
}

// appendLog must only be called from the actor's run-loop goroutine.
func (w *SimWorker) appendLog(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	w.logLines = append(w.logLines, line)
	if w.logger != nil {
		w.logger.Printf("worker %d (%s): %s", w.id, w.workerType, line)
	}
}
