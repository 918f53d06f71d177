// Package tuner owns the population's result ledger and the mutation
// operation, and is the top-level entrypoint that wires workers and a
// scheduler together for one run.
package tuner

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/niceyeti/pbtsched/internal/config"
	"github.com/niceyeti/pbtsched/internal/scheduler"
	"github.com/niceyeti/pbtsched/internal/trial"
	"github.com/niceyeti/pbtsched/internal/trialresult"
	"github.com/niceyeti/pbtsched/internal/worker"
)

// Tuner owns the trial result ledger, the simulated worker pool, and the
// Scheduler driving them. It satisfies scheduler.TunerCallback so the
// Scheduler can call back into it without importing this package.
type Tuner struct {
	cfg       config.SchedulerConfig
	result    *trialresult.TrialResult
	workers   []worker.Worker
	scheduler *scheduler.Scheduler
	logDir    string
	rng       *rand.Rand
	logger    *log.Logger

	// progress broadcasts a fresh snapshot after every recorded completion,
	// for an optional dashboard to consume. Buffered and non-blocking: a
	// slow or absent reader never stalls scheduling.
	progress chan []trial.State
}

// New builds the population, the simulated worker pool, and the scheduler
// that will drive them, and records every trial's initial state.
func New(cfg config.SchedulerConfig) (*Tuner, error) {
	logDir, logger, err := newRunLogger(cfg.LogDir, "tuner")
	if err != nil {
		return nil, fmt.Errorf("setting up tuner logger: %w", err)
	}

	t := &Tuner{
		cfg:      cfg,
		result:   trialresult.New(),
		logDir:   logDir,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		logger:   logger,
		progress: make(chan []trial.State, 1),
	}

	population := t.newPopulation()
	for _, ts := range population {
		t.result.RecordTrialProgress(ts)
	}
	t.logger.Printf("%d trials in population", len(population))
	for _, ts := range population {
		t.logger.Printf("trial %d: %+v", ts.ID, ts.Hyperparameter)
	}

	workers := t.newWorkers(context.Background())
	t.workers = workers

	t.scheduler = scheduler.New(t, workers, population, scheduler.Config{
		StopIteration:  cfg.StopIteration,
		PhaseIteration: cfg.PhaseIteration,
		WaitTimeout:    cfg.DispatchWaitTimeout,
	}, newComponentLogger(logDir, "scheduler"))

	return t, nil
}

// newPopulation builds a fresh, randomly initialized hyperparameter set
// per trial.
func (t *Tuner) newPopulation() []trial.State {
	population := make([]trial.State, 0, t.cfg.PopulationSize)
	for id := 0; id < t.cfg.PopulationSize; id++ {
		hp := trial.Hyperparameter{
			LR:        0.0001 + t.rng.Float64()*0.01,
			Momentum:  0.8 + t.rng.Float64()*0.15,
			BatchSize: 32,
			ModelType: "resnet",
		}
		population = append(population, trial.New(id, hp, t.cfg.StopIteration))
	}
	return population
}

// newWorkers starts the configured number of simulated CPU and GPU
// workers.
func (t *Tuner) newWorkers(ctx context.Context) []worker.Worker {
	workers := make([]worker.Worker, 0, t.cfg.NumCPUWorkers+t.cfg.NumGPUWorkers)
	id := 0
	for i := 0; i < t.cfg.NumCPUWorkers; i++ {
		wc := worker.Config{
			Capacity:             t.cfg.CPUWorkerCapacity,
			PhaseIteration:       t.cfg.PhaseIteration,
			MutationProbability:  t.cfg.MutationProbability,
			StepDelay:            t.cfg.StepDelay,
			Seed:                 t.rng.Int63(),
		}
		workers = append(workers, worker.NewSimWorker(ctx, id, trial.CPU, wc, newComponentLogger(t.logDir, fmt.Sprintf("worker-%d", id))))
		id++
	}
	for i := 0; i < t.cfg.NumGPUWorkers; i++ {
		wc := worker.Config{
			Capacity:             t.cfg.GPUWorkerCapacity,
			PhaseIteration:       t.cfg.PhaseIteration,
			MutationProbability:  t.cfg.MutationProbability,
			StepDelay:            t.cfg.StepDelay,
			Seed:                 t.rng.Int63(),
		}
		workers = append(workers, worker.NewSimWorker(ctx, id, trial.GPU, wc, newComponentLogger(t.logDir, fmt.Sprintf("worker-%d", id))))
		id++
	}
	return workers
}

// Run drives the scheduler to completion, then writes worker logs and the
// final progress table.
func (t *Tuner) Run(ctx context.Context) error {
	t.logger.Println("run starting")
	if err := t.scheduler.Run(ctx); err != nil {
		return fmt.Errorf("scheduler run: %w", err)
	}
	t.logger.Println("run finished")

	t.scheduler.PrintIterationCount()
	t.result.DisplayTrialProgress()

	if err := t.scheduler.CollectWorkerLogs(ctx, t.logDir); err != nil {
		t.logger.Printf("collecting worker logs: %v", err)
	}
	return nil
}

// RecordTrialProgress implements scheduler.TunerCallback: it writes ts into
// the ledger and triggers a progress display, exactly as the per-completion
// bookkeeping the scheduler drives every tick expects. It does not touch
// history_best — that is UpdateTrialResult's job.
func (t *Tuner) RecordTrialProgress(ctx context.Context, ts trial.State) error {
	t.result.RecordTrialProgress(ts)
	t.result.DisplayTrialProgress()
	t.publishProgress()
	return nil
}

// UpdateTrialResult writes ts into the ledger and, if it improved on
// history_best, logs the new best.
func (t *Tuner) UpdateTrialResult(ctx context.Context, ts trial.State) error {
	t.result.UpdateTrialResult(ts)
	best := t.result.HistoryBest()
	t.logger.Printf("history best: %.6f (trial %d)", best.Accuracy, best.TrialID)
	return nil
}

// GetTrialProgress implements scheduler.TunerCallback.
func (t *Tuner) GetTrialProgress() []trial.State {
	return t.result.GetTrialProgress()
}

// GetQuantile proxies to the trial result ledger's quantile split.
func (t *Tuner) GetQuantile(ratio float64) (lower, upper []trial.State) {
	return t.result.GetQuantile(ratio)
}

// Progress returns the channel a dashboard can read population snapshots
// from. Safe to ignore entirely if no dashboard is running.
func (t *Tuner) Progress() <-chan []trial.State {
	return t.progress
}

// publishProgress pushes the latest snapshot to t.progress, dropping a
// stale pending snapshot rather than blocking if the reader is behind.
func (t *Tuner) publishProgress() {
	snapshot := t.result.GetTrialProgress()
	select {
	case t.progress <- snapshot:
	default:
		select {
		case <-t.progress:
		default:
		}
		select {
		case t.progress <- snapshot:
		default:
		}
	}
}

// Mutation implements scheduler.TunerCallback: it clones a top-quartile
// exemplar's hyperparameters and checkpoint onto ts, perturbing lr and
// momentum, and leaves ts's own iteration/accuracy/identity untouched.
func (t *Tuner) Mutation(ctx context.Context, ts trial.State) (trial.State, error) {
	t.logger.Printf("trial %d: mutating, original hyperparameters %+v", ts.ID, ts.Hyperparameter)

	_, upper := t.GetQuantile(t.cfg.MutationQuantileRatio)
	if len(upper) == 0 {
		return trial.State{}, fmt.Errorf("mutation: no donor candidates available")
	}

	donor := upper[t.rng.Intn(len(upper))]

	mutated := ts
	mutated.Hyperparameter = donor.Hyperparameter
	mutated.Hyperparameter.LR *= 0.8
	mutated.Hyperparameter.Momentum *= 1.2
	mutated.Checkpoint = donor.Checkpoint

	t.logger.Printf("trial %d: mutation complete at iteration %d, new hyperparameters %+v",
		mutated.ID, mutated.Iteration, mutated.Hyperparameter)

	return mutated, nil
}

// ZipLogs packages every file under the run's log directory into a single
// zip archive and returns its bytes, for handoff to an external
// collector.
func (t *Tuner) ZipLogs() ([]byte, error) {
	zipPath := filepath.Join(t.logDir, "..", "run-logs.zip")
	out, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("creating zip archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = filepath.Walk(t.logDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(t.logDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("zipping logs: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing zip archive: %w", err)
	}

	return os.ReadFile(zipPath)
}

// newRunLogger creates a timestamped run directory under base and a
// logger for the named component that writes to both stdout and a file in
// that directory.
func newRunLogger(base, name string) (dir string, logger *log.Logger, err error) {
	dir = filepath.Join(base, time.Now().Format("2006-01-02_15-04-05"))
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, err
	}
	logger = newComponentLogger(dir, name)
	return dir, logger, nil
}

// newComponentLogger returns a *log.Logger prefixed with name, writing to
// stdout and to <dir>/<name>.log.
func newComponentLogger(dir, name string) *log.Logger {
	path := filepath.Join(dir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	var w io.Writer = os.Stdout
	if err == nil {
		w = io.MultiWriter(os.Stdout, f)
	}
	return log.New(w, fmt.Sprintf("[%s] ", name), log.LstdFlags)
}
