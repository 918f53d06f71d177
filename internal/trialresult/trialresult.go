// Package trialresult hosts the Tuner-side ledger of the latest observed
// TrialState for every trial id, supporting quantile queries (mutation donor
// selection) and best-so-far tracking. It is touched only from within the
// Tuner actor, so it needs no internal locking.
package trialresult

import (
	"fmt"
	"sort"

	"github.com/niceyeti/pbtsched/internal/trial"
)

// Best is the accuracy/trial-id pair for the best result observed so far.
type Best struct {
	Accuracy float64
	TrialID  int
}

// TrialResult is the latest-snapshot ledger, keyed by trial id.
type TrialResult struct {
	ledger      map[int]trial.State
	historyBest Best
}

// New returns an empty ledger. historyBest starts below any real accuracy so
// the first trial passed to UpdateTrialResult always becomes the initial
// best.
func New() *TrialResult {
	return &TrialResult{
		ledger:      make(map[int]trial.State),
		historyBest: Best{Accuracy: -1, TrialID: -1},
	}
}

// RecordTrialProgress writes ts into the ledger. Does not touch historyBest.
func (tr *TrialResult) RecordTrialProgress(ts trial.State) {
	tr.ledger[ts.ID] = ts
}

// UpdateTrialResult writes ts and, if its accuracy beats historyBest,
// replaces historyBest.
func (tr *TrialResult) UpdateTrialResult(ts trial.State) {
	tr.ledger[ts.ID] = ts
	if ts.Accuracy > tr.historyBest.Accuracy {
		tr.historyBest = Best{Accuracy: ts.Accuracy, TrialID: ts.ID}
	}
}

// HistoryBest returns the best accuracy/trial-id pair observed so far.
func (tr *TrialResult) HistoryBest() Best {
	return tr.historyBest
}

// GetTrialProgress returns a snapshot sequence of all current ledger values.
// Callers must not mutate the returned states.
func (tr *TrialResult) GetTrialProgress() []trial.State {
	out := make([]trial.State, 0, len(tr.ledger))
	for _, ts := range tr.ledger {
		out = append(out, ts)
	}
	return out
}

// GetQuantile returns (lower, upper) partitions of the ledger by accuracy,
// ascending. Let N = population size, k = floor(N*ratio). lower is
// values[:k], upper is values[N-k:]. If k == 0, lower is empty and upper is
// the entire ledger — this edge case matters: mutation must always find a
// donor in upper.
func (tr *TrialResult) GetQuantile(ratio float64) (lower, upper []trial.State) {
	values := tr.GetTrialProgress()
	sort.Slice(values, func(i, j int) bool {
		return values[i].Accuracy < values[j].Accuracy
	})

	n := len(values)
	k := int(float64(n) * ratio)

	if k == 0 {
		return nil, values
	}
	return values[:k], values[n-k:]
}

// DisplayTrialProgress prints a one-line summary per trial. Purely
// observational; never mutates the ledger.
func (tr *TrialResult) DisplayTrialProgress() {
	values := tr.GetTrialProgress()
	sort.Slice(values, func(i, j int) bool { return values[i].ID < values[j].ID })
	for _, ts := range values {
		fmt.Printf("  trial %2d  phase=%d iter=%d/%d status=%-13s worker=%d(%s) acc=%.4f\n",
			ts.ID, ts.Phase, ts.Iteration, ts.StopIteration, ts.Status, ts.WorkerID, ts.WorkerType, ts.Accuracy)
	}
}
