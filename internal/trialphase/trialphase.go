// Package trialphase derives the population's current phase from its
// slowest trial's progress: "what phase is the population in right now".
package trialphase

import (
	"log"

	"github.com/niceyeti/pbtsched/internal/trial"
)

// TrialPhase quantizes population progress into an integer phase. Given the
// population's minimum iteration m, current phase is
// floor(m / PhaseIteration), capped at floor(StopIteration / PhaseIteration).
type TrialPhase struct {
	StopIteration  int
	PhaseIteration int
	CurrentPhase   int

	logger *log.Logger
}

// New returns a TrialPhase for the given per-trial budget and phase grid.
func New(stopIteration, phaseIteration int, logger *log.Logger) *TrialPhase {
	return &TrialPhase{
		StopIteration:  stopIteration,
		PhaseIteration: phaseIteration,
		logger:         logger,
	}
}

func (tp *TrialPhase) maxPhase() int {
	return tp.StopIteration / tp.PhaseIteration
}

// Update recomputes CurrentPhase from the minimum iteration across trials.
// It never decreases CurrentPhase. An empty trial set is a no-op. Logs a
// "phase advanced" event iff the value strictly increased.
func (tp *TrialPhase) Update(trials []trial.State) {
	if len(trials) == 0 {
		return
	}

	minIteration := trials[0].Iteration
	for _, t := range trials[1:] {
		if t.Iteration < minIteration {
			minIteration = t.Iteration
		}
	}

	candidate := minIteration / tp.PhaseIteration
	if max := tp.maxPhase(); candidate > max {
		candidate = max
	}

	if candidate > tp.CurrentPhase {
		old := tp.CurrentPhase
		tp.CurrentPhase = candidate
		if tp.logger != nil {
			tp.logger.Printf("phase advanced from %d to %d", old, tp.CurrentPhase)
		}
	}
}
