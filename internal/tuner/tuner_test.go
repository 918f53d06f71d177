package tuner

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/niceyeti/pbtsched/internal/config"
	"github.com/niceyeti/pbtsched/internal/trial"
	"github.com/niceyeti/pbtsched/internal/trialresult"
)

func testConfig(t *testing.T, populationSize int) config.SchedulerConfig {
	cfg := config.Default()
	cfg.PopulationSize = populationSize
	cfg.NumCPUWorkers = 1
	cfg.NumGPUWorkers = 1
	cfg.CPUWorkerCapacity = 1
	cfg.GPUWorkerCapacity = 1
	cfg.StopIteration = 20
	cfg.PhaseIteration = 5
	cfg.StepDelay = time.Millisecond
	cfg.LogDir = t.TempDir()
	return cfg
}

// Testable property (spec.md §8): mutation donor provenance. After
// mutation, the rewritten trial carries exactly the donor's checkpoint and
// an lr/momentum perturbed by the fixed 0.8/1.2 factors.
func TestMutationDonorProvenance(t *testing.T) {
	Convey("Given a tuner whose ledger has a known top-quartile donor", t, func() {
		cfg := testConfig(t, 4)
		tu, err := New(cfg)
		So(err, ShouldBeNil)

		// Overwrite the ledger with known, distinct accuracies and hyperparameters
		// so GetQuantile(0.25) deterministically selects a single donor
		// (k = floor(4*0.25) = 1).
		donorCheckpoint := &trial.Checkpoint{Ref: "ckpt-donor"}
		for i := 0; i < 4; i++ {
			hp := trial.Hyperparameter{LR: 0.1, Momentum: 0.5, BatchSize: 32, ModelType: "resnet"}
			ts := trial.New(i, hp, cfg.StopIteration)
			ts.Accuracy = float64(i) / 10
			if i == 3 {
				ts.Checkpoint = donorCheckpoint
			}
			tu.result.UpdateTrialResult(ts)
		}

		victim := trial.New(0, trial.Hyperparameter{LR: 99, Momentum: 99}, cfg.StopIteration)
		victim.Accuracy = 0.0
		victim.Iteration = 12
		victim.Status = trial.NeedMutation

		Convey("Mutation rewrites hyperparameters and checkpoint from the sole top-quartile donor", func() {
			mutated, err := tu.Mutation(context.Background(), victim)
			So(err, ShouldBeNil)
			So(mutated.Checkpoint, ShouldEqual, donorCheckpoint)
			So(mutated.Hyperparameter.LR, ShouldEqual, 0.1*0.8)
			So(mutated.Hyperparameter.Momentum, ShouldEqual, 0.5*1.2)

			Convey("And leaves the victim's own identity, iteration, and accuracy untouched", func() {
				So(mutated.ID, ShouldEqual, victim.ID)
				So(mutated.Iteration, ShouldEqual, victim.Iteration)
				So(mutated.Accuracy, ShouldEqual, victim.Accuracy)
			})
		})
	})
}

func TestMutationNoDonorCandidates(t *testing.T) {
	Convey("Given a tuner with an empty ledger", t, func() {
		cfg := testConfig(t, 4)
		tu, err := New(cfg)
		So(err, ShouldBeNil)
		tu.result = trialresult.New()

		Convey("Mutation fails rather than panicking", func() {
			_, err := tu.Mutation(context.Background(), trial.New(0, trial.Hyperparameter{}, 10))
			So(err, ShouldNotBeNil)
		})
	})
}

// Testable property (spec.md §4.2): record_trial_progress writes the
// ledger but does not touch history_best.
func TestRecordTrialProgressDoesNotTouchHistoryBest(t *testing.T) {
	Convey("Given a fresh tuner", t, func() {
		cfg := testConfig(t, 2)
		tu, err := New(cfg)
		So(err, ShouldBeNil)
		before := tu.result.HistoryBest()

		Convey("Recording a high-accuracy trial leaves history_best untouched", func() {
			ts := trial.New(0, trial.Hyperparameter{}, cfg.StopIteration)
			ts.Accuracy = 0.97
			So(tu.RecordTrialProgress(context.Background(), ts), ShouldBeNil)
			So(tu.result.HistoryBest(), ShouldResemble, before)

			Convey("But the ledger itself reflects the recorded trial", func() {
				progress := tu.GetTrialProgress()
				So(len(progress), ShouldEqual, 2)
			})
		})
	})
}

func TestUpdateTrialResultUpdatesHistoryBest(t *testing.T) {
	Convey("Given a fresh tuner", t, func() {
		cfg := testConfig(t, 2)
		tu, err := New(cfg)
		So(err, ShouldBeNil)

		Convey("Updating a high-accuracy trial becomes the new history best", func() {
			ts := trial.New(0, trial.Hyperparameter{}, cfg.StopIteration)
			ts.Accuracy = 0.97
			So(tu.UpdateTrialResult(context.Background(), ts), ShouldBeNil)
			So(tu.result.HistoryBest().TrialID, ShouldEqual, 0)
			So(tu.result.HistoryBest().Accuracy, ShouldEqual, 0.97)
		})
	})
}
