package trialview

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/niceyeti/pbtsched/internal/trial"
)

func TestConvert(t *testing.T) {
	Convey("Given an unordered snapshot of trial states", t, func() {
		states := []trial.State{
			func() trial.State {
				ts := trial.New(3, trial.Hyperparameter{}, 10)
				ts.Accuracy = 0.5
				return ts
			}(),
			func() trial.State {
				ts := trial.New(1, trial.Hyperparameter{}, 10)
				ts.Accuracy = 0.25
				return ts
			}(),
		}

		Convey("Convert returns rows sorted by trial id", func() {
			rows := Convert(states)
			So(rows, ShouldHaveLength, 2)
			So(rows[0].ID, ShouldEqual, 1)
			So(rows[1].ID, ShouldEqual, 3)
			So(rows[0].Accuracy, ShouldEqual, "0.2500")
		})
	})
}

func TestViewOnUpdate(t *testing.T) {
	Convey("Given a View fed a single-row update", t, func() {
		done := make(chan struct{})
		defer close(done)
		modelUpdates := make(chan []RowModel, 1)
		v := New(done, modelUpdates)

		row := RowModel{ID: 5, Phase: 1, Iteration: 4, StopIteration: 10, Status: "RUNNING", WorkerID: 2, WorkerType: "GPU", Accuracy: "0.1000"}
		modelUpdates <- []RowModel{row}

		Convey("It emits one textContent op per displayed field, keyed by trial id", func() {
			ops := <-v.Updates()
			So(ops, ShouldHaveLength, 5)
			ids := map[string]bool{}
			for _, op := range ops {
				ids[op.EleId] = true
			}
			So(ids["trial-5-phase"], ShouldBeTrue)
			So(ids["trial-5-status"], ShouldBeTrue)
		})
	})
}
