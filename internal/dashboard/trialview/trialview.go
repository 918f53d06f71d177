// Package trialview renders the population's current progress as a live
// HTML table, one row per trial, pushed to the dashboard over websocket.
package trialview

import (
	"fmt"
	"html/template"
	"sort"
	"strings"

	channerics "github.com/niceyeti/channerics/channels"

	"github.com/niceyeti/pbtsched/internal/dashboard/fastview"
	"github.com/niceyeti/pbtsched/internal/trial"
)

// RowModel is one trial's view-model: everything its table row displays,
// pre-formatted so the template stays free of business logic.
type RowModel struct {
	ID            int
	Phase         int
	Iteration     int
	StopIteration int
	Status        string
	WorkerID      int
	WorkerType    string
	Accuracy      string
}

// Convert builds the sorted (by trial id) set of row view-models for a
// progress snapshot.
func Convert(states []trial.State) []RowModel {
	rows := make([]RowModel, 0, len(states))
	for _, ts := range states {
		rows = append(rows, RowModel{
			ID:            ts.ID,
			Phase:         ts.Phase,
			Iteration:     ts.Iteration,
			StopIteration: ts.StopIteration,
			Status:        ts.Status.String(),
			WorkerID:      ts.WorkerID,
			WorkerType:    ts.WorkerType.String(),
			Accuracy:      fmt.Sprintf("%.4f", ts.Accuracy),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// View is the ViewComponent rendering a RowModel table and its live
// updates.
type View struct {
	id      string
	updates <-chan []fastview.EleUpdate
}

// New starts a View fed by modelUpdates, closing down when done fires.
func New(done <-chan struct{}, modelUpdates <-chan []RowModel) *View {
	id := "trialprogress"
	if strings.Contains(id, "-") {
		fmt.Println("WARNING: hyphenated ids interfere with html/template's `template` directive")
	}
	v := &View{id: template.HTMLEscapeString(id)}
	v.updates = channerics.Convert(done, modelUpdates, v.onUpdate)
	return v
}

func (v *View) Updates() <-chan []fastview.EleUpdate {
	return v.updates
}

// onUpdate emits a textContent op for every displayed field of every row.
// Redundant ops for unchanged cells are cheap and are coalesced by the
// dashboard's batching before they ever reach a client.
func (v *View) onUpdate(rows []RowModel) (ops []fastview.EleUpdate) {
	for _, row := range rows {
		prefix := fmt.Sprintf("trial-%d", row.ID)
		fields := map[string]string{
			"phase":     fmt.Sprintf("%d", row.Phase),
			"iteration": fmt.Sprintf("%d/%d", row.Iteration, row.StopIteration),
			"status":    row.Status,
			"worker":    fmt.Sprintf("%d (%s)", row.WorkerID, row.WorkerType),
			"accuracy":  row.Accuracy,
		}
		for field, value := range fields {
			ops = append(ops, fastview.EleUpdate{
				EleId: prefix + "-" + field,
				Ops:   []fastview.Op{{Key: "textContent", Value: value}},
			})
		}
	}
	return
}

// Parse defines this view's template fragment, a table with one row per
// trial and one cell id per displayed field, and returns its name.
func (v *View) Parse(t *template.Template) (name string, err error) {
	name = v.id
	_, err = t.Parse(`{{ define "` + name + `" }}
		<table id="` + v.id + `" border="1" cellpadding="4">
			<thead>
				<tr>
					<th>Trial</th><th>Phase</th><th>Iteration</th>
					<th>Status</th><th>Worker</th><th>Accuracy</th>
				</tr>
			</thead>
			<tbody>
			{{ range . }}
				<tr id="trial-{{ .ID }}-row">
					<td>{{ .ID }}</td>
					<td id="trial-{{ .ID }}-phase">{{ .Phase }}</td>
					<td id="trial-{{ .ID }}-iteration">{{ .Iteration }}/{{ .StopIteration }}</td>
					<td id="trial-{{ .ID }}-status">{{ .Status }}</td>
					<td id="trial-{{ .ID }}-worker">{{ .WorkerID }} ({{ .WorkerType }})</td>
					<td id="trial-{{ .ID }}-accuracy">{{ .Accuracy }}</td>
				</tr>
			{{ end }}
			</tbody>
		</table>
	{{ end }}`)
	return
}
