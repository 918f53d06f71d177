package dashboard

import (
	"context"
	"html/template"
	"sync"
	"time"

	channerics "github.com/niceyeti/channerics/channels"

	"github.com/niceyeti/pbtsched/internal/dashboard/fastview"
	"github.com/niceyeti/pbtsched/internal/dashboard/trialview"
	"github.com/niceyeti/pbtsched/internal/trial"
)

// rootView is the dashboard's single page: it owns the view components,
// wires their channels, and caches the latest snapshot for a fresh page
// load before any websocket has delivered a push.
type rootView struct {
	views   []fastview.ViewComponent
	updates <-chan []fastview.EleUpdate

	mu       sync.RWMutex
	snapshot []trialview.RowModel
}

func newRootView(ctx context.Context, progress <-chan []trial.State) (*rootView, error) {
	rv := &rootView{}

	// Tee the raw progress stream: one branch feeds the view pipeline,
	// the other keeps rv.snapshot current for initial page renders.
	branches := channerics.Broadcast(ctx.Done(), progress, 2)

	views, err := fastview.NewViewBuilder[[]trial.State, []trialview.RowModel]().
		WithContext(ctx).
		WithModel(branches[0], trialview.Convert).
		WithView(func(done <-chan struct{}, rows <-chan []trialview.RowModel) fastview.ViewComponent {
			return trialview.New(done, rows)
		}).
		Build()
	if err != nil {
		return nil, err
	}

	go func() {
		for states := range channerics.OrDone(ctx.Done(), branches[1]) {
			rows := trialview.Convert(states)
			rv.mu.Lock()
			rv.snapshot = rows
			rv.mu.Unlock()
		}
	}()

	rv.views = views
	rv.updates = fanIn(ctx.Done(), views)
	return rv, nil
}

func (rv *rootView) Snapshot() []trialview.RowModel {
	rv.mu.RLock()
	defer rv.mu.RUnlock()
	return rv.snapshot
}

func (rv *rootView) Updates() <-chan []fastview.EleUpdate {
	return rv.updates
}

// Parse builds the page template: a func-map the child views rely on for
// arithmetic in their own templates, plus the bootstrap script that wires
// incoming websocket messages to DOM updates by element id.
func (rv *rootView) Parse(parent *template.Template) (name string, err error) {
	rt := parent.Funcs(template.FuncMap{
		"add":  func(i, j int) int { return i + j },
		"sub":  func(i, j int) int { return i - j },
		"mult": func(i, j int) int { return i * j },
		"div":  func(i, j int) int { return i / j },
	})

	var viewTemplates []string
	for _, vc := range rv.views {
		tname, parseErr := vc.Parse(rt)
		if parseErr != nil {
			return "", parseErr
		}
		viewTemplates = append(viewTemplates, tname)
	}

	var bodySpec string
	for _, tname := range viewTemplates {
		bodySpec += `{{ template "` + tname + `" . }}`
	}

	name = "mainpage"
	indexTemplate := `
	{{ define "` + name + `" }}
	<!DOCTYPE html>
	<html>
		<head>
			<link rel="icon" href="data:,">
			<script>
				const ws = new WebSocket("ws://" + location.host + "/ws");
				ws.onopen = function () { console.log("dashboard socket opened") };
				ws.onerror = function (event) { console.log("dashboard socket error: ", event) };
				ws.onmessage = function (event) {
					const items = JSON.parse(event.data);
					for (const update of items) {
						const ele = document.getElementById(update.EleId);
						if (!ele) continue;
						for (const op of update.Ops) {
							if (op.Key === "textContent") {
								ele.textContent = op.Value;
							} else {
								ele.setAttribute(op.Key, op.Value);
							}
						}
					}
				}
			</script>
		</head>
		<body>
		` + bodySpec + `
		</body>
	</html>
	{{ end }}`

	_, err = rt.Parse(indexTemplate)
	return
}

// fanIn merges every view's update stream into one, batching within rate
// so that bursts of redundant updates for the same element collapse to
// the latest value.
func fanIn(done <-chan struct{}, views []fastview.ViewComponent) <-chan []fastview.EleUpdate {
	inputs := make([]<-chan []fastview.EleUpdate, len(views))
	for i, v := range views {
		inputs[i] = v.Updates()
	}
	return batchify(done, channerics.Merge(done, inputs...), time.Millisecond*20)
}

func batchify(done <-chan struct{}, source <-chan []fastview.EleUpdate, rate time.Duration) <-chan []fastview.EleUpdate {
	output := make(chan []fastview.EleUpdate)

	go func() {
		defer close(output)

		data := map[string]fastview.EleUpdate{}
		last := time.Now()
		for updates := range channerics.OrDone(done, source) {
			for _, update := range updates {
				data[update.EleId] = update
			}

			if time.Since(last) > rate && len(updates) > 0 {
				select {
				case output <- valuesOf(data):
					data = map[string]fastview.EleUpdate{}
					last = time.Now()
				case <-done:
					return
				}
			}
		}
	}()

	return output
}

func valuesOf(m map[string]fastview.EleUpdate) []fastview.EleUpdate {
	out := make([]fastview.EleUpdate, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
