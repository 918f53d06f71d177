// Package fastview implements a small builder pattern for server-pushed
// views: given an input data stream, convert it to a view-model, and
// multiplex that to one or more view components, each rendering its own
// template fragment and emitting incremental DOM updates over a websocket.
package fastview

import "html/template"

// EleUpdate names a DOM element and the attribute/content operations to
// apply to it.
type EleUpdate struct {
	// EleId is the id by which the client finds the element.
	EleId string
	// Ops are applied in order. The key "textContent" is reserved for
	// setting ele.textContent; any other key is an attribute name.
	Ops []Op
}

// Op is a single attribute-or-textContent assignment.
type Op struct {
	Key   string
	Value string
}

// ViewComponent is one piece of a dashboard page: it can render its own
// template fragment into a parent template, and it streams the element
// updates needed to keep a live client in sync.
type ViewComponent interface {
	Updates() <-chan []EleUpdate
	// Parse adds this component's template, inheriting parent's func-map,
	// and returns the template name the caller should invoke to render it.
	Parse(*template.Template) (string, error)
}
