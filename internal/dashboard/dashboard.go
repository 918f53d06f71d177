// Package dashboard serves a single live page showing the population's
// trial-progress table, pushed to the browser over a websocket as the
// scheduler reports completions. It is an ambient observability surface,
// not part of the scheduling logic itself.
package dashboard

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/niceyeti/pbtsched/internal/dashboard/fastview"
	"github.com/niceyeti/pbtsched/internal/trial"
)

// Server serves the dashboard's single page and its websocket feed.
// Like its forebear, it assumes one connected browser tab at a time; the
// progress channel has exactly one reader among the view pipeline's
// internal goroutines, and a second websocket client would just compete
// with the first for the same batched update stream.
type Server struct {
	addr string
	root *rootView
}

// NewServer builds the dashboard's view pipeline from a channel of
// population progress snapshots. The channel should be fed at roughly
// scheduling-completion cadence; it is never closed by the caller except
// via ctx cancellation upstream.
func NewServer(ctx context.Context, addr string, progress <-chan []trial.State) (*Server, error) {
	root, err := newRootView(ctx, progress)
	if err != nil {
		return nil, fmt.Errorf("building dashboard view: %w", err)
	}
	return &Server{addr: addr, root: root}, nil
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/", s.serveIndex).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.serveWebsocket)

	httpSrv := &http.Server{Addr: s.addr, Handler: router}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("dashboard server: %w", err)
		}
		return nil
	}
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if err := renderTemplate(w, s.root, s.root.Snapshot()); err != nil {
		_, _ = w.Write([]byte(err.Error()))
	}
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	cli, err := fastview.NewClient[[]fastview.EleUpdate](s.root.Updates(), w, r)
	if err != nil {
		log.Println("dashboard upgrade failed:", err)
		return
	}
	if err := cli.Sync(); err != nil {
		log.Println("dashboard client disconnected:", err)
	}
}

func renderTemplate(w io.Writer, rv *rootView, data interface{}) error {
	t := template.New("index.html")
	tname, err := rv.Parse(t)
	if err != nil {
		return err
	}
	if _, err := t.Parse(`{{ template "` + tname + `" . }}`); err != nil {
		return err
	}
	return t.Execute(w, data)
}
