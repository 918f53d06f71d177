/*
pbtsched runs a population-based trial scheduler: a fixed population of
trials, each with its own hyperparameters, trains across a pool of
simulated CPU and GPU workers. Poorly performing trials periodically clone
a top-quartile exemplar's hyperparameters and checkpoint (mutation) so the
population drifts toward better configurations over the run, the way a
real population-based-training job would, minus an actual model to train.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/niceyeti/pbtsched/internal/config"
	"github.com/niceyeti/pbtsched/internal/dashboard"
	"github.com/niceyeti/pbtsched/internal/tuner"
)

var (
	configPath    *string
	dashboardAddr *string
)

// TODO: per 12-factor rules these should come from env or a config-map;
// KISS for now.
func init() {
	configPath = flag.String("config", "", "path to a scheduler config yaml file; empty uses built-in defaults")
	dashboardAddr = flag.String("dashboard", "", "address to serve the live trial-progress dashboard on; empty disables it (overrides config)")
	flag.Parse()
}

func runApp() error {
	cfg, err := config.FromYamlOrDefault(*configPath)
	if err != nil {
		return err
	}
	if *dashboardAddr != "" {
		cfg.DashboardAddr = *dashboardAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	t, err := tuner.New(cfg)
	if err != nil {
		return err
	}

	if cfg.DashboardAddr == "" {
		return t.Run(ctx)
	}

	dashCtx, stopDash := context.WithCancel(ctx)
	defer stopDash()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer stopDash()
		return t.Run(gctx)
	})
	group.Go(func() error {
		srv, err := dashboard.NewServer(dashCtx, cfg.DashboardAddr, t.Progress())
		if err != nil {
			return fmt.Errorf("starting dashboard: %w", err)
		}
		return srv.Serve(dashCtx)
	})
	return group.Wait()
}

func main() {
	if err := runApp(); err != nil {
		fmt.Println(err)
	}
}
