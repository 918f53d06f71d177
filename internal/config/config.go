// Package config loads the scheduler's run parameters from a YAML file,
// following the same viper-then-yaml.v3 round trip the rest of this
// codebase's ancestor app uses for its own training config.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// OuterConfig mirrors a YAML document of the shape:
//
//	kind: schedulerConfig
//	def:
//	  stopIteration: 100
//	  ...
//
// letting one config file name what kind of config it holds before this
// package commits to unmarshaling its def block into SchedulerConfig.
type OuterConfig struct {
	Kind string      `mapstructure:"kind"`
	Def  interface{} `mapstructure:"def"`
}

// SchedulerConfig holds every knob the tuner, scheduler, and simulated
// workers need for one run. The yaml tags are all lower case because viper
// lowercases every key it reads before the def block is re-marshaled.
type SchedulerConfig struct {
	// StopIteration is the per-trial iteration budget.
	StopIteration int `yaml:"stopiteration"`
	// PhaseIteration is the iteration-count granularity of one phase, and
	// the unit of work a worker trains before yielding back to the
	// scheduler.
	PhaseIteration int `yaml:"phaseiteration"`
	// MutationQuantileRatio is the top/bottom fraction of the population
	// used to pick mutation donors (spec's quantile(0.25) default).
	MutationQuantileRatio float64 `yaml:"mutationquantileratio"`

	// PopulationSize is the number of trials in the population.
	PopulationSize int `yaml:"populationsize"`
	// NumCPUWorkers and NumGPUWorkers size the simulated worker pools.
	NumCPUWorkers int `yaml:"numcpuworkers"`
	NumGPUWorkers int `yaml:"numgpuworkers"`
	// CPUWorkerCapacity and GPUWorkerCapacity are the concurrent trial
	// slots per worker of that type.
	CPUWorkerCapacity int `yaml:"cpuworkercapacity"`
	GPUWorkerCapacity int `yaml:"gpuworkercapacity"`

	// MutationProbability is the chance a SimWorker flags a trial for
	// mutation, rather than pausing it, at a phase boundary.
	MutationProbability float64 `yaml:"mutationprobability"`
	// StepDelay is the simulated per-iteration compute cost.
	StepDelay time.Duration `yaml:"stepdelay"`
	// DispatchWaitTimeout bounds how long the scheduler's dispatch loop
	// waits for a completion before re-evaluating dispatch.
	DispatchWaitTimeout time.Duration `yaml:"dispatchwaittimeout"`

	// Seed seeds the tuner's random source, for reproducible runs. Each
	// simulated worker's seed is drawn in turn from that source.
	Seed int64 `yaml:"seed"`

	// LogDir is the base directory under which a timestamped run directory
	// is created for scheduler/tuner/worker logs.
	LogDir string `yaml:"logdir"`

	// DashboardAddr is the address the live trial-progress dashboard
	// listens on. Empty disables the dashboard entirely.
	DashboardAddr string `yaml:"dashboardaddr"`
}

// Default returns a SchedulerConfig usable without a config file, sized
// for a small local run.
func Default() SchedulerConfig {
	return SchedulerConfig{
		StopIteration:         200,
		PhaseIteration:        20,
		MutationQuantileRatio: 0.25,
		PopulationSize:        12,
		NumCPUWorkers:         3,
		NumGPUWorkers:         2,
		CPUWorkerCapacity:     1,
		GPUWorkerCapacity:     2,
		MutationProbability:   0.2,
		StepDelay:             10 * time.Millisecond,
		DispatchWaitTimeout:   500 * time.Millisecond,
		Seed:                  1,
		LogDir:                "logs",
		DashboardAddr:         "",
	}
}

// FromYaml reads path, unwraps its OuterConfig envelope, and unmarshals
// the def block into a SchedulerConfig. Decoding starts from Default(), so
// fields the file does not set keep their default values.
func FromYaml(path string) (SchedulerConfig, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	vp.AddConfigPath(filepath.Dir(path))

	if err := vp.ReadInConfig(); err != nil {
		return SchedulerConfig{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	outer := &OuterConfig{}
	if err := vp.Unmarshal(outer); err != nil {
		return SchedulerConfig{}, fmt.Errorf("unmarshaling outer config: %w", err)
	}

	spec, err := yaml.Marshal(outer.Def)
	if err != nil {
		return SchedulerConfig{}, fmt.Errorf("remarshaling config def block: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(spec, &cfg); err != nil {
		return SchedulerConfig{}, fmt.Errorf("unmarshaling scheduler config: %w", err)
	}

	return cfg, nil
}

// FromYamlOrDefault loads path if non-empty, otherwise returns Default().
func FromYamlOrDefault(path string) (SchedulerConfig, error) {
	if path == "" {
		return Default(), nil
	}
	return FromYaml(path)
}
