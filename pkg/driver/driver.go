// Package driver runs one probing task over every selected exit relay: it
// asks the selector for eligible exits, builds a two-hop circuit per exit
// at a throttled pace, and blocks until the engine has accounted for every
// circuit slot it opened.
package driver

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/opd-ai/torscan/pkg/circuit"
	"github.com/opd-ai/torscan/pkg/control"
	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/engine"
	"github.com/opd-ai/torscan/pkg/errors"
	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/metrics"
	"github.com/opd-ai/torscan/pkg/path"
	"github.com/opd-ai/torscan/pkg/stats"
	"github.com/opd-ai/torscan/pkg/task"
)

// Config wires the driver to everything one scan needs. Criteria carries
// the exit-selection filters from the CLI; its Destinations field is
// overwritten per task from the task's own declared destinations.
type Config struct {
	// Controller is the connection to the embedded Tor process.
	Controller control.Controller
	// SocksAddr is that process's SOCKS listener, handed to every task.
	SocksAddr string
	// DataDir holds cached-consensus and cached-descriptors.
	DataDir string
	// Registry resolves task names given on the command line.
	Registry *task.Registry
	// Criteria is the selector filter set, minus Destinations.
	Criteria path.Criteria
	// FirstHop pins every circuit's first hop to one fingerprint. Empty
	// means a fresh uniformly random consensus relay per circuit.
	FirstHop string
	// BuildDelay is the pause between consecutive new_circuit commands.
	BuildDelay time.Duration
	// DelayNoise randomizes BuildDelay by up to ±DelayNoise, clamped at
	// zero, to obscure the scanner's circuit-creation pattern.
	DelayNoise time.Duration
	// TaskTimeout bounds a single task invocation.
	TaskTimeout time.Duration
	// ProgressSampling is forwarded to the engine's progress reporter.
	ProgressSampling int
	// Stats accumulates counters across every task this driver runs.
	Stats *stats.Stats
	// Log is the base logger.
	Log *logger.Logger
	// Hops optionally records which relays served as first hops.
	Hops *path.HopHistory
	// Rand is the source for shuffling, first-hop choice, and delay
	// noise. Nil means the package-level math/rand source; tests pass a
	// seeded one.
	Rand *rand.Rand
	// Metrics is handed through to the engine; nil disables recording.
	Metrics *metrics.Metrics
}

// Run performs one full task invocation: select exits, build circuits,
// wait for the engine to finish. It returns a Selection-category error
// when no exit qualifies, so the caller can skip to the next task.
func (cfg Config) Run(ctx context.Context, taskName string) error {
	log := cfg.Log.Component("driver").Task(taskName)
	ctx = logger.WithContext(ctx, cfg.Log.Task(taskName))

	factory, ok := cfg.Registry.Get(taskName)
	if !ok {
		return errors.ConfigurationError(fmt.Sprintf("no task registered under %q", taskName), nil)
	}
	t := factory()

	log.Info("running task")
	cfg.Stats.IncrementModulesRun()

	if s, ok := t.(task.Setup); ok {
		log.Debug("calling task setup")
		if err := s.Setup(ctx); err != nil {
			return errors.TaskError("task setup failed", err)
		}
	}

	criteria := cfg.Criteria
	criteria.Destinations = t.Destinations()
	selection, err := path.Select(ctx, cfg.DataDir, criteria, cfg.Log)
	if err != nil {
		return err
	}
	if len(selection) == 0 {
		return errors.SelectionError(
			fmt.Sprintf("exit selection yielded %d exits but need at least one", len(selection)), nil)
	}
	cfg.Stats.AddTotalCircuits(len(selection))

	exits := make(map[string]*directory.ExitCandidate, len(selection))
	order := make([]string, 0, len(selection))
	for fpr, sel := range selection {
		exits[fpr] = sel.Candidate
		order = append(order, fpr)
	}
	shuffle(order, cfg.Rand)

	eng := engine.New(engine.Config{
		Controller: cfg.Controller,
		SocksAddr:  cfg.SocksAddr,
		// Every circuit's probe shares the one task instance; Probe is
		// required to be safe for concurrent use.
		TaskFactory:      func() task.Task { return t },
		TaskTimeout:      cfg.TaskTimeout,
		Exits:            exits,
		Stats:            cfg.Stats,
		Log:              cfg.Log,
		ProgressSampling: cfg.ProgressSampling,
		Metrics:          cfg.Metrics,
	})
	// The engine gets its own cancellation so its event and IPC lanes stop
	// consuming the shared controller event channel once this invocation
	// finishes; the next task's engine takes the channel over.
	engCtx, engCancel := context.WithCancel(ctx)
	defer engCancel()
	go func() {
		if err := eng.Run(engCtx); err != nil {
			log.Debug("engine stopped", "error", err)
		}
	}()

	estimate := time.Duration(len(order)) * cfg.BuildDelay
	log.Info("triggering circuit creations", "circuits", len(order), "estimated_duration", estimate)

	if err := cfg.buildCircuits(ctx, eng, order, log); err != nil {
		return err
	}
	eng.CheckFinished()

	select {
	case <-eng.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if td, ok := t.(task.Teardown); ok {
		log.Debug("calling task teardown")
		if err := td.Teardown(); err != nil {
			log.Warn("task teardown failed", "error", err)
		}
	}
	return nil
}

// buildCircuits issues one new_circuit command per selected exit, pacing
// them out with the configured delay. A command that fails only marks that
// slot failed; the scan carries on with the remaining exits.
func (cfg Config) buildCircuits(ctx context.Context, eng *engine.Engine, order []string, log *logger.Logger) error {
	var pool []string
	if cfg.FirstHop == "" {
		var err error
		pool, err = directory.ConsensusFingerprints(cfg.DataDir)
		if err != nil {
			return err
		}
	}

	before := time.Now()
	for i, exit := range order {
		firstHop := cfg.FirstHop
		if firstHop == "" {
			firstHop = path.SelectFirstHop(without(pool, exit), cfg.Rand)
			if firstHop == "" {
				return errors.SelectionError("consensus holds no relay usable as a first hop", nil)
			}
			log.Debug("using random first hop", "first_hop", firstHop)
		}

		id, err := cfg.Controller.NewCircuit(ctx, []string{firstHop, exit})
		if err != nil {
			cfg.Stats.RecordCircuitFailed()
			log.Debug("circuit could not be created", "exit", exit, "error", err)
		} else {
			if err := eng.RegisterCircuit(circuit.New(id, firstHop, exit)); err != nil {
				log.Warn("could not track circuit", "circuit_id", id, "error", err)
			}
			if cfg.Hops != nil {
				cfg.Hops.Record(firstHop, "")
			}
		}

		if i != len(order)-1 {
			if err := cfg.sleep(ctx); err != nil {
				return err
			}
		}
	}

	log.Info("done triggering circuit creations", "elapsed", time.Since(before))
	return nil
}

// sleep pauses between circuit creations. The pause spreads load on the
// network and the scan destination over time, and the optional noise makes
// the creation pattern less regular. Noise is uniform in ±DelayNoise and
// the result never goes below zero.
func (cfg Config) sleep(ctx context.Context) error {
	timer := time.NewTimer(cfg.nextDelay())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextDelay draws one inter-circuit pause: BuildDelay plus noise uniform
// in ±DelayNoise, never below zero.
func (cfg Config) nextDelay() time.Duration {
	delay := cfg.BuildDelay
	if cfg.DelayNoise > 0 {
		noise := time.Duration(randFloat(cfg.Rand) * float64(cfg.DelayNoise))
		if randIntn(cfg.Rand, 2) == 1 {
			noise = -noise
		}
		delay += noise
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

func shuffle(s []string, rng *rand.Rand) {
	if rng == nil {
		rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		return
	}
	rng.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

func without(pool []string, exclude string) []string {
	out := make([]string, 0, len(pool))
	for _, fpr := range pool {
		if fpr != exclude {
			out = append(out, fpr)
		}
	}
	return out
}

func randFloat(rng *rand.Rand) float64 {
	if rng == nil {
		return rand.Float64()
	}
	return rng.Float64()
}

func randIntn(rng *rand.Rand, n int) int {
	if rng == nil {
		return rand.Intn(n)
	}
	return rng.Intn(n)
}
