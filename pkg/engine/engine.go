// Package engine dispatches asynchronous Tor controller events: it launches
// a probing task over every circuit that reaches BUILT, attaches the
// streams that task opens back to that circuit, and tracks when the whole
// scan has run its course.
//
// Circuit construction is the driver's job (pkg/driver); this package only
// reacts to what the controller reports afterward. The two things it
// reacts to race with each other by nature: a STREAM NEW event can arrive
// before or after the task goroutine that opened it has reported its
// source port over pkg/ipc, so pairing them is delegated to pkg/attach.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/torscan/pkg/attach"
	"github.com/opd-ai/torscan/pkg/circuit"
	"github.com/opd-ai/torscan/pkg/control"
	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/ipc"
	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/metrics"
	"github.com/opd-ai/torscan/pkg/socks"
	"github.com/opd-ai/torscan/pkg/stats"
	"github.com/opd-ai/torscan/pkg/task"
)

// Config wires an Engine to the rest of the scanner. All fields are
// required except ProgressSampling, QueueCapacity and Metrics.
type Config struct {
	// Controller is the scanner's connection to its embedded Tor process.
	Controller control.Controller
	// SocksAddr is the Tor process's SOCKS port, handed to every task
	// invocation's socks.Scope.
	SocksAddr string
	// TaskFactory is called once for each circuit that builds to obtain the
	// Task run over it; it may hand back the same instance every time.
	TaskFactory task.Factory
	// TaskTimeout bounds a single task invocation.
	TaskTimeout time.Duration
	// Exits maps fingerprint to candidate, so the engine can hand a task
	// the full descriptor once its circuit's exit hop is known.
	Exits map[string]*directory.ExitCandidate
	// Stats accumulates scan-wide counters; the driver reads it for
	// progress reporting and the final summary.
	Stats *stats.Stats
	// Log is the base logger; the engine tags its own lines with a
	// "engine" component.
	Log *logger.Logger
	// ProgressSampling is passed through to stats.ReportProgress. Zero or
	// a negative value selects the default of every 10th.
	ProgressSampling int
	// QueueCapacity sizes the IPC queue task goroutines report over.
	QueueCapacity int
	// Metrics optionally receives circuit-build and attach outcomes for
	// Prometheus exposition. Nil disables recording.
	Metrics *metrics.Metrics
}

// Engine dispatches controller events and IPC reports for one scan run.
type Engine struct {
	ctrl        control.Controller
	socksAddr   string
	taskFactory task.Factory
	taskTimeout time.Duration
	exits       map[string]*directory.ExitCandidate
	stats       *stats.Stats
	log         *logger.Logger
	sampling    int
	metrics     *metrics.Metrics

	circuits *circuit.Manager
	attacher *attach.Attacher
	queue    ipc.Queue

	mu       sync.Mutex
	finished bool
	done     chan struct{}
}

// New builds an Engine ready to have its circuits registered and Run
// started. The circuit manager starts empty; the driver registers each
// circuit immediately after issuing it, before any BUILT event can arrive.
func New(cfg Config) *Engine {
	if cfg.ProgressSampling <= 0 {
		cfg.ProgressSampling = 10
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}

	e := &Engine{
		ctrl:        cfg.Controller,
		socksAddr:   cfg.SocksAddr,
		taskFactory: cfg.TaskFactory,
		taskTimeout: cfg.TaskTimeout,
		exits:       cfg.Exits,
		stats:       cfg.Stats,
		log:         cfg.Log.Component("engine"),
		sampling:    cfg.ProgressSampling,
		metrics:     cfg.Metrics,
		circuits:    circuit.NewManager(),
		queue:       ipc.NewQueue(cfg.QueueCapacity),
		done:        make(chan struct{}),
	}
	e.attacher = attach.New(e.log, func(streamID, circuitID string) error {
		err := e.ctrl.AttachStream(context.Background(), streamID, circuitID)
		if e.metrics != nil {
			e.metrics.RecordAttach(err == nil)
		}
		return err
	})
	return e
}

// RegisterCircuit records a circuit the driver just asked Tor to build, so
// the engine recognizes the BUILT/FAILED event it'll eventually produce.
func (e *Engine) RegisterCircuit(c *circuit.Circuit) error {
	return e.circuits.Register(c)
}

// Done reports the channel that closes once the scan's termination
// condition is met: every circuit slot resolved and every surviving
// circuit's task reported completion.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run consumes controller events and IPC reports until the scan finishes or
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	go e.consumeEvents(ctx)
	go e.consumeQueue(ctx)

	select {
	case <-e.done:
		e.log.Info("scan finished", "summary", e.stats.String())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) consumeEvents(ctx context.Context) {
	events := e.ctrl.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) consumeQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.queue:
			if !ok {
				return
			}
			e.handleIPC(ctx, msg)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev control.Event) {
	switch v := ev.(type) {
	case *control.CircuitEvent:
		e.handleCircuit(ctx, v)
	case *control.StreamEvent:
		e.handleStream(v)
	default:
		e.log.Warn("received unexpected controller event", "type", ev.Type())
	}
}

// handleCircuit mirrors the reference handler's new_circuit: it updates
// the running tally for BUILT and FAILED events, checks whether
// the scan just finished, and only launches a task once the circuit
// actually reaches BUILT.
func (e *Engine) handleCircuit(ctx context.Context, ev *control.CircuitEvent) {
	switch ev.Status {
	case "BUILT":
		e.stats.RecordCircuitBuilt()
	case "FAILED":
		e.stats.RecordCircuitFailed()
		if e.metrics != nil {
			e.metrics.RecordCircuitBuild(false, 0)
		}
	}
	e.checkFinished()

	if ev.Status != "BUILT" {
		return
	}

	c, err := e.circuits.Get(ev.ID)
	if err != nil {
		e.log.Warn("BUILT event for an untracked circuit", "circuit_id", ev.ID, "error", err)
		return
	}
	c.SetState(circuit.StateBuilt)
	if e.metrics != nil {
		e.metrics.RecordCircuitBuild(true, c.Age())
	}

	exitFpr := ev.ExitFingerprint()
	exit, ok := e.exits[exitFpr]
	if !ok {
		e.log.Warn("no descriptor for exit relay, closing circuit", "exit", exitFpr, "circuit_id", ev.ID)
		if err := e.ctrl.CloseCircuit(ctx, ev.ID); err != nil {
			e.log.Debug("could not close circuit", "circuit_id", ev.ID, "error", err)
		}
		return
	}

	e.log.Info("circuit built, launching task", "exit", exitFpr, "circuit_id", ev.ID)
	e.launchTask(ctx, ev.ID, exit)
}

// handleStream mirrors new_stream: only NEW/NEWRESOLVE streams need
// attaching, and each is keyed by its local source port since that's the
// only correlation a task goroutine and the controller share.
func (e *Engine) handleStream(ev *control.StreamEvent) {
	if ev.Status != "NEW" && ev.Status != "NEWRESOLVE" {
		return
	}
	port, err := ev.SourcePort()
	if err != nil {
		e.log.Warn("couldn't extract source port from stream event", "stream_id", ev.ID, "error", err)
		return
	}
	e.attacher.PrepareStream(port, ev.ID)
	e.checkFinished()
}

// launchTask runs a freshly constructed task over circuitID's circuit in
// its own goroutine, the in-process substitute for the reference
// implementation's one-process-per-module design. Whatever Probe does, Run
// guarantees a completion report follows so the queue reader always hears
// back exactly once per launched task.
func (e *Engine) launchTask(ctx context.Context, circuitID string, exit *directory.ExitCandidate) {
	t := e.taskFactory()
	scope := socks.NewScope(e.socksAddr, circuitID, e.queue, e.log)

	go func() {
		task.Run(ctx, t, exit, scope, e.taskTimeout, e.log)
		e.queue <- ipc.TaskDone(circuitID)
	}()
}

func (e *Engine) handleIPC(ctx context.Context, msg ipc.Msg) {
	switch msg.Kind {
	case ipc.KindNewConn:
		e.attacher.PrepareCircuit(msg.Port, msg.CircuitID)
		e.checkFinished()

	case ipc.KindTaskDone:
		e.log.Debug("closing finished circuit", "circuit_id", msg.CircuitID)
		if err := e.ctrl.CloseCircuit(ctx, msg.CircuitID); err != nil {
			e.log.Debug("could not close circuit", "circuit_id", msg.CircuitID, "error", err)
		}
		if c, err := e.circuits.Get(msg.CircuitID); err == nil {
			c.SetState(circuit.StateClosed)
		}
		e.circuits.Remove(msg.CircuitID)

		e.stats.RecordStreamFinished()
		e.stats.ReportProgress(e.log, e.sampling)
		e.checkFinished()

	default:
		e.log.Warn("unexpected IPC message kind", "kind", msg.Kind)
	}
}

// CheckFinished re-evaluates the termination condition outside of any
// event. The driver calls this after issuing its last new_circuit command:
// if every command failed outright, no controller event will ever arrive
// to trigger the check from the event lane.
func (e *Engine) CheckFinished() {
	e.checkFinished()
}

// checkFinished mirrors the reference handler's check_finished under its
// own lock: the termination condition is read from stats, and done is
// closed exactly once, from whichever goroutine notices first.
func (e *Engine) checkFinished() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	if !e.stats.Finished() {
		return
	}
	e.finished = true
	close(e.done)
}
