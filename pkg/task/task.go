// Package task defines the contract probing modules implement and a
// registry that maps task names to constructors, so the driver can launch
// tasks by the name given on the command line without importing every task
// package directly into pkg/driver.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/socks"
)

// Task is a single probing check run once per exit relay, over a circuit
// built through that relay.
type Task interface {
	// Name identifies the task on the command line and in logs.
	Name() string
	// Destinations lists the host/port pairs the task will connect to.
	// The driver uses this to filter candidate exits down to those whose
	// exit policy actually permits the connection before building a
	// circuit at all. A nil slice means the task makes no outbound
	// connections the exit policy can be checked against (e.g. a task
	// that only resolves hostnames), so every exit is eligible.
	Destinations() []directory.Destination
	// Probe runs the check against exit over a circuit already built and
	// ready, using scope to make connections through it. ctx carries the
	// task's deadline; Probe should return promptly once it is done.
	Probe(ctx context.Context, exit *directory.ExitCandidate, scope *socks.Scope) error
}

// Setup is implemented by tasks that need one-off preparation before any
// circuit is built, e.g. fetching a reference copy of a file over a direct
// connection for later comparison.
type Setup interface {
	Setup(ctx context.Context) error
}

// Teardown is implemented by tasks that need to run cleanup once the whole
// scan finishes, e.g. flushing aggregated results to a file.
type Teardown interface {
	Teardown() error
}

// Factory constructs a fresh Task instance. Tasks are constructed once per
// scan, not once per exit relay, so any internal state a Factory
// initializes (shared across Probe calls) must be safe for concurrent use.
type Factory func() Task

// Registry maps task names to constructors.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Factory
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Factory)}
}

// Register adds a task constructor under name. It panics on a duplicate
// name, since that can only happen from a programming error at package
// init time, not from anything a scan operator controls.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		panic(fmt.Sprintf("task: duplicate registration for %q", name))
	}
	r.tasks[name] = factory
}

// Get returns the constructor registered under name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.tasks[name]
	return factory, ok
}

// Names returns every registered task name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry is the registry task packages register themselves into
// from their init functions, mirroring how the reference scanner discovers
// modules by importing a fixed package path.
var DefaultRegistry = NewRegistry()

// Run invokes t.Probe with a bounded deadline and recovers from a panicking
// task, logging either outcome. It never returns an error: the scanner's
// baseline task contract is that every launched task eventually reports
// completion regardless of how it failed internally, so a caller can
// unconditionally follow Run with a completion signal (see pkg/engine).
func Run(ctx context.Context, t Task, exit *directory.ExitCandidate, scope *socks.Scope, timeout time.Duration, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log.Task(t.Name()))

	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "task", t.Name(), "exit", exit.Fingerprint, "panic", r)
		}
	}()

	if err := t.Probe(ctx, exit, scope); err != nil {
		log.Warn("task probe failed", "task", t.Name(), "exit", exit.Fingerprint, "error", err)
	}
}
