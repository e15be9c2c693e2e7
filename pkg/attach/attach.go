// Package attach matches Tor controller STREAM and CIRCUIT events so that
// each stream the scanner's own Tor process leaves unattached gets attached
// to the circuit its owning task is actually probing on.
//
// The two events race: a stream can be observed before its circuit is
// confirmed built, or after. Whichever arrives first is stashed, keyed by
// the stream's local TCP source port (the only thing a probing task and the
// controller can agree on without a shared circuit ID up front); the second
// arrival completes the pair and triggers the attach call.
package attach

import (
	"fmt"
	"sync"

	"github.com/opd-ai/torscan/pkg/logger"
)

// pendingKind distinguishes which half of a stream/circuit pair is already
// known for a given port.
type pendingKind int

const (
	waitingForStream pendingKind = iota
	waitingForCircuit
)

// pending is the small variant type stored per port: exactly one of
// circuitID or streamID is populated, matching kind.
type pending struct {
	kind      pendingKind
	circuitID string
	streamID  string
}

// Attacher is the attach-stream-to-circuit component: PrepareCircuit and
// PrepareStream are called as task reports and controller events arrive.
type Attacher struct {
	log *logger.Logger

	mu      sync.Mutex
	byPort  map[int]pending
	attachFn func(streamID, circuitID string) error
}

// New creates an Attacher. attachFn performs the actual controller-side
// ATTACHSTREAM call; it is injected so this package stays independent of
// pkg/control and pkg/torproc.
func New(log *logger.Logger, attachFn func(streamID, circuitID string) error) *Attacher {
	if attachFn == nil {
		attachFn = func(string, string) error { return ErrNoAttachFunc }
	}
	return &Attacher{
		log:      log,
		byPort:   make(map[int]pending),
		attachFn: attachFn,
	}
}

// PrepareCircuit records that circuitID is ready for the stream on port, or
// attaches immediately if a stream is already waiting on that port.
func (a *Attacher) PrepareCircuit(port int, circuitID string) {
	a.mu.Lock()
	if p, ok := a.byPort[port]; ok && p.kind == waitingForCircuit {
		delete(a.byPort, port)
		a.mu.Unlock()
		a.attach(p.streamID, circuitID)
		return
	}
	a.byPort[port] = pending{kind: waitingForStream, circuitID: circuitID}
	pendingCount := len(a.byPort)
	a.mu.Unlock()

	a.log.Debug("registered pending attach", "port", port, "circuit_id", circuitID, "pending", pendingCount)
}

// PrepareStream records that streamID is ready for attaching on port, or
// attaches immediately if a circuit is already waiting on that port.
func (a *Attacher) PrepareStream(port int, streamID string) {
	a.mu.Lock()
	if p, ok := a.byPort[port]; ok && p.kind == waitingForStream {
		delete(a.byPort, port)
		a.mu.Unlock()
		a.attach(streamID, p.circuitID)
		return
	}
	a.byPort[port] = pending{kind: waitingForCircuit, streamID: streamID}
	pendingCount := len(a.byPort)
	a.mu.Unlock()

	a.log.Debug("registered pending attach", "port", port, "stream_id", streamID, "pending", pendingCount)
}

func (a *Attacher) attach(streamID, circuitID string) {
	a.log.Debug("attaching stream to circuit", "stream_id", streamID, "circuit_id", circuitID)
	if err := a.attachFn(streamID, circuitID); err != nil {
		a.log.Warn("failed to attach stream", "stream_id", streamID, "circuit_id", circuitID, "error", err)
	}
}

// Pending returns how many ports are currently waiting on the other half of
// their pair. Used for diagnostics only.
func (a *Attacher) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byPort)
}

// Forget drops any pending entry for port without attaching it, e.g. when
// the owning circuit failed before a stream ever appeared.
func (a *Attacher) Forget(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byPort, port)
}

// ErrNoAttachFunc is the error every attach attempt gets when New was given
// a nil attachFn; kept here rather than pkg/errors since it signals a
// programming error, not a runtime condition.
var ErrNoAttachFunc = fmt.Errorf("attach: attachFn must not be nil")
