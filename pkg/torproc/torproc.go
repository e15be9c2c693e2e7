// Package torproc manages an embedded, scan-dedicated Tor process and
// adapts its controller connection to the pkg/control.Controller
// interface the rest of the scanner depends on.
//
// The process is started with the same special torrc options the
// reference scanner relies on: predictive circuit building and automatic
// stream attachment are both disabled, and the process is told not to
// fetch full relay descriptors on its own, since the scanner already has
// its own view of the network from pkg/directory. Streams are left
// unattached so the scanner controls exactly which circuit each probe
// runs over.
package torproc

import (
	"context"
	"io"
	"strings"
	"time"

	binecontrol "github.com/cretz/bine/control"
	"github.com/cretz/bine/tor"

	"github.com/opd-ai/torscan/pkg/control"
	"github.com/opd-ai/torscan/pkg/errors"
	"github.com/opd-ai/torscan/pkg/logger"
)

// Config configures the embedded Tor process.
type Config struct {
	// DataDir is the Tor process's own state directory (keys, cached
	// descriptors it happens to fetch, etc.), distinct from the scanner's
	// own data directory holding the consensus/descriptor snapshot
	// pkg/directory reads.
	DataDir string
	// ExePath overrides the tor binary bine locates on PATH.
	ExePath string
	// BootstrapTimeout bounds how long to wait for the network to come up.
	BootstrapTimeout time.Duration
	// ExtraTorrcArgs are appended after the scanner's required options,
	// for e.g. pinning a specific guard or adjusting bandwidth limits.
	ExtraTorrcArgs []string
}

func (c Config) withDefaults() Config {
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = 3 * time.Minute
	}
	return c
}

// requiredTorrcArgs are the torrc options the scanner's controller
// interaction model depends on: it builds every circuit itself and expects
// to attach every stream itself, so predictive circuits and automatic
// attachment must both be off from the moment the process starts. The
// remaining options avoid unnecessary descriptor traffic (the scanner
// already has its own consensus/descriptor snapshot) and match the circuit
// build timeout tuning the reference scanner uses.
var requiredTorrcArgs = []string{
	"--__DisablePredictedCircuits", "1",
	"--__LeaveStreamsUnattached", "1",
	"--LearnCircuitBuildTimeout", "0",
	"--CircuitBuildTimeout", "40",
	"--FetchServerDescriptors", "0",
	"--FetchHidServDescriptors", "0",
	"--UseMicrodescriptors", "0",
}

// Process is a running, scan-dedicated Tor instance.
type Process struct {
	t       *tor.Tor
	log     *logger.Logger
	events  chan control.Event
	rawDone chan struct{}
}

// Start launches Tor and waits for its network to come up.
func Start(ctx context.Context, cfg Config, log *logger.Logger) (*Process, error) {
	cfg = cfg.withDefaults()

	startConf := &tor.StartConf{
		DataDir:         cfg.DataDir,
		ExePath:         cfg.ExePath,
		NoAutoSocksPort: false,
		DebugWriter:     io.Discard,
		ExtraArgs:       append(append([]string{}, requiredTorrcArgs...), cfg.ExtraTorrcArgs...),
	}

	t, err := tor.Start(ctx, startConf)
	if err != nil {
		return nil, errors.ControllerError("failed to start embedded tor process", err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, cfg.BootstrapTimeout)
	defer cancel()
	if err := t.EnableNetwork(bootCtx, true); err != nil {
		t.Close()
		return nil, errors.ControllerError("tor process failed to bootstrap", err)
	}

	p := &Process{
		t:       t,
		log:     log,
		events:  make(chan control.Event, 256),
		rawDone: make(chan struct{}),
	}
	if err := p.subscribeEvents(); err != nil {
		t.Close()
		return nil, err
	}

	log.Info("embedded tor process bootstrapped", "data_dir", cfg.DataDir)
	return p, nil
}

// Close shuts down the embedded Tor process.
func (p *Process) Close() error {
	close(p.rawDone)
	return p.t.Close()
}

// SocksAddr returns the address of the process's SOCKS port, queried live
// since bine assigns it automatically when none is requested.
func (p *Process) SocksAddr(ctx context.Context) (string, error) {
	info, err := p.GetInfo(ctx, "net/listeners/socks")
	if err != nil {
		return "", err
	}
	addr := strings.Trim(info["net/listeners/socks"], "\"")
	if addr == "" {
		return "", errors.ControllerError("tor reported no SOCKS listener", nil)
	}
	return addr, nil
}

// subscribeEvents asks Tor for circuit and stream notifications and starts
// the goroutine that adapts bine's event structs into pkg/control's.
func (p *Process) subscribeEvents() error {
	raw := make(chan binecontrol.Event, 256)
	if err := p.t.Control.AddEventListener(raw, binecontrol.EventCodeCircuit, binecontrol.EventCodeStream); err != nil {
		return errors.ControllerError("failed to subscribe to controller events", err)
	}

	go func() {
		for {
			select {
			case <-p.rawDone:
				return
			case ev, ok := <-raw:
				if !ok {
					return
				}
				if converted := convertEvent(ev); converted != nil {
					select {
					case p.events <- converted:
					case <-p.rawDone:
						return
					}
				}
			}
		}
	}()
	return nil
}

// convertEvent adapts a bine controller event into the scanner's own
// pkg/control.Event shapes, isolating the rest of the codebase from bine's
// event struct layout.
func convertEvent(ev binecontrol.Event) control.Event {
	switch e := ev.(type) {
	case *binecontrol.CircuitEvent:
		return &control.CircuitEvent{
			ID:     e.CircuitID,
			Status: e.Status,
			Path:   control.ParsePath(strings.Join(e.Path, ",")),
			Reason: e.Reason,
		}
	case *binecontrol.StreamEvent:
		return &control.StreamEvent{
			ID:         e.StreamID,
			Status:     e.Status,
			CircuitID:  e.CircuitID,
			Target:     e.TargetAddress,
			SourceAddr: e.SourceAddress,
			Reason:     e.Reason,
		}
	default:
		return nil
	}
}

// Events returns the channel of adapted CIRC/STREAM notifications.
func (p *Process) Events() <-chan control.Event {
	return p.events
}

// NewCircuit issues EXTENDCIRCUIT for a fresh two-hop path and returns the
// circuit ID Tor assigned.
func (p *Process) NewCircuit(ctx context.Context, path []string) (string, error) {
	resp, err := p.t.Control.SendRequest("EXTENDCIRCUIT 0 %s purpose=general", strings.Join(path, ","))
	if err != nil {
		return "", errors.ControllerError("EXTENDCIRCUIT failed", err)
	}
	id := strings.TrimSpace(resp.Reply)
	if idx := strings.IndexByte(id, ' '); idx >= 0 {
		id = id[:idx]
	}
	if id == "" {
		return "", errors.ControllerError("EXTENDCIRCUIT returned no circuit id", nil)
	}
	return id, nil
}

// AttachStream attaches a pending stream to a built circuit.
func (p *Process) AttachStream(ctx context.Context, streamID, circuitID string) error {
	_, err := p.t.Control.SendRequest("ATTACHSTREAM %s %s", streamID, circuitID)
	if err != nil {
		return errors.ControllerError("ATTACHSTREAM failed", err)
	}
	return nil
}

// CloseCircuit tears down a circuit the scanner no longer needs.
func (p *Process) CloseCircuit(ctx context.Context, circuitID string) error {
	_, err := p.t.Control.SendRequest("CLOSECIRCUIT %s", circuitID)
	if err != nil {
		return errors.ControllerError("CLOSECIRCUIT failed", err)
	}
	return nil
}

// GetInfo queries non-config Tor state.
func (p *Process) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	kvs, err := p.t.Control.GetInfo(keys...)
	if err != nil {
		return nil, errors.ControllerError("GETINFO failed", err)
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Val
	}
	return out, nil
}

var _ control.Controller = (*Process)(nil)

// PingVersion reports the running Tor's version string, or an error if the
// controller connection is no longer responsive. Nothing in the scanner
// calls it; it is exported for callers that want an "is Tor still there"
// check.
func (p *Process) PingVersion(ctx context.Context) (string, error) {
	info, err := p.GetInfo(ctx, "version")
	if err != nil {
		return "", err
	}
	return info["version"], nil
}
