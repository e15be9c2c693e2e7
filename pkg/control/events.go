// Package control defines the Tor controller events the scanner cares
// about and a small interface over the operations it needs from a running
// Tor process's control port. A concrete implementation lives in
// pkg/torproc, which owns the actual control connection; this package stays
// free of that dependency so the event shapes and parsing logic are
// testable without a live Tor process.
package control

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// EventType distinguishes the controller event kinds the scanner consumes.
// Tor's control protocol reports many more (BW, ORCONN, NEWDESC, GUARD,
// ...); the scanner only needs circuit and stream lifecycle to drive
// probing and stream attachment, so those are the only two kinds modeled.
type EventType string

const (
	// EventCircuit is a "650 CIRC ..." line.
	EventCircuit EventType = "CIRC"
	// EventStream is a "650 STREAM ..." line.
	EventStream EventType = "STREAM"
)

// Event is one parsed asynchronous controller notification.
type Event interface {
	Type() EventType
}

// CircuitEvent reports a circuit's lifecycle status, mirroring Tor's "650
// CIRC <ID> <Status> <Path> ..." line.
type CircuitEvent struct {
	ID     string
	Status string // LAUNCHED, EXTENDED, BUILT, FAILED, CLOSED
	Path   []string
	Reason string
}

// Type implements Event.
func (e *CircuitEvent) Type() EventType { return EventCircuit }

// ExitFingerprint returns the last hop of the circuit's path, the relay
// this circuit is built to probe.
func (e *CircuitEvent) ExitFingerprint() string {
	if len(e.Path) == 0 {
		return ""
	}
	return e.Path[len(e.Path)-1]
}

// StreamEvent reports a stream's lifecycle status, mirroring Tor's "650
// STREAM <ID> <Status> <CircID> <Target> ..." line.
type StreamEvent struct {
	ID         string
	Status     string // NEW, NEWRESOLVE, SUCCEEDED, FAILED, CLOSED, DETACHED, REMAP
	CircuitID  string
	Target     string
	SourceAddr string // host:port, present on NEW/NEWRESOLVE via SOURCE_ADDR=
	Reason     string
}

// Type implements Event.
func (e *StreamEvent) Type() EventType { return EventStream }

// SourcePort extracts the local TCP port the owning task bound to make this
// connection, the only value that correlates a STREAM event with the
// matching report over pkg/ipc, since the task and the controller learn
// about the same socket from two different vantage points.
func (e *StreamEvent) SourcePort() (int, error) {
	if e.SourceAddr == "" {
		return 0, fmt.Errorf("stream event has no SOURCE_ADDR")
	}
	_, portStr, err := net.SplitHostPort(e.SourceAddr)
	if err != nil {
		return 0, fmt.Errorf("malformed SOURCE_ADDR %q: %w", e.SourceAddr, err)
	}
	return strconv.Atoi(portStr)
}

// ParsePath splits a Tor circuit path string, e.g.
// "$AAAA...~relay1,$BBBB...~relay2", into bare fingerprints without the
// leading "$" or "~nickname" suffix.
func ParsePath(raw string) []string {
	if raw == "" {
		return nil
	}
	hops := strings.Split(raw, ",")
	fingerprints := make([]string, 0, len(hops))
	for _, hop := range hops {
		fpr := strings.TrimPrefix(hop, "$")
		if idx := strings.IndexByte(fpr, '~'); idx >= 0 {
			fpr = fpr[:idx]
		}
		if fpr != "" {
			fingerprints = append(fingerprints, fpr)
		}
	}
	return fingerprints
}

// parseKeyedFields splits the space-separated KEY=VALUE fields that follow
// a CIRC or STREAM event's fixed-position fields.
func parseKeyedFields(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if idx := strings.IndexByte(f, '='); idx >= 0 {
			out[f[:idx]] = f[idx+1:]
		}
	}
	return out
}

// ParseCircuitEvent parses the fields of a "650 CIRC ..." line, already
// split on whitespace and with the leading "650" and "CIRC" tokens
// removed: "<ID> <Status> [<Path>] [KEY=VALUE ...]".
func ParseCircuitEvent(fields []string) (*CircuitEvent, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("malformed CIRC event: %q", strings.Join(fields, " "))
	}
	ev := &CircuitEvent{ID: fields[0], Status: fields[1]}

	rest := fields[2:]
	if len(rest) > 0 && !strings.Contains(rest[0], "=") {
		ev.Path = ParsePath(rest[0])
		rest = rest[1:]
	}
	kv := parseKeyedFields(rest)
	ev.Reason = kv["REASON"]
	return ev, nil
}

// ParseStreamEvent parses the fields of a "650 STREAM ..." line, already
// split on whitespace and with the leading "650" and "STREAM" tokens
// removed: "<ID> <Status> <CircID> <Target> [KEY=VALUE ...]".
func ParseStreamEvent(fields []string) (*StreamEvent, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("malformed STREAM event: %q", strings.Join(fields, " "))
	}
	ev := &StreamEvent{
		ID:        fields[0],
		Status:    fields[1],
		CircuitID: fields[2],
		Target:    fields[3],
	}
	kv := parseKeyedFields(fields[4:])
	ev.SourceAddr = kv["SOURCE_ADDR"]
	ev.Reason = kv["REASON"]
	return ev, nil
}

// ParseEvent parses one complete "650 <TYPE> ..." controller line.
func ParseEvent(line string) (Event, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "650" {
		return nil, fmt.Errorf("not an async event line: %q", line)
	}
	switch fields[1] {
	case string(EventCircuit):
		return ParseCircuitEvent(fields[2:])
	case string(EventStream):
		return ParseStreamEvent(fields[2:])
	default:
		return nil, fmt.Errorf("unsupported event type %q", fields[1])
	}
}

// Controller is the subset of Tor controller operations the scanner needs.
// pkg/torproc provides the concrete implementation backed by a live Tor
// process; tests and pkg/engine depend only on this interface.
type Controller interface {
	// NewCircuit issues an EXTENDCIRCUIT for a fresh two-hop path and
	// returns the circuit ID Tor assigned.
	NewCircuit(ctx context.Context, path []string) (string, error)
	// AttachStream attaches a pending stream to a built circuit.
	AttachStream(ctx context.Context, streamID, circuitID string) error
	// CloseCircuit tears down a circuit the scanner no longer needs.
	CloseCircuit(ctx context.Context, circuitID string) error
	// GetInfo queries non-config Tor state, e.g. "ns/id/<fingerprint>" for
	// a relay's network-status entry.
	GetInfo(ctx context.Context, keys ...string) (map[string]string, error)
	// Events returns the channel of asynchronous CIRC/STREAM notifications.
	Events() <-chan Event
}
