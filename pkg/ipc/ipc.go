// Package ipc carries messages from task goroutines back to the engine
// that launched them: "I'm about to dial, here is my source port" and "I'm
// done." It plays the role of the multiprocessing queue a process-per-task
// design would use, narrowed to the two message shapes the engine actually
// needs.
package ipc

import "fmt"

// Kind distinguishes the two messages a task can send.
type Kind int

const (
	// KindNewConn reports that the task is about to make a connection over
	// Tor and has bound a local source port for it. The engine pairs this
	// with the circuit's controller-reported stream via pkg/attach.
	KindNewConn Kind = iota
	// KindTaskDone reports that the task finished probing its circuit,
	// successfully or not. The engine always receives exactly one of these
	// per launched task, per the scanner's baseline task contract.
	KindTaskDone
)

func (k Kind) String() string {
	switch k {
	case KindNewConn:
		return "NEW_CONN"
	case KindTaskDone:
		return "TASK_DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// Msg is one message from a task to the engine. CircuitID identifies which
// launched circuit the task was invoked for. Port is only meaningful for
// KindNewConn.
type Msg struct {
	Kind      Kind
	CircuitID string
	Port      int
}

// NewConn builds a KindNewConn message.
func NewConn(circuitID string, port int) Msg {
	return Msg{Kind: KindNewConn, CircuitID: circuitID, Port: port}
}

// TaskDone builds a KindTaskDone message.
func TaskDone(circuitID string) Msg {
	return Msg{Kind: KindTaskDone, CircuitID: circuitID}
}

// Queue is a many-producer, single-consumer channel of task reports. Tasks
// run as goroutines in-process (not subprocesses, since the scanner has no
// need to cross a process boundary the way a Python multiprocessing.Process
// per task would), so a buffered channel is the natural substitute for the
// original's IPC queue.
type Queue chan Msg

// NewQueue creates a Queue with room for capacity pending messages before a
// sender blocks. A generous buffer keeps task goroutines from stalling on
// a slow-draining engine.
func NewQueue(capacity int) Queue {
	return make(Queue, capacity)
}
