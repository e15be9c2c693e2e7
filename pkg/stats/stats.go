// Package stats provides scan-wide counters and a progress reporter for the
// engine. All mutation goes through a single mutex so the event lane and the
// IPC lane (see pkg/engine) can update it concurrently.
package stats

import (
	"fmt"
	"sync"
	"time"
)

// Snapshot is an immutable copy of the counters at one instant.
type Snapshot struct {
	StartTime          time.Time
	TotalCircuits      int
	SuccessfulCircuits int
	FailedCircuits     int
	FinishedStreams    int
	ModulesRun         int
}

// Stats encapsulates every counter the engine maintains for a scan. The zero
// value is not usable; construct with New.
type Stats struct {
	mu sync.Mutex

	startTime          time.Time
	totalCircuits      int
	successfulCircuits int
	failedCircuits     int
	finishedStreams    int
	modulesRun         int
}

// New creates a Stats with the start timestamp set to now.
func New() *Stats {
	return &Stats{startTime: time.Now()}
}

// SetTotalCircuits records how many circuits this task invocation will
// attempt; called once by the driver before it starts issuing new_circuit
// commands.
func (s *Stats) SetTotalCircuits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCircuits = n
}

// AddTotalCircuits adds n to the running total. Used instead of
// SetTotalCircuits when several task invocations share one Stats: each
// invocation contributes its own exit count to the scan-wide total.
func (s *Stats) AddTotalCircuits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCircuits += n
}

// RecordCircuitBuilt increments successful_circuits (CIRCUIT event,
// status=BUILT).
func (s *Stats) RecordCircuitBuilt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successfulCircuits++
}

// RecordCircuitFailed increments failed_circuits. pkg/engine calls it for a
// CIRCUIT event with status=FAILED only; a CLOSED event is not counted,
// whether or not the circuit reached BUILT.
func (s *Stats) RecordCircuitFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCircuits++
}

// RecordStreamFinished increments finished_streams, on a (circuit, nil) IPC
// message.
func (s *Stats) RecordStreamFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedStreams++
}

// IncrementModulesRun records that one more task invocation has completed.
func (s *Stats) IncrementModulesRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modulesRun++
}

// Finished reports the termination condition of spec §4.4: every circuit
// slot has resolved to success or failure, and every successful circuit that
// didn't also fail has reported its terminal IPC message.
func (s *Stats) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished()
}

func (s *Stats) finished() bool {
	if s.failedCircuits+s.successfulCircuits != s.totalCircuits {
		return false
	}
	return s.finishedStreams >= s.successfulCircuits-s.failedCircuits
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		StartTime:          s.startTime,
		TotalCircuits:      s.totalCircuits,
		SuccessfulCircuits: s.successfulCircuits,
		FailedCircuits:     s.failedCircuits,
		FinishedStreams:    s.finishedStreams,
		ModulesRun:         s.modulesRun,
	}
}

// ProgressLogger receives a formatted progress line; pkg/logger.Logger
// satisfies this via its Info method.
type ProgressLogger interface {
	Info(msg string, args ...any)
}

// ReportProgress logs a progress line every `sampling`th successfully built
// circuit, matching the source's print_progress behavior.
func (s *Stats) ReportProgress(log ProgressLogger, sampling int) {
	if sampling <= 0 {
		sampling = 1
	}
	s.mu.Lock()
	successful := s.successfulCircuits
	total := s.totalCircuits
	s.mu.Unlock()

	if total <= 0 || successful%sampling != 0 {
		return
	}

	percentDone := (float64(100) / float64(total)) * float64(successful)
	log.Info("scan progress",
		"successful_circuits", successful,
		"total_circuits", total,
		"percent_done", fmt.Sprintf("%.2f", percentDone),
	)
}

// String reports the gathered statistics, matching the source's __str__.
func (s *Stats) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf(
		"Determining scan statistics.\nRan %d modules.\n%d of %d circuits failed.\nScan time: %s.",
		snap.ModulesRun, snap.FailedCircuits, snap.TotalCircuits, time.Since(snap.StartTime),
	)
}
