// Package path selects exit relays for destinations and tracks which
// relays were used as a circuit's first hop.
package path

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/torscan/pkg/logger"
)

// HopRecord is one first-hop usage, kept for diagnostics only. Nothing in
// this package consults history when selecting a first hop: every circuit
// picks uniformly at random among all consensus relays, per spec.
type HopRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Nickname    string    `json:"nickname"`
	UsedAt      time.Time `json:"used_at"`
}

type historyState struct {
	Hops        []HopRecord `json:"hops"`
	LastUpdated time.Time   `json:"last_updated"`
}

// HopHistory is a bounded, disk-persisted log of recently used first hops.
// It exists purely so an operator can audit circuit diversity after a scan;
// it is never read back to influence selection (that would reintroduce the
// guard-pinning behavior the scanner deliberately avoids).
type HopHistory struct {
	logger    *logger.Logger
	stateFile string
	state     historyState
	mu        sync.RWMutex
	maxHops   int
}

// NewHopHistory creates a hop history backed by a JSON file under dataDir.
func NewHopHistory(dataDir string, log *logger.Logger) (*HopHistory, error) {
	if log == nil {
		log = logger.NewDefault()
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	h := &HopHistory{
		logger:    log.Component("path"),
		stateFile: filepath.Join(dataDir, "first_hop_history.json"),
		maxHops:   500,
	}

	if err := h.load(); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to load first-hop history", "error", err)
	}

	return h, nil
}

func (h *HopHistory) load() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.stateFile)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &h.state); err != nil {
		return fmt.Errorf("failed to parse first-hop history: %w", err)
	}
	return nil
}

// Save writes the current history to disk, atomically via rename.
func (h *HopHistory) Save() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.state.LastUpdated = time.Now()

	data, err := json.MarshalIndent(h.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal first-hop history: %w", err)
	}

	tmpFile := h.stateFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write first-hop history: %w", err)
	}
	return os.Rename(tmpFile, h.stateFile)
}

// Record appends a first-hop usage, trimming the oldest entries once the
// history exceeds maxHops.
func (h *HopHistory) Record(fingerprint, nickname string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state.Hops = append(h.state.Hops, HopRecord{
		Fingerprint: fingerprint,
		Nickname:    nickname,
		UsedAt:      time.Now(),
	})

	if excess := len(h.state.Hops) - h.maxHops; excess > 0 {
		h.state.Hops = h.state.Hops[excess:]
	}
}

// Recent returns the last n recorded hops, most recent last.
func (h *HopHistory) Recent(n int) []HopRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > len(h.state.Hops) {
		n = len(h.state.Hops)
	}
	out := make([]HopRecord, n)
	copy(out, h.state.Hops[len(h.state.Hops)-n:])
	return out
}

// Count returns the number of hops currently recorded.
func (h *HopHistory) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.state.Hops)
}
