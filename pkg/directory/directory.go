// Package directory loads the cached Tor consensus and server descriptors
// from a local data directory and exposes them as ExitCandidate values with
// parsed exit policies.
package directory

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opd-ai/torscan/pkg/errors"
	"github.com/opd-ai/torscan/pkg/logger"
)

// ConsensusEntry is one "r"/"s" router-status entry from cached-consensus.
type ConsensusEntry struct {
	Nickname    string
	Fingerprint string
	Address     string
	ORPort      int
	DirPort     int
	Flags       []string
}

// HasFlag reports whether the consensus marked this relay with flag.
func (e *ConsensusEntry) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Descriptor is a relay's full server descriptor: identity, advertised
// version, and its complete exit policy.
type Descriptor struct {
	Nickname    string
	Fingerprint string
	Address     string
	Version     string
	Policy      *ExitPolicy
}

// ExitCandidate is a relay eligible for the scan: present in the consensus
// with the EXIT flag, and carrying a non-empty exit policy in its
// descriptor. Only candidates built this way are exposed to the selector.
type ExitCandidate struct {
	Fingerprint string
	Nickname    string
	Address     string
	IP          net.IP
	Version     string
	Flags       []string
	Policy      *ExitPolicy
}

// HasFlag reports whether the consensus marked this candidate with flag.
func (c *ExitCandidate) HasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsBadExit reports whether the consensus flagged this relay BadExit.
func (c *ExitCandidate) IsBadExit() bool {
	return c.HasFlag("BadExit")
}

// String matches the teacher's Relay.String format.
func (c *ExitCandidate) String() string {
	return fmt.Sprintf("%s (%s)", c.Nickname, c.Fingerprint)
}

// Destination is one (IPv4 host, TCP port) a task wants to reach. A task
// declares a set of these; the selector maps each exit to the subset its
// policy permits.
type Destination struct {
	Host net.IP
	Port int
}

// ParseConsensus reads router-status entries from a cached-consensus
// document. Only "r" (router) and "s" (flags) lines are consulted; "w"
// (bandwidth) and "p" (policy summary) lines are ignored, since the full
// exit policy comes from the relay's descriptor, not the consensus summary.
// The identity field of the "r" line is taken as the correlation key
// verbatim; reconciling a real consensus's base64 identity digest against a
// descriptor's hex fingerprint is the embedded Tor process's own job
// (non-goal: implementing the Tor directory protocol).
func ParseConsensus(r io.Reader) (map[string]*ConsensusEntry, error) {
	entries := make(map[string]*ConsensusEntry)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current *ConsensusEntry
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "r "):
			parts := strings.Fields(line)
			if len(parts) < 9 {
				continue
			}
			current = &ConsensusEntry{
				Nickname:    parts[1],
				Fingerprint: parts[2],
				Address:     parts[6],
			}
			if port, err := strconv.Atoi(parts[7]); err == nil {
				current.ORPort = port
			}
			if port, err := strconv.Atoi(parts[8]); err == nil {
				current.DirPort = port
			}
			entries[current.Fingerprint] = current

		case strings.HasPrefix(line, "s ") && current != nil:
			current.Flags = strings.Fields(line[2:])
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading consensus: %w", err)
	}
	return entries, nil
}

// ParseDescriptors reads full server descriptors from a cached-descriptors
// document, returning one Descriptor per relay whose exit policy permits at
// least one (address, port).
func ParseDescriptors(r io.Reader) (map[string]*Descriptor, error) {
	descriptors := make(map[string]*Descriptor)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current *Descriptor
	flushCurrent := func() {
		if current != nil && current.Fingerprint != "" && current.Policy.IsExitingAllowed() {
			descriptors[current.Fingerprint] = current
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "router "):
			flushCurrent()
			parts := strings.Fields(line)
			current = &Descriptor{Policy: &ExitPolicy{}}
			if len(parts) >= 2 {
				current.Nickname = parts[1]
			}
			if len(parts) >= 3 {
				current.Address = parts[2]
			}

		case strings.HasPrefix(line, "fingerprint ") && current != nil:
			current.Fingerprint = strings.ToUpper(strings.ReplaceAll(line[len("fingerprint "):], " ", ""))

		case strings.HasPrefix(line, "platform Tor ") && current != nil:
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				current.Version = fields[2]
			}

		case (strings.HasPrefix(line, "accept ") || strings.HasPrefix(line, "reject ")) && current != nil:
			rule, err := ParsePolicyLine(line)
			if err == nil {
				current.Policy.Rules = append(current.Policy.Rules, rule)
			}
		}
	}
	flushCurrent()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading descriptors: %w", err)
	}
	return descriptors, nil
}

// ConsensusFingerprints returns the fingerprint of every relay listed in
// dataDir's cached-consensus, regardless of flags. This is the pool the
// driver draws random first hops from.
func ConsensusFingerprints(dataDir string) ([]string, error) {
	consensusPath := filepath.Join(dataDir, "cached-consensus")
	f, err := os.Open(consensusPath)
	if err != nil {
		return nil, errors.SelectionError(fmt.Sprintf("cannot read consensus at %s", consensusPath), err)
	}
	defer f.Close()

	entries, err := ParseConsensus(f)
	if err != nil {
		return nil, errors.SelectionError("failed to parse cached-consensus", err)
	}

	fingerprints := make([]string, 0, len(entries))
	for fpr := range entries {
		fingerprints = append(fingerprints, fpr)
	}
	return fingerprints, nil
}

// LoadCandidates combines cached-consensus and cached-descriptors from
// dataDir into the set of exit candidates: descriptors with a non-empty
// exit policy, intersected with consensus entries carrying the EXIT flag.
// Relays with a policy but no matching consensus EXIT flag are dropped and
// logged, matching relayselector.py's get_exits behavior.
func LoadCandidates(dataDir string, log *logger.Logger) ([]*ExitCandidate, error) {
	l := log.Component("directory")

	consensusPath := filepath.Join(dataDir, "cached-consensus")
	descriptorsPath := filepath.Join(dataDir, "cached-descriptors")

	consensusFile, err := os.Open(consensusPath)
	if err != nil {
		return nil, errors.SelectionError(fmt.Sprintf("cannot read consensus at %s", consensusPath), err)
	}
	defer consensusFile.Close()

	consensus, err := ParseConsensus(consensusFile)
	if err != nil {
		return nil, errors.SelectionError("failed to parse cached-consensus", err)
	}

	descriptorsFile, err := os.Open(descriptorsPath)
	if err != nil {
		return nil, errors.SelectionError(fmt.Sprintf("cannot read descriptors at %s", descriptorsPath), err)
	}
	defer descriptorsFile.Close()

	descriptors, err := ParseDescriptors(descriptorsFile)
	if err != nil {
		return nil, errors.SelectionError("failed to parse cached-descriptors", err)
	}

	var candidates []*ExitCandidate
	var withoutExitFlag int
	for fpr, desc := range descriptors {
		entry, ok := consensus[fpr]
		if !ok || !entry.HasFlag("Exit") {
			withoutExitFlag++
			continue
		}
		candidates = append(candidates, &ExitCandidate{
			Fingerprint: fpr,
			Nickname:    desc.Nickname,
			Address:     desc.Address,
			IP:          net.ParseIP(desc.Address),
			Version:     desc.Version,
			Flags:       entry.Flags,
			Policy:      desc.Policy,
		})
	}

	l.Info("loaded exit candidates",
		"with_exit_flag", len(candidates),
		"policy_but_no_exit_flag", withoutExitFlag)

	return candidates, nil
}
