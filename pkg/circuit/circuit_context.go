// Package circuit provides context-aware operations for circuit management.
package circuit

import (
	"context"
	"fmt"
	"time"
)

// WaitForState waits for the circuit to reach a specific state or until the
// context is done.
//
// Example usage:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	err := circuit.WaitForState(ctx, StateBuilt)
func (c *Circuit) WaitForState(ctx context.Context, state State) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.GetState() == state {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for state %s (current: %s): %w",
				state, c.GetState(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitUntilReady waits for the circuit to reach StateBuilt or until the
// context is done.
func (c *Circuit) WaitUntilReady(ctx context.Context) error {
	return c.WaitForState(ctx, StateBuilt)
}

// AgeWithContext returns how long the circuit has existed, or an error if
// the context is done.
func (c *Circuit) AgeWithContext(ctx context.Context) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
		return c.Age(), nil
	}
}

// IsOlderThan returns true if the circuit is older than duration.
func (c *Circuit) IsOlderThan(duration time.Duration) bool {
	return c.Age() > duration
}

// SetStateWithContext sets the circuit state, honoring cancellation.
func (c *Circuit) SetStateWithContext(ctx context.Context, state State) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("state change cancelled: %w", ctx.Err())
	default:
		c.SetState(state)
		return nil
	}
}

// WaitForCircuitCount waits until the manager has at least minCount
// circuits in the given state, or until the context is done.
func (m *Manager) WaitForCircuitCount(ctx context.Context, state State, minCount int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		m.mu.RLock()
		count := 0
		for _, circuit := range m.circuits {
			if circuit.GetState() == state {
				count++
			}
		}
		m.mu.RUnlock()

		if count >= minCount {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %d circuits in state %s (current: %d): %w",
				minCount, state, count, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetCircuitsByState returns all tracked circuits currently in state.
func (m *Manager) GetCircuitsByState(state State) []*Circuit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var circuits []*Circuit
	for _, circuit := range m.circuits {
		if circuit.GetState() == state {
			circuits = append(circuits, circuit)
		}
	}
	return circuits
}

// CountByState returns the number of tracked circuits in state.
func (m *Manager) CountByState(state State) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, circuit := range m.circuits {
		if circuit.GetState() == state {
			count++
		}
	}
	return count
}
