// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package steps executes named units of work with at-most-once intent per
// unit for a given task attempt. A step function may run more than once if
// it has never completed, but once it returns successfully its result is
// recorded and replays of the same attempt return the memoized result
// instead of re-invoking the function.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Runner executes one named step. Results are opaque byte payloads so a
// single ledger schema serves every step type.
type Runner interface {
	Run(ctx context.Context, name string, fn func(context.Context) ([]byte, error)) ([]byte, error)
}

// Do wraps Runner.Run with JSON encoding so callers keep typed results.
func Do[T any](ctx context.Context, r Runner, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := r.Run(ctx, name, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("step %q: decode recorded result: %w", name, err)
	}
	return out, nil
}

// Inline is the background-job runtime: every step runs exactly where it
// is called, with no replay memoization. The whole attempt either runs to
// completion or is retried from scratch by the caller.
type Inline struct{}

func (Inline) Run(ctx context.Context, name string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	return fn(ctx)
}

// Ledger is the persistence boundary for durable step results, keyed by
// (attempt id, step name).
type Ledger interface {
	Lookup(ctx context.Context, attemptID, name string) ([]byte, bool, error)
	Record(ctx context.Context, attemptID, name string, result []byte) error
}

// Durable is the durable-workflow runtime: completed steps are recorded
// in a ledger and never re-executed on replay of the same attempt.
type Durable struct {
	attemptID string
	ledger    Ledger
}

func NewDurable(attemptID string, ledger Ledger) *Durable {
	return &Durable{attemptID: attemptID, ledger: ledger}
}

func (d *Durable) Run(ctx context.Context, name string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	if raw, ok, err := d.ledger.Lookup(ctx, d.attemptID, name); err != nil {
		return nil, fmt.Errorf("step %q: ledger lookup: %w", name, err)
	} else if ok {
		return raw, nil
	}

	raw, err := fn(ctx)
	if err != nil {
		// Incomplete steps stay unrecorded so a replay retries them.
		return nil, err
	}
	if err := d.ledger.Record(ctx, d.attemptID, name, raw); err != nil {
		return nil, fmt.Errorf("step %q: ledger record: %w", name, err)
	}
	return raw, nil
}

// MemoryLedger keeps step results in process memory. Useful for tests and
// for single-process deployments that only need replay within one run.
type MemoryLedger struct {
	mu      sync.Mutex
	results map[string][]byte
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{results: make(map[string][]byte)}
}

func (m *MemoryLedger) key(attemptID, name string) string {
	return attemptID + "\x00" + name
}

func (m *MemoryLedger) Lookup(ctx context.Context, attemptID, name string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.results[m.key(attemptID, name)]
	return raw, ok, nil
}

func (m *MemoryLedger) Record(ctx context.Context, attemptID, name string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[m.key(attemptID, name)] = result
	return nil
}
