package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/opsledger/opsledger/internal/ledger"
)

// Memory is an in-memory Store. It backs tests and exists alongside the
// SQLite store mainly so integrity scenarios can be exercised: Replace and
// Remove simulate the storage-level compromise the verifier must detect.
// The ledger core itself never mutates a persisted entry.
type Memory struct {
	mu      sync.RWMutex
	entries map[uint64]*ledger.Entry
	tail    uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[uint64]*ledger.Entry)}
}

// Insert persists the entry iff its sequence is unoccupied.
func (m *Memory) Insert(ctx context.Context, e *ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.Seq]; ok {
		return ledger.ErrSeqTaken
	}
	stored := *e
	m.entries[e.Seq] = &stored
	if e.Seq > m.tail {
		m.tail = e.Seq
	}
	return nil
}

// Tail returns the highest-sequence entry, or nil when empty.
func (m *Memory) Tail(ctx context.Context) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tail == 0 {
		return nil, nil
	}
	e := *m.entries[m.tail]
	return &e, nil
}

// Get returns the entry at seq, or ledger.ErrNotFound.
func (m *Memory) Get(ctx context.Context, seq uint64) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[seq]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

// Scan streams present entries in [from, to] in ascending sequence order.
func (m *Memory) Scan(ctx context.Context, from, to uint64, fn func(*ledger.Entry) error) error {
	m.mu.RLock()
	// Snapshot so fn can call back into the store without deadlocking.
	snapshot := make([]*ledger.Entry, 0, len(m.entries))
	for seq := from; seq <= to && seq != 0; seq++ {
		if e, ok := m.entries[seq]; ok {
			copied := *e
			snapshot = append(snapshot, &copied)
		}
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of stored entries.
func (m *Memory) Count(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries)), nil
}

// Query returns matching entries, newest first, mirroring SQLite.Query.
func (m *Memory) Query(ctx context.Context, params QueryParams) ([]ledger.Entry, error) {
	var matcher glob.Glob
	if params.Resource != "" {
		g, err := glob.Compile(params.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource pattern %q: %w", params.Resource, err)
		}
		matcher = g
	}
	var cutoff time.Time
	if params.Since > 0 {
		cutoff = time.Now().UTC().Add(-params.Since)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []ledger.Entry
	for seq := m.tail; seq >= 1; seq-- {
		e, ok := m.entries[seq]
		if !ok {
			continue
		}
		if params.Actor != "" && (e.Actor == nil || *e.Actor != params.Actor) {
			continue
		}
		if params.Action != "" && string(e.Action) != params.Action {
			continue
		}
		if params.Since > 0 && e.Timestamp.Before(cutoff) {
			continue
		}
		if matcher != nil && !matchResource(matcher, e) {
			continue
		}
		entries = append(entries, *e)
		if params.Limit > 0 && len(entries) == params.Limit {
			break
		}
	}
	return entries, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Replace overwrites the entry at e.Seq, bypassing the append-only
// contract. Test-only: simulates an attacker editing storage in place.
func (m *Memory) Replace(e *ledger.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *e
	m.entries[e.Seq] = &stored
}

// Remove deletes the entry at seq, bypassing the append-only contract.
// Test-only: simulates an attacker deleting evidence from storage.
func (m *Memory) Remove(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, seq)
	if seq == m.tail {
		m.tail = 0
		for s := range m.entries {
			if s > m.tail {
				m.tail = s
			}
		}
	}
}
