package ledger

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrSeqTaken reports that another writer claimed the sequence number
	// first. The appender treats it as a lost tail race and retries with
	// a fresh tail read.
	ErrSeqTaken = errors.New("ledger: sequence number already occupied")

	// ErrNotFound reports that no entry exists at the requested sequence.
	ErrNotFound = errors.New("ledger: entry not found")
)

// Store is the narrow persistence contract the ledger core consumes: an
// ordered, durable, append-only collection of entries keyed by sequence.
// Implementations live in internal/store.
//
// Persisted entries are immutable; the interface deliberately has no
// update or delete. Reads (Tail, Get, Scan) may run concurrently with
// Insert without coordination.
type Store interface {
	// Insert persists the entry if and only if its sequence number is
	// still unoccupied, as a single atomic write. Returns ErrSeqTaken
	// when the slot was already claimed. Any other error means the write
	// may or may not have been durably applied.
	Insert(ctx context.Context, e *Entry) error

	// Tail returns the highest-sequence entry, or nil if the chain is empty.
	Tail(ctx context.Context) (*Entry, error)

	// Get returns the entry at seq, or ErrNotFound.
	Get(ctx context.Context, seq uint64) (*Entry, error)

	// Scan streams entries with from <= seq <= to in ascending sequence
	// order. Missing sequences are simply not yielded — gap detection is
	// the verifier's job, not the store's.
	Scan(ctx context.Context, from, to uint64, fn func(*Entry) error) error

	Close() error
}
