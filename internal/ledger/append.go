package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultMaxRetries bounds the optimistic retry loop when racing writers
// fight over the tail slot.
const defaultMaxRetries = 5

// Appender owns the chain tail — the one piece of mutable shared state in
// the ledger. All writes to a chain flow through a single logical appender:
// in-process callers are serialized by a mutex spanning the read-tail →
// write-entry window, and writers in other processes sharing the same store
// are handled by an optimistic retry loop keyed off the store's
// sequence-uniqueness constraint.
//
// The verifier and exporter only ever read persisted entries; they never
// touch the tail state.
type Appender struct {
	store  Store
	algo   Algorithm
	retry  int
	notify func(Entry)

	mu         sync.Mutex
	tailSeq    uint64
	tailHash   string
	tailLoaded bool
}

// AppenderOptions configures a new Appender. The zero value is usable:
// SHA-256 chain, default retry budget, no notification hook.
type AppenderOptions struct {
	// Algorithm selects the chain hash function. Defaults to SHA256.
	Algorithm Algorithm

	// MaxRetries bounds how many lost tail races Append absorbs before
	// surfacing a ConflictError. Defaults to 5.
	MaxRetries int

	// Notify, if set, is called with each entry after its write has been
	// acknowledged by the store. It runs with the tail lock held and must
	// not block — the dashboard live feed hands the entry to a buffered
	// channel and drops on overflow.
	Notify func(Entry)
}

// NewAppender creates the sequencer for the chain persisted in st.
func NewAppender(st Store, opts AppenderOptions) *Appender {
	algo := opts.Algorithm
	if algo == "" {
		algo = SHA256
	}
	retry := opts.MaxRetries
	if retry <= 0 {
		retry = defaultMaxRetries
	}
	return &Appender{
		store:  st,
		algo:   algo,
		retry:  retry,
		notify: opts.Notify,
	}
}

// Append validates the event, allocates the next sequence number, links and
// hashes the entry, and persists it atomically. On success the returned
// entry is durable and carries its final sequence, timestamp, and hashes.
//
// Failure modes:
//
//   - *ValidationError: the event is malformed. Nothing was written and no
//     sequence number was consumed.
//   - *ConflictError: the tail race was lost more than MaxRetries times.
//   - *DurabilityError: the store could not acknowledge the write; the
//     outcome is unknown and must not be treated as success.
//
// Append may block while a concurrent append holds the tail; callers must
// not invoke it while holding locks that could deadlock against it.
func (a *Appender) Append(ctx context.Context, ev Event) (*Entry, error) {
	ev, err := ev.normalized()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.tailLoaded {
		if err := a.refreshTailLocked(ctx); err != nil {
			return nil, &DurabilityError{Err: err}
		}
	}

	for attempt := 0; attempt < a.retry; attempt++ {
		e := &Entry{
			Seq:           a.tailSeq + 1,
			Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
			Actor:         ev.Actor,
			Action:        ev.Action,
			ResourceType:  ev.ResourceType,
			ResourceID:    ev.ResourceID,
			ResourceName:  ev.ResourceName,
			SourceAddress: ev.SourceAddress,
			Payload:       ev.Payload,
			PrevHash:      a.tailHash,
		}
		canonical, err := canonicalBytes(e)
		if err != nil {
			// normalized() already vetted the payload, so this only fires
			// on a value set bug; surface it as validation, not a write
			// failure.
			return nil, &ValidationError{Field: "payload", Reason: err.Error()}
		}
		e.Hash = chainHash(a.algo, canonical, e.PrevHash)

		switch err := a.store.Insert(ctx, e); {
		case err == nil:
			// Advance the cached tail only after the durable ack.
			a.tailSeq = e.Seq
			a.tailHash = e.Hash
			if a.notify != nil {
				a.notify(*e)
			}
			slog.Debug("audit entry appended",
				"seq", e.Seq, "action", e.Action, "resource_type", e.ResourceType)
			return e, nil

		case errors.Is(err, ErrSeqTaken):
			// Another writer claimed our sequence. Re-read the tail and
			// recompute sequence, link, and hash from scratch.
			slog.Debug("audit append lost tail race, retrying", "seq", e.Seq, "attempt", attempt+1)
			if rerr := a.refreshTailLocked(ctx); rerr != nil {
				return nil, &DurabilityError{Seq: e.Seq, Err: rerr}
			}

		default:
			return nil, &DurabilityError{Seq: e.Seq, Err: err}
		}
	}
	return nil, &ConflictError{Attempts: a.retry}
}

// Tail returns the appender's view of the last persisted sequence number
// and entry hash, loading it from the store on first use. Sequence 0 with
// the genesis hash means the chain is empty.
func (a *Appender) Tail(ctx context.Context) (uint64, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.tailLoaded {
		if err := a.refreshTailLocked(ctx); err != nil {
			return 0, "", err
		}
	}
	return a.tailSeq, a.tailHash, nil
}

// Algorithm returns the chain hash function this appender writes with.
func (a *Appender) Algorithm() Algorithm { return a.algo }

// refreshTailLocked re-reads the chain tail from the store. Caller holds mu.
func (a *Appender) refreshTailLocked(ctx context.Context) error {
	tail, err := a.store.Tail(ctx)
	if err != nil {
		return fmt.Errorf("reading chain tail: %w", err)
	}
	if tail == nil {
		a.tailSeq = 0
		a.tailHash = GenesisHash(a.algo)
	} else {
		a.tailSeq = tail.Seq
		a.tailHash = tail.Hash
	}
	a.tailLoaded = true
	return nil
}
