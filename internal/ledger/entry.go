// Package ledger implements the tamper-evident, hash-chained audit ledger.
//
// Every security-relevant action in the surrounding dashboard (logins,
// resource mutations, executions) is recorded as an Entry in an append-only
// store. Entries are hash-chained: each entry's Hash covers a canonical
// encoding of its fields plus the previous entry's Hash, so altering,
// reordering, or deleting any persisted entry is detectable by Verify.
//
// The package is split by concern:
//
//	entry.go   - the entry/event data model and validation
//	encode.go  - the canonical (deterministic) byte encoding used as hash input
//	hash.go    - the versioned chain hash function
//	append.go  - the sequencer that owns the chain tail
//	verify.go  - the streaming chain verifier
//	export.go  - jsonl/json/csv export and offline re-verification
//	store.go   - the persistence contract the core consumes
package ledger

import (
	"fmt"
	"time"
)

// Action classifies what an audit entry records. The set is closed at the
// protocol level: the action participates in hashing, so new kinds require
// a protocol version bump, not an ad-hoc string.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionExecute Action = "EXECUTE"
	ActionLogin   Action = "LOGIN"
	ActionLogout  Action = "LOGOUT"
)

// Valid reports whether a is one of the protocol's action kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionExecute, ActionLogin, ActionLogout:
		return true
	}
	return false
}

// Event is what callers hand to Appender.Append: the logical content of an
// audit record before the sequencer assigns sequence, timestamp, and hashes.
//
// Optional fields are pointers. An absent field and an empty string are
// distinct values and hash differently, so "the caller sent nothing" can
// never be confused with "the caller sent an empty string".
type Event struct {
	Actor         *string        `json:"actor,omitempty"`
	Action        Action         `json:"action"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    *string        `json:"resource_id,omitempty"`
	ResourceName  *string        `json:"resource_name,omitempty"`
	SourceAddress *string        `json:"source_addr,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Entry is a single persisted record of the chain.
//
// Entries are immutable after creation: the ledger exposes no update or
// delete operation, and a mutation or deletion at the storage layer is
// exactly the compromise Verify exists to detect.
type Entry struct {
	Seq           uint64         `json:"seq"`
	Timestamp     time.Time      `json:"ts"`
	Actor         *string        `json:"actor,omitempty"`
	Action        Action         `json:"action"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    *string        `json:"resource_id,omitempty"`
	ResourceName  *string        `json:"resource_name,omitempty"`
	SourceAddress *string        `json:"source_addr,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	PrevHash      string         `json:"prev_hash"`
	Hash          string         `json:"hash"`
}

// normalized validates the event shape and returns a copy whose payload
// holds only the closed encodable value set. Called before any chain state
// is touched: a rejected event never consumes a sequence number.
func (ev Event) normalized() (Event, error) {
	if !ev.Action.Valid() {
		return Event{}, &ValidationError{
			Field:  "action",
			Reason: fmt.Sprintf("unknown action kind %q", string(ev.Action)),
		}
	}
	if ev.ResourceType == "" {
		return Event{}, &ValidationError{Field: "resource_type", Reason: "required"}
	}
	if ev.Payload != nil {
		norm, err := normalizePayload(ev.Payload)
		if err != nil {
			return Event{}, &ValidationError{Field: "payload", Reason: err.Error()}
		}
		ev.Payload = norm.(map[string]any)
	}
	return ev, nil
}
