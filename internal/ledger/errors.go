package ledger

import "fmt"

// ValidationError reports a malformed event rejected at Append time:
// unknown action kind, missing resource type, or a payload value outside
// the encodable set. Nothing was written and no sequence number was
// consumed; the caller can fix the event and retry freely.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit event: %s: %s", e.Field, e.Reason)
}

// ConflictError reports that Append lost the race for the tail slot more
// times than its retry budget allows. Individual lost races are recovered
// internally; this surfaces only when the budget is exhausted.
type ConflictError struct {
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("audit append: lost tail race %d times, giving up", e.Attempts)
}

// DurabilityError reports that the store could not acknowledge a write.
// The outcome is unknown: the entry may or may not have been persisted.
// Callers must never treat this as success, and should re-verify rather
// than blindly retry if double-recording the real-world action matters.
type DurabilityError struct {
	Seq uint64
	Err error
}

func (e *DurabilityError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("audit append: store failure: %v", e.Err)
	}
	return fmt.Sprintf("audit append: write of seq %d not acknowledged: %v", e.Seq, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }
