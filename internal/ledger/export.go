package ledger

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Export renders the range [from, to] to w. Formats:
//
//	"jsonl" - line-delimited JSON, the re-verifiable interchange format
//	"json"  - a single indented JSON array
//	"csv"   - spreadsheet-friendly; standard RFC 4180 quoting
//
// from == 0 means sequence 1; to == 0 means through the tail observed at
// scan start. Entries stream straight from the store and are written
// exactly as stored — hashes are never recomputed or repaired, so an
// export of a tampered chain shows the tamper. That makes export a
// diagnostic tool as much as a handoff format.
//
// The jsonl output carries every field including prev_hash and hash and
// can be independently re-verified offline with VerifyReader. CSV cannot
// distinguish an absent optional field from an empty string, so it is not
// the format to re-verify from.
func Export(ctx context.Context, st Store, from, to uint64, format string, w io.Writer) error {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		tail, err := st.Tail(ctx)
		if err != nil {
			return fmt.Errorf("reading chain tail: %w", err)
		}
		if tail == nil {
			to = 0
		} else {
			to = tail.Seq
		}
	}

	switch format {
	case "jsonl", "":
		enc := json.NewEncoder(w)
		return st.Scan(ctx, from, to, func(e *Entry) error {
			return enc.Encode(e)
		})

	case "json":
		if _, err := io.WriteString(w, "[\n"); err != nil {
			return err
		}
		first := true
		err := st.Scan(ctx, from, to, func(e *Entry) error {
			data, err := json.MarshalIndent(e, "  ", "  ")
			if err != nil {
				return fmt.Errorf("marshaling entry %d: %w", e.Seq, err)
			}
			sep := "  "
			if !first {
				sep = ",\n  "
			}
			first = false
			if _, err := io.WriteString(w, sep); err != nil {
				return err
			}
			_, err = w.Write(data)
			return err
		})
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "\n]\n")
		return err

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{
			"seq", "ts", "actor", "action", "resource_type", "resource_id",
			"resource_name", "source_addr", "payload", "prev_hash", "hash",
		}); err != nil {
			return err
		}
		err := st.Scan(ctx, from, to, func(e *Entry) error {
			var payload string
			if e.Payload != nil {
				data, err := json.Marshal(e.Payload)
				if err != nil {
					return fmt.Errorf("marshaling payload of entry %d: %w", e.Seq, err)
				}
				payload = string(data)
			}
			return cw.Write([]string{
				strconv.FormatUint(e.Seq, 10),
				e.Timestamp.Format(time.RFC3339Nano),
				strOrEmpty(e.Actor),
				string(e.Action),
				e.ResourceType,
				strOrEmpty(e.ResourceID),
				strOrEmpty(e.ResourceName),
				strOrEmpty(e.SourceAddress),
				payload,
				e.PrevHash,
				e.Hash,
			})
		})
		if err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()

	default:
		return fmt.Errorf("unsupported export format: %s (use jsonl, json, or csv)", format)
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ReadJSONL parses a line-delimited JSON export, yielding each entry to fn
// in file order. Numbers are decoded via json.Number and payloads are
// re-normalized, so the parsed entries canonically encode to the exact
// bytes the originals were hashed with — the property offline
// re-verification depends on. Blank lines are skipped.
func ReadJSONL(r io.Reader, fn func(*Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if e.Payload != nil {
			norm, err := normalizePayload(e.Payload)
			if err != nil {
				return fmt.Errorf("line %d: payload: %w", line, err)
			}
			e.Payload = norm.(map[string]any)
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// VerifyReader re-verifies a jsonl export without touching a store,
// producing the same verdict Verify would give for the live range the
// export was taken from. The stream's first entry fixes the range start;
// when it is sequence 1 the genesis link is checked, otherwise the first
// entry's link is unjudgeable and skipped.
func VerifyReader(algo Algorithm, r io.Reader) (*Report, error) {
	var w *chainWalker
	var from uint64
	err := ReadJSONL(r, func(e *Entry) error {
		if w == nil {
			from = e.Seq
			w = newWalker(algo, e.Seq)
			if e.Seq == 1 {
				genesis := GenesisHash(algo)
				w.expected = &genesis
			}
		}
		w.step(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if w == nil {
		return &Report{Valid: true}, nil
	}
	return w.report(from, w.next-1), nil
}
