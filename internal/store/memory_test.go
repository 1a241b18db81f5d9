package store

import (
	"context"
	"errors"
	"testing"

	"github.com/opsledger/opsledger/internal/ledger"
)

func TestMemory_InsertDuplicateSeq(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Insert(ctx, sampleEntry(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Insert(ctx, sampleEntry(1)); !errors.Is(err, ledger.ErrSeqTaken) {
		t.Fatalf("duplicate insert: got %v, want ErrSeqTaken", err)
	}
}

func TestMemory_InsertCopiesEntry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	e := sampleEntry(1)
	if err := m.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Mutating the caller's copy must not reach the stored entry.
	e.Hash = "sha256:mutated"

	got, err := m.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Hash == "sha256:mutated" {
		t.Error("store aliased the caller's entry")
	}
}

func TestMemory_ScanSkipsMissing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, seq := range []uint64{1, 2, 4} {
		if err := m.Insert(ctx, sampleEntry(seq)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	var seqs []uint64
	if err := m.Scan(ctx, 1, 4, func(e *ledger.Entry) error {
		seqs = append(seqs, e.Seq)
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seqs) != 3 || seqs[2] != 4 {
		t.Errorf("scanned seqs = %v, want [1 2 4]", seqs)
	}
}

func TestMemory_RemoveRecomputesTail(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		if err := m.Insert(ctx, sampleEntry(seq)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	m.Remove(3)
	tail, err := m.Tail(ctx)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if tail == nil || tail.Seq != 2 {
		t.Fatalf("tail after removing 3 = %+v, want seq 2", tail)
	}

	m.Remove(2)
	m.Remove(1)
	tail, err = m.Tail(ctx)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if tail != nil {
		t.Fatalf("tail after removing all = %+v, want nil", tail)
	}
}

func TestMemory_QueryMirrorsSQLite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := sampleEntry(1)
	a.Actor = strp("alice")
	b := sampleEntry(2)
	b.Actor = strp("bob")
	b.ResourceType = "volume"
	for _, e := range []*ledger.Entry{a, b} {
		if err := m.Insert(ctx, e); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	entries, err := m.Query(ctx, QueryParams{Actor: "bob"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].Seq != 2 {
		t.Errorf("actor filter returned %+v, want only seq 2", entries)
	}

	entries, err = m.Query(ctx, QueryParams{Resource: "vol*"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].Seq != 2 {
		t.Errorf("glob filter returned %+v, want only seq 2", entries)
	}
}
