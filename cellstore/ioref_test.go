package cellstore

import (
	"testing"

	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

func TestIORefCommitWriteBumpsVersion(t *testing.T) {
	src := idsrc.New()
	id, _ := src.NextIORef("r")
	s := NewIORefStore().New(id, value.NewValue(0))

	t0 := s.Ticket(id)
	if t0.Version != 0 {
		t.Fatalf("initial Ticket version = %d, want 0", t0.Version)
	}

	s = s.CommitWrite(id, value.NewValue(1))
	t1 := s.Ticket(id)
	if t1.Version != 1 {
		t.Fatalf("Ticket version after one commit = %d, want 1", t1.Version)
	}
}

func TestCASSucceedsOnMatchingTicket(t *testing.T) {
	src := idsrc.New()
	id, _ := src.NextIORef("r")
	s := NewIORefStore().New(id, value.NewValue(0))

	ticket := s.Ticket(id)
	s2, ok := s.CAS(ticket, value.NewValue(42))
	if !ok {
		t.Fatalf("CAS with a fresh ticket should succeed")
	}
	cell, _ := s2.Get(id)
	if cell.Committed.Unwrap().(int) != 42 {
		t.Fatalf("committed value = %v, want 42", cell.Committed)
	}
}

func TestCASFailsOnStaleTicket(t *testing.T) {
	src := idsrc.New()
	id, _ := src.NextIORef("r")
	s := NewIORefStore().New(id, value.NewValue(0))

	stale := s.Ticket(id)
	s = s.CommitWrite(id, value.NewValue(1)) // another writer advances the version

	_, ok := s.CAS(stale, value.NewValue(99))
	if ok {
		t.Fatalf("CAS against a stale ticket should fail")
	}
}
