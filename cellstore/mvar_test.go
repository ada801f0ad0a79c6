package cellstore

import (
	"testing"

	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

func TestMVarFillAndEmpty(t *testing.T) {
	src := idsrc.New()
	id, _ := src.NextMVar("m")
	s := NewMVarStore().New(id, false, value.Value{})

	cell, ok := s.Get(id)
	if !ok || cell.Full {
		t.Fatalf("New(full=false) should start empty, got %+v", cell)
	}

	s = s.Fill(id, value.NewValue(7))
	cell, _ = s.Get(id)
	if !cell.Full || cell.Content.Unwrap().(int) != 7 {
		t.Fatalf("Fill() = %+v, want full with content 7", cell)
	}

	s = s.Empty(id)
	cell, _ = s.Get(id)
	if cell.Full {
		t.Fatalf("Empty() left cell full: %+v", cell)
	}
}

func TestMVarStoreIsPersistent(t *testing.T) {
	src := idsrc.New()
	id, _ := src.NextMVar("m")
	s1 := NewMVarStore().New(id, false, value.Value{})
	s2 := s1.Fill(id, value.NewValue(1))

	cell1, _ := s1.Get(id)
	cell2, _ := s2.Get(id)
	if cell1.Full {
		t.Fatalf("original store was mutated by Fill on derived store")
	}
	if !cell2.Full {
		t.Fatalf("derived store should reflect the Fill")
	}
}
