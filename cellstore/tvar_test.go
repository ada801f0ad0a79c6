package cellstore

import (
	"testing"

	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

func TestTVarWriteOverwrites(t *testing.T) {
	src := idsrc.New()
	id, _ := src.NextTVar("v")
	s := NewTVarStore().New(id, value.NewValue(1))
	s = s.Write(id, value.NewValue(2))

	got, ok := s.Get(id)
	if !ok || got.Unwrap().(int) != 2 {
		t.Fatalf("Get() = (%v, %v), want (2, true)", got, ok)
	}
}

func TestTVarStoreMissingId(t *testing.T) {
	s := NewTVarStore()
	if _, ok := s.Get(idsrc.TVarId{}); ok {
		t.Fatalf("Get() on an empty store should report not found")
	}
}
