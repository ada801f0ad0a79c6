package stm

import (
	"testing"

	"github.com/gip/dejafu/cellstore"
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

func TestFlatMapOnLeafWrapsOnce(t *testing.T) {
	a := Return(value.NewValue(1)).FlatMap(func(v value.Value) Action { return Return(v) })
	if a.Kind != KFlatMap {
		t.Fatalf("Kind = %v, want KFlatMap", a.Kind)
	}
	if a.PrevAction.Kind != KReturn {
		t.Fatalf("PrevAction.Kind = %v, want KReturn", a.PrevAction.Kind)
	}
}

func TestFlatMapOnComposedMergesContinuations(t *testing.T) {
	a := Return(value.NewValue(1)).
		FlatMap(func(v value.Value) Action { return Return(v) }).
		FlatMap(func(v value.Value) Action { return Return(v) })

	if a.Kind != KFlatMap {
		t.Fatalf("Kind = %v, want KFlatMap", a.Kind)
	}
	if a.PrevAction.Kind != KReturn {
		t.Fatalf("composing FlatMap on an already-composed action should keep PrevAction as the original leaf, got %v", a.PrevAction.Kind)
	}
}

func TestAndThenDiscardsResult(t *testing.T) {
	base := cellstore.NewTVarStore()
	tx := Read(idsrc.TVarId{}).AndThen(Return(value.NewValue("replaced")))
	out, _ := Run(tx, base, idsrc.New())
	if out.Kind != Success || out.Value.Unwrap().(string) != "replaced" {
		t.Fatalf("Run() = %+v, want Success with value %q", out, "replaced")
	}
}
