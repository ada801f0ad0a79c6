package stm

import (
	"testing"

	"github.com/gip/dejafu/cellstore"
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

func TestNewReadWrite(t *testing.T) {
	base := cellstore.NewTVarStore()
	tx := New("v", value.NewValue(10)).FlatMap(func(ref value.Value) Action {
		v := ref.Unwrap().(idsrc.TVarId)
		return Read(v).FlatMap(func(cur value.Value) Action {
			return Write(v, value.NewValue(cur.Unwrap().(int)+1)).AndThen(Read(v))
		})
	})

	out, _ := Run(tx, base, idsrc.New())
	if out.Kind != Success {
		t.Fatalf("Kind = %v, want Success", out.Kind)
	}
	if out.Value.Unwrap().(int) != 11 {
		t.Fatalf("Value = %v, want 11", out.Value)
	}
	if len(out.WriteSet) != 1 {
		t.Fatalf("WriteSet = %v, want one entry", out.WriteSet)
	}
}

func TestApplyInstallsWrites(t *testing.T) {
	src := idsrc.New()
	id, src := src.NextTVar("v")
	base := cellstore.NewTVarStore().New(id, value.NewValue(0))

	tx := Write(id, value.NewValue(99))
	out, _ := Run(tx, base, src)
	if out.Kind != Success {
		t.Fatalf("Kind = %v, want Success", out.Kind)
	}

	newBase := Apply(base, out)
	got, _ := newBase.Get(id)
	if got.Unwrap().(int) != 99 {
		t.Fatalf("after Apply, Get() = %v, want 99", got)
	}
	// base itself must be untouched — Apply must not mutate its argument.
	old, _ := base.Get(id)
	if old.Unwrap().(int) != 0 {
		t.Fatalf("Apply mutated its base argument: Get() = %v, want 0", old)
	}
}

func TestRetryUndoesWrites(t *testing.T) {
	src := idsrc.New()
	id, src := src.NextTVar("v")
	base := cellstore.NewTVarStore().New(id, value.NewValue(1))

	tx := Write(id, value.NewValue(2)).AndThen(Retry())
	out, _ := Run(tx, base, src)
	if out.Kind != RetryOutcome {
		t.Fatalf("Kind = %v, want RetryOutcome", out.Kind)
	}
	// the write must have been undone before Run returns.
	got, _ := base.Get(id)
	if got.Unwrap().(int) != 1 {
		t.Fatalf("base was mutated by a retried transaction: Get() = %v, want 1", got)
	}
	if len(out.ReadSet) != 0 {
		t.Fatalf("ReadSet = %v, want empty (write was never read back)", out.ReadSet)
	}
}

func TestOrElseFallsBackOnRetry(t *testing.T) {
	src := idsrc.New()
	id, src := src.NextTVar("v")
	base := cellstore.NewTVarStore().New(id, value.NewValue(0))

	first := Write(id, value.NewValue(1)).AndThen(Retry())
	second := Write(id, value.NewValue(2)).AndThen(Return(value.NewValue("second")))
	out, _ := Run(OrElse(first, second), base, src)

	if out.Kind != Success || out.Value.Unwrap().(string) != "second" {
		t.Fatalf("Run(OrElse) = %+v, want Success with %q", out, "second")
	}
	newBase := Apply(base, out)
	got, _ := newBase.Get(id)
	if got.Unwrap().(int) != 2 {
		t.Fatalf("expected only the fallback branch's write to survive, got %v", got)
	}
}

func TestOrElsePassesThroughOtherOutcomes(t *testing.T) {
	src := idsrc.New()
	id, src := src.NextTVar("v")
	base := cellstore.NewTVarStore().New(id, value.NewValue(0))

	first := Write(id, value.NewValue(1)).AndThen(Return(value.NewValue("first")))
	second := Return(value.NewValue("second"))
	out, _ := Run(OrElse(first, second), base, src)

	if out.Kind != Success || out.Value.Unwrap().(string) != "first" {
		t.Fatalf("OrElse should not fall back when the first branch succeeds, got %+v", out)
	}
}

func TestCatchRunsHandlerAndUndoesBody(t *testing.T) {
	src := idsrc.New()
	id, src := src.NextTVar("v")
	base := cellstore.NewTVarStore().New(id, value.NewValue(0))

	body := Write(id, value.NewValue(1)).AndThen(Throw(value.NewValue("boom")))
	handled := Catch(body,
		func(e value.Value) bool { return e.Unwrap().(string) == "boom" },
		func(e value.Value) Action { return Return(value.NewValue("recovered")) })

	out, _ := Run(handled, base, src)
	if out.Kind != Success || out.Value.Unwrap().(string) != "recovered" {
		t.Fatalf("Run(Catch) = %+v, want Success with %q", out, "recovered")
	}
	if len(out.WriteSet) != 0 {
		t.Fatalf("WriteSet = %v, want empty — body's write should be undone by catch", out.WriteSet)
	}
}

func TestCatchIgnoresUnmatchedException(t *testing.T) {
	base := cellstore.NewTVarStore()
	body := Throw(value.NewValue("other"))
	handled := Catch(body,
		func(e value.Value) bool { return e.Unwrap().(string) == "boom" },
		func(e value.Value) Action { return Return(value.NewValue("recovered")) })

	out, _ := Run(handled, base, idsrc.New())
	if out.Kind != ExceptionOutcome {
		t.Fatalf("Kind = %v, want ExceptionOutcome (handler should not match)", out.Kind)
	}
}

func TestThrowUndoesAllWrites(t *testing.T) {
	src := idsrc.New()
	id, src := src.NextTVar("v")
	base := cellstore.NewTVarStore().New(id, value.NewValue(5))

	tx := Write(id, value.NewValue(6)).AndThen(Throw(value.NewValue("e")))
	out, _ := Run(tx, base, src)
	if out.Kind != ExceptionOutcome {
		t.Fatalf("Kind = %v, want ExceptionOutcome", out.Kind)
	}
	got, _ := base.Get(id)
	if got.Unwrap().(int) != 5 {
		t.Fatalf("base mutated by a thrown transaction: Get() = %v, want 5", got)
	}
}

func TestReadSetDeduplicated(t *testing.T) {
	src := idsrc.New()
	id, src := src.NextTVar("v")
	base := cellstore.NewTVarStore().New(id, value.NewValue(1))

	tx := Read(id).AndThen(Read(id)).AndThen(Read(id))
	out, _ := Run(tx, base, src)
	if len(out.ReadSet) != 1 {
		t.Fatalf("ReadSet = %v, want a single deduplicated entry", out.ReadSet)
	}
}
