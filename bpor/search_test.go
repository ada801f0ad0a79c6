package bpor

import (
	"testing"

	"github.com/gip/dejafu/conc"
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/stm"
	"github.com/gip/dejafu/trace"
	"github.com/gip/dejafu/value"
	"github.com/gip/dejafu/wbuffer"
)

func TestExploreRacyCounterFindsMultipleOutcomes(t *testing.T) {
	program := func() conc.Action {
		return conc.NewIORef("counter", value.NewValue(0)).FlatMap(func(v value.Value) conc.Action {
			ref := v.Unwrap().(idsrc.IORefId)
			bump := conc.ReadIORef(ref).FlatMap(func(cur value.Value) conc.Action {
				return conc.WriteIORef(ref, value.NewValue(cur.Unwrap().(int)+1))
			})
			return conc.Fork(bump).AndThen(bump)
		})
	}

	outcomes, err := Explore(program, wbuffer.TotalStoreOrder, 1, 2)
	if err != nil {
		t.Fatalf("Explore() err = %v", err)
	}
	if len(outcomes) < 2 {
		t.Fatalf("Explore() found %d outcome(s), want at least 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Result.Err != nil {
			t.Fatalf("unexpected error in explored outcome: %v", o.Result.Err)
		}
	}
}

func TestExploreMVarDeadlockAlwaysDeadlocks(t *testing.T) {
	program := func() conc.Action {
		return conc.NewMVar("m", false, value.Value{}).FlatMap(func(v value.Value) conc.Action {
			return conc.TakeMVar(v.Unwrap().(idsrc.MVarId))
		})
	}

	outcomes, err := Explore(program, wbuffer.TotalStoreOrder, 1, 2)
	if err != nil {
		t.Fatalf("Explore() err = %v", err)
	}
	if len(outcomes) == 0 {
		t.Fatalf("Explore() found no outcomes")
	}
	for _, o := range outcomes {
		if o.Result.Err != conc.ErrDeadlock {
			t.Fatalf("outcome err = %v, want ErrDeadlock on every explored schedule", o.Result.Err)
		}
	}
}

func TestExploreSTMTransferPreservesTotalBalance(t *testing.T) {
	program := func() conc.Action {
		return conc.Atomically(stm.New("a", value.NewValue(10))).FlatMap(func(av value.Value) conc.Action {
			a := av.Unwrap().(idsrc.TVarId)
			return conc.Atomically(stm.New("b", value.NewValue(5))).FlatMap(func(bv value.Value) conc.Action {
				b := bv.Unwrap().(idsrc.TVarId)
				transfer := conc.Atomically(
					stm.Read(a).FlatMap(func(cur value.Value) stm.Action {
						return stm.Write(a, value.NewValue(cur.Unwrap().(int)-1)).AndThen(
							stm.Read(b).FlatMap(func(curB value.Value) stm.Action {
								return stm.Write(b, value.NewValue(curB.Unwrap().(int)+1))
							}))
					}))
				total := conc.Atomically(
					stm.Read(a).FlatMap(func(av2 value.Value) stm.Action {
						return stm.Read(b).FlatMap(func(bv2 value.Value) stm.Action {
							return stm.Return(value.NewValue(av2.Unwrap().(int) + bv2.Unwrap().(int)))
						})
					}))
				return conc.Fork(transfer).AndThen(total)
			})
		})
	}

	outcomes, err := Explore(program, wbuffer.TotalStoreOrder, 1, 2)
	if err != nil {
		t.Fatalf("Explore() err = %v", err)
	}
	if len(outcomes) == 0 {
		t.Fatalf("Explore() found no outcomes")
	}
	for _, o := range outcomes {
		if o.Result.Err != nil {
			continue
		}
		if o.Result.Value.Unwrap().(int) != 15 {
			t.Fatalf("observed total = %v, want 15 on every schedule", o.Result.Value)
		}
	}
}

func TestPrefixKeyDistinguishesSequences(t *testing.T) {
	src := idsrc.New()
	a, src := src.NextThread("a")
	b, _ := src.NextThread("b")

	k1 := prefixKey([]idsrc.ThreadId{a, b})
	k2 := prefixKey([]idsrc.ThreadId{b, a})
	k3 := prefixKey([]idsrc.ThreadId{a, b})
	if k1 == k2 {
		t.Fatalf("prefixKey should distinguish order: %q == %q", k1, k2)
	}
	if k1 != k3 {
		t.Fatalf("prefixKey should be stable for identical sequences: %q != %q", k1, k3)
	}
}

func TestScheduleOfSkipsCommitSteps(t *testing.T) {
	src := idsrc.New()
	a, _ := src.NextThread("a")

	tr := trace.Trace{
		{Decision: trace.Decision{Kind: trace.Start, Thread: a}},
		{Decision: trace.Decision{Kind: trace.SwitchTo}, Action: trace.ThreadAction{Kind: trace.ACommitIORef}},
		{Decision: trace.Decision{Kind: trace.Continue}},
	}
	got := scheduleOf(tr)
	if len(got) != 2 || got[0] != a || got[1] != a {
		t.Fatalf("scheduleOf() = %v, want [a, a]", got)
	}
}

func TestDependentMVarSameCellConflicts(t *testing.T) {
	src := idsrc.New()
	mid, _ := src.NextMVar("m")
	taken := trace.ThreadAction{Kind: trace.APutMVar, MVar: mid}
	alt := trace.Lookahead{Kind: trace.WillTakeMVar, MVar: mid}
	if !dependent(taken, alt) {
		t.Fatalf("dependent() = false, want true for a put/take on the same MVar")
	}
}

func TestDependentTwoReadsAreIndependent(t *testing.T) {
	src := idsrc.New()
	mid, _ := src.NextMVar("m")
	taken := trace.ThreadAction{Kind: trace.AReadMVar, MVar: mid}
	alt := trace.Lookahead{Kind: trace.WillReadMVar, MVar: mid}
	if dependent(taken, alt) {
		t.Fatalf("dependent() = true, want false for two reads of the same MVar")
	}
}

func TestDependentDifferentCellsAreIndependent(t *testing.T) {
	src := idsrc.New()
	m1, src := src.NextMVar("m1")
	m2, _ := src.NextMVar("m2")
	taken := trace.ThreadAction{Kind: trace.APutMVar, MVar: m1}
	alt := trace.Lookahead{Kind: trace.WillTakeMVar, MVar: m2}
	if dependent(taken, alt) {
		t.Fatalf("dependent() = true, want false for unrelated MVars")
	}
}

func TestBacktrackPrefixesProposesAlternativeForDependentStep(t *testing.T) {
	src := idsrc.New()
	a, src := src.NextThread("a")
	b, _ := src.NextThread("b")
	mid, _ := idsrc.New().NextMVar("m")

	tr := trace.Trace{
		{
			Decision:     trace.Decision{Kind: trace.Start, Thread: a},
			Alternatives: []trace.Alternative{{Thread: b, Lookahead: trace.Lookahead{Kind: trace.WillTakeMVar, MVar: mid}}},
			Action:       trace.ThreadAction{Kind: trace.APutMVar, MVar: mid},
		},
	}
	next := backtrackPrefixes(nil, tr)
	if len(next) != 1 || len(next[0]) != 1 || next[0][0] != b {
		t.Fatalf("backtrackPrefixes() = %v, want a single candidate starting with thread b", next)
	}
}
