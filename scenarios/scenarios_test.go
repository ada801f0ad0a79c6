package scenarios

import (
	"testing"

	"github.com/gip/dejafu/bpor"
	"github.com/gip/dejafu/conc"
	"github.com/gip/dejafu/threadtbl"
	"github.com/gip/dejafu/trace"
	"github.com/gip/dejafu/wbuffer"
)

func TestGetAndNames(t *testing.T) {
	names := Names()
	if len(names) != 6 {
		t.Fatalf("Names() = %v, want 6 entries", names)
	}
	for _, n := range names {
		if _, ok := Get(n); !ok {
			t.Fatalf("Get(%q) not found among Names()", n)
		}
	}
	if _, ok := Get("no-such-scenario"); ok {
		t.Fatalf("Get() found a scenario that was never registered")
	}
}

func TestRacyCounterCanLoseAnUpdate(t *testing.T) {
	s, _ := Get("racy-counter")
	outcomes, err := bpor.Explore(s.Build, wbuffer.TotalStoreOrder, s.Capabilities, 2)
	if err != nil {
		t.Fatalf("Explore() err = %v", err)
	}
	sawLostUpdate := false
	for _, o := range outcomes {
		if o.Result.Err != nil {
			continue
		}
		if o.Result.Value.Unwrap().(int) == 1 {
			sawLostUpdate = true
		}
	}
	if !sawLostUpdate {
		t.Fatalf("expected at least one explored interleaving to lose an update")
	}
}

func TestMVarDeadlockAlwaysDeadlocksUnderAnySchedule(t *testing.T) {
	s, _ := Get("mvar-deadlock")
	outcomes, err := bpor.Explore(s.Build, wbuffer.TotalStoreOrder, s.Capabilities, 2)
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

func TestSTMTransferCompletesWithoutErrorOnEveryOutcome(t *testing.T) {
	s, _ := Get("stm-transfer")
	outcomes, err := bpor.Explore(s.Build, wbuffer.TotalStoreOrder, s.Capabilities, 2)
	if err != nil {
		t.Fatalf("Explore() err = %v", err)
	}
	if len(outcomes) == 0 {
		t.Fatalf("Explore() found no outcomes")
	}
	for _, o := range outcomes {
		if o.Result.Err != nil {
			t.Fatalf("unexpected error in stm-transfer outcome: %v", o.Result.Err)
		}
	}
}

func TestRelaxedMemoryCanObserveBothFlagsUnsetUnderTSO(t *testing.T) {
	s, _ := Get("relaxed-memory")

	tsoOutcomes, err := bpor.Explore(s.Build, wbuffer.TotalStoreOrder, s.Capabilities, 2)
	if err != nil {
		t.Fatalf("Explore() err = %v", err)
	}
	if len(tsoOutcomes) == 0 {
		t.Fatalf("Explore() found no outcomes")
	}
	sawBothUnset := false
	for _, o := range tsoOutcomes {
		if o.Result.Err != nil {
			t.Fatalf("unexpected error in relaxed-memory outcome: %v", o.Result.Err)
		}
		pair := o.Result.Value.Unwrap().([2]int)
		if pair[0] == 0 && pair[1] == 0 {
			sawBothUnset = true
		}
	}
	if !sawBothUnset {
		t.Fatalf("expected at least one TSO interleaving to observe both flags unset")
	}

	scOutcomes, err := bpor.Explore(s.Build, wbuffer.SequentialConsistency, s.Capabilities, 2)
	if err != nil {
		t.Fatalf("Explore() err = %v", err)
	}
	for _, o := range scOutcomes {
		if o.Result.Err != nil {
			t.Fatalf("unexpected error in relaxed-memory outcome: %v", o.Result.Err)
		}
		pair := o.Result.Value.Unwrap().([2]int)
		if pair[0] == 0 && pair[1] == 0 {
			t.Fatalf("sequential consistency must never observe both flags unset, got %v", pair)
		}
	}
}

func TestThrowToMaskDoesNotDeliverDuringCriticalSection(t *testing.T) {
	s, _ := Get("throwto-mask")
	outcomes, err := bpor.Explore(s.Build, wbuffer.TotalStoreOrder, s.Capabilities, 2)
	if err != nil {
		t.Fatalf("Explore() err = %v", err)
	}
	if len(outcomes) == 0 {
		t.Fatalf("Explore() found no outcomes")
	}
	for _, o := range outcomes {
		if o.Result.Err != nil {
			t.Fatalf("unexpected error in throwto-mask outcome: %v", o.Result.Err)
		}
		masked := false
		for _, step := range o.Trace {
			switch step.Action.Kind {
			case trace.ASetMasking, trace.AResetMasking:
				masked = step.Action.NewMasking == int(threadtbl.MaskedUninterruptible)
			case trace.AThrowTo:
				if masked && step.Action.Delivered {
					t.Fatalf("throwTo delivered while the target was masked uninterruptible: %v", o.Trace)
				}
			}
		}
	}
}

func TestSubconcurrencyIslandRunsWithoutError(t *testing.T) {
	s, _ := Get("subconcurrency-island")
	outcomes, err := bpor.Explore(s.Build, wbuffer.TotalStoreOrder, s.Capabilities, 2)
	if err != nil {
		t.Fatalf("Explore() err = %v", err)
	}
	if len(outcomes) == 0 {
		t.Fatalf("Explore() found no outcomes")
	}
	for _, o := range outcomes {
		if o.Result.Err != nil {
			t.Fatalf("unexpected error in subconcurrency-island outcome: %v", o.Result.Err)
		}
	}
}
