// Package bpor implements the bounded partial-order-reduction Search
// Driver of spec.md §4.8: systematic exploration of schedules by
// backtracking on dependent alternatives recorded in each execution's
// trace, plus a handful of standalone Scheduler implementations usable
// outside of a search (spec.md §4.1's Scheduler interface).
//
// The backtracking-stack technique is grounded on the teacher's
// roundRobinFairnessCounter (fairness.go): "increment the current
// counter... exploring the furthest-along state first", adapted here from
// a per-branch counter to a per-step set of not-yet-tried thread choices.
package bpor

import (
	"math/rand"
	"sort"

	"github.com/gip/dejafu/conc"
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/trace"
	"github.com/gip/dejafu/wbuffer"
)

// PrefixScheduler deterministically replays prefix in order; once
// exhausted, it always picks the lowest-numbered runnable thread (or, if
// none are runnable, the lowest-numbered pending commit), giving a stable
// default continuation for any run seeded from a partial schedule
// (spec.md §4.8's "prefix replay").
func PrefixScheduler(prefix []idsrc.ThreadId) conc.Scheduler {
	idx := 0
	return func(ctx conc.Context, prior *conc.Prior, runnable []idsrc.ThreadId, commits []wbuffer.Key) (idsrc.ThreadId, wbuffer.Key, bool, bool) {
		if idx < len(prefix) {
			want := prefix[idx]
			idx++
			for _, id := range runnable {
				// matched by allocation index: the debug label of an
				// unnamed forkOS thread differs from run to run.
				if id.N() == want.N() {
					return id, wbuffer.Key{}, false, true
				}
			}
			// the prefix named a thread no longer runnable (its dependent
			// action was reordered out from under it) — abort this replay
			// rather than silently diverge from the requested schedule.
			return idsrc.ThreadId{}, wbuffer.Key{}, false, false
		}
		return defaultChoice(runnable, commits)
	}
}

func defaultChoice(runnable []idsrc.ThreadId, commits []wbuffer.Key) (idsrc.ThreadId, wbuffer.Key, bool, bool) {
	if len(runnable) > 0 {
		lowest := runnable[0]
		for _, id := range runnable[1:] {
			if id.Less(lowest) {
				lowest = id
			}
		}
		return lowest, wbuffer.Key{}, false, true
	}
	if len(commits) > 0 {
		return idsrc.ThreadId{}, commits[0], true, true
	}
	return idsrc.ThreadId{}, wbuffer.Key{}, false, false
}

// RandomScheduler picks uniformly among runnable threads; only when no
// thread is runnable does it pick, uniformly, among pending commits — a
// non-systematic scheduler useful for spot-checking outside of a full
// Search (spec.md §4.1).
func RandomScheduler(rng *rand.Rand) conc.Scheduler {
	return func(ctx conc.Context, prior *conc.Prior, runnable []idsrc.ThreadId, commits []wbuffer.Key) (idsrc.ThreadId, wbuffer.Key, bool, bool) {
		if len(runnable) > 0 {
			return runnable[rng.Intn(len(runnable))], wbuffer.Key{}, false, true
		}
		if len(commits) > 0 {
			return idsrc.ThreadId{}, commits[rng.Intn(len(commits))], true, true
		}
		return idsrc.ThreadId{}, wbuffer.Key{}, false, false
	}
}

// RoundRobinScheduler cycles through runnable threads in ascending id
// order, always preferring to continue the previously chosen thread if it
// is still runnable (cooperative round-robin, spec.md §4.1).
func RoundRobinScheduler() conc.Scheduler {
	var last idsrc.ThreadId
	haveLast := false
	return func(ctx conc.Context, prior *conc.Prior, runnable []idsrc.ThreadId, commits []wbuffer.Key) (idsrc.ThreadId, wbuffer.Key, bool, bool) {
		if len(runnable) == 0 {
			if len(commits) > 0 {
				return idsrc.ThreadId{}, commits[0], true, true
			}
			return idsrc.ThreadId{}, wbuffer.Key{}, false, false
		}
		sorted := append([]idsrc.ThreadId{}, runnable...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
		chosen := sorted[0]
		if haveLast {
			for _, id := range sorted {
				if !id.Less(last) {
					chosen = id
					break
				}
			}
		}
		last, haveLast = chosen, true
		return chosen, wbuffer.Key{}, false, true
	}
}

// PreemptionBoundedScheduler wraps inner, forcing continuation of the
// previously scheduled thread (when still runnable) once bound
// preemptions have already occurred, per spec.md §4.8's preEmpCount bound.
// A switch to a different thread only counts as a preemption when it was
// not immediately preceded by a Yield (spec.md §4.8).
func PreemptionBoundedScheduler(bound int, inner conc.Scheduler) conc.Scheduler {
	var last idsrc.ThreadId
	haveLast := false
	preemptions := 0
	return func(ctx conc.Context, prior *conc.Prior, runnable []idsrc.ThreadId, commits []wbuffer.Key) (idsrc.ThreadId, wbuffer.Key, bool, bool) {
		stillRunnable := false
		for _, id := range runnable {
			if haveLast && id == last {
				stillRunnable = true
				break
			}
		}
		if haveLast && stillRunnable && preemptions >= bound {
			return last, wbuffer.Key{}, false, true
		}
		thread, commit, pickCommit, ok := inner(ctx, prior, runnable, commits)
		if !ok {
			return thread, commit, pickCommit, ok
		}
		if !pickCommit {
			precededByYield := prior != nil && (prior.Action.Kind == trace.AYield || prior.Action.Kind == trace.AThreadDelay)
			if haveLast && thread != last && stillRunnable && !precededByYield {
				preemptions++
			}
			last, haveLast = thread, true
		}
		return thread, commit, pickCommit, ok
	}
}
