package bpor

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gip/dejafu/conc"
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/trace"
	"github.com/gip/dejafu/wbuffer"
)

// Outcome pairs one explored schedule's Result with its Trace, per
// spec.md §4.8 (Search's output).
type Outcome struct {
	Result conc.Result
	Trace  trace.Trace
}

// maxConcurrentExplorations bounds the worker pool's width; exploring more
// schedules than this at once buys no wall-clock benefit once it exceeds
// available cores, and keeps memory bounded for deep search trees.
const maxConcurrentExplorations = 8

// Explore runs the bounded partial-order-reduction search of spec.md §4.8:
// starting from the empty schedule, every run's trace is inspected for
// dependent alternatives not yet tried, each spawning a new prefix to
// explore, until no new prefixes remain or preemptionBound stops further
// backtracking. program is called once per explored schedule to build a
// fresh Action tree (program must not itself carry state between calls).
//
// Independent prefixes are explored concurrently via a semaphore-bounded
// worker pool (grounded on the ambient stack's choice of
// golang.org/x/sync for exactly this shape of bounded fan-out), while the
// single-threaded-cooperative semantics of each individual execution are
// untouched — concurrency here is across executions, never within one.
func Explore(program func() conc.Action, mt wbuffer.MemType, capabilities, preemptionBound int) ([]Outcome, error) {
	seen := map[string]bool{}
	frontier := [][]idsrc.ThreadId{{}}
	seen[prefixKey(nil)] = true

	var outcomes []Outcome
	var errs error

	sem := semaphore.NewWeighted(maxConcurrentExplorations)

	for len(frontier) > 0 {
		batch := frontier
		frontier = nil

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(context.Background())

		for _, prefix := range batch {
			prefix := prefix
			if err := sem.Acquire(gctx, 1); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			g.Go(func() error {
				defer sem.Release(1)

				sched := PreemptionBoundedScheduler(preemptionBound, PrefixScheduler(prefix))
				result, tr := conc.Run(program(), mt, capabilities, sched)

				next := backtrackPrefixes(prefix, tr)

				mu.Lock()
				outcomes = append(outcomes, Outcome{Result: result, Trace: tr})
				for _, p := range next {
					k := prefixKey(p)
					if !seen[k] {
						seen[k] = true
						frontier = append(frontier, p)
					}
				}
				mu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return outcomes, errs
}

func prefixKey(p []idsrc.ThreadId) string {
	b := make([]byte, 0, len(p)*9)
	for _, id := range p {
		n := id.N()
		for i := 0; i < 8; i++ {
			b = append(b, byte(n>>(8*i)))
		}
		b = append(b, ',')
	}
	return string(b)
}

// backtrackPrefixes inspects one completed run's trace for steps whose
// recorded alternatives were dependent with the action actually taken,
// per spec.md §4.8's backtrack-point insertion. For each such alternative,
// it proposes a new prefix: the same decisions up to (but not including)
// that step, followed by the alternative thread instead.
func backtrackPrefixes(prefix []idsrc.ThreadId, tr trace.Trace) [][]idsrc.ThreadId {
	var out [][]idsrc.ThreadId
	executed := scheduleOf(tr)
	for i, step := range tr {
		for _, alt := range step.Alternatives {
			if !dependent(step.Action, alt.Lookahead) {
				continue
			}
			candidate := append(append([]idsrc.ThreadId{}, executed[:i]...), alt.Thread)
			out = append(out, candidate)
		}
	}
	return out
}

// scheduleOf extracts the sequence of real-thread decisions a trace
// actually made, skipping commit-thread steps (which carry no Decision
// thread of their own and are not part of the backtracking search space).
func scheduleOf(tr trace.Trace) []idsrc.ThreadId {
	var out []idsrc.ThreadId
	for _, step := range tr {
		if step.Action.Kind == trace.ACommitIORef {
			continue
		}
		switch step.Decision.Kind {
		case trace.Start, trace.SwitchTo:
			out = append(out, step.Decision.Thread)
		case trace.Continue:
			if len(out) > 0 {
				out = append(out, out[len(out)-1])
			}
		}
	}
	return out
}

// dependent is the conflict relation spec.md §4.8 needs to decide which
// alternatives are worth backtracking on: two actions are dependent if
// reordering them could change the outcome of either.
func dependent(taken trace.ThreadAction, alt trace.Lookahead) bool {
	switch {
	case touchesMVar(taken) && mvarLookahead(alt) && taken.MVar == alt.MVar:
		return !bothReadOnly(taken, alt)
	case touchesIORef(taken) && iorefLookahead(alt) && taken.IORef == alt.IORef:
		return !bothReadOnlyIORef(taken, alt)
	case taken.Kind == trace.AThrowTo && alt.Kind == trace.WillThrowTo && taken.Target == alt.Target:
		return true
	case taken.Kind == trace.ASTM || taken.Kind == trace.ABlockedSTM:
		return alt.Kind == trace.WillSTM
	default:
		return false
	}
}

func mvarLookahead(alt trace.Lookahead) bool {
	switch alt.Kind {
	case trace.WillPutMVar, trace.WillTryPutMVar, trace.WillReadMVar, trace.WillTakeMVar, trace.WillTryTakeMVar:
		return true
	default:
		return false
	}
}

func iorefLookahead(alt trace.Lookahead) bool {
	switch alt.Kind {
	case trace.WillReadIORef, trace.WillWriteIORef, trace.WillModIORef, trace.WillCasIORef, trace.WillCommitIORef:
		return true
	default:
		return false
	}
}

func touchesMVar(a trace.ThreadAction) bool {
	switch a.Kind {
	case trace.APutMVar, trace.ABlockedPutMVar, trace.ATryPutMVar,
		trace.AReadMVar, trace.ABlockedReadMVar, trace.ATryReadMVar,
		trace.ATakeMVar, trace.ABlockedTakeMVar, trace.ATryTakeMVar:
		return true
	default:
		return false
	}
}

func bothReadOnly(a trace.ThreadAction, alt trace.Lookahead) bool {
	aRead := a.Kind == trace.AReadMVar || a.Kind == trace.ABlockedReadMVar || a.Kind == trace.ATryReadMVar
	altRead := alt.Kind == trace.WillReadMVar
	return aRead && altRead
}

func touchesIORef(a trace.ThreadAction) bool {
	switch a.Kind {
	case trace.AReadIORef, trace.AReadForCAS, trace.AWriteIORef, trace.AModIORef, trace.ACasIORef, trace.ACommitIORef:
		return true
	default:
		return false
	}
}

func bothReadOnlyIORef(a trace.ThreadAction, alt trace.Lookahead) bool {
	aRead := a.Kind == trace.AReadIORef || a.Kind == trace.AReadForCAS
	altRead := alt.Kind == trace.WillReadIORef
	return aRead && altRead
}
