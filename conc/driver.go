package conc

import (
	"errors"
	"fmt"

	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/threadtbl"
	"github.com/gip/dejafu/trace"
	"github.com/gip/dejafu/value"
	"github.com/gip/dejafu/wbuffer"
)

// Failure sentinels, per spec.md §6/§7. Run returns one of these (possibly
// wrapped, via errors.Is) when an execution does not complete normally.
var (
	// ErrDeadlock is returned when every live thread is blocked and no
	// write-buffer commit thread can make progress either.
	ErrDeadlock = errors.New("dejafu: deadlock")
	// ErrSTMDeadlock is returned when the only live, blocked threads are
	// blocked inside an atomic transaction awaiting a TVar that will never
	// change.
	ErrSTMDeadlock = errors.New("dejafu: STM deadlock")
	// ErrAbort is returned by the scheduler to voluntarily abandon an
	// execution early (used by bpor to prune a branch without exploring it
	// to termination).
	ErrAbort = errors.New("dejafu: aborted by scheduler")
	// ErrIllegalDontCheck is returned when DontCheck is performed by a
	// thread other than the initial one, or after that thread's first step.
	ErrIllegalDontCheck = errors.New("dejafu: illegal dontCheck")
	// ErrInternal wraps any panic recovered from user program code, so a
	// single misbehaving Action cannot take down a whole Search run.
	ErrInternal = errors.New("dejafu: internal error")
)

// Result is the outcome of one execution, per spec.md §6.
type Result struct {
	Value value.Value
	Err   error
}

// Prior is the previously scheduled (thread, action) pair a Scheduler is
// given to base preemption decisions on, per spec.md §6's scheduler
// interface; nil on the very first call of a run.
type Prior struct {
	Thread idsrc.ThreadId
	Action trace.ThreadAction
}

// Scheduler picks which runnable thread (or virtual write-buffer commit
// thread, named by Key) to run next, given the previously scheduled
// action, the context and the set of alternatives, per spec.md §4.1/§4.8/
// §6. With pickCommit false it picks the real thread named by thread; with
// pickCommit true it picks the pending commit named by commit instead.
// Returning ok=false aborts the execution with ErrAbort.
type Scheduler func(ctx Context, prior *Prior, runnable []idsrc.ThreadId, commits []wbuffer.Key) (thread idsrc.ThreadId, commit wbuffer.Key, pickCommit bool, ok bool)

// Run drives program to completion under the given memory model,
// capability count, and scheduler, returning its Result and the full
// Trace, per spec.md §4.6/§4.7. The initial thread is always ThreadId 0.
func Run(program Action, mt wbuffer.MemType, capabilities int, sched Scheduler) (Result, trace.Trace) {
	ctx := NewContext(mt, capabilities)
	initId, newSrc := ctx.IdSrc.NextThread("main")
	ctx.IdSrc = newSrc
	ctx.Threads = ctx.Threads.Launch(initId, program, threadtbl.Unmasked, false)
	ctx.InitialThread = initId

	var tr trace.Trace
	var lastThread idsrc.ThreadId
	haveLast := false
	var finalVal value.Value
	var prior *Prior

	for {
		runnable := ctx.Threads.Runnable()
		commits := ctx.WBuf.PendingKeys()

		if len(runnable) == 0 {
			if len(commits) == 0 {
				err := classifyDeadlock(ctx)
				return Result{Err: err}, tr
			}
			// Only commit threads remain; offer just those to the scheduler.
		}

		if len(runnable) == 0 && len(commits) == 0 {
			return Result{Err: ErrDeadlock}, tr
		}

		thread, commitKey, pickCommit, ok := sched(ctx, prior, runnable, commits)
		if !ok {
			return Result{Err: ErrAbort}, tr
		}

		alternatives := buildAlternatives(ctx, runnable, thread, pickCommit)

		var decision trace.Decision
		if !haveLast {
			decision = trace.Decision{Kind: trace.Start, Thread: thread}
		} else if pickCommit || thread != lastThread {
			decision = trace.Decision{Kind: trace.SwitchTo, Thread: thread}
		} else {
			decision = trace.Decision{Kind: trace.Continue}
		}

		var ta trace.ThreadAction
		var terminated bool
		var v value.Value
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrInternal, r)
				}
			}()
			if pickCommit {
				ctx, ta, err = stepCommit(ctx, commitKey)
			} else {
				ctx, ta, terminated, v, err = Step(ctx, thread)
			}
		}()
		if !pickCommit {
			lastThread = thread
			haveLast = true
			if terminated && thread == initId {
				finalVal = v
			}
		}
		if err != nil {
			return Result{Err: err}, tr
		}

		tr = append(tr, trace.Step{Decision: decision, Alternatives: alternatives, Action: ta})
		if pickCommit {
			prior = &Prior{Thread: commitKey.Thread, Action: ta}
		} else {
			prior = &Prior{Thread: thread, Action: ta}
		}

		if ctx.Threads.Len() == 0 {
			return Result{Value: finalVal}, tr
		}
	}
}

func stepCommit(ctx Context, key wbuffer.Key) (Context, trace.ThreadAction, error) {
	ctx, _, ta, _, err := performLeaf(ctx, key.Thread, Action{Kind: ACommitIORef, IORef: key.IORef, CommitOwner: key.Thread})
	return ctx, ta, err
}

// classifyDeadlock distinguishes an STM-only deadlock (every blocked
// thread is blocked OnTVar) from a general one, per spec.md §4.6's
// deadlock-detection rules.
func classifyDeadlock(ctx Context) error {
	ids := ctx.Threads.Ids()
	if len(ids) == 0 {
		return nil
	}
	allSTM := true
	for _, id := range ids {
		rec, _ := ctx.Threads.Get(id)
		if rec.Block.Kind != threadtbl.OnTVar {
			allSTM = false
			break
		}
	}
	if allSTM {
		return ErrSTMDeadlock
	}
	return ErrDeadlock
}

// buildAlternatives records the runnable threads not chosen at this step
// (every runnable thread, when a commit was chosen), each with a cheap lookahead summary, for bpor's dependence
// analysis (spec.md §4.7/§4.8). Threads blocked indefinitely never appear
// here since they are excluded from `runnable` already.
func buildAlternatives(ctx Context, runnable []idsrc.ThreadId, chosen idsrc.ThreadId, pickedCommit bool) []trace.Alternative {
	var alts []trace.Alternative
	for _, id := range runnable {
		if !pickedCommit && id == chosen {
			continue
		}
		rec, ok := ctx.Threads.Get(id)
		if !ok {
			continue
		}
		alts = append(alts, trace.Alternative{Thread: id, Lookahead: lookahead(rec)})
	}
	return alts
}

// lookahead produces a cheap summary of a thread's pending action without
// running it, per spec.md §4.7's lookahead mechanism.
func lookahead(rec threadtbl.Record) trace.Lookahead {
	act, _ := rec.Continuation.(Action)
	leaf := act
	if act.Kind == AFlatMap {
		leaf = *act.PrevAction
	}
	switch leaf.Kind {
	case AFork, AForkOS:
		return trace.Lookahead{Kind: trace.WillFork}
	case AYield:
		return trace.Lookahead{Kind: trace.WillYield}
	case APutMVar, ATryPutMVar:
		return trace.Lookahead{Kind: trace.WillPutMVar, MVar: leaf.MVar}
	case AReadMVar, ATryReadMVar:
		return trace.Lookahead{Kind: trace.WillReadMVar, MVar: leaf.MVar}
	case ATakeMVar, ATryTakeMVar:
		return trace.Lookahead{Kind: trace.WillTakeMVar, MVar: leaf.MVar}
	case ANewMVar:
		return trace.Lookahead{Kind: trace.WillNewMVar}
	case ANewIORef:
		return trace.Lookahead{Kind: trace.WillNewIORef}
	case AReadIORef, AReadForCAS:
		return trace.Lookahead{Kind: trace.WillReadIORef, IORef: leaf.IORef}
	case AWriteIORef:
		return trace.Lookahead{Kind: trace.WillWriteIORef, IORef: leaf.IORef}
	case AModIORef:
		return trace.Lookahead{Kind: trace.WillModIORef, IORef: leaf.IORef}
	case ACasIORef:
		return trace.Lookahead{Kind: trace.WillCasIORef}
	case AAtomically:
		return trace.Lookahead{Kind: trace.WillSTM}
	case AThrow:
		return trace.Lookahead{Kind: trace.WillThrow}
	case AThrowTo:
		return trace.Lookahead{Kind: trace.WillThrowTo, Target: leaf.Target}
	case ACatching:
		return trace.Lookahead{Kind: trace.WillCatching}
	case APopCatching:
		return trace.Lookahead{Kind: trace.WillPopCatching}
	case ASetMasking, AResetMasking:
		return trace.Lookahead{Kind: trace.WillSetMasking}
	case ALiftIO:
		return trace.Lookahead{Kind: trace.WillLift}
	case ASubconcurrency:
		return trace.Lookahead{Kind: trace.WillSubconcurrency}
	case ADontCheck:
		return trace.Lookahead{Kind: trace.WillDontCheck}
	case AReturn:
		return trace.Lookahead{Kind: trace.WillReturn}
	case AMyThreadId:
		return trace.Lookahead{Kind: trace.WillMyThreadId}
	case AGetNumCapabilities:
		return trace.Lookahead{Kind: trace.WillGetNumCapabilities}
	case ASetNumCapabilities:
		return trace.Lookahead{Kind: trace.WillSetNumCapabilities}
	case AIsCurrentThreadBound:
		return trace.Lookahead{Kind: trace.WillIsCurrentThreadBound}
	case AThreadDelay:
		return trace.Lookahead{Kind: trace.WillThreadDelay}
	default:
		return trace.Lookahead{Kind: trace.WillStop}
	}
}
