package conc

import (
	"fmt"
	"sort"

	"github.com/gip/dejafu/cellstore"
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/stm"
	"github.com/gip/dejafu/threadtbl"
	"github.com/gip/dejafu/trace"
	"github.com/gip/dejafu/value"
	"github.com/gip/dejafu/wbuffer"
)

// ErrUncaughtException is returned by the stepper (naming the thread) when
// an exception finds no matching handler on the initial thread's catch
// stack, whether the initial thread threw it itself (directly or from an
// atomic block) or received it through ThrowTo. Any other thread left
// without a matching handler is killed and no error is returned.
type ErrUncaughtException struct {
	Thread    idsrc.ThreadId
	Exception value.Value
}

func (e *ErrUncaughtException) Error() string {
	return fmt.Sprintf("dejafu: uncaught exception in %s: %s", e.Thread, e.Exception)
}

// ErrIllegalSubconcurrency is returned when Subconcurrency's nested action
// forks additional threads, which spec.md §4.6 disallows ("subconcurrency
// may not itself fork").
type ErrIllegalSubconcurrency struct {
	Thread idsrc.ThreadId
}

func (e *ErrIllegalSubconcurrency) Error() string {
	return fmt.Sprintf("dejafu: illegal subconcurrency in %s: nested action forked", e.Thread)
}

func wrapHandler(fn func(value.Value) (Action, bool)) threadtbl.Handler {
	return threadtbl.Handler{
		Matches: func(x interface{}) bool {
			_, matched := fn(x.(value.Value))
			return matched
		},
		Run: func(x interface{}) threadtbl.Continuation {
			act, _ := fn(x.(value.Value))
			return act
		},
	}
}

// Step advances thread tid by exactly one scheduling step, per spec.md
// §4.6. It returns the updated context, the ThreadAction performed (for
// the trace), whether tid terminated this step (with its final value), and
// an error only for conditions the execution driver must surface as a run
// Failure (uncaught exceptions, illegal subconcurrency).
func Step(ctx Context, tid idsrc.ThreadId) (Context, trace.ThreadAction, bool, value.Value, error) {
	rec, ok := ctx.Threads.Get(tid)
	if !ok {
		panic(fmt.Sprintf("conc: Step called on unknown thread %s", tid))
	}
	cont, _ := rec.Continuation.(Action)

	var leaf Action
	hasContinuation := cont.Kind == AFlatMap
	if hasContinuation {
		leaf = *cont.PrevAction
	} else {
		leaf = cont
	}

	newCtx, result, ta, blocked, err := performLeaf(ctx, tid, leaf)
	newCtx.StepsTaken++
	if err != nil {
		return newCtx, ta, false, value.Value{}, err
	}
	if blocked {
		// continuation is left untouched; the thread retries this exact
		// leaf once woken.
		return newCtx, ta, false, value.Value{}, nil
	}
	if ta.Kind == trace.AThrow {
		// a matching handler already rerouted tid's continuation via Goto
		// inside stepThrow (with no match, stepThrow already killed tid, and
		// for the initial thread returned a non-nil err above). This is reached both for a bare Throw leaf
		// and for an atomic block whose transaction threw (stepAtomically
		// delegates to stepThrow, stamping the same ThreadAction kind) — in
		// either case the outer FlatMap wrapper, if any, described what came
		// after the throw/atomic block in the old, now-abandoned control
		// flow and must not be consulted here.
		return newCtx, ta, false, value.Value{}, nil
	}

	if hasContinuation {
		next := cont.ContinuationFn(result)
		newCtx.Threads = newCtx.Threads.Goto(tid, next)
		return newCtx, ta, false, value.Value{}, nil
	}
	newCtx.Threads = newCtx.Threads.Kill(tid)
	newCtx.Threads, _ = newCtx.Threads.UnblockOnMask(tid)
	return newCtx, ta, true, result, nil
}

// performLeaf executes a single non-FlatMap Action, returning the
// resulting value for the continuation, the recorded ThreadAction, and
// whether the thread blocked (in which case result/ta are partial).
func performLeaf(ctx Context, tid idsrc.ThreadId, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	switch leaf.Kind {
	case AFork, AForkOS:
		return stepFork(ctx, tid, leaf)
	case AMyThreadId:
		return ctx, value.NewValue(tid), trace.ThreadAction{Kind: trace.AMyThreadId}, false, nil
	case AIsCurrentThreadBound:
		rec, _ := ctx.Threads.Get(tid)
		return ctx, value.NewValue(rec.Bound), trace.ThreadAction{Kind: trace.AIsCurrentThreadBound, Success: rec.Bound}, false, nil
	case AGetNumCapabilities:
		return ctx, value.NewValue(ctx.Capabilities), trace.ThreadAction{Kind: trace.AGetNumCapabilities, N: ctx.Capabilities}, false, nil
	case ASetNumCapabilities:
		ctx.Capabilities = leaf.N
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ASetNumCapabilities, N: leaf.N}, false, nil
	case AYield:
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AYield}, false, nil
	case AThreadDelay:
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AThreadDelay, N: leaf.N}, false, nil
	case ANewMVar:
		return stepNewMVar(ctx, leaf)
	case APutMVar:
		return stepPutMVar(ctx, tid, leaf, false)
	case ATryPutMVar:
		return stepPutMVar(ctx, tid, leaf, true)
	case AReadMVar:
		return stepReadMVar(ctx, tid, leaf, false)
	case ATryReadMVar:
		return stepReadMVar(ctx, tid, leaf, true)
	case ATakeMVar:
		return stepTakeMVar(ctx, tid, leaf, false)
	case ATryTakeMVar:
		return stepTakeMVar(ctx, tid, leaf, true)
	case ANewIORef:
		return stepNewIORef(ctx, leaf)
	case AReadIORef:
		return stepReadIORef(ctx, tid, leaf)
	case AReadForCAS:
		t := ctx.IORefs.Ticket(leaf.IORef)
		return ctx, value.NewValue(t), trace.ThreadAction{Kind: trace.AReadForCAS, IORef: leaf.IORef}, false, nil
	case AWriteIORef:
		if ctx.WBuf.MemType == wbuffer.SequentialConsistency {
			// spec.md §4.4: under sequential consistency the buffer is
			// always empty and every IORef write is immediate.
			ctx.IORefs = ctx.IORefs.CommitWrite(leaf.IORef, leaf.WriteVal)
		} else {
			ctx.WBuf = ctx.WBuf.Append(tid, leaf.IORef, leaf.WriteVal)
		}
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AWriteIORef, IORef: leaf.IORef}, false, nil
	case AModIORef:
		return stepModifyIORef(ctx, tid, leaf)
	case ACasIORef:
		return stepCasIORef(ctx, leaf)
	case ACommitIORef:
		return stepCommitIORef(ctx, leaf)
	case AAtomically:
		return stepAtomically(ctx, tid, leaf)
	case AThrow:
		return stepThrow(ctx, tid, leaf.Exception)
	case AThrowTo:
		return stepThrowTo(ctx, tid, leaf)
	case ACatching:
		rec, _ := ctx.Threads.Get(tid)
		rec.Handlers = append(rec.Handlers, wrapHandler(leaf.CatchHandler))
		ctx.Threads = ctx.Threads.Set(tid, rec)
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ACatching}, false, nil
	case APopCatching:
		rec, _ := ctx.Threads.Get(tid)
		if len(rec.Handlers) > 0 {
			rec.Handlers = rec.Handlers[:len(rec.Handlers)-1]
		}
		ctx.Threads = ctx.Threads.Set(tid, rec)
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.APopCatching}, false, nil
	case ASetMasking:
		rec, _ := ctx.Threads.Get(tid)
		prev := int(rec.Masking)
		rec.Masking = threadtbl.Masking(leaf.Masking)
		ctx.Threads = ctx.Threads.Set(tid, rec)
		woken := unblockSendersIfUnmasked(&ctx, tid, rec.Masking)
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ASetMasking, PrevMasking: prev, NewMasking: leaf.Masking, Woken: woken}, false, nil
	case AResetMasking:
		rec, _ := ctx.Threads.Get(tid)
		prev := int(rec.Masking)
		rec.Masking = threadtbl.Masking(leaf.Masking)
		ctx.Threads = ctx.Threads.Set(tid, rec)
		woken := unblockSendersIfUnmasked(&ctx, tid, rec.Masking)
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AResetMasking, PrevMasking: prev, NewMasking: leaf.Masking, Woken: woken}, false, nil
	case ALiftIO:
		v := leaf.LiftFn()
		return ctx, v, trace.ThreadAction{Kind: trace.ALiftIO}, false, nil
	case ASubconcurrency:
		return stepSubconcurrency(ctx, tid, leaf, false)
	case ADontCheck:
		return stepSubconcurrency(ctx, tid, leaf, true)
	case AReturn:
		return ctx, leaf.Payload, trace.ThreadAction{Kind: trace.AReturn}, false, nil
	default:
		panic(fmt.Sprintf("conc: unknown action kind %d", leaf.Kind))
	}
}

func stepFork(ctx Context, tid idsrc.ThreadId, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	bound := leaf.Kind == AForkOS
	label := leaf.ForkName
	if bound && label == "" {
		label = idsrc.NextOSDebugName()
	}
	newId, newSrc := ctx.IdSrc.NextThread(label)
	ctx.IdSrc = newSrc
	ctx.Threads = ctx.Threads.Launch(newId, *leaf.ForkBody, threadtbl.Unmasked, bound)
	kind := trace.AFork
	if bound {
		kind = trace.AForkOS
	}
	return ctx, value.NewValue(newId), trace.ThreadAction{Kind: kind, Thread: newId}, false, nil
}

func stepNewMVar(ctx Context, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	id, newSrc := ctx.IdSrc.NextMVar(leaf.NewMVarLabel)
	ctx.IdSrc = newSrc
	ctx.MVars = ctx.MVars.New(id, leaf.NewMVarFull, leaf.NewMVarContent)
	return ctx, value.NewValue(id), trace.ThreadAction{Kind: trace.ANewMVar, MVar: id}, false, nil
}

func stepPutMVar(ctx Context, tid idsrc.ThreadId, leaf Action, try bool) (Context, value.Value, trace.ThreadAction, bool, error) {
	cell, _ := ctx.MVars.Get(leaf.MVar)
	if cell.Full {
		if try {
			return ctx, value.NewValue(false), trace.ThreadAction{Kind: trace.ATryPutMVar, MVar: leaf.MVar, Success: false}, false, nil
		}
		ctx.Threads = ctx.Threads.BlockThread(tid, threadtbl.Block{Kind: threadtbl.OnMVarEmpty, MVar: leaf.MVar, Thread: tid})
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ABlockedPutMVar, MVar: leaf.MVar}, true, nil
	}
	ctx.MVars = ctx.MVars.Fill(leaf.MVar, leaf.PutVal)
	var woken []idsrc.ThreadId
	ctx.Threads, woken = ctx.Threads.WakeMVarFullReaders(leaf.MVar)
	var oneTaker idsrc.ThreadId
	var hadTaker bool
	ctx.Threads, oneTaker, hadTaker = ctx.Threads.WakeMVarFullHead(leaf.MVar)
	if hadTaker {
		woken = append(woken, oneTaker)
		sort.Slice(woken, func(i, j int) bool { return woken[i].Less(woken[j]) })
	}
	kind := trace.APutMVar
	if try {
		kind = trace.ATryPutMVar
	}
	return ctx, value.NewValue(true), trace.ThreadAction{Kind: kind, MVar: leaf.MVar, Success: true, Woken: woken}, false, nil
}

func stepTakeMVar(ctx Context, tid idsrc.ThreadId, leaf Action, try bool) (Context, value.Value, trace.ThreadAction, bool, error) {
	cell, _ := ctx.MVars.Get(leaf.MVar)
	if !cell.Full {
		if try {
			return ctx, value.NewValue(nil), trace.ThreadAction{Kind: trace.ATryTakeMVar, MVar: leaf.MVar, Success: false}, false, nil
		}
		ctx.Threads = ctx.Threads.BlockThread(tid, threadtbl.Block{Kind: threadtbl.OnMVarFull, MVar: leaf.MVar, Read: false, Thread: tid})
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ABlockedTakeMVar, MVar: leaf.MVar}, true, nil
	}
	ctx.MVars = ctx.MVars.Empty(leaf.MVar)
	var woken []idsrc.ThreadId
	var putter idsrc.ThreadId
	var hadPutter bool
	ctx.Threads, putter, hadPutter = ctx.Threads.WakeMVarEmptyHead(leaf.MVar)
	if hadPutter {
		woken = append(woken, putter)
	}
	kind := trace.ATakeMVar
	if try {
		kind = trace.ATryTakeMVar
	}
	return ctx, cell.Content, trace.ThreadAction{Kind: kind, MVar: leaf.MVar, Success: true, Woken: woken}, false, nil
}

func stepReadMVar(ctx Context, tid idsrc.ThreadId, leaf Action, try bool) (Context, value.Value, trace.ThreadAction, bool, error) {
	cell, _ := ctx.MVars.Get(leaf.MVar)
	if !cell.Full {
		if try {
			return ctx, value.NewValue(nil), trace.ThreadAction{Kind: trace.ATryReadMVar, MVar: leaf.MVar, Success: false}, false, nil
		}
		ctx.Threads = ctx.Threads.BlockThread(tid, threadtbl.Block{Kind: threadtbl.OnMVarFull, MVar: leaf.MVar, Read: true, Thread: tid})
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ABlockedReadMVar, MVar: leaf.MVar}, true, nil
	}
	kind := trace.AReadMVar
	if try {
		kind = trace.ATryReadMVar
	}
	return ctx, cell.Content, trace.ThreadAction{Kind: kind, MVar: leaf.MVar, Success: true}, false, nil
}

func stepNewIORef(ctx Context, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	id, newSrc := ctx.IdSrc.NextIORef(leaf.NewIORefLabel)
	ctx.IdSrc = newSrc
	ctx.IORefs = ctx.IORefs.New(id, leaf.NewIORefInit)
	return ctx, value.NewValue(id), trace.ThreadAction{Kind: trace.ANewIORef, IORef: id}, false, nil
}

func stepReadIORef(ctx Context, tid idsrc.ThreadId, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	if v, ok := ctx.WBuf.ReadOwnTail(tid, leaf.IORef); ok {
		return ctx, v, trace.ThreadAction{Kind: trace.AReadIORef, IORef: leaf.IORef}, false, nil
	}
	cell, _ := ctx.IORefs.Get(leaf.IORef)
	return ctx, cell.Committed, trace.ThreadAction{Kind: trace.AReadIORef, IORef: leaf.IORef}, false, nil
}

// flushBuffer drains every pending write-buffer entry and commits it,
// per spec.md §4.3's write barrier: CAS, modifyIORef and STM atomic are
// all synchronised operations that must see every prior write, from every
// thread, before proceeding.
func flushBuffer(ctx Context) Context {
	buf, entries := ctx.WBuf.FlushAll()
	ctx.WBuf = buf
	for _, e := range entries {
		ctx.IORefs = ctx.IORefs.CommitWrite(e.IORef, e.Value)
	}
	return ctx
}

func stepModifyIORef(ctx Context, tid idsrc.ThreadId, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	ctx = flushBuffer(ctx)
	cell, _ := ctx.IORefs.Get(leaf.IORef)
	next := leaf.ModifyFn(cell.Committed)
	ctx.IORefs = ctx.IORefs.CommitWrite(leaf.IORef, next)
	return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AModIORef, IORef: leaf.IORef}, false, nil
}

func stepCasIORef(ctx Context, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	ctx = flushBuffer(ctx)
	ticket, _ := leaf.CASTicket.(cellstore.Ticket)
	newStore, ok := ctx.IORefs.CAS(ticket, leaf.CASNewVal)
	ctx.IORefs = newStore
	return ctx, value.NewValue(ok), trace.ThreadAction{Kind: trace.ACasIORef, IORef: ticket.Cell, Success: ok}, false, nil
}

func stepCommitIORef(ctx Context, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	key := wbuffer.Key{Thread: leaf.CommitOwner}
	if ctx.WBuf.MemType == wbuffer.PartialStoreOrder {
		key = wbuffer.Key{Thread: leaf.CommitOwner, IORef: leaf.IORef, HasIORef: true}
	}
	buf, entry, ok := ctx.WBuf.CommitOne(key)
	if !ok {
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ACommitIORef, IORef: leaf.IORef, Thread: leaf.CommitOwner}, false, nil
	}
	ctx.WBuf = buf
	ctx.IORefs = ctx.IORefs.CommitWrite(entry.IORef, entry.Value)
	return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ACommitIORef, IORef: entry.IORef, Thread: entry.Thread}, false, nil
}

func stepAtomically(ctx Context, tid idsrc.ThreadId, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	ctx = flushBuffer(ctx)
	outcome, newSrc := stm.Run(leaf.STM, ctx.TVars, ctx.IdSrc)
	ctx.IdSrc = newSrc
	switch outcome.Kind {
	case stm.Success:
		ctx.TVars = stm.Apply(ctx.TVars, outcome)
		var woken []idsrc.ThreadId
		ctx.Threads, woken = ctx.Threads.WakeOnTVars(outcome.WriteSet)
		ta := stmTraceToTActions(outcome.Trace)
		return ctx, outcome.Value, trace.ThreadAction{Kind: trace.ASTM, STM: ta, Woken: woken}, false, nil
	case stm.RetryOutcome:
		ctx.Threads = ctx.Threads.BlockThread(tid, threadtbl.Block{Kind: threadtbl.OnTVar, TVars: outcome.ReadSet, Thread: tid})
		ta := stmTraceToTActions(outcome.Trace)
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ABlockedSTM, STM: ta}, true, nil
	default: // ExceptionOutcome: STM exceptions surface as a regular thrown exception
		return stepThrow(ctx, tid, outcome.Value)
	}
}

func stmTraceToTActions(in []trace.TAction) []trace.TAction {
	out := make([]trace.TAction, len(in))
	copy(out, in)
	return out
}

func stepThrow(ctx Context, tid idsrc.ThreadId, exc value.Value) (Context, value.Value, trace.ThreadAction, bool, error) {
	rec, _ := ctx.Threads.Get(tid)
	for i := len(rec.Handlers) - 1; i >= 0; i-- {
		h := rec.Handlers[i]
		if h.Matches(exc) {
			cont := h.Run(exc)
			rec.Handlers = rec.Handlers[:i]
			ctx.Threads = ctx.Threads.Set(tid, rec)
			next, _ := cont.(Action)
			ctx.Threads = ctx.Threads.Goto(tid, next)
			return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AThrow}, false, nil
		}
	}
	ctx.Threads = ctx.Threads.Kill(tid)
	if tid != ctx.InitialThread {
		ctx.Threads, _ = ctx.Threads.UnblockOnMask(tid)
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AThrow}, false, nil
	}
	return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AThrow}, false, &ErrUncaughtException{Thread: tid, Exception: exc}
}

// unblockSendersIfUnmasked wakes every thread blocked OnMask waiting for
// target, once target is no longer masked uninterruptible (spec.md §4.6:
// "unblock the sender when t advances past its non-interruptible region").
func unblockSendersIfUnmasked(ctx *Context, target idsrc.ThreadId, now threadtbl.Masking) []idsrc.ThreadId {
	if now == threadtbl.MaskedUninterruptible {
		return nil
	}
	var woken []idsrc.ThreadId
	ctx.Threads, woken = ctx.Threads.UnblockOnMask(target)
	return woken
}

func stepThrowTo(ctx Context, tid idsrc.ThreadId, leaf Action) (Context, value.Value, trace.ThreadAction, bool, error) {
	target, ok := ctx.Threads.Get(leaf.Target)
	if !ok {
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AThrowTo, Target: leaf.Target, Delivered: false}, false, nil
	}
	interruptible := target.Masking == threadtbl.Unmasked ||
		(target.Masking == threadtbl.MaskedInterruptible && !target.Runnable())
	if !interruptible {
		ctx.Threads = ctx.Threads.BlockThread(tid, threadtbl.Block{Kind: threadtbl.OnMask, Thread: leaf.Target})
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ABlockedThrowTo, Target: leaf.Target, Delivered: false}, true, nil
	}
	for i := len(target.Handlers) - 1; i >= 0; i-- {
		h := target.Handlers[i]
		if h.Matches(leaf.Exception) {
			cont := h.Run(leaf.Exception)
			target.Handlers = target.Handlers[:i]
			ctx.Threads = ctx.Threads.Set(leaf.Target, target)
			next, _ := cont.(Action)
			ctx.Threads = ctx.Threads.Goto(leaf.Target, next)
			ctx.Threads = ctx.Threads.Unblock(leaf.Target)
			return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AThrowTo, Target: leaf.Target, Delivered: true}, false, nil
		}
	}
	ctx.Threads = ctx.Threads.Kill(leaf.Target)
	ctx.Threads, _ = ctx.Threads.UnblockOnMask(leaf.Target)
	if leaf.Target == ctx.InitialThread {
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AThrowTo, Target: leaf.Target, Delivered: true}, false, &ErrUncaughtException{Thread: leaf.Target, Exception: leaf.Exception}
	}
	return ctx, value.Value{}, trace.ThreadAction{Kind: trace.AThrowTo, Target: leaf.Target, Delivered: true}, false, nil
}

// stepSubconcurrency runs nested in isolation, sharing the outer cell
// stores and id source but a fresh single-thread table, then splices the
// resulting sub-trace in as one outer step (spec.md §4.6). Plain
// Subconcurrency runs nested to completion under the outer memory model
// and rejects a nested action that forks. dontCheckMode is legal only as
// the initial thread's first step; it runs nested under sequential
// consistency for at most leaf.N steps and permits forking, since its
// internal interleavings are not explored.
func stepSubconcurrency(ctx Context, tid idsrc.ThreadId, leaf Action, dontCheckMode bool) (Context, value.Value, trace.ThreadAction, bool, error) {
	if dontCheckMode && (tid != ctx.InitialThread || ctx.StepsTaken != 0) {
		return ctx, value.Value{}, trace.ThreadAction{Kind: trace.ADontCheck}, false, ErrIllegalDontCheck
	}

	sub := Context{
		IdSrc:        ctx.IdSrc,
		Threads:      threadtbl.New(),
		MVars:        ctx.MVars,
		IORefs:       ctx.IORefs,
		TVars:        ctx.TVars,
		WBuf:         ctx.WBuf,
		Capabilities: ctx.Capabilities,
	}
	if dontCheckMode {
		// dontCheck always runs its nested program under sequential
		// consistency, regardless of the outer memory model (spec.md §4.6).
		sub.WBuf = wbuffer.New(wbuffer.SequentialConsistency)
	}
	innerId, newSrc := sub.IdSrc.NextThread("")
	sub.IdSrc = newSrc
	sub.Threads = sub.Threads.Launch(innerId, *leaf.Nested, threadtbl.Unmasked, false)
	sub.InitialThread = innerId

	stepBound := -1
	if dontCheckMode {
		stepBound = leaf.N
	}
	result, subTrace, err := runRoundRobin(sub, innerId, dontCheckMode, stepBound)
	if err != nil {
		kind := trace.ASubconcurrency
		if dontCheckMode {
			kind = trace.ADontCheck
		}
		return ctx, value.Value{}, trace.ThreadAction{Kind: kind}, false, err
	}

	ctx.IdSrc = result.IdSrc
	ctx.MVars = result.MVars
	ctx.IORefs = result.IORefs
	ctx.TVars = result.TVars
	if !dontCheckMode {
		// dontCheck's sub-run is forced sequentially consistent and stays
		// empty by that invariant; only its outer-visible memory model
		// keeps governing subsequent steps of the main search.
		ctx.WBuf = result.WBuf
	}

	kind := trace.ASubconcurrency
	if dontCheckMode {
		kind = trace.ADontCheck
	}
	return ctx, value.Value{}, trace.ThreadAction{Kind: kind, Nested: &subTrace}, false, nil
}

// runRoundRobin drives sub with a fixed, non-preemptive round-robin
// scheduler, the Subconcurrency/DontCheck sub-scheduler of spec.md §4.6:
// the previous thread keeps running while it is runnable; otherwise the
// next runnable thread in ascending id order runs, wrapping around to the
// lowest. stepBound caps the number of steps taken before returning early
// (used by dontCheck); -1 means run to completion, as plain Subconcurrency
// requires.
func runRoundRobin(sub Context, seed idsrc.ThreadId, allowFork bool, stepBound int) (Context, trace.Trace, error) {
	var tr trace.Trace
	steps := 0
	var last idsrc.ThreadId
	haveLast := false
	for {
		if stepBound >= 0 && steps >= stepBound {
			return sub, tr, nil
		}
		runnable := sub.Threads.Runnable()
		if len(runnable) == 0 {
			return sub, tr, nil
		}
		if !allowFork && len(runnable) > 1 {
			return sub, tr, &ErrIllegalSubconcurrency{Thread: seed}
		}
		tid := runnable[0]
		if haveLast {
			for _, id := range runnable {
				if !id.Less(last) {
					tid = id
					break
				}
			}
		}
		last, haveLast = tid, true
		before := sub.Threads.Len()
		newSub, ta, _, _, err := Step(sub, tid)
		if err != nil {
			return sub, tr, err
		}
		if !allowFork && newSub.Threads.Len() > before {
			return sub, tr, &ErrIllegalSubconcurrency{Thread: seed}
		}
		sub = newSub
		tr = append(tr, trace.Step{Decision: trace.Decision{Kind: trace.Continue}, Action: ta})
		steps++
	}
}
