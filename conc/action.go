// Package conc is the primary import surface: the public Action ADT user
// programs are built from, the execution context, the thread stepper, and
// the execution driver (spec.md §3, §4.6, §4.7).
//
// Action follows the same continuation-passing, FlatMap-composing shape as
// stm.Action, itself grounded on the teacher's Eval type (eval.go):
// spec.md §9 explicitly asks for this "tagged variant of Action with a
// 'next' field" rewrite to avoid relying on native goroutine stacks as
// first-class continuations.
package conc

import (
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/stm"
	"github.com/gip/dejafu/value"
)

// Kind tags the primitive (or composite) an Action represents. Names
// follow trace.ActionKind for the primitives a program can perform (the
// trace kinds add blocked variants and stop markers, and record
// AAtomically as ASTM), plus the FlatMap combinator that sequences them.
type Kind int

const (
	AFork Kind = iota
	AForkOS
	AMyThreadId
	AIsCurrentThreadBound
	AGetNumCapabilities
	ASetNumCapabilities
	AYield
	AThreadDelay
	ANewMVar
	APutMVar
	ATryPutMVar
	AReadMVar
	ATryReadMVar
	ATakeMVar
	ATryTakeMVar
	ANewIORef
	AReadIORef
	AReadForCAS
	AWriteIORef
	AModIORef
	ACasIORef
	ACommitIORef
	AAtomically
	AThrow
	AThrowTo
	ACatching
	APopCatching
	ASetMasking
	AResetMasking
	ALiftIO
	ASubconcurrency
	ADontCheck
	AReturn
	AFlatMap
)

// Action is one step, or composed sequence of steps, of a concurrent
// program. Programs are built by calling the constructors below and
// chaining them with FlatMap/AndThen.
type Action struct {
	Kind Kind

	// AFork / AForkOS
	ForkBody *Action
	ForkName string

	// ASetNumCapabilities / AThreadDelay
	N int

	// ANewMVar
	NewMVarLabel   string
	NewMVarFull    bool
	NewMVarContent value.Value

	// APutMVar / ATryPutMVar / AReadMVar / ATryReadMVar / ATakeMVar / ATryTakeMVar
	MVar   idsrc.MVarId
	PutVal value.Value

	// ANewIORef
	NewIORefLabel string
	NewIORefInit  value.Value

	// AReadIORef / AReadForCAS / AWriteIORef / AModIORef / ACasIORef / ACommitIORef
	IORef       idsrc.IORefId
	WriteVal    value.Value
	ModifyFn    func(value.Value) value.Value
	CASTicket   interface{} // a cellstore.Ticket, as returned by ReadForCAS
	CASNewVal   value.Value
	CommitOwner idsrc.ThreadId

	// AAtomically
	STM stm.Action

	// AThrow / AThrowTo
	Exception value.Value
	Target    idsrc.ThreadId

	// ACatching
	CatchHandler func(value.Value) (Action, bool) // returns handled action, and whether it matched

	// ASetMasking / AResetMasking
	Masking int

	// ALiftIO
	LiftFn func() value.Value

	// ASubconcurrency / ADontCheck
	Nested *Action

	// AReturn
	Payload value.Value

	// AFlatMap
	PrevAction     *Action
	ContinuationFn func(value.Value) Action
}

// Fork starts body running as a new, unbound thread, continuing with its
// ThreadId (spec.md §4.6 `fork`).
func Fork(body Action) Action { return Action{Kind: AFork, ForkBody: &body} }

// ForkOS starts body running as a new, OS-bound thread (spec.md §4.6 `forkOS`).
func ForkOS(body Action, debugName string) Action {
	return Action{Kind: AForkOS, ForkBody: &body, ForkName: debugName}
}

// MyThreadId returns the calling thread's own identifier.
func MyThreadId() Action { return Action{Kind: AMyThreadId} }

// IsCurrentThreadBound reports whether the calling thread is OS-bound.
func IsCurrentThreadBound() Action { return Action{Kind: AIsCurrentThreadBound} }

// GetNumCapabilities returns the current capability count.
func GetNumCapabilities() Action { return Action{Kind: AGetNumCapabilities} }

// SetNumCapabilities sets the capability count.
func SetNumCapabilities(n int) Action { return Action{Kind: ASetNumCapabilities, N: n} }

// Yield voluntarily offers the scheduler a choice point without blocking.
func Yield() Action { return Action{Kind: AYield} }

// ThreadDelay is a scheduling point handled like Yield, whatever n is: no
// time is simulated, and n is only recorded in the trace (spec.md §9 open
// question, resolved in DESIGN.md).
func ThreadDelay(n int) Action { return Action{Kind: AThreadDelay, N: n} }

// NewMVar allocates an MVar, empty or pre-filled with content.
func NewMVar(label string, full bool, content value.Value) Action {
	return Action{Kind: ANewMVar, NewMVarLabel: label, NewMVarFull: full, NewMVarContent: content}
}

// PutMVar blocks until m is empty, then fills it with v.
func PutMVar(m idsrc.MVarId, v value.Value) Action { return Action{Kind: APutMVar, MVar: m, PutVal: v} }

// TryPutMVar attempts to fill m without blocking, reporting success.
func TryPutMVar(m idsrc.MVarId, v value.Value) Action {
	return Action{Kind: ATryPutMVar, MVar: m, PutVal: v}
}

// ReadMVar blocks until m is full, then returns its content without emptying it.
func ReadMVar(m idsrc.MVarId) Action { return Action{Kind: AReadMVar, MVar: m} }

// TryReadMVar attempts to read m without blocking, reporting success.
func TryReadMVar(m idsrc.MVarId) Action { return Action{Kind: ATryReadMVar, MVar: m} }

// TakeMVar blocks until m is full, then empties it and returns its content.
func TakeMVar(m idsrc.MVarId) Action { return Action{Kind: ATakeMVar, MVar: m} }

// TryTakeMVar attempts to take m without blocking, reporting success.
func TryTakeMVar(m idsrc.MVarId) Action { return Action{Kind: ATryTakeMVar, MVar: m} }

// NewIORef allocates an IORef with an initial value.
func NewIORef(label string, init value.Value) Action {
	return Action{Kind: ANewIORef, NewIORefLabel: label, NewIORefInit: init}
}

// ReadIORef reads an IORef, consulting the calling thread's write buffer first.
func ReadIORef(r idsrc.IORefId) Action { return Action{Kind: AReadIORef, IORef: r} }

// ReadForCAS reads an IORef, returning an opaque Ticket usable with CasIORef.
func ReadForCAS(r idsrc.IORefId) Action { return Action{Kind: AReadForCAS, IORef: r} }

// WriteIORef queues a write to an IORef in the calling thread's write
// buffer; under SequentialConsistency the write is committed at once.
func WriteIORef(r idsrc.IORefId, v value.Value) Action {
	return Action{Kind: AWriteIORef, IORef: r, WriteVal: v}
}

// ModifyIORef commits every buffered write, then reads the IORef, applies
// fn and commits the result immediately.
func ModifyIORef(r idsrc.IORefId, fn func(value.Value) value.Value) Action {
	return Action{Kind: AModIORef, IORef: r, ModifyFn: fn}
}

// CasIORef attempts a compare-and-swap against a previously obtained ticket.
func CasIORef(ticket interface{}, newVal value.Value) Action {
	return Action{Kind: ACasIORef, CASTicket: ticket, CASNewVal: newVal}
}

// CommitIORef flushes one pending buffered write, simulating the relaxed
// memory model's commit thread (spec.md §4.4); normally invoked only by
// the execution driver itself, never by user programs directly.
func CommitIORef(r idsrc.IORefId, owner idsrc.ThreadId) Action {
	return Action{Kind: ACommitIORef, IORef: r, CommitOwner: owner}
}

// Atomically runs an STM transaction to completion (spec.md §4.5/§4.6 `atom`).
func Atomically(tx stm.Action) Action { return Action{Kind: AAtomically, STM: tx} }

// Throw raises an exception in the calling thread.
func Throw(e value.Value) Action { return Action{Kind: AThrow, Exception: e} }

// ThrowTo raises an exception in another thread, asynchronously unless
// masking defers it (spec.md §4.6 `throwTo`).
func ThrowTo(target idsrc.ThreadId, e value.Value) Action {
	return Action{Kind: AThrowTo, Target: target, Exception: e}
}

// Catching installs an exception handler for the remainder of the calling
// thread's unwind, popped again by PopCatching.
func Catching(handler func(value.Value) (Action, bool)) Action {
	return Action{Kind: ACatching, CatchHandler: handler}
}

// PopCatching removes the most recently installed handler.
func PopCatching() Action { return Action{Kind: APopCatching} }

// SetMasking enters masked-exception state (interruptible if interruptible
// is true, else fully uninterruptible).
func SetMasking(interruptible bool) Action {
	m := 1
	if !interruptible {
		m = 2
	}
	return Action{Kind: ASetMasking, Masking: m}
}

// ResetMasking restores a previously captured masking state — the caller
// captures "previous" via closure, mirroring how Haskell's mask/restore
// combinator passes a restore action rather than tracking a stack itself.
func ResetMasking(to int) Action { return Action{Kind: AResetMasking, Masking: to} }

// LiftIO runs fn once, as a step of its own, and continues with its
// result (spec.md §4.6 `lift`).
func LiftIO(fn func() value.Value) Action { return Action{Kind: ALiftIO, LiftFn: fn} }

// Subconcurrency runs nested to completion under an isolated sub-execution,
// then splices its single resulting trace in as one step (spec.md §4.6).
func Subconcurrency(nested Action) Action { return Action{Kind: ASubconcurrency, Nested: &nested} }

// DontCheck runs nested under a non-preemptive round-robin sub-scheduler,
// under sequential consistency, bounded to n steps, invisible to the
// outer search — legal only as the program's very first action (spec.md
// §4.6 `dontCheck(n, sub)`).
func DontCheck(n int, nested Action) Action { return Action{Kind: ADontCheck, N: n, Nested: &nested} }

// Return completes the program with a value and no further effect.
func Return(v value.Value) Action { return Action{Kind: AReturn, Payload: v} }

// FlatMap sequences this action with fn, which receives its result value.
// Composes continuations instead of nesting when called on an
// already-composed action, exactly as stm.Action.FlatMap does.
func (a Action) FlatMap(fn func(value.Value) Action) Action {
	switch a.Kind {
	case AFlatMap:
		prev := a.PrevAction
		outer := a.ContinuationFn
		return Action{
			Kind:       AFlatMap,
			PrevAction: prev,
			ContinuationFn: func(v value.Value) Action {
				return outer(v).FlatMap(fn)
			},
		}
	default:
		leaf := a
		return Action{Kind: AFlatMap, PrevAction: &leaf, ContinuationFn: fn}
	}
}

// AndThen sequences this action with next, discarding this action's result.
func (a Action) AndThen(next Action) Action {
	return a.FlatMap(func(value.Value) Action { return next })
}

// Map transforms this action's result value without further scheduled effect.
func (a Action) Map(fn func(value.Value) value.Value) Action {
	return a.FlatMap(func(v value.Value) Action { return Return(fn(v)) })
}
