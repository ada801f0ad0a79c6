// Package stm implements the Software-Transactional-Memory interpreter of
// spec.md §4.5: transactions composed from new/read/write/retry/orElse/
// catch/throw/return, executed with full undo-on-abort semantics.
//
// The Action type is the continuation-passing, FlatMap-composing design
// spec.md §9 asks for ("re-architect as a tagged variant of Action with a
// 'next' field... This avoids reliance on first-class continuations"),
// grounded directly on the teacher's Eval type (eval.go): FlatMap on a
// leaf action wraps it; FlatMap on an already-FlatMap action composes the
// continuation functions instead of nesting, so Action.PrevAction is
// always a leaf by construction, keeping interpretation depth bounded by
// the number of binds rather than their nesting.
package stm

import "github.com/gip/dejafu/value"

// Kind tags the primitive or composite an Action represents.
type Kind int

const (
	KNew Kind = iota
	KRead
	KWrite
	KRetry
	KOrElse
	KCatch
	KThrow
	KReturn
	KFlatMap
)

// Action is one step (or composed sequence of steps) of a transaction.
type Action struct {
	Kind Kind

	// KNew
	NewLabel string
	NewInit  value.Value

	// KRead / KWrite
	TVar     TVarRef
	WriteVal value.Value

	// KThrow / KReturn
	Payload value.Value

	// KOrElse
	OrElseA, OrElseB *Action

	// KCatch
	CatchBody  *Action
	CatchMatch func(value.Value) bool
	CatchRun   func(value.Value) Action

	// KFlatMap
	PrevAction     *Action
	ContinuationFn func(value.Value) Action
}

// TVarRef is an opaque reference to a TVar usable from an Action; package
// stm does not import idsrc directly in this file to keep the public
// Action surface independent of identifier allocation details — see
// interp.go, which defines it as idsrc.TVarId.

// New allocates a fresh TVar with the given debug label and initial value,
// continuing with its reference as the bound result (spec.md §4.5 `new n v`).
func New(label string, init value.Value) Action {
	return Action{Kind: KNew, NewLabel: label, NewInit: init}
}

// Read reads a TVar's current (possibly tentative) value within the
// running transaction (spec.md §4.5 `read tvar`).
func Read(t TVarRef) Action {
	return Action{Kind: KRead, TVar: t}
}

// Write installs a tentative value for a TVar, recorded in the undo log
// (spec.md §4.5 `write tvar v`).
func Write(t TVarRef, v value.Value) Action {
	return Action{Kind: KWrite, TVar: t, WriteVal: v}
}

// Retry aborts the transaction, asking to be re-run once any TVar read
// along this path changes (spec.md §4.5 `retry`).
func Retry() Action {
	return Action{Kind: KRetry}
}

// OrElse runs a; if it retries, its effects are undone and b runs instead,
// with a's read set unioned into the outer transaction's (spec.md §4.5
// `orElse a b`).
func OrElse(a, b Action) Action {
	return Action{Kind: KOrElse, OrElseA: &a, OrElseB: &b}
}

// Catch runs body; if it throws an exception accepted by match, body's
// effects are undone and handler runs with the exception value (spec.md
// §4.5 `catch a h`).
func Catch(body Action, match func(value.Value) bool, handler func(value.Value) Action) Action {
	return Action{Kind: KCatch, CatchBody: &body, CatchMatch: match, CatchRun: handler}
}

// Throw aborts the transaction with an exception (spec.md §4.5 `throw e`).
func Throw(e value.Value) Action {
	return Action{Kind: KThrow, Payload: e}
}

// Return completes the transaction with a value and no further effect
// (spec.md §4.5 `return v`).
func Return(v value.Value) Action {
	return Action{Kind: KReturn, Payload: v}
}

// FlatMap sequences this action with fn, which receives its result value.
// Grounded on Eval.FlatMap (eval.go): composes continuations instead of
// nesting when called on an already-composed action.
func (a Action) FlatMap(fn func(value.Value) Action) Action {
	switch a.Kind {
	case KFlatMap:
		prev := a.PrevAction
		outer := a.ContinuationFn
		return Action{
			Kind:       KFlatMap,
			PrevAction: prev,
			ContinuationFn: func(v value.Value) Action {
				return outer(v).FlatMap(fn)
			},
		}
	default:
		leaf := a
		return Action{Kind: KFlatMap, PrevAction: &leaf, ContinuationFn: fn}
	}
}

// AndThen sequences this action with next, discarding this action's result.
func (a Action) AndThen(next Action) Action {
	return a.FlatMap(func(value.Value) Action { return next })
}

// Map transforms this action's result value without further transactional
// effect.
func (a Action) Map(fn func(value.Value) value.Value) Action {
	return a.FlatMap(func(v value.Value) Action { return Return(fn(v)) })
}
