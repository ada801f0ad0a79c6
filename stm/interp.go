package stm

import (
	"sort"

	"github.com/gip/dejafu/cellstore"
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/trace"
	"github.com/gip/dejafu/value"
)

// TVarRef is an opaque reference to a TVar usable from an Action.
type TVarRef = idsrc.TVarId

// OutcomeKind is the result of running a transaction to completion
// (spec.md §4.5).
type OutcomeKind int

const (
	Success OutcomeKind = iota
	RetryOutcome
	ExceptionOutcome
)

// TVarWrite is one TVar's final tentative value in a successful
// transaction, ready to be installed into the committed TVarStore.
type TVarWrite struct {
	TVar  idsrc.TVarId
	Value value.Value
}

// Outcome is the result of Run.
type Outcome struct {
	Kind     OutcomeKind
	Value    value.Value    // result, for Success; exception payload, for ExceptionOutcome
	ReadSet  []idsrc.TVarId  // deduplicated, for RetryOutcome (and informational on Success)
	WriteSet []idsrc.TVarId  // deduplicated, for Success
	Writes   []TVarWrite     // final values for WriteSet and for TVars the transaction created, for Success
	Trace    []trace.TAction
}

type undoEntry struct {
	tvar    idsrc.TVarId
	created bool
	hadOld  bool
	oldVal  value.Value
}

// txState is the per-transaction overlay of spec.md §3: tentative writes,
// the accumulated read/write sets, and the undo log.
type txState struct {
	base    cellstore.TVarStore
	idSrc   idsrc.Source
	overlay map[idsrc.TVarId]value.Value
	created map[idsrc.TVarId]bool
	reads   map[idsrc.TVarId]bool
	writes  map[idsrc.TVarId]bool
	undo    []undoEntry
	trace   []trace.TAction
}

func newTxState(base cellstore.TVarStore, idSrc idsrc.Source) *txState {
	return &txState{
		base:    base,
		idSrc:   idSrc,
		overlay: make(map[idsrc.TVarId]value.Value),
		created: make(map[idsrc.TVarId]bool),
		reads:   make(map[idsrc.TVarId]bool),
		writes:  make(map[idsrc.TVarId]bool),
	}
}

func (tx *txState) currentValue(id idsrc.TVarId) (value.Value, bool) {
	if v, ok := tx.overlay[id]; ok {
		return v, true
	}
	return tx.base.Get(id)
}

// undoTo rolls the undo log back to length n, applying entries in reverse
// order and dropping the undone writes from the write set — the rollback
// spec.md §3/§4.5 requires before any other action can observe a retried
// or failed transaction's partial effects.
func (tx *txState) undoTo(n int) {
	for i := len(tx.undo) - 1; i >= n; i-- {
		e := tx.undo[i]
		if e.created {
			delete(tx.overlay, e.tvar)
			delete(tx.created, e.tvar)
		} else if e.hadOld {
			tx.overlay[e.tvar] = e.oldVal
		} else {
			delete(tx.overlay, e.tvar)
		}
	}
	tx.undo = tx.undo[:n]
	tx.writes = make(map[idsrc.TVarId]bool, len(tx.undo))
	for _, e := range tx.undo {
		if !e.created {
			tx.writes[e.tvar] = true
		}
	}
}

func dedupTVars(m map[idsrc.TVarId]bool) []idsrc.TVarId {
	out := make([]idsrc.TVarId, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].N() < out[j].N() })
	return out
}

// Run interprets action to completion against base, returning the
// resulting Outcome and the (possibly advanced, if `new` was used)
// identifier source. On any outcome other than Success, overlay writes
// have already been fully unwound by the time Run returns (spec.md §4.5).
func Run(action Action, base cellstore.TVarStore, idSrc idsrc.Source) (Outcome, idsrc.Source) {
	tx := newTxState(base, idSrc)
	outcome := run(action, tx)
	if outcome.Kind != Success {
		tx.undoTo(0)
	}
	outcome.Trace = tx.trace
	if outcome.Kind == Success {
		writeSet := dedupTVars(tx.writes)
		outcome.WriteSet = writeSet
		installed := make(map[idsrc.TVarId]bool, len(tx.writes)+len(tx.created))
		for id := range tx.writes {
			installed[id] = true
		}
		for id := range tx.created {
			installed[id] = true
		}
		ids := dedupTVars(installed)
		outcome.Writes = make([]TVarWrite, len(ids))
		for i, id := range ids {
			v, _ := tx.currentValue(id)
			outcome.Writes[i] = TVarWrite{TVar: id, Value: v}
		}
	}
	outcome.ReadSet = dedupTVars(tx.reads)
	return outcome, tx.idSrc
}

// Apply installs a successful transaction's final writes into base, per
// spec.md §4.5 ("On Success... writes are left installed"). conc's stepper
// calls it right after a successful Run, within the same step, so no other
// thread can have written to base in between.
func Apply(base cellstore.TVarStore, outcome Outcome) cellstore.TVarStore {
	for _, w := range outcome.Writes {
		base = base.Write(w.TVar, w.Value)
	}
	return base
}

func run(act Action, tx *txState) Outcome {
	switch act.Kind {
	case KFlatMap:
		inner := runLeaf(*act.PrevAction, tx)
		if inner.Kind != Success {
			return inner
		}
		return run(act.ContinuationFn(inner.Value), tx)
	default:
		return runLeaf(act, tx)
	}
}

func runLeaf(act Action, tx *txState) Outcome {
	switch act.Kind {
	case KNew:
		id, newSrc := tx.idSrc.NextTVar(act.NewLabel)
		tx.idSrc = newSrc
		tx.undo = append(tx.undo, undoEntry{tvar: id, created: true})
		tx.overlay[id] = act.NewInit
		tx.created[id] = true
		tx.trace = append(tx.trace, trace.TAction{Kind: trace.TNew, TVar: id})
		return Outcome{Kind: Success, Value: value.NewValue(id)}

	case KRead:
		tx.reads[act.TVar] = true
		v, _ := tx.currentValue(act.TVar)
		tx.trace = append(tx.trace, trace.TAction{Kind: trace.TRead, TVar: act.TVar})
		return Outcome{Kind: Success, Value: v}

	case KWrite:
		old, hadOld := tx.currentValue(act.TVar)
		tx.undo = append(tx.undo, undoEntry{tvar: act.TVar, hadOld: hadOld, oldVal: old})
		tx.overlay[act.TVar] = act.WriteVal
		tx.writes[act.TVar] = true
		tx.trace = append(tx.trace, trace.TAction{Kind: trace.TWrite, TVar: act.TVar})
		return Outcome{Kind: Success, Value: act.WriteVal}

	case KRetry:
		tx.trace = append(tx.trace, trace.TAction{Kind: trace.TRetry})
		return Outcome{Kind: RetryOutcome}

	case KThrow:
		tx.trace = append(tx.trace, trace.TAction{Kind: trace.TThrow})
		return Outcome{Kind: ExceptionOutcome, Value: act.Payload}

	case KReturn:
		tx.trace = append(tx.trace, trace.TAction{Kind: trace.TStop})
		return Outcome{Kind: Success, Value: act.Payload}

	case KOrElse:
		mark := len(tx.undo)
		inner := run(*act.OrElseA, tx)
		if inner.Kind == RetryOutcome {
			tx.undoTo(mark)
			tx.trace = append(tx.trace, trace.TAction{Kind: trace.TOrElse})
			return run(*act.OrElseB, tx)
		}
		return inner

	case KCatch:
		mark := len(tx.undo)
		inner := run(*act.CatchBody, tx)
		if inner.Kind == ExceptionOutcome && act.CatchMatch(inner.Value) {
			tx.undoTo(mark)
			tx.trace = append(tx.trace, trace.TAction{Kind: trace.TCatch})
			return run(act.CatchRun(inner.Value), tx)
		}
		return inner

	default:
		panic("stm: unknown action kind")
	}
}
