// Package threadtbl implements the Thread Table of spec.md §4.2: the
// mapping from ThreadId to thread record, plus the block/wake/kill
// operations every other component drives it through.
//
// Grounded on the teacher's MPCalContext.resources (mpcal_context.go),
// which is also a persistent map threaded by value through a context —
// here specialized to threads instead of archetype resources, and kept
// sorted-by-id on iteration as spec.md §4.2 mandates for deterministic
// scheduling.
package threadtbl

import (
	"sort"

	"github.com/benbjohnson/immutable"

	"github.com/gip/dejafu/idsrc"
)

// Masking is the thread's current asynchronous-exception mask state
// (spec.md §3).
type Masking int

const (
	Unmasked Masking = iota
	MaskedInterruptible
	MaskedUninterruptible
)

// BlockKind enumerates why a thread is not runnable (spec.md §3).
type BlockKind int

const (
	NotBlocked BlockKind = iota
	OnMVarFull
	OnMVarEmpty
	OnTVar
	OnMask
)

// Block describes a thread's blocking state.
type Block struct {
	Kind   BlockKind
	MVar   idsrc.MVarId
	Read   bool // for OnMVarFull: true if blocked in read(), false if blocked in take()
	TVars  []idsrc.TVarId
	Thread idsrc.ThreadId // for OnMask: the thread we're waiting to unmask
}

// Continuation is the suspended rest-of-program for a thread: either a
// further Action to run or nothing (thread has nothing left to do but be
// stepped again by the driver). It is declared here as an opaque
// interface{} to avoid a dependency cycle with package conc, which defines
// the concrete Action type stored inside.
type Continuation = interface{}

// Record is one thread's table entry (spec.md §3 "Thread record").
type Record struct {
	Id           idsrc.ThreadId
	Continuation Continuation
	Block        Block
	Masking      Masking
	Handlers     []Handler
	Bound        bool // true if forkOS-created (has an OS thread handle, conceptually)
}

// Handler is one entry of a thread's exception-handler stack (spec.md §4.6).
type Handler struct {
	// Matches reports whether this handler accepts the given exception.
	Matches func(exc interface{}) bool
	Run     func(exc interface{}) Continuation
}

// Runnable reports whether the thread can be scheduled.
func (r Record) Runnable() bool { return r.Block.Kind == NotBlocked }

// Table is the persistent thread → Record map.
type Table struct {
	m *immutable.Map[idsrc.ThreadId, Record]
}

func threadHasher() immutable.Hasher[idsrc.ThreadId] { return idHasher{} }

type idHasher struct{}

func (idHasher) Hash(id idsrc.ThreadId) uint32  { return id.Hash() }
func (idHasher) Equal(a, b idsrc.ThreadId) bool { return a == b }

// New returns an empty thread table.
func New() Table {
	return Table{m: immutable.NewMap[idsrc.ThreadId, Record](threadHasher())}
}

// Launch installs a freshly forked thread, runnable, inheriting the given
// masking state, per spec.md §4.2 launch(parent, child_id, ...).
func (t Table) Launch(id idsrc.ThreadId, cont Continuation, masking Masking, bound bool) Table {
	return Table{m: t.m.Set(id, Record{
		Id:           id,
		Continuation: cont,
		Masking:      masking,
		Bound:        bound,
	})}
}

// Get fetches a thread record.
func (t Table) Get(id idsrc.ThreadId) (Record, bool) {
	r, ok := t.m.Get(id)
	return r, ok
}

// Set overwrites a thread record wholesale (used after a stepper
// transition has computed its replacement).
func (t Table) Set(id idsrc.ThreadId, r Record) Table {
	return Table{m: t.m.Set(id, r)}
}

// Goto replaces a thread's continuation, per spec.md §4.2 goto(tid, ...).
func (t Table) Goto(id idsrc.ThreadId, cont Continuation) Table {
	r, ok := t.Get(id)
	if !ok {
		return t
	}
	r.Continuation = cont
	return t.Set(id, r)
}

// BlockThread marks a thread as blocked for the given reason, per
// spec.md §4.2 block(tid, reason).
func (t Table) BlockThread(id idsrc.ThreadId, b Block) Table {
	r, ok := t.Get(id)
	if !ok {
		return t
	}
	r.Block = b
	return t.Set(id, r)
}

// Unblock clears a thread's blocking state, making it runnable again.
func (t Table) Unblock(id idsrc.ThreadId) Table {
	r, ok := t.Get(id)
	if !ok {
		return t
	}
	r.Block = Block{}
	return t.Set(id, r)
}

// Kill removes a thread from the table entirely, per spec.md §4.2
// kill(tid) (conc uses it when a thread finishes and when an exception
// finds no matching handler in a thread).
func (t Table) Kill(id idsrc.ThreadId) Table {
	return Table{m: t.m.Delete(id)}
}

// UnblockWhere unblocks every thread whose Block satisfies predicate,
// returning the updated table and the set of unblocked ids, sorted
// ascending by allocation order as spec.md §4.2 requires.
func (t Table) UnblockWhere(predicate func(Block) bool) (Table, []idsrc.ThreadId) {
	var woken []idsrc.ThreadId
	it := t.m.Iterator()
	for !it.Done() {
		id, r, _ := it.Next()
		if r.Block.Kind != NotBlocked && predicate(r.Block) {
			woken = append(woken, id)
		}
	}
	sortThreadIds(woken)
	for _, id := range woken {
		t = t.Unblock(id)
	}
	return t, woken
}

// WakeMVarFullHead unblocks only the head (lowest ThreadId) of the takers
// blocked OnMVarFull on the given mvar — spec.md §4.2's "wake(OnMVarFull
// id) unblocks the head of the corresponding waiter queue" (takes are woken
// one at a time). Waiters are ordered by ThreadId, not by the order in
// which they blocked.
func (t Table) WakeMVarFullHead(id idsrc.MVarId) (Table, idsrc.ThreadId, bool) {
	waiters := t.waitersOnMVarFull(id, false)
	if len(waiters) == 0 {
		return t, idsrc.ThreadId{}, false
	}
	head := waiters[0]
	return t.Unblock(head), head, true
}

// WakeMVarFullReaders unblocks every reader blocked OnMVarFull on the
// given mvar, en masse, per spec.md §4.3 ("Reads are woken en masse on
// put").
func (t Table) WakeMVarFullReaders(id idsrc.MVarId) (Table, []idsrc.ThreadId) {
	readers := t.waitersOnMVarFull(id, true)
	for _, r := range readers {
		t = t.Unblock(r)
	}
	return t, readers
}

// WakeMVarEmptyHead is the taker-side analogue of WakeMVarFullHead, for
// take() waking a single blocked putter, the lowest ThreadId (spec.md §4.3).
func (t Table) WakeMVarEmptyHead(id idsrc.MVarId) (Table, idsrc.ThreadId, bool) {
	waiters := t.waitersOnMVarEmpty(id)
	if len(waiters) == 0 {
		return t, idsrc.ThreadId{}, false
	}
	head := waiters[0]
	return t.Unblock(head), head, true
}

func (t Table) waitersOnMVarFull(id idsrc.MVarId, read bool) []idsrc.ThreadId {
	return t.waitersMatching(func(b Block) bool {
		return b.Kind == OnMVarFull && b.MVar == id && b.Read == read
	})
}

func (t Table) waitersOnMVarEmpty(id idsrc.MVarId) []idsrc.ThreadId {
	return t.waitersMatching(func(b Block) bool { return b.Kind == OnMVarEmpty && b.MVar == id })
}

func (t Table) waitersMatching(predicate func(Block) bool) []idsrc.ThreadId {
	var out []idsrc.ThreadId
	it := t.m.Iterator()
	for !it.Done() {
		id, r, _ := it.Next()
		if r.Block.Kind != NotBlocked && predicate(r.Block) {
			out = append(out, id)
		}
	}
	sortThreadIds(out)
	return out
}

// WakeOnTVars unblocks every thread blocked OnTVar on any of the given
// TVars, per spec.md §4.2 wake(OnTVar ws).
func (t Table) WakeOnTVars(touched []idsrc.TVarId) (Table, []idsrc.ThreadId) {
	touchedSet := make(map[idsrc.TVarId]bool, len(touched))
	for _, id := range touched {
		touchedSet[id] = true
	}
	return t.UnblockWhere(func(b Block) bool {
		if b.Kind != OnTVar {
			return false
		}
		for _, w := range b.TVars {
			if touchedSet[w] {
				return true
			}
		}
		return false
	})
}

// UnblockOnMask unblocks every thread blocked OnMask waiting for the given
// thread to leave its non-interruptible region (spec.md §4.6 throwTo).
func (t Table) UnblockOnMask(target idsrc.ThreadId) (Table, []idsrc.ThreadId) {
	return t.UnblockWhere(func(b Block) bool { return b.Kind == OnMask && b.Thread == target })
}

// Runnable returns all runnable thread ids, sorted ascending.
func (t Table) Runnable() []idsrc.ThreadId {
	var out []idsrc.ThreadId
	it := t.m.Iterator()
	for !it.Done() {
		id, r, _ := it.Next()
		if r.Runnable() {
			out = append(out, id)
		}
	}
	sortThreadIds(out)
	return out
}

// Len reports the number of live threads.
func (t Table) Len() int { return t.m.Len() }

// Ids returns every live thread id, sorted ascending.
func (t Table) Ids() []idsrc.ThreadId {
	var out []idsrc.ThreadId
	it := t.m.Iterator()
	for !it.Done() {
		id, _, _ := it.Next()
		out = append(out, id)
	}
	sortThreadIds(out)
	return out
}

func sortThreadIds(ids []idsrc.ThreadId) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
