// Package cellstore implements the Shared-Cell Store of spec.md §4.3: MVar,
// IORef and TVar cells. Waiter-queue bookkeeping for MVars is delegated to
// threadtbl's sorted, ThreadId-ordered block-state scan (spec.md §4.2
// already mandates that exact ordering for wakeup), so an MVarCell itself
// holds only its contents — no separate queue slice to keep in sync.
//
// Grounded on the teacher's ArchetypeResource family (archetypes.go): a
// LocalArchetypeResource's {Value, HasOldValue, OldValue} record is the
// same shape reused here for a full/empty MVar cell and for an IORef's
// committed value.
package cellstore

import (
	"github.com/benbjohnson/immutable"

	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

// MVarCell holds an MVar's contents (spec.md §3 "MVar cell"). Waiter
// queues live in threadtbl, not here — see the package doc comment.
type MVarCell struct {
	Full    bool
	Content value.Value
}

// MVarStore is the persistent id → MVarCell map.
type MVarStore struct {
	m *immutable.Map[idsrc.MVarId, MVarCell]
}

type mvarIdHasher struct{}

func (mvarIdHasher) Hash(id idsrc.MVarId) uint32  { return id.Hash() }
func (mvarIdHasher) Equal(a, b idsrc.MVarId) bool { return a == b }

// NewMVarStore returns an empty store.
func NewMVarStore() MVarStore {
	return MVarStore{m: immutable.NewMap[idsrc.MVarId, MVarCell](mvarIdHasher{})}
}

// New creates a fresh MVar cell, optionally pre-filled, per spec.md §4.6
// newMVar.
func (s MVarStore) New(id idsrc.MVarId, full bool, v value.Value) MVarStore {
	return MVarStore{m: s.m.Set(id, MVarCell{Full: full, Content: v})}
}

// Get fetches a cell's current state.
func (s MVarStore) Get(id idsrc.MVarId) (MVarCell, bool) {
	c, ok := s.m.Get(id)
	return c, ok
}

// Fill installs a value and marks the cell full (the effect of put()
// succeeding on an empty cell, spec.md §4.3).
func (s MVarStore) Fill(id idsrc.MVarId, v value.Value) MVarStore {
	return MVarStore{m: s.m.Set(id, MVarCell{Full: true, Content: v})}
}

// Empty clears a cell's contents and marks it empty (the effect of take()
// succeeding on a full cell, spec.md §4.3).
func (s MVarStore) Empty(id idsrc.MVarId) MVarStore {
	return MVarStore{m: s.m.Set(id, MVarCell{Full: false})}
}
