package cellstore

import (
	"github.com/benbjohnson/immutable"

	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

// TVarStore is the persistent id → current-value map for TVars (spec.md
// §3 "TVar cell"). The per-transaction overlay (tentative_writes, reads,
// writes, undo_log) lives in package stm, not here, since it is scoped to
// a single atom step rather than to the execution as a whole.
type TVarStore struct {
	m *immutable.Map[idsrc.TVarId, value.Value]
}

type tvarIdHasher struct{}

func (tvarIdHasher) Hash(id idsrc.TVarId) uint32  { return id.Hash() }
func (tvarIdHasher) Equal(a, b idsrc.TVarId) bool { return a == b }

// NewTVarStore returns an empty store.
func NewTVarStore() TVarStore {
	return TVarStore{m: immutable.NewMap[idsrc.TVarId, value.Value](tvarIdHasher{})}
}

// New creates a fresh TVar with the given initial value, per stm's `new`
// primitive (spec.md §4.5).
func (s TVarStore) New(id idsrc.TVarId, v value.Value) TVarStore {
	return TVarStore{m: s.m.Set(id, v)}
}

// Get fetches a TVar's current committed value.
func (s TVarStore) Get(id idsrc.TVarId) (value.Value, bool) {
	return s.m.Get(id)
}

// Write installs a TVar's committed value (used when a transaction
// commits successfully, spec.md §4.5 "On Success... writes are left
// installed").
func (s TVarStore) Write(id idsrc.TVarId, v value.Value) TVarStore {
	return TVarStore{m: s.m.Set(id, v)}
}
