package cellstore

import (
	"github.com/benbjohnson/immutable"

	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

// IORefCell holds an IORef's committed value (spec.md §3 "IORef cell").
// The per-thread pending-write buffers live in package wbuffer, not here:
// a read must consult both this committed value and the reading thread's
// buffer, which is exactly the split spec.md §3 describes ("A read sees
// the tail of the reader's buffer if non-empty, else committed_value").
type IORefCell struct {
	Committed value.Value
	// Version increments on every committed write; used to build CAS
	// Tickets (spec.md §3).
	Version uint64
}

// Ticket captures a compare-and-swap token, per spec.md §3.
type Ticket struct {
	Cell     idsrc.IORefId
	Version  uint64
	Observed value.Value
}

// IORefStore is the persistent id → IORefCell map.
type IORefStore struct {
	m *immutable.Map[idsrc.IORefId, IORefCell]
}

type iorefIdHasher struct{}

func (iorefIdHasher) Hash(id idsrc.IORefId) uint32  { return id.Hash() }
func (iorefIdHasher) Equal(a, b idsrc.IORefId) bool { return a == b }

// NewIORefStore returns an empty store.
func NewIORefStore() IORefStore {
	return IORefStore{m: immutable.NewMap[idsrc.IORefId, IORefCell](iorefIdHasher{})}
}

// New creates a fresh IORef cell with an initial committed value, per
// spec.md §4.6 newIORef.
func (s IORefStore) New(id idsrc.IORefId, v value.Value) IORefStore {
	return IORefStore{m: s.m.Set(id, IORefCell{Committed: v})}
}

// Get fetches a cell's committed state.
func (s IORefStore) Get(id idsrc.IORefId) (IORefCell, bool) {
	c, ok := s.m.Get(id)
	return c, ok
}

// CommitWrite installs a new committed value and bumps the version,
// forming the basis of a fresh CAS Ticket (spec.md §4.3/§4.4).
func (s IORefStore) CommitWrite(id idsrc.IORefId, v value.Value) IORefStore {
	cell, _ := s.Get(id)
	cell.Committed = v
	cell.Version++
	return IORefStore{m: s.m.Set(id, cell)}
}

// Ticket issues a CAS ticket for the cell's current committed state,
// consumed by readForCAS/casIORef (spec.md §4.6).
func (s IORefStore) Ticket(id idsrc.IORefId) Ticket {
	cell, _ := s.Get(id)
	return Ticket{Cell: id, Version: cell.Version, Observed: cell.Committed}
}

// CAS performs a compare-and-swap against a previously issued Ticket,
// succeeding only if the version has not advanced since it was taken.
func (s IORefStore) CAS(t Ticket, newVal value.Value) (IORefStore, bool) {
	cell, ok := s.Get(t.Cell)
	if !ok || cell.Version != t.Version {
		return s, false
	}
	return s.CommitWrite(t.Cell, newVal), true
}
