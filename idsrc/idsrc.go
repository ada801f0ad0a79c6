// Package idsrc allocates the four families of identifier used by the
// engine: ThreadId, MVarId, IORefId and TVarId. Allocation is pure: a
// Source is an immutable value threaded through the execution context, so
// replaying an execution from an identical scheduling prefix reproduces
// identical identifiers, labels and all, except the debug label
// NextOSDebugName gives a forkOS thread created without a name.
package idsrc

import (
	"fmt"

	"github.com/segmentio/fasthash/fnv1a"
	"go.uber.org/atomic"
)

// ThreadId identifies a thread for the lifetime of one execution.
type ThreadId struct {
	n     uint64
	Label string
}

// MVarId identifies an MVar cell for the lifetime of one execution.
type MVarId struct {
	n     uint64
	Label string
}

// IORefId identifies an IORef cell for the lifetime of one execution.
type IORefId struct {
	n     uint64
	Label string
}

// TVarId identifies a TVar cell for the lifetime of one execution.
type TVarId struct {
	n     uint64
	Label string
}

func (id ThreadId) String() string { return fmt.Sprintf("Thread(%d:%s)", id.n, id.Label) }
func (id MVarId) String() string   { return fmt.Sprintf("MVar(%d:%s)", id.n, id.Label) }
func (id IORefId) String() string  { return fmt.Sprintf("IORef(%d:%s)", id.n, id.Label) }
func (id TVarId) String() string   { return fmt.Sprintf("TVar(%d:%s)", id.n, id.Label) }

// N reports the allocation index, which is what determines the ascending
// per-kind ordering the spec requires (e.g. sorted-by-ThreadId wakeup order).
func (id ThreadId) N() uint64 { return id.n }
func (id MVarId) N() uint64   { return id.n }
func (id IORefId) N() uint64  { return id.n }
func (id TVarId) N() uint64   { return id.n }

// Less orders ids by allocation index, ascending — the sort the spec
// mandates for thread table iteration and wakeup order.
func (id ThreadId) Less(other ThreadId) bool { return id.n < other.n }

// Hash feeds these ids into the *immutable.Map-backed stores throughout the
// engine (cellstore, threadtbl, wbuffer); grounded on tla.Value.Hash() in
// the teacher repository, which hashes the same way via fnv1a.
func (id ThreadId) Hash() uint32 { return hashKind('T', id.n) }
func (id MVarId) Hash() uint32   { return hashKind('M', id.n) }
func (id IORefId) Hash() uint32  { return hashKind('I', id.n) }
func (id TVarId) Hash() uint32   { return hashKind('V', id.n) }

func hashKind(kind byte, n uint64) uint32 {
	h := fnv1a.Init32
	h = fnv1a.AddUint32(h, uint32(kind))
	h = fnv1a.AddUint32(h, uint32(n))
	h = fnv1a.AddUint32(h, uint32(n>>32))
	return h
}

// Source is the pure-functional allocator described in spec.md §4.1. Zero
// value is a valid, empty source.
type Source struct {
	threads, mvars, iorefs, tvars uint64
}

// New returns a fresh, empty identifier source.
func New() Source { return Source{} }

// NextThread allocates a new ThreadId, returning it alongside the advanced
// source. The caller discards the old source and uses the returned one.
func (s Source) NextThread(label string) (ThreadId, Source) {
	s.threads++
	return ThreadId{n: s.threads - 1, Label: label}, s
}

// NextMVar allocates a new MVarId.
func (s Source) NextMVar(label string) (MVarId, Source) {
	s.mvars++
	return MVarId{n: s.mvars - 1, Label: label}, s
}

// NextIORef allocates a new IORefId.
func (s Source) NextIORef(label string) (IORefId, Source) {
	s.iorefs++
	return IORefId{n: s.iorefs - 1, Label: label}, s
}

// NextTVar allocates a new TVarId.
func (s Source) NextTVar(label string) (TVarId, Source) {
	s.tvars++
	return TVarId{n: s.tvars - 1, Label: label}, s
}

// osDebugNames hands out display-only names for forkOS-created threads when
// several BPOR workers (bpor.Explore) replay independent executions
// concurrently. It never feeds into the deterministic per-context counters
// above, so it cannot affect the reproducibility guarantees those provide;
// it only makes worker logs tell OS-bound threads apart from each other.
var osDebugNames atomic.Uint64

// NextOSDebugName returns a process-wide-unique debug label for a
// forkOS-created thread.
func NextOSDebugName() string {
	return fmt.Sprintf("osthread-%d", osDebugNames.Inc())
}
