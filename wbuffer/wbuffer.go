// Package wbuffer implements the per-thread (TSO) or per-(thread,cell)
// (PSO) write buffer of spec.md §4.4: pending, unsynchronised IORef writes
// and the commit protocol that flushes them.
//
// Grounded on the teacher's write-barrier-free design is absent — the
// teacher always commits immediately — so this component's shape is
// instead grounded on wbuffer's closest teacher analogue, the
// IncrementalArchetypeMapResource's realizedMap (archetypes.go), reused
// here as an ordered *immutable.Map of pending entries keyed the way
// spec.md §4.4 requires.
package wbuffer

import (
	"sort"

	"github.com/benbjohnson/immutable"

	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

// MemType selects the relaxed-memory model in force, per spec.md §6.
type MemType int

const (
	SequentialConsistency MemType = iota
	TotalStoreOrder
	PartialStoreOrder
)

// Key identifies one FIFO buffer: by ThreadId alone under TSO, or by
// (ThreadId, IORefId) under PSO, per spec.md §4.4.
type Key struct {
	Thread   idsrc.ThreadId
	IORef    idsrc.IORefId
	HasIORef bool // true under PSO
}

func keyFor(mt MemType, tid idsrc.ThreadId, ref idsrc.IORefId) Key {
	if mt == PartialStoreOrder {
		return Key{Thread: tid, IORef: ref, HasIORef: true}
	}
	return Key{Thread: tid}
}

func (k Key) Hash() uint32 {
	h := k.Thread.Hash()
	if k.HasIORef {
		h = h*31 + k.IORef.Hash()
	}
	return h
}

type keyHasher struct{}

func (keyHasher) Hash(k Key) uint32 { return k.Hash() }
func (keyHasher) Equal(a, b Key) bool {
	return a.Thread == b.Thread && a.HasIORef == b.HasIORef && (!a.HasIORef || a.IORef == b.IORef)
}

// Entry is one pending write, per spec.md §3 "Write-buffer entry".
type Entry struct {
	Thread idsrc.ThreadId
	IORef  idsrc.IORefId
	Value  value.Value
}

// Buffer is the persistent key → ordered pending-entry queue.
type Buffer struct {
	MemType MemType
	m       *immutable.Map[Key, []Entry]
}

// New returns an empty buffer under the given memory model.
func New(mt MemType) Buffer {
	return Buffer{MemType: mt, m: immutable.NewMap[Key, []Entry](keyHasher{})}
}

// Append queues a new pending write, per spec.md §4.4 "A non-synchronised
// write under TSO appends with key (tid, None); under PSO with key
// (tid, Some(iorefId))".
func (b Buffer) Append(tid idsrc.ThreadId, ref idsrc.IORefId, v value.Value) Buffer {
	k := keyFor(b.MemType, tid, ref)
	queue := append(append([]Entry{}, b.entries(k)...), Entry{Thread: tid, IORef: ref, Value: v})
	return Buffer{MemType: b.MemType, m: b.m.Set(k, queue)}
}

func (b Buffer) entries(k Key) []Entry {
	q, _ := b.m.Get(k)
	return q
}

// ReadOwnTail returns the most recent pending write this thread has made
// to ref, if any — the store-to-load forwarding spec.md §4.3 requires for
// IORef reads ("A read sees the tail of the reader's buffer if
// non-empty").
func (b Buffer) ReadOwnTail(tid idsrc.ThreadId, ref idsrc.IORefId) (value.Value, bool) {
	if b.MemType == PartialStoreOrder {
		q := b.entries(Key{Thread: tid, IORef: ref, HasIORef: true})
		if len(q) == 0 {
			return value.Value{}, false
		}
		return q[len(q)-1].Value, true
	}
	q := b.entries(Key{Thread: tid})
	var last value.Value
	found := false
	for _, e := range q {
		if e.IORef == ref {
			last = e.Value
			found = true
		}
	}
	return last, found
}

// PendingKeys returns every key with a non-empty queue, in a stable,
// replay-deterministic order (ascending by thread id, then by ioref id).
// Each corresponds to one virtual commit thread
// the execution driver must offer the scheduler (spec.md §4.4).
func (b Buffer) PendingKeys() []Key {
	var keys []Key
	it := b.m.Iterator()
	for !it.Done() {
		k, q, _ := it.Next()
		if len(q) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Thread != keys[j].Thread {
			return keys[i].Thread.Less(keys[j].Thread)
		}
		return keys[i].IORef.N() < keys[j].IORef.N()
	})
	return keys
}

// CommitOne atomically applies and removes the head entry of the queue
// for key k, per spec.md §4.4 ("selecting a commit thread atomically
// applies and removes that buffer entry").
func (b Buffer) CommitOne(k Key) (Buffer, Entry, bool) {
	q := b.entries(k)
	if len(q) == 0 {
		return b, Entry{}, false
	}
	head := q[0]
	rest := q[1:]
	var m *immutable.Map[Key, []Entry]
	if len(rest) == 0 {
		m = b.m.Delete(k)
	} else {
		m = b.m.Set(k, rest)
	}
	return Buffer{MemType: b.MemType, m: m}, head, true
}

// FlushAll drains every pending entry across every key, in ascending
// (thread, ioref, queue-order) order, per spec.md §4.4's barrier
// semantics: "flush all buffered entries in one step — they do not appear
// individually in the trace".
func (b Buffer) FlushAll() (Buffer, []Entry) {
	var all []Entry
	keys := b.PendingKeys()
	for _, k := range keys {
		all = append(all, b.entries(k)...)
	}
	return New(b.MemType), all
}

// Empty reports whether no writes remain buffered.
func (b Buffer) Empty() bool {
	return len(b.PendingKeys()) == 0
}
