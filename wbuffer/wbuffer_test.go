package wbuffer

import (
	"testing"

	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/value"
)

func twoThreadsOneRef() (idsrc.ThreadId, idsrc.ThreadId, idsrc.IORefId) {
	src := idsrc.New()
	var t1, t2 idsrc.ThreadId
	t1, src = src.NextThread("t1")
	t2, src = src.NextThread("t2")
	ref, _ := src.NextIORef("r")
	return t1, t2, ref
}

func TestTSOKeyedByThreadOnly(t *testing.T) {
	t1, _, ref := twoThreadsOneRef()
	b := New(TotalStoreOrder)
	b = b.Append(t1, ref, value.NewValue(1))

	keys := b.PendingKeys()
	if len(keys) != 1 || keys[0].HasIORef {
		t.Fatalf("PendingKeys() = %v, want one TSO key without an IORef", keys)
	}
}

func TestPSOKeyedByThreadAndRef(t *testing.T) {
	t1, _, ref := twoThreadsOneRef()
	b := New(PartialStoreOrder)
	b = b.Append(t1, ref, value.NewValue(1))

	keys := b.PendingKeys()
	if len(keys) != 1 || !keys[0].HasIORef || keys[0].IORef != ref {
		t.Fatalf("PendingKeys() = %v, want one PSO key carrying the IORef", keys)
	}
}

func TestReadOwnTailSeesLatestBufferedWrite(t *testing.T) {
	t1, _, ref := twoThreadsOneRef()
	b := New(TotalStoreOrder)
	b = b.Append(t1, ref, value.NewValue(1))
	b = b.Append(t1, ref, value.NewValue(2))

	v, ok := b.ReadOwnTail(t1, ref)
	if !ok || v.Unwrap().(int) != 2 {
		t.Fatalf("ReadOwnTail() = (%v, %v), want (2, true)", v, ok)
	}
}

func TestReadOwnTailInvisibleToOtherThread(t *testing.T) {
	t1, t2, ref := twoThreadsOneRef()
	b := New(TotalStoreOrder)
	b = b.Append(t1, ref, value.NewValue(1))

	if _, ok := b.ReadOwnTail(t2, ref); ok {
		t.Fatalf("another thread's buffer must not see t1's pending write")
	}
}

func TestCommitOneDrainsInFIFOOrder(t *testing.T) {
	t1, _, ref := twoThreadsOneRef()
	b := New(TotalStoreOrder)
	b = b.Append(t1, ref, value.NewValue(1))
	b = b.Append(t1, ref, value.NewValue(2))

	key := Key{Thread: t1}
	b2, entry, ok := b.CommitOne(key)
	if !ok || entry.Value.Unwrap().(int) != 1 {
		t.Fatalf("CommitOne() = (%v, %v), want the oldest entry (1) first", entry, ok)
	}
	b3, entry2, ok := b2.CommitOne(key)
	if !ok || entry2.Value.Unwrap().(int) != 2 {
		t.Fatalf("second CommitOne() = (%v, %v), want (2, true)", entry2, ok)
	}
	if !b3.Empty() {
		t.Fatalf("buffer should be empty after draining both entries")
	}
}

func TestPendingKeysOmitsDrainedQueues(t *testing.T) {
	t1, _, ref := twoThreadsOneRef()
	b := New(TotalStoreOrder)
	b = b.Append(t1, ref, value.NewValue(1))
	b, _, _ = b.CommitOne(Key{Thread: t1})

	if keys := b.PendingKeys(); len(keys) != 0 {
		t.Fatalf("PendingKeys() = %v, want none after draining the only entry", keys)
	}
}

func TestFlushAllDrainsEverythingAndResetsBuffer(t *testing.T) {
	t1, t2, ref := twoThreadsOneRef()
	b := New(TotalStoreOrder)
	b = b.Append(t1, ref, value.NewValue(1))
	b = b.Append(t2, ref, value.NewValue(2))

	b2, all := b.FlushAll()
	if len(all) != 2 {
		t.Fatalf("FlushAll() drained %d entries, want 2", len(all))
	}
	if !b2.Empty() {
		t.Fatalf("buffer returned by FlushAll() should be empty")
	}
}
