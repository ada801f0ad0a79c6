// Package scenarios holds the small, illustrative concurrent programs
// used by cmd/dejafu-demo and exercised more rigorously by the package
// tests — the classic concurrency bugs spec.md §8 asks the engine to be
// able to find: a racy shared counter, an MVar deadlock, an atomic STM
// transfer, a relaxed-memory surprise, an exception thrown at a masked
// thread, and an isolated subconcurrency island.
package scenarios

import (
	"sort"

	"github.com/gip/dejafu/conc"
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/stm"
	"github.com/gip/dejafu/value"
)

// Scenario is one named, runnable program.
type Scenario struct {
	Name         string
	Capabilities int
	Build        func() conc.Action
}

var registry = map[string]Scenario{}

func register(s Scenario) { registry[s.Name] = s }

// Get looks up a scenario by name.
func Get(name string) (Scenario, bool) {
	s, ok := registry[name]
	return s, ok
}

// Names lists every registered scenario, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	register(Scenario{Name: "racy-counter", Capabilities: 2, Build: racyCounter})
	register(Scenario{Name: "mvar-deadlock", Capabilities: 2, Build: mvarDeadlock})
	register(Scenario{Name: "stm-transfer", Capabilities: 2, Build: stmTransfer})
	register(Scenario{Name: "relaxed-memory", Capabilities: 2, Build: relaxedMemory})
	register(Scenario{Name: "throwto-mask", Capabilities: 2, Build: throwToMask})
	register(Scenario{Name: "subconcurrency-island", Capabilities: 2, Build: subconcurrencyIsland})
}

func ioRefOf(v value.Value) idsrc.IORefId { return v.Unwrap().(idsrc.IORefId) }
func mvarOf(v value.Value) idsrc.MVarId   { return v.Unwrap().(idsrc.MVarId) }
func tvarOf(v value.Value) idsrc.TVarId   { return v.Unwrap().(idsrc.TVarId) }

// racyCounter: two threads each read-modify-write an IORef without
// synchronisation; interleavings exist that lose an update. The main
// thread waits for the forked one through an MVar, then returns the
// counter as it reads it.
func racyCounter() conc.Action {
	return conc.NewIORef("counter", value.NewValue(0)).FlatMap(func(refV value.Value) conc.Action {
		ref := ioRefOf(refV)
		incr := conc.ReadIORef(ref).FlatMap(func(v value.Value) conc.Action {
			return conc.WriteIORef(ref, value.NewValue(v.Unwrap().(int)+1))
		})
		return conc.NewMVar("done", false, value.Value{}).FlatMap(func(doneV value.Value) conc.Action {
			done := mvarOf(doneV)
			return conc.Fork(incr.AndThen(conc.PutMVar(done, value.Value{}))).
				AndThen(incr).AndThen(conc.TakeMVar(done)).AndThen(conc.ReadIORef(ref))
		})
	})
}

// mvarDeadlock: two threads each take the other's MVar before putting
// their own, guaranteeing deadlock on every interleaving.
func mvarDeadlock() conc.Action {
	return conc.NewMVar("a", false, value.Value{}).FlatMap(func(aV value.Value) conc.Action {
		a := mvarOf(aV)
		return conc.NewMVar("b", false, value.Value{}).FlatMap(func(bV value.Value) conc.Action {
			b := mvarOf(bV)
			child := conc.TakeMVar(b).AndThen(conc.PutMVar(a, value.NewValue(1))).AndThen(conc.Return(value.Value{}))
			return conc.Fork(child).AndThen(
				conc.TakeMVar(a).AndThen(conc.PutMVar(b, value.NewValue(1))).AndThen(conc.Return(value.Value{})))
		})
	})
}

// stmTransfer: two threads concurrently run an atomic transfer between two
// TVars; every interleaving should leave the total balance unchanged.
func stmTransfer() conc.Action {
	return conc.Atomically(stm.New("from", value.NewValue(100))).FlatMap(func(fromV value.Value) conc.Action {
		from := tvarOf(fromV)
		return conc.Atomically(stm.New("to", value.NewValue(0))).FlatMap(func(toV value.Value) conc.Action {
			to := tvarOf(toV)
			transfer := func(amount int) conc.Action {
				tx := stm.Read(from).FlatMap(func(balV value.Value) stm.Action {
					bal := balV.Unwrap().(int)
					return stm.Write(from, value.NewValue(bal-amount)).FlatMap(func(value.Value) stm.Action {
						return stm.Read(to).FlatMap(func(toBalV value.Value) stm.Action {
							toBal := toBalV.Unwrap().(int)
							return stm.Write(to, value.NewValue(toBal+amount))
						})
					})
				})
				return conc.Atomically(tx).AndThen(conc.Return(value.Value{}))
			}
			return conc.Fork(transfer(30)).AndThen(transfer(10))
		})
	})
}

// relaxedMemory: under TSO, a classic store-buffer example (each thread
// writes its own flag then reads the other's) can observe both flags
// unset, a result impossible under sequential consistency. t1 reports its
// read of y through an MVar so the main thread's final Return can pair it
// with its own read of x, making the anomaly observable in Result.Value.
func relaxedMemory() conc.Action {
	return conc.NewIORef("x", value.NewValue(0)).FlatMap(func(xV value.Value) conc.Action {
		x := ioRefOf(xV)
		return conc.NewIORef("y", value.NewValue(0)).FlatMap(func(yV value.Value) conc.Action {
			y := ioRefOf(yV)
			return conc.NewMVar("observed-y", false, value.Value{}).FlatMap(func(mV value.Value) conc.Action {
				observedY := mvarOf(mV)
				t1 := conc.WriteIORef(x, value.NewValue(1)).AndThen(conc.ReadIORef(y)).FlatMap(func(readY value.Value) conc.Action {
					return conc.PutMVar(observedY, readY)
				})
				t2 := conc.WriteIORef(y, value.NewValue(1)).AndThen(conc.ReadIORef(x)).FlatMap(func(readX value.Value) conc.Action {
					return conc.TakeMVar(observedY).FlatMap(func(readY value.Value) conc.Action {
						return conc.Return(value.NewValue([2]int{readY.Unwrap().(int), readX.Unwrap().(int)}))
					})
				})
				return conc.Fork(t1).AndThen(t2)
			})
		})
	})
}

// throwToMask: one thread masks itself uninterruptible while performing a
// "critical" step, during which a throwTo from another thread must be
// deferred rather than delivered immediately.
func throwToMask() conc.Action {
	return conc.MyThreadId().FlatMap(func(selfV value.Value) conc.Action {
		self := selfV.Unwrap().(idsrc.ThreadId)
		victim := conc.SetMasking(false).
			AndThen(conc.LiftIO(func() value.Value { return value.NewValue("critical") })).
			AndThen(conc.ResetMasking(0)).
			AndThen(conc.Return(value.Value{}))
		attacker := conc.ThrowTo(self, value.NewValue("boom")).AndThen(conc.Return(value.Value{}))
		return conc.Fork(attacker).AndThen(victim)
	})
}

// subconcurrencyIsland: a nested action runs in isolation, its internal
// interleaving invisible to the outer search.
func subconcurrencyIsland() conc.Action {
	nested := conc.NewIORef("island", value.NewValue(0)).FlatMap(func(v value.Value) conc.Action {
		ref := ioRefOf(v)
		return conc.WriteIORef(ref, value.NewValue(1)).AndThen(conc.ReadIORef(ref))
	})
	return conc.Subconcurrency(nested).AndThen(conc.Return(value.Value{}))
}
