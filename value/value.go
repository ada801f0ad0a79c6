package value

import (
	"fmt"

	"github.com/segmentio/fasthash/fnv1a"
)

// Value is the uniform, type-erased carrier for anything a modeled program
// stores in an MVar, IORef or TVar, or throws as an exception. Per
// spec.md §9 ("existential-typed primitives... replace with a uniform
// Value type"), all per-cell operations inside the engine are monomorphic
// over Value; user code wraps its Go values with NewValue and recovers
// them with Unwrap.
type Value struct {
	data interface{}
}

// NewValue wraps an arbitrary Go value for storage in a cell.
func NewValue(v interface{}) Value { return Value{data: v} }

// Unwrap recovers the original Go value. Callers own the type assertion;
// the engine never inspects what is inside.
func (v Value) Unwrap() interface{} { return v.data }

func (v Value) String() string { return fmt.Sprintf("%v", v.data) }

// Hash lets Value key an *immutable.Map, through Hasher. Grounded on tla.Value.Hash() in the
// teacher repository, which hashes program values with the same library
// for the same reason: deterministic, allocation-free map keys.
func (v Value) Hash() uint32 {
	h := fnv1a.Init32
	switch x := v.data.(type) {
	case nil:
		return fnv1a.AddString32(h, "<nil>")
	case string:
		return fnv1a.AddString32(h, x)
	case int:
		return fnv1a.AddUint32(h, uint32(x))
	case int64:
		return fnv1a.AddUint32(h, uint32(x))
	case bool:
		if x {
			return fnv1a.AddString32(h, "true")
		}
		return fnv1a.AddString32(h, "false")
	default:
		return fnv1a.AddString32(h, fmt.Sprintf("%T:%v", x, x))
	}
}

// Equal compares two Values for storage purposes (e.g. as Hasher's
// equality). It falls back to fmt-based comparison for types that are
// not comparable with ==, matching the erased, "owner decides" nature of
// Value described in spec.md §9.
func (v Value) Equal(other Value) bool {
	if eq, ok := safeEqual(v.data, other.data); ok {
		return eq
	}
	return fmt.Sprintf("%#v", v.data) == fmt.Sprintf("%#v", other.data)
}

// safeEqual attempts a == comparison, reporting ok=false if the dynamic
// types are not comparable (e.g. slices, maps, funcs) rather than letting
// the runtime panic escape.
func safeEqual(a, b interface{}) (eq bool, ok bool) {
	defer func() {
		if recover() != nil {
			eq, ok = false, false
		}
	}()
	return a == b, true
}

// Hasher adapts Value to immutable.Hasher, for any package that wants to
// key an *immutable.Map by Value.
type Hasher struct{}

func (Hasher) Hash(v Value) uint32   { return v.Hash() }
func (Hasher) Equal(a, b Value) bool { return a.Equal(b) }
