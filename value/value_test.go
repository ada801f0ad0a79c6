package value

import "testing"

func TestEqualComparable(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"equal ints", NewValue(1), NewValue(1), true},
		{"unequal ints", NewValue(1), NewValue(2), false},
		{"equal strings", NewValue("a"), NewValue("a"), true},
		{"unequal types", NewValue(1), NewValue("1"), false},
		{"both nil", NewValue(nil), NewValue(nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEqualNonComparableDoesNotPanic(t *testing.T) {
	a := NewValue([]int{1, 2, 3})
	b := NewValue([]int{1, 2, 3})
	if !a.Equal(b) {
		t.Errorf("expected slice fallback comparison to report equal")
	}
	c := NewValue([]int{1, 2})
	if a.Equal(c) {
		t.Errorf("expected slice fallback comparison to report unequal")
	}
}

func TestHashStable(t *testing.T) {
	a := NewValue(42)
	b := NewValue(42)
	if a.Hash() != b.Hash() {
		t.Errorf("equal values hashed differently: %d vs %d", a.Hash(), b.Hash())
	}
}

func TestUnwrapRoundTrip(t *testing.T) {
	v := NewValue("hello")
	if got := v.Unwrap().(string); got != "hello" {
		t.Errorf("Unwrap() = %q, want %q", got, "hello")
	}
}

func TestHasherAdapter(t *testing.T) {
	var h Hasher
	a, b := NewValue(1), NewValue(1)
	if !h.Equal(a, b) {
		t.Errorf("Hasher.Equal should delegate to Value.Equal")
	}
	if h.Hash(a) != a.Hash() {
		t.Errorf("Hasher.Hash should delegate to Value.Hash")
	}
}
