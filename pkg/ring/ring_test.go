package ring

import (
	"testing"

	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
)

func TestSlotsStartZeroed(t *testing.T) {
	r := New[message.MergedInputs](DefaultCapacity)
	if r.Len() != DefaultCapacity {
		t.Fatalf("Len() = %d", r.Len())
	}
	if got := r.Get(77); got != nil {
		t.Fatalf("expected empty slot, got %v", got)
	}
}

func TestSetIsIdempotent(t *testing.T) {
	r := New[message.MergedInputs](DefaultCapacity)
	inputs := message.MergedInputs{{User: 1, Input: []byte{1}}, {User: 2, Input: []byte{2}}}

	r.Set(10, inputs.Clone())
	r.Set(10, inputs.Clone())

	if !r.Get(10).Equal(inputs) {
		t.Fatalf("slot changed after repeated write: %v", r.Get(10))
	}
}

func TestWrapOverwritesSlot(t *testing.T) {
	r := New[string](128)
	r.Set(0, "frame 0")
	r.Set(128, "frame 128")

	if got := r.Get(128); got != "frame 128" {
		t.Fatalf("Get(128) = %q", got)
	}
	if got := r.Get(0); got != "frame 128" {
		t.Fatalf("Get(0) = %q, slot should hold the newer frame", got)
	}
	if got := r.Get(1); got != "" {
		t.Fatalf("Get(1) = %q", got)
	}
}

func TestGetMutWritesThrough(t *testing.T) {
	r := New[[]int](4)
	*r.GetMut(6) = append(*r.GetMut(6), 1, 2)
	if got := r.Get(2); len(got) != 2 {
		t.Fatalf("frame 2 shares frame 6's slot, got %v", got)
	}

	r.Reset()
	if got := r.Get(6); got != nil {
		t.Fatalf("Reset left %v", got)
	}
}

func TestHighFramesIndexUnsigned(t *testing.T) {
	r := New[int](3)
	f := message.Frame(0xFFFFFFFF)
	r.Set(f, 9)
	if r.Get(f) != 9 {
		t.Fatalf("Get(max frame) = %d", r.Get(f))
	}
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	New[int](0)
}
