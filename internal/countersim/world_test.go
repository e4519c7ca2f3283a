package countersim

import (
	"testing"

	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
)

func frame(f message.Frame, inputs ...message.ServerInput) message.FrameServerInputs {
	return message.FrameServerInputs{Frame: f, Inputs: inputs}
}

func TestApplyIsDeterministic(t *testing.T) {
	a, b := New(0), New(0)
	for f := message.Frame(1); f <= 50; f++ {
		in := frame(f,
			message.ServerInput{User: 1, Input: Input(int8(f % 5))},
			message.ServerInput{User: 2, Input: Input(-1)},
			message.ServerInput{User: 3},
		)
		if err := a.Apply(in); err != nil {
			t.Fatalf("apply a: %v", err)
		}
		if err := b.Apply(in); err != nil {
			t.Fatalf("apply b: %v", err)
		}
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("identical inputs gave different worlds")
	}
	if a.Counters[2] != -50 {
		t.Fatalf("counter 2 = %d", a.Counters[2])
	}
}

func TestOrderMatters(t *testing.T) {
	a, b := New(0), New(0)
	a.Apply(frame(1, message.ServerInput{User: 1, Input: Input(1)}, message.ServerInput{User: 2, Input: Input(2)}))
	b.Apply(frame(1, message.ServerInput{User: 2, Input: Input(2)}, message.ServerInput{User: 1, Input: Input(1)}))
	if a.Hash() == b.Hash() {
		t.Fatalf("reordered inputs should give a different world")
	}
}

func TestApplyRejectsGap(t *testing.T) {
	w := New(10)
	if err := w.Apply(frame(12)); err == nil {
		t.Fatalf("expected error for skipped frame")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	w := New(3)
	w.Apply(frame(4, message.ServerInput{User: 9, Input: Input(7)}))

	data, err := w.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	loaded, err := Load(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Hash() != w.Hash() || loaded.Frame != 4 || loaded.Counters[9] != 7 {
		t.Fatalf("loaded world differs: %+v", loaded)
	}

	if _, err := Load([]byte{0xff, 0x00}); err == nil {
		t.Fatalf("expected error for garbage")
	}
}
