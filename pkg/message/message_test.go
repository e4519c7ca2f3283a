package message

import (
	goerrs "errors"
	"testing"

	"github.com/sessamekesh/spanreed-lockstep/pkg/errors"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message/wire"
)

func TestFrameInputsListRoundTrip(t *testing.T) {
	frames := []FrameInputs{
		{Frame: 100, Inputs: MergedInputs{{User: 1, Input: []byte{1}}, {User: 5, Input: nil}}},
		{Frame: 101, Inputs: MergedInputs{}},
	}

	r := wire.NewReader(AppendFrameInputsList(nil, frames), "Test")
	got, err := ReadFrameInputsList(r, "Frames")
	if err != nil {
		t.Fatalf("ReadFrameInputsList: %v", err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(got) != len(frames) {
		t.Fatalf("got %d frames", len(got))
	}
	for i := range frames {
		if got[i].Frame != frames[i].Frame || !got[i].Inputs.Equal(frames[i].Inputs) {
			t.Fatalf("frame %d: got %+v, want %+v", i, got[i], frames[i])
		}
	}
}

func TestFrameInputsSizeMatchesEncoding(t *testing.T) {
	for _, f := range []FrameInputs{
		{Frame: 1},
		{Frame: 2, Inputs: MergedInputs{{User: 1, Input: nil}}},
		{Frame: 3, Inputs: MergedInputs{{User: 1, Input: []byte{1, 2, 3}}, {User: 9, Input: make([]byte, 300)}}},
	} {
		want := len(AppendFrameInputsList(nil, []FrameInputs{f})) - FrameInputsListHeaderSize
		if got := FrameInputsSize(f); got != want {
			t.Fatalf("frame %d: size %d, encoded %d", f.Frame, got, want)
		}
	}
}

func TestWorldDataFragmentIsOver(t *testing.T) {
	over := Frame(450)
	for _, f := range []*WorldDataFragment{
		{DataSize: 10, Data: []byte("hello")},
		{IsOver: &over, DataSize: 10, Data: []byte("world")},
	} {
		r := wire.NewReader(AppendWorldDataFragment(nil, f), "Test")
		got, err := ReadWorldDataFragment(r, "WorldSend")
		if err != nil {
			t.Fatalf("ReadWorldDataFragment: %v", err)
		}
		if (got.IsOver == nil) != (f.IsOver == nil) {
			t.Fatalf("IsOver presence mismatch")
		}
		if got.IsOver != nil && *got.IsOver != over {
			t.Fatalf("IsOver = %d", *got.IsOver)
		}
		if got.DataSize != 10 || string(got.Data) != string(f.Data) {
			t.Fatalf("got %+v", got)
		}
	}
}

func TestWorldDataFragmentBadPresenceByte(t *testing.T) {
	buf := AppendWorldDataFragment(nil, &WorldDataFragment{Data: []byte{1}})
	buf[0] = 3
	_, err := ReadWorldDataFragment(wire.NewReader(buf, "Test"), "WorldSend")
	var enum *errors.InvalidEnumValue
	if !goerrs.As(err, &enum) {
		t.Fatalf("expected InvalidEnumValue, got %v", err)
	}
}

func TestReadHeaderRejectsForeignMagic(t *testing.T) {
	buf := AppendHeader(nil, 0x12345678, 1)
	_, err := ReadHeader(wire.NewReader(buf, "Test"), DefaultMagicNumber)
	var magic *errors.InvalidMagicNumber
	if !goerrs.As(err, &magic) || magic.ActualMagicNumber != 0x12345678 {
		t.Fatalf("expected InvalidMagicNumber, got %v", err)
	}
}

func TestDecodeMergedFlagsOwnInput(t *testing.T) {
	out := DecodeMerged(FrameInputs{
		Frame:  9,
		Inputs: MergedInputs{{User: 1, Input: []byte{1}}, {User: 2, Input: []byte{2}}},
	}, 2)
	if out.Frame != 9 || len(out.Inputs) != 2 {
		t.Fatalf("got %+v", out)
	}
	if out.Inputs[0].SentByMe || !out.Inputs[1].SentByMe {
		t.Fatalf("SentByMe flags wrong: %+v", out.Inputs)
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := MergedInputs{{User: 1, Input: []byte{1}}}
	c := m.Clone()
	c[0].Input[0] = 2
	if m[0].Input[0] != 1 {
		t.Fatalf("Clone shares input bytes")
	}
	if !MergedInputs(nil).Equal(MergedInputs{}) {
		t.Fatalf("nil and empty should compare equal")
	}
}
