// Package message defines the identifiers and payload types shared by the
// client and server packet codecs, along with their wire encodings.
package message

import (
	"github.com/sessamekesh/spanreed-lockstep/pkg/errors"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message/wire"
)

// DefaultMagicNumber prefixes every packet ("LCSK" little-endian).
const DefaultMagicNumber uint32 = 0x4B53434C

// Frame is a simulation tick. The server owns the canonical merged-frame
// sequence.
type Frame uint32

func (f Frame) Next() Frame { return f + 1 }

func (f Frame) Prev() Frame { return f - 1 }

func (f Frame) Add(n uint32) Frame { return f + Frame(n) }

// UserID is assigned by the server when a session is accepted.
type UserID uint64

// VirtualUserID belongs to the server-hosted player, when there is one.
const VirtualUserID UserID = 0

// AuthentID is the challenge token handed out on reliable connect. The
// client echoes it on the unreliable channel so the server can bind the
// two channels to one session.
type AuthentID uint64

// PlayerInput is one client's input for one frame. Never interpreted here.
type PlayerInput []byte

type InputEntry struct {
	User  UserID
	Input PlayerInput
}

// MergedInputs holds every participant's input for one frame, ascending by
// UserID.
type MergedInputs []InputEntry

func (m MergedInputs) Clone() MergedInputs {
	if m == nil {
		return nil
	}
	out := make(MergedInputs, len(m))
	for i, e := range m {
		out[i] = InputEntry{User: e.User, Input: append(PlayerInput(nil), e.Input...)}
	}
	return out
}

// Equal compares contents, treating nil and empty inputs alike.
func (m MergedInputs) Equal(other MergedInputs) bool {
	if len(m) != len(other) {
		return false
	}
	for i := range m {
		if m[i].User != other[i].User || string(m[i].Input) != string(other[i].Input) {
			return false
		}
	}
	return true
}

// FrameInputs is a merged frame as broadcast by the server.
type FrameInputs struct {
	Frame  Frame
	Inputs MergedInputs
}

// ClientFrameInput is a single client's input tagged with its frame.
type ClientFrameInput struct {
	Frame Frame
	Input PlayerInput
}

// WorldDataFragment is one chunk of a serialized world snapshot. IsOver is
// set on the last chunk only and carries the frame the snapshot was taken at.
type WorldDataFragment struct {
	IsOver   *Frame
	DataSize uint32
	Data     []byte
}

func AppendFrame(out []byte, f Frame) []byte {
	return wire.AppendUint32(out, uint32(f))
}

func ReadFrame(r *wire.Reader, field string) (Frame, error) {
	v, err := r.Uint32(field)
	return Frame(v), err
}

func AppendMergedInputs(out []byte, m MergedInputs) []byte {
	out = wire.AppendUint32(out, uint32(len(m)))
	for _, e := range m {
		out = wire.AppendUint64(out, uint64(e.User))
		out = wire.AppendBytes(out, e.Input)
	}
	return out
}

// user id (8) + input length (4)
const minInputEntrySize = 12

func ReadMergedInputs(r *wire.Reader, field string) (MergedInputs, error) {
	n, err := r.Count(field, minInputEntrySize)
	if err != nil {
		return nil, err
	}
	m := make(MergedInputs, 0, n)
	for i := 0; i < n; i++ {
		user, err := r.Uint64(field + "::User")
		if err != nil {
			return nil, err
		}
		input, err := r.Bytes(field + "::Input")
		if err != nil {
			return nil, err
		}
		m = append(m, InputEntry{User: UserID(user), Input: input})
	}
	return m, nil
}

// FrameInputsSize is how many bytes f takes inside AppendFrameInputsList.
func FrameInputsSize(f FrameInputs) int {
	n := minFrameInputsSize
	for _, e := range f.Inputs {
		n += minInputEntrySize + len(e.Input)
	}
	return n
}

// FrameInputsListHeaderSize is the list's frame count prefix.
const FrameInputsListHeaderSize = 4

func AppendFrameInputsList(out []byte, frames []FrameInputs) []byte {
	out = wire.AppendUint32(out, uint32(len(frames)))
	for _, f := range frames {
		out = AppendFrame(out, f.Frame)
		out = AppendMergedInputs(out, f.Inputs)
	}
	return out
}

// frame (4) + entry count (4)
const minFrameInputsSize = 8

func ReadFrameInputsList(r *wire.Reader, field string) ([]FrameInputs, error) {
	n, err := r.Count(field, minFrameInputsSize)
	if err != nil {
		return nil, err
	}
	frames := make([]FrameInputs, 0, n)
	for i := 0; i < n; i++ {
		frame, err := ReadFrame(r, field+"::Frame")
		if err != nil {
			return nil, err
		}
		inputs, err := ReadMergedInputs(r, field+"::Inputs")
		if err != nil {
			return nil, err
		}
		frames = append(frames, FrameInputs{Frame: frame, Inputs: inputs})
	}
	return frames, nil
}

func AppendClientFrameInputs(out []byte, inputs []ClientFrameInput) []byte {
	out = wire.AppendUint32(out, uint32(len(inputs)))
	for _, in := range inputs {
		out = AppendFrame(out, in.Frame)
		out = wire.AppendBytes(out, in.Input)
	}
	return out
}

// frame (4) + input length (4)
const minClientFrameInputSize = 8

func ReadClientFrameInputs(r *wire.Reader, field string) ([]ClientFrameInput, error) {
	n, err := r.Count(field, minClientFrameInputSize)
	if err != nil {
		return nil, err
	}
	inputs := make([]ClientFrameInput, 0, n)
	for i := 0; i < n; i++ {
		frame, err := ReadFrame(r, field+"::Frame")
		if err != nil {
			return nil, err
		}
		input, err := r.Bytes(field + "::Input")
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, ClientFrameInput{Frame: frame, Input: input})
	}
	return inputs, nil
}

func AppendWorldDataFragment(out []byte, f *WorldDataFragment) []byte {
	if f.IsOver != nil {
		out = wire.AppendUint8(out, 1)
		out = AppendFrame(out, *f.IsOver)
	} else {
		out = wire.AppendUint8(out, 0)
	}
	out = wire.AppendUint32(out, f.DataSize)
	return wire.AppendBytes(out, f.Data)
}

func ReadWorldDataFragment(r *wire.Reader, field string) (*WorldDataFragment, error) {
	tag, err := r.Uint8(field + "::IsOver")
	if err != nil {
		return nil, err
	}

	fragment := &WorldDataFragment{}
	switch tag {
	case 0:
	case 1:
		frame, err := ReadFrame(r, field+"::IsOver")
		if err != nil {
			return nil, err
		}
		fragment.IsOver = &frame
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: field + "::IsOver",
			IntValue: tag,
		}
	}

	if fragment.DataSize, err = r.Uint32(field + "::DataSize"); err != nil {
		return nil, err
	}
	if fragment.Data, err = r.Bytes(field + "::Data"); err != nil {
		return nil, err
	}
	return fragment, nil
}

// AppendHeader writes the magic number and message discriminant that start
// every packet.
func AppendHeader(out []byte, magicNumber uint32, msgType uint8) []byte {
	out = wire.AppendUint32(out, magicNumber)
	return wire.AppendUint8(out, msgType)
}

// ReadHeader checks the magic number and returns the raw discriminant.
func ReadHeader(r *wire.Reader, magicNumber uint32) (uint8, error) {
	actual, err := r.Uint32("MagicNumber")
	if err != nil {
		return 0, err
	}
	if actual != magicNumber {
		return 0, &errors.InvalidMagicNumber{
			ExpectedMagicNumber: magicNumber,
			ActualMagicNumber:   actual,
		}
	}
	return r.Uint8("MessageType")
}

// ServerInput is one participant's input for a frame, as handed to the
// simulation.
type ServerInput struct {
	User     UserID
	SentByMe bool
	Input    PlayerInput
}

type FrameServerInputs struct {
	Frame  Frame
	Inputs []ServerInput
}

// DecodeMerged flags the entries that came from me.
func DecodeMerged(f FrameInputs, me UserID) FrameServerInputs {
	out := FrameServerInputs{Frame: f.Frame, Inputs: make([]ServerInput, len(f.Inputs))}
	for i, e := range f.Inputs {
		out.Inputs[i] = ServerInput{User: e.User, SentByMe: e.User == me, Input: e.Input}
	}
	return out
}
