// Package countersim is a tiny deterministic simulation used by the demo
// binaries and the end-to-end tests. Each participant nudges its own counter
// every frame; a running total weighs inputs by their position in the merged
// frame, so applying inputs in a different order gives a different world.
package countersim

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("countersim: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("countersim: CBOR decoder initialization failed: " + err.Error())
	}
}

type World struct {
	Frame    message.Frame             `cbor:"frame"`
	Counters map[message.UserID]int64 `cbor:"counters"`
	Total    int64                     `cbor:"total"`
}

func New(frame message.Frame) *World {
	return &World{
		Frame:    frame,
		Counters: make(map[message.UserID]int64),
	}
}

// Input encodes a delta as a PlayerInput.
func Input(delta int8) message.PlayerInput {
	return message.PlayerInput{byte(delta)}
}

// Apply advances the world by one frame. Frames must arrive in order.
func (w *World) Apply(f message.FrameServerInputs) error {
	if f.Frame != w.Frame.Next() {
		return fmt.Errorf("countersim: frame %d applied to world at frame %d", f.Frame, w.Frame)
	}

	for i, in := range f.Inputs {
		if len(in.Input) == 0 {
			continue
		}
		delta := int64(int8(in.Input[0]))
		w.Counters[in.User] += delta
		w.Total = w.Total*31 + delta*int64(i+1)
	}
	w.Frame = f.Frame
	return nil
}

func (w *World) Snapshot() ([]byte, error) {
	return encMode.Marshal(w)
}

func Load(data []byte) (*World, error) {
	w := &World{}
	if err := decMode.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("countersim: decoding world: %w", err)
	}
	if w.Counters == nil {
		w.Counters = make(map[message.UserID]int64)
	}
	return w, nil
}

// Hash is a digest of the canonical encoding. Equal worlds hash equal.
func (w *World) Hash() [32]byte {
	data, err := w.Snapshot()
	if err != nil {
		panic("countersim: encoding world: " + err.Error())
	}
	return blake3.Sum256(data)
}
