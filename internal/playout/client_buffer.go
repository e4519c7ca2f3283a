package playout

import (
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	"github.com/sessamekesh/spanreed-lockstep/pkg/ring"
)

type futureSlot struct {
	frame  message.Frame
	valid  bool
	inputs message.MergedInputs
}

// ClientBuffer holds merged frames received ahead of the simulation and the
// client's own recent inputs for resend.
type ClientBuffer struct {
	future     *ring.Ring[futureSlot]
	consumed   message.Frame
	lastInputs []message.ClientFrameInput
	resend     int
}

func NewClientBuffer(start message.Frame, resend, capacity int) *ClientBuffer {
	if capacity <= 0 {
		capacity = ring.DefaultCapacity
	}
	if resend <= 0 {
		resend = 1
	}
	return &ClientBuffer{
		future:   ring.New[futureSlot](capacity),
		consumed: start,
		resend:   resend,
	}
}

func (b *ClientBuffer) Consumed() message.Frame {
	return b.consumed
}

// Insert stores a merged frame from the server. Frames already consumed are
// ignored, as are repeats of a frame already held.
func (b *ClientBuffer) Insert(frame message.Frame, inputs message.MergedInputs) InsertResult {
	if frame <= b.consumed {
		return InsertResult_Duplicate
	}
	if frame-b.consumed > message.Frame(b.future.Len()) {
		return InsertResult_TooFarAhead
	}

	slot := b.future.GetMut(frame)
	if slot.valid && slot.frame == frame {
		return InsertResult_Duplicate
	}
	*slot = futureSlot{frame: frame, valid: true, inputs: inputs}
	return InsertResult_Inserted
}

func (b *ClientBuffer) has(frame message.Frame) bool {
	slot := b.future.Get(frame)
	return slot.valid && slot.frame == frame
}

// Advance counts the contiguous frames ready to consume.
func (b *ClientBuffer) Advance() uint32 {
	var advance uint32
	for advance < uint32(b.future.Len()) && b.has(b.consumed.Add(advance+1)) {
		advance++
	}
	return advance
}

// ConsumeCount picks how many frames to play this tick: one normally, up to
// four when the buffer has built up a backlog, measured in steps of
// frameBufferAdvance.
func ConsumeCount(advance, frameBufferAdvance uint32) int {
	fba := max(frameBufferAdvance, 1)
	switch {
	case advance == 0:
		return 0
	case advance <= fba:
		return 1
	case advance <= fba*2:
		return 2
	case advance <= fba*3:
		return 3
	}
	return 4
}

// TryConsume plays the next frame if it has arrived. input is this client's
// input for that frame; it joins the resend window, which is returned for
// sending.
func (b *ClientBuffer) TryConsume(input message.PlayerInput) (message.FrameInputs, []message.ClientFrameInput, bool) {
	next := b.consumed.Next()
	if !b.has(next) {
		return message.FrameInputs{}, nil, false
	}

	slot := b.future.GetMut(next)
	merged := slot.inputs
	*slot = futureSlot{}
	b.consumed = next

	b.lastInputs = append(b.lastInputs, message.ClientFrameInput{Frame: next, Input: input})
	if len(b.lastInputs) > b.resend {
		b.lastInputs = b.lastInputs[len(b.lastInputs)-b.resend:]
	}

	return message.FrameInputs{Frame: next, Inputs: merged}, b.Pending(), true
}

// Pending is a copy of the resend window.
func (b *ClientBuffer) Pending() []message.ClientFrameInput {
	return append([]message.ClientFrameInput(nil), b.lastInputs...)
}
