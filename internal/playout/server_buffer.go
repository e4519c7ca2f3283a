// Package playout holds the per-frame input buffers on both ends of a
// lockstep session.
//
//	server:  | past (merged, kept for catch-up) | future (partial, awaiting merge) |
//	                                      ^ consumed
//
//	client:  | consumed | . missing . | X X X (received ahead) |
package playout

import (
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	"github.com/sessamekesh/spanreed-lockstep/pkg/ring"
)

type InsertResult uint8

const (
	InsertResult_Inserted InsertResult = iota

	// InsertResult_Duplicate: the same user already gave input for this
	// frame. The first one wins.
	InsertResult_Duplicate

	// InsertResult_Late: the frame was merged without this user's input.
	InsertResult_Late

	// InsertResult_TooFarAhead: the frame is beyond what the buffer holds.
	InsertResult_TooFarAhead

	// InsertResult_TooOld: the frame fell out of retained history.
	InsertResult_TooOld
)

func (r InsertResult) String() string {
	switch r {
	case InsertResult_Inserted:
		return "Inserted"
	case InsertResult_Duplicate:
		return "Duplicate"
	case InsertResult_Late:
		return "Late"
	case InsertResult_TooFarAhead:
		return "TooFarAhead"
	case InsertResult_TooOld:
		return "TooOld"
	}
	return "Unknown"
}

type pendingSlot struct {
	frame  message.Frame
	valid  bool
	inputs map[message.UserID]message.PlayerInput
}

type historySlot struct {
	frame   message.Frame
	valid   bool
	inputs  message.MergedInputs
	missing []message.UserID
}

// ServerBuffer collects per-user input for upcoming frames and keeps a
// window of merged frames for resend and catch-up.
type ServerBuffer struct {
	consumed message.Frame
	start    message.Frame
	pending  *ring.Ring[pendingSlot]
	history  *ring.Ring[historySlot]
}

func NewServerBuffer(start message.Frame, capacity int) *ServerBuffer {
	if capacity <= 0 {
		capacity = ring.DefaultCapacity
	}
	return &ServerBuffer{
		consumed: start,
		start:    start,
		pending:  ring.New[pendingSlot](capacity),
		history:  ring.New[historySlot](capacity),
	}
}

// Consumed is the last merged frame.
func (b *ServerBuffer) Consumed() message.Frame {
	return b.consumed
}

func (b *ServerBuffer) Capacity() int {
	return b.history.Len()
}

// Oldest is the oldest merged frame still retrievable. When nothing has been
// merged yet it is Consumed()+1.
func (b *ServerBuffer) Oldest() message.Frame {
	capacity := message.Frame(b.history.Len())
	if b.consumed-b.start < capacity {
		return b.start + 1
	}
	return b.consumed - capacity + 1
}

// Retains reports whether every frame after `after` up to Consumed() is
// still held in history.
func (b *ServerBuffer) Retains(after message.Frame) bool {
	return after >= b.Oldest()-1 && after <= b.consumed
}

// Insert records user's input for frame.
func (b *ServerBuffer) Insert(user message.UserID, frame message.Frame, input message.PlayerInput) InsertResult {
	if frame <= b.consumed {
		h, ok := b.historyAt(frame)
		if !ok {
			return InsertResult_TooOld
		}
		for _, u := range h.missing {
			if u == user {
				return InsertResult_Late
			}
		}
		for _, e := range h.inputs {
			if e.User == user {
				return InsertResult_Duplicate
			}
		}
		return InsertResult_Late
	}
	if frame-b.consumed > message.Frame(b.pending.Len()) {
		return InsertResult_TooFarAhead
	}

	slot := b.pending.GetMut(frame)
	if !slot.valid || slot.frame != frame {
		*slot = pendingSlot{
			frame:  frame,
			valid:  true,
			inputs: make(map[message.UserID]message.PlayerInput),
		}
	}
	if _, has := slot.inputs[user]; has {
		return InsertResult_Duplicate
	}
	slot.inputs[user] = input
	return InsertResult_Inserted
}

// Reported tells whether user has input waiting for the next frame.
func (b *ServerBuffer) Reported(user message.UserID) bool {
	next := b.consumed.Next()
	slot := b.pending.Get(next)
	if !slot.valid || slot.frame != next {
		return false
	}
	_, has := slot.inputs[user]
	return has
}

// Consume merges the next frame. Every user in expected gets exactly one
// entry, ascending by UserID, and those who did not report get an empty
// input and are returned in missing. Input from users not in expected is
// discarded. expected must be sorted ascending.
func (b *ServerBuffer) Consume(expected []message.UserID) (message.FrameInputs, []message.UserID) {
	next := b.consumed.Next()

	slot := b.pending.GetMut(next)
	var inputs map[message.UserID]message.PlayerInput
	if slot.valid && slot.frame == next {
		inputs = slot.inputs
	}
	*slot = pendingSlot{}

	merged := make(message.MergedInputs, 0, len(expected))
	var missing []message.UserID
	for _, user := range expected {
		input, has := inputs[user]
		if !has {
			missing = append(missing, user)
			input = message.PlayerInput{}
		}
		merged = append(merged, message.InputEntry{User: user, Input: input})
	}

	b.consumed = next
	b.history.Set(next, historySlot{
		frame:   next,
		valid:   true,
		inputs:  merged,
		missing: missing,
	})

	return message.FrameInputs{Frame: next, Inputs: merged}, missing
}

func (b *ServerBuffer) historyAt(frame message.Frame) (historySlot, bool) {
	if frame > b.consumed || frame < b.Oldest() {
		return historySlot{}, false
	}
	h := b.history.Get(frame)
	if !h.valid || h.frame != frame {
		return historySlot{}, false
	}
	return h, true
}

// Get returns the merged inputs of a retained frame.
func (b *ServerBuffer) Get(frame message.Frame) (message.MergedInputs, bool) {
	h, ok := b.historyAt(frame)
	return h.inputs, ok
}

// Range returns merged frames from..to inclusive, or false if any of them is
// no longer (or not yet) retained.
func (b *ServerBuffer) Range(from, to message.Frame) ([]message.FrameInputs, bool) {
	if from > to {
		return nil, true
	}
	if from < b.Oldest() || to > b.consumed {
		return nil, false
	}

	out := make([]message.FrameInputs, 0, int(to-from)+1)
	for f := from; ; f++ {
		inputs, ok := b.Get(f)
		if !ok {
			return nil, false
		}
		out = append(out, message.FrameInputs{Frame: f, Inputs: inputs})
		if f == to {
			break
		}
	}
	return out, true
}

// Since returns the merged frames after ack, clipped to retained history
// and to at most max frames (the most recent ones are dropped first so the
// receiver can make progress in order).
func (b *ServerBuffer) Since(ack message.Frame, max int) []message.FrameInputs {
	if ack >= b.consumed {
		return nil
	}
	from := ack.Next()
	if oldest := b.Oldest(); from < oldest {
		from = oldest
	}
	to := b.consumed
	if max > 0 && int(to-from)+1 > max {
		to = from.Add(uint32(max - 1))
	}
	out, _ := b.Range(from, to)
	return out
}
