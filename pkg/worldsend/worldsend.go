// Package worldsend splits a serialized world into bounded fragments for the
// reliable channel and puts it back together on the other side.
package worldsend

import (
	"github.com/sessamekesh/spanreed-lockstep/pkg/errors"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
)

// MaxFragmentSize bounds the payload of a single WorldSend packet.
const MaxFragmentSize = 1_000_000

// Fragment cuts data into chunks of at most max bytes. The last chunk
// carries IsOver = frame. Empty data still yields one (empty) final chunk so
// the receiver learns the snapshot frame.
func Fragment(data []byte, frame message.Frame, max int) []message.WorldDataFragment {
	if max <= 0 {
		max = MaxFragmentSize
	}

	fragments := make([]message.WorldDataFragment, 0, len(data)/max+1)
	sent := 0
	for {
		fragment, n := cut(data, sent, frame, max)
		fragments = append(fragments, fragment)
		sent += n
		if fragment.IsOver != nil {
			return fragments
		}
	}
}

func cut(data []byte, sent int, frame message.Frame, max int) (message.WorldDataFragment, int) {
	n := min(max, len(data)-sent)
	fragment := message.WorldDataFragment{
		DataSize: uint32(len(data)),
		Data:     data[sent : sent+n],
	}
	if sent+n == len(data) {
		f := frame
		fragment.IsOver = &f
	}
	return fragment, n
}

// Reassemble concatenates fragments produced by Fragment. It fails when the
// final fragment is missing, something follows it, or the byte count does
// not match the announced size.
func Reassemble(fragments []message.WorldDataFragment) ([]byte, message.Frame, error) {
	r := &Receiver{}
	for i := range fragments {
		if err := r.Handle(&fragments[i]); err != nil {
			return nil, 0, err
		}
	}
	if !r.Done() {
		received, expected := r.Progress()
		return nil, 0, &errors.IncompleteTransfer{
			Received: received,
			Expected: expected,
			Reason:   "final fragment missing",
		}
	}
	data, frame := r.Result()
	return data, frame, nil
}

type sendStatus uint8

const (
	sendStatus_ReadyToSend sendStatus = iota
	sendStatus_WaitingForFinalAck
	sendStatus_Over
)

// Sender streams one world to one client, a fragment at a time. After the
// final fragment it waits for the client's WorldAck.
type Sender struct {
	data   []byte
	frame  message.Frame
	max    int
	sent   int
	status sendStatus
}

func NewSender(data []byte, frame message.Frame, max int) *Sender {
	if max <= 0 {
		max = MaxFragmentSize
	}
	return &Sender{
		data:   data,
		frame:  frame,
		max:    max,
		status: sendStatus_ReadyToSend,
	}
}

// Next returns the next fragment to put on the wire, or false when nothing
// is left to send.
func (s *Sender) Next() (*message.WorldDataFragment, bool) {
	if s.status != sendStatus_ReadyToSend {
		return nil, false
	}

	fragment, n := cut(s.data, s.sent, s.frame, s.max)
	s.sent += n
	if fragment.IsOver != nil {
		s.status = sendStatus_WaitingForFinalAck
	}
	return &fragment, true
}

// Ack records the client's WorldAck. Acks that arrive before the final
// fragment went out are ignored.
func (s *Sender) Ack() {
	if s.status == sendStatus_WaitingForFinalAck {
		s.status = sendStatus_Over
	}
}

func (s *Sender) Done() bool {
	return s.status == sendStatus_Over
}

// Receiver accumulates fragments as they arrive.
type Receiver struct {
	data     []byte
	dataSize int
	frame    message.Frame
	started  bool
	done     bool
}

func (r *Receiver) Handle(fragment *message.WorldDataFragment) error {
	if r.done {
		return &errors.IncompleteTransfer{
			Received: len(r.data) + len(fragment.Data),
			Expected: r.dataSize,
			Reason:   "fragment after final fragment",
		}
	}

	size := int(fragment.DataSize)
	if !r.started {
		r.started = true
		r.dataSize = size
		r.data = make([]byte, 0, min(size, 64*MaxFragmentSize))
	} else if size != r.dataSize {
		return &errors.IncompleteTransfer{
			Received: len(r.data),
			Expected: r.dataSize,
			Reason:   "announced size changed mid-transfer",
		}
	}

	if len(r.data)+len(fragment.Data) > r.dataSize {
		return &errors.IncompleteTransfer{
			Received: len(r.data) + len(fragment.Data),
			Expected: r.dataSize,
			Reason:   "more bytes than announced",
		}
	}
	r.data = append(r.data, fragment.Data...)

	if fragment.IsOver != nil {
		if len(r.data) != r.dataSize {
			return &errors.IncompleteTransfer{
				Received: len(r.data),
				Expected: r.dataSize,
				Reason:   "final fragment arrived early",
			}
		}
		r.frame = *fragment.IsOver
		r.done = true
	}
	return nil
}

// Progress returns bytes received so far and the announced total.
func (r *Receiver) Progress() (int, int) {
	return len(r.data), r.dataSize
}

func (r *Receiver) Done() bool {
	return r.done
}

// Result returns the assembled bytes and the frame the snapshot was taken
// at. Only meaningful once Done.
func (r *Receiver) Result() ([]byte, message.Frame) {
	return r.data, r.frame
}
