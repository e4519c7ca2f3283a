package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize caps one reliable message on stream transports.
const DefaultMaxFrameSize = 1 << 20

type FrameTooLargeError struct {
	Size uint32
	Max  uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("Frame of %d bytes exceeds the %d byte limit", e.Size, e.Max)
}

// AppendFrame writes payload with its u32 little-endian length prefix.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// FramedReceiver splits a byte stream back into length-prefixed frames.
// Reads may end anywhere, including inside the length prefix.
type FramedReceiver struct {
	MaxFrameSize uint32

	header  []byte
	inFrame bool
	size    uint32
	buf     []byte
}

// Recv consumes data and calls onFrame once per completed frame, in order.
// After an error the stream is unusable.
func (r *FramedReceiver) Recv(data []byte, onFrame func([]byte)) error {
	limit := r.MaxFrameSize
	if limit == 0 {
		limit = DefaultMaxFrameSize
	}

	for len(data) > 0 || r.inFrame {
		if !r.inFrame {
			n := min(4-len(r.header), len(data))
			r.header = append(r.header, data[:n]...)
			data = data[n:]
			if len(r.header) < 4 {
				return nil
			}
			r.size = binary.LittleEndian.Uint32(r.header)
			r.header = r.header[:0]
			if r.size > limit {
				return &FrameTooLargeError{Size: r.size, Max: limit}
			}
			r.inFrame = true
			r.buf = make([]byte, 0, r.size)
		}

		n := min(int(r.size)-len(r.buf), len(data))
		r.buf = append(r.buf, data[:n]...)
		data = data[n:]
		if len(r.buf) < int(r.size) {
			return nil
		}

		frame := r.buf
		r.buf = nil
		r.inFrame = false
		onFrame(frame)
	}
	return nil
}

// Pending is the number of bytes held for an incomplete frame or prefix.
func (r *FramedReceiver) Pending() int {
	return len(r.header) + len(r.buf)
}

// readFrames feeds src into a FramedReceiver until src fails.
func readFrames(src io.Reader, maxFrameSize uint32, onFrame func([]byte)) error {
	recv := FramedReceiver{MaxFrameSize: maxFrameSize}
	buf := make([]byte, 64*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if ferr := recv.Recv(buf[:n], onFrame); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}
