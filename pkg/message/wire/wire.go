// Package wire holds the little-endian primitives every packet codec is built
// from. Fixed-size fields have no padding, byte slices carry a u32 length
// prefix and strings a u16 one.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/sessamekesh/spanreed-lockstep/pkg/errors"
)

func AppendUint8(out []byte, v uint8) []byte {
	return append(out, v)
}

func AppendUint16(out []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(out, v)
}

func AppendUint32(out []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(out, v)
}

func AppendUint64(out []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(out, v)
}

func AppendBool(out []byte, v bool) []byte {
	if v {
		return append(out, 1)
	}
	return append(out, 0)
}

func AppendBytes(out []byte, v []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, uint32(len(v)))
	return append(out, v...)
}

// MaxStringLength is the longest string a u16 length prefix can carry.
const MaxStringLength = math.MaxUint16

// AppendString writes a u16 length prefix followed by the string bytes.
// Strings longer than MaxStringLength are truncated, so serializers check
// with FitsString first.
func AppendString(out []byte, v string) []byte {
	if len(v) > MaxStringLength {
		v = v[:MaxStringLength]
	}
	out = binary.LittleEndian.AppendUint16(out, uint16(len(v)))
	return append(out, v...)
}

func FitsString(v string) bool {
	return len(v) <= MaxStringLength
}

// Reader walks a packet front to back. Each read names the field it was
// after so underflow errors point at the exact spot that was truncated.
type Reader struct {
	msg         []byte
	readPtr     int
	messageName string
}

func NewReader(msg []byte, messageName string) *Reader {
	return &Reader{
		msg:         msg,
		readPtr:     0,
		messageName: messageName,
	}
}

func (r *Reader) Remaining() int {
	return len(r.msg) - r.readPtr
}

func (r *Reader) underflow(field string, need int) error {
	return &errors.Underflow{
		MessageName: r.messageName + "::" + field,
		MsgSize:     r.Remaining(),
		MinimumSize: need,
	}
}

func (r *Reader) take(field string, n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, r.underflow(field, n)
	}
	b := r.msg[r.readPtr : r.readPtr+n]
	r.readPtr += n
	return b, nil
}

func (r *Reader) Uint8(field string) (uint8, error) {
	b, err := r.take(field, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16(field string) (uint16, error) {
	b, err := r.take(field, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) Uint32(field string) (uint32, error) {
	b, err := r.take(field, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) Uint64(field string) (uint64, error) {
	b, err := r.take(field, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) Bool(field string) (bool, error) {
	v, err := r.Uint8(field)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, &errors.InvalidEnumValue{
		EnumName: r.messageName + "::" + field,
		IntValue: v,
	}
}

// Bytes reads a u32 length-prefixed byte slice. The returned slice is a
// copy, packets are immutable once decoded even if the transport reuses
// its read buffer.
func (r *Reader) Bytes(field string) ([]byte, error) {
	n, err := r.Uint32(field + "Length")
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Remaining()) {
		return nil, r.underflow(field, int(min(uint64(n), math.MaxInt32)))
	}
	b, err := r.take(field, int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) String(field string) (string, error) {
	n, err := r.Uint16(field + "Length")
	if err != nil {
		return "", err
	}
	b, err := r.take(field, int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Count reads a u32 element count and checks that at least minElemSize
// bytes per element are still available, so a forged count cannot make the
// caller preallocate gigabytes.
func (r *Reader) Count(field string, minElemSize int) (int, error) {
	n, err := r.Uint32(field + "Count")
	if err != nil {
		return 0, err
	}
	if minElemSize > 0 && uint64(n)*uint64(minElemSize) > uint64(r.Remaining()) {
		return 0, r.underflow(field, int(min(uint64(n)*uint64(minElemSize), math.MaxInt32)))
	}
	return int(n), nil
}

// Finish fails if anything is left unread.
func (r *Reader) Finish() error {
	if r.Remaining() != 0 {
		return &errors.TrailingBytes{
			MessageName: r.messageName,
			Extra:       r.Remaining(),
		}
	}
	return nil
}
