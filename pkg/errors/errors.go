package errors

import (
	goerrs "errors"
	"fmt"
)

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type InvalidMagicNumber struct {
	ExpectedMagicNumber uint32
	ActualMagicNumber   uint32
}

func (e *InvalidMagicNumber) Error() string {
	return fmt.Sprintf("Invalid header: expected MagicNumber=%#x, got MagicNumber=%#x", e.ExpectedMagicNumber, e.ActualMagicNumber)
}

type TrailingBytes struct {
	MessageName string
	Extra       int
}

func (e *TrailingBytes) Error() string {
	return fmt.Sprintf("Message %s has %d unexpected trailing bytes", e.MessageName, e.Extra)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

// FieldTooLarge is returned when a field cannot fit its wire length prefix.
type FieldTooLarge struct {
	MessageName string
	FieldName   string
	Size        int
	Max         int
}

func (e *FieldTooLarge) Error() string {
	return fmt.Sprintf("Field %s in message type %s is %d bytes, at most %d fit", e.FieldName, e.MessageName, e.Size, e.Max)
}

// IncompleteTransfer is returned when a fragmented world transfer cannot be
// reassembled: the final fragment never arrived, fragments kept coming after
// it, or the byte count disagrees with the announced size.
type IncompleteTransfer struct {
	Received int
	Expected int
	Reason   string
}

func (e *IncompleteTransfer) Error() string {
	return fmt.Sprintf("Incomplete world transfer (%s): received %d of %d bytes", e.Reason, e.Received, e.Expected)
}

type CorruptSnapshot struct {
	Reason string
}

func (e *CorruptSnapshot) Error() string {
	return fmt.Sprintf("Corrupt snapshot: %s", e.Reason)
}

// IsDecodeError reports whether err came from parsing a malformed packet.
// Those are dropped and logged, never surfaced to the embedding application.
func IsDecodeError(err error) bool {
	var underflow *Underflow
	var enum *InvalidEnumValue
	var magic *InvalidMagicNumber
	var trailing *TrailingBytes
	var missing *MissingFieldError
	return goerrs.As(err, &underflow) ||
		goerrs.As(err, &enum) ||
		goerrs.As(err, &magic) ||
		goerrs.As(err, &trailing) ||
		goerrs.As(err, &missing)
}
