package client

import (
	"github.com/sessamekesh/spanreed-lockstep/pkg/errors"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message/wire"
)

//
// Reliable channel (client -> server)

type ReliableMessageType uint8

const (
	ReliableMessageType_Connect ReliableMessageType = iota
	ReliableMessageType_BeginCatchUp
	ReliableMessageType_CatchUpAck
	ReliableMessageType_WorldAck

	ReliableMessageType_NONE
)

func (t ReliableMessageType) String() string {
	switch t {
	case ReliableMessageType_Connect:
		return "Connect"
	case ReliableMessageType_BeginCatchUp:
		return "BeginCatchUp"
	case ReliableMessageType_CatchUpAck:
		return "CatchUpAck"
	case ReliableMessageType_WorldAck:
		return "WorldAck"
	}
	return "NONE"
}

type Connect struct {
	Name    string
	Version string
}

type ReliableMessage struct {
	MessageType ReliableMessageType
	Connect     *Connect
}

//
// Unreliable channel (client -> server)

type UnreliableMessageType uint8

const (
	UnreliableMessageType_Connection UnreliableMessageType = iota
	UnreliableMessageType_Input

	UnreliableMessageType_NONE
)

func (t UnreliableMessageType) String() string {
	switch t {
	case UnreliableMessageType_Connection:
		return "Connection"
	case UnreliableMessageType_Input:
		return "Input"
	}
	return "NONE"
}

// Connection echoes the challenge token so the server can tie this
// unreliable source to the reliable session that received the challenge.
type Connection struct {
	AuthentID message.AuthentID
}

// Input carries the client's most recent inputs (resent to cover loss) and
// the last merged frame it has consumed.
type Input struct {
	AckFrame message.Frame
	Inputs   []message.ClientFrameInput
}

type UnreliableMessage struct {
	MessageType UnreliableMessageType
	Connection  *Connection
	Input       *Input
}

type ClientMessageSerializer struct {
	MagicNumber uint32
}

func (s ClientMessageSerializer) magic() uint32 {
	if s.MagicNumber == 0 {
		return message.DefaultMagicNumber
	}
	return s.MagicNumber
}

func (s ClientMessageSerializer) SerializeReliable(msg *ReliableMessage) ([]byte, error) {
	out := message.AppendHeader([]byte{}, s.magic(), uint8(msg.MessageType))

	switch msg.MessageType {
	case ReliableMessageType_Connect:
		if msg.Connect == nil {
			return nil, &errors.MissingFieldError{
				MessageName: "Client::ReliableMessage",
				FieldName:   "Connect",
			}
		}
		for _, f := range []struct{ name, v string }{{"Name", msg.Connect.Name}, {"Version", msg.Connect.Version}} {
			if !wire.FitsString(f.v) {
				return nil, &errors.FieldTooLarge{
					MessageName: "Client::ReliableMessage",
					FieldName:   "Connect." + f.name,
					Size:        len(f.v),
					Max:         wire.MaxStringLength,
				}
			}
			out = wire.AppendString(out, f.v)
		}
	case ReliableMessageType_BeginCatchUp, ReliableMessageType_CatchUpAck, ReliableMessageType_WorldAck:
		// no payload
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "Client::ReliableMessageType",
			IntValue: uint8(msg.MessageType),
		}
	}

	return out, nil
}

func (s ClientMessageSerializer) ParseReliable(msg []byte) (*ReliableMessage, error) {
	r := wire.NewReader(msg, "Client::ReliableMessage")
	msgTypeNum, err := message.ReadHeader(r, s.magic())
	if err != nil {
		return nil, err
	}

	parsed := &ReliableMessage{MessageType: ReliableMessageType(msgTypeNum)}

	switch parsed.MessageType {
	case ReliableMessageType_Connect:
		connect := &Connect{}
		if connect.Name, err = r.String("Connect::Name"); err != nil {
			return nil, err
		}
		if connect.Version, err = r.String("Connect::Version"); err != nil {
			return nil, err
		}
		parsed.Connect = connect
	case ReliableMessageType_BeginCatchUp, ReliableMessageType_CatchUpAck, ReliableMessageType_WorldAck:
		// no payload
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "Client::ReliableMessageType",
			IntValue: msgTypeNum,
		}
	}

	if err := r.Finish(); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (s ClientMessageSerializer) SerializeUnreliable(msg *UnreliableMessage) ([]byte, error) {
	out := message.AppendHeader([]byte{}, s.magic(), uint8(msg.MessageType))

	switch msg.MessageType {
	case UnreliableMessageType_Connection:
		if msg.Connection == nil {
			return nil, &errors.MissingFieldError{
				MessageName: "Client::UnreliableMessage",
				FieldName:   "Connection",
			}
		}
		out = wire.AppendUint64(out, uint64(msg.Connection.AuthentID))
	case UnreliableMessageType_Input:
		if msg.Input == nil {
			return nil, &errors.MissingFieldError{
				MessageName: "Client::UnreliableMessage",
				FieldName:   "Input",
			}
		}
		out = message.AppendFrame(out, msg.Input.AckFrame)
		out = message.AppendClientFrameInputs(out, msg.Input.Inputs)
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "Client::UnreliableMessageType",
			IntValue: uint8(msg.MessageType),
		}
	}

	return out, nil
}

func (s ClientMessageSerializer) ParseUnreliable(msg []byte) (*UnreliableMessage, error) {
	r := wire.NewReader(msg, "Client::UnreliableMessage")
	msgTypeNum, err := message.ReadHeader(r, s.magic())
	if err != nil {
		return nil, err
	}

	parsed := &UnreliableMessage{MessageType: UnreliableMessageType(msgTypeNum)}

	switch parsed.MessageType {
	case UnreliableMessageType_Connection:
		id, err := r.Uint64("Connection::AuthentID")
		if err != nil {
			return nil, err
		}
		parsed.Connection = &Connection{AuthentID: message.AuthentID(id)}
	case UnreliableMessageType_Input:
		input := &Input{}
		if input.AckFrame, err = message.ReadFrame(r, "Input::AckFrame"); err != nil {
			return nil, err
		}
		if input.Inputs, err = message.ReadClientFrameInputs(r, "Input::Inputs"); err != nil {
			return nil, err
		}
		parsed.Input = input
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "Client::UnreliableMessageType",
			IntValue: msgTypeNum,
		}
	}

	if err := r.Finish(); err != nil {
		return nil, err
	}
	return parsed, nil
}
