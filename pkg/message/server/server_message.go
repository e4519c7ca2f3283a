package server

import (
	"time"

	"github.com/sessamekesh/spanreed-lockstep/pkg/errors"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message/wire"
)

//
// Reliable channel (server -> client)

type ReliableMessageType uint8

const (
	ReliableMessageType_Challenge ReliableMessageType = iota
	ReliableMessageType_ReadyToPlay
	ReliableMessageType_AuthentResponse
	ReliableMessageType_CatchUp
	ReliableMessageType_WorldSend

	ReliableMessageType_NONE
)

func (t ReliableMessageType) String() string {
	switch t {
	case ReliableMessageType_Challenge:
		return "Challenge"
	case ReliableMessageType_ReadyToPlay:
		return "ReadyToPlay"
	case ReliableMessageType_AuthentResponse:
		return "AuthentResponse"
	case ReliableMessageType_CatchUp:
		return "CatchUp"
	case ReliableMessageType_WorldSend:
		return "WorldSend"
	}
	return "NONE"
}

type Challenge struct {
	AuthentID message.AuthentID
}

// ReadyToPlay ends catch-up: the client applies FinalInputs and is then
// synchronized at FinalConsumedFrame.
type ReadyToPlay struct {
	FinalConsumedFrame message.Frame
	FinalInputs        []message.FrameInputs
}

// AuthentResponse is either Accepted (ID and Period set) or Refused
// (Reason set).
type AuthentResponse struct {
	Accepted bool
	ID       message.UserID
	Period   time.Duration
	Reason   string
}

type CatchUp struct {
	Inputs []message.FrameInputs
}

type ReliableMessage struct {
	MessageType     ReliableMessageType
	Challenge       *Challenge
	ReadyToPlay     *ReadyToPlay
	AuthentResponse *AuthentResponse
	CatchUp         *CatchUp
	WorldSend       *message.WorldDataFragment
}

//
// Unreliable channel (server -> client)

type UnreliableMessageType uint8

const (
	UnreliableMessageType_Input UnreliableMessageType = iota
	UnreliableMessageType_ReadyForAuth

	UnreliableMessageType_NONE
)

func (t UnreliableMessageType) String() string {
	switch t {
	case UnreliableMessageType_Input:
		return "Input"
	case UnreliableMessageType_ReadyForAuth:
		return "ReadyForAuth"
	}
	return "NONE"
}

type Input struct {
	Frames []message.FrameInputs
}

type UnreliableMessage struct {
	MessageType UnreliableMessageType
	Input       *Input
}

type ServerMessageSerializer struct {
	MagicNumber uint32
}

func (s ServerMessageSerializer) magic() uint32 {
	if s.MagicNumber == 0 {
		return message.DefaultMagicNumber
	}
	return s.MagicNumber
}

func missing(messageName, field string) error {
	return &errors.MissingFieldError{
		MessageName: messageName,
		FieldName:   field,
	}
}

func (s ServerMessageSerializer) SerializeReliable(msg *ReliableMessage) ([]byte, error) {
	out := message.AppendHeader([]byte{}, s.magic(), uint8(msg.MessageType))

	switch msg.MessageType {
	case ReliableMessageType_Challenge:
		if msg.Challenge == nil {
			return nil, missing("Server::ReliableMessage", "Challenge")
		}
		out = wire.AppendUint64(out, uint64(msg.Challenge.AuthentID))
	case ReliableMessageType_ReadyToPlay:
		if msg.ReadyToPlay == nil {
			return nil, missing("Server::ReliableMessage", "ReadyToPlay")
		}
		out = message.AppendFrame(out, msg.ReadyToPlay.FinalConsumedFrame)
		out = message.AppendFrameInputsList(out, msg.ReadyToPlay.FinalInputs)
	case ReliableMessageType_AuthentResponse:
		if msg.AuthentResponse == nil {
			return nil, missing("Server::ReliableMessage", "AuthentResponse")
		}
		resp := msg.AuthentResponse
		out = wire.AppendBool(out, resp.Accepted)
		if resp.Accepted {
			out = wire.AppendUint64(out, uint64(resp.ID))
			out = wire.AppendUint64(out, uint64(resp.Period.Microseconds()))
		} else {
			// reasons are ours; cutting an oversize one short is harmless
			out = wire.AppendString(out, resp.Reason)
		}
	case ReliableMessageType_CatchUp:
		if msg.CatchUp == nil {
			return nil, missing("Server::ReliableMessage", "CatchUp")
		}
		out = message.AppendFrameInputsList(out, msg.CatchUp.Inputs)
	case ReliableMessageType_WorldSend:
		if msg.WorldSend == nil {
			return nil, missing("Server::ReliableMessage", "WorldSend")
		}
		out = message.AppendWorldDataFragment(out, msg.WorldSend)
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "Server::ReliableMessageType",
			IntValue: uint8(msg.MessageType),
		}
	}

	return out, nil
}

func (s ServerMessageSerializer) ParseReliable(msg []byte) (*ReliableMessage, error) {
	r := wire.NewReader(msg, "Server::ReliableMessage")
	msgTypeNum, err := message.ReadHeader(r, s.magic())
	if err != nil {
		return nil, err
	}

	parsed := &ReliableMessage{MessageType: ReliableMessageType(msgTypeNum)}

	switch parsed.MessageType {
	case ReliableMessageType_Challenge:
		id, err := r.Uint64("Challenge::AuthentID")
		if err != nil {
			return nil, err
		}
		parsed.Challenge = &Challenge{AuthentID: message.AuthentID(id)}
	case ReliableMessageType_ReadyToPlay:
		ready := &ReadyToPlay{}
		if ready.FinalConsumedFrame, err = message.ReadFrame(r, "ReadyToPlay::FinalConsumedFrame"); err != nil {
			return nil, err
		}
		if ready.FinalInputs, err = message.ReadFrameInputsList(r, "ReadyToPlay::FinalInputs"); err != nil {
			return nil, err
		}
		parsed.ReadyToPlay = ready
	case ReliableMessageType_AuthentResponse:
		resp := &AuthentResponse{}
		if resp.Accepted, err = r.Bool("AuthentResponse::Accepted"); err != nil {
			return nil, err
		}
		if resp.Accepted {
			id, err := r.Uint64("AuthentResponse::ID")
			if err != nil {
				return nil, err
			}
			periodMicros, err := r.Uint64("AuthentResponse::Period")
			if err != nil {
				return nil, err
			}
			resp.ID = message.UserID(id)
			resp.Period = time.Duration(periodMicros) * time.Microsecond
		} else {
			if resp.Reason, err = r.String("AuthentResponse::Reason"); err != nil {
				return nil, err
			}
		}
		parsed.AuthentResponse = resp
	case ReliableMessageType_CatchUp:
		inputs, err := message.ReadFrameInputsList(r, "CatchUp::Inputs")
		if err != nil {
			return nil, err
		}
		parsed.CatchUp = &CatchUp{Inputs: inputs}
	case ReliableMessageType_WorldSend:
		if parsed.WorldSend, err = message.ReadWorldDataFragment(r, "WorldSend"); err != nil {
			return nil, err
		}
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "Server::ReliableMessageType",
			IntValue: msgTypeNum,
		}
	}

	if err := r.Finish(); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (s ServerMessageSerializer) SerializeUnreliable(msg *UnreliableMessage) ([]byte, error) {
	out := message.AppendHeader([]byte{}, s.magic(), uint8(msg.MessageType))

	switch msg.MessageType {
	case UnreliableMessageType_Input:
		if msg.Input == nil {
			return nil, missing("Server::UnreliableMessage", "Input")
		}
		out = message.AppendFrameInputsList(out, msg.Input.Frames)
	case UnreliableMessageType_ReadyForAuth:
		// no payload
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "Server::UnreliableMessageType",
			IntValue: uint8(msg.MessageType),
		}
	}

	return out, nil
}

func (s ServerMessageSerializer) ParseUnreliable(msg []byte) (*UnreliableMessage, error) {
	r := wire.NewReader(msg, "Server::UnreliableMessage")
	msgTypeNum, err := message.ReadHeader(r, s.magic())
	if err != nil {
		return nil, err
	}

	parsed := &UnreliableMessage{MessageType: UnreliableMessageType(msgTypeNum)}

	switch parsed.MessageType {
	case UnreliableMessageType_Input:
		frames, err := message.ReadFrameInputsList(r, "Input::Frames")
		if err != nil {
			return nil, err
		}
		parsed.Input = &Input{Frames: frames}
	case UnreliableMessageType_ReadyForAuth:
		// no payload
	default:
		return nil, &errors.InvalidEnumValue{
			EnumName: "Server::UnreliableMessageType",
			IntValue: msgTypeNum,
		}
	}

	if err := r.Finish(); err != nil {
		return nil, err
	}
	return parsed, nil
}
