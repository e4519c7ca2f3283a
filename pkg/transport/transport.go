// Package transport moves packets for the lockstep server and client over a
// reliable ordered channel and an unreliable datagram channel.
//
// I/O runs on goroutines owned by each transport. The protocol side drains
// received events without blocking through TryRecv, once per poll.
package transport

import (
	goerrs "errors"
	"fmt"
)

// ConnID names one reliable connection on the server.
type ConnID uint32

type EventType uint8

const (
	EventType_Connected EventType = iota
	EventType_Disconnected
	EventType_Reliable
	EventType_Unreliable

	// EventType_Failed is fatal: the transport is no longer usable.
	EventType_Failed
)

func (t EventType) String() string {
	switch t {
	case EventType_Connected:
		return "Connected"
	case EventType_Disconnected:
		return "Disconnected"
	case EventType_Reliable:
		return "Reliable"
	case EventType_Unreliable:
		return "Unreliable"
	case EventType_Failed:
		return "Failed"
	}
	return "Unknown"
}

// Event is one thing that happened on the network. Conn is set for reliable
// traffic and connection changes on the server side. Addr identifies the
// sender of an unreliable packet.
type Event struct {
	Type    EventType
	Conn    ConnID
	Addr    string
	Payload []byte
	Err     error
}

type ServerTransport interface {
	TryRecv() (Event, bool)
	SendReliable(conn ConnID, payload []byte) error
	SendUnreliable(addr string, payload []byte) error
	Disconnect(conn ConnID) error
	Close() error
}

type ClientTransport interface {
	TryRecv() (Event, bool)
	SendReliable(payload []byte) error
	SendUnreliable(payload []byte) error
	Close() error
}

var ErrClosed = goerrs.New("transport closed")

type UnknownConnectionError struct {
	Conn ConnID
}

func (e *UnknownConnectionError) Error() string {
	return fmt.Sprintf("No connection with id=%d", e.Conn)
}

type UnknownAddressError struct {
	Addr string
}

func (e *UnknownAddressError) Error() string {
	return fmt.Sprintf("No unreliable peer at %s", e.Addr)
}

type QueueFullError struct {
	Queue string
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("Queue %s is full, dropping packet", e.Queue)
}
