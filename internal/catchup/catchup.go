// Package catchup brings a client that has a world snapshot from frame F0 up
// to the server's current frame by streaming the merged inputs in between.
package catchup

import (
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
)

type Decision uint8

const (
	// Decision_Replay: history still covers everything after the snapshot.
	Decision_Replay Decision = iota

	// Decision_FreshSnapshot: the snapshot is older than history retention.
	Decision_FreshSnapshot
)

func (d Decision) String() string {
	if d == Decision_Replay {
		return "Replay"
	}
	return "FreshSnapshot"
}

// Plan decides whether a snapshot taken at snapshot can be brought to
// current by replay.
func Plan(snapshot, current message.Frame, retention int) Decision {
	if current < snapshot {
		return Decision_FreshSnapshot
	}
	if uint64(current-snapshot) < uint64(retention) {
		return Decision_Replay
	}
	return Decision_FreshSnapshot
}

// History is the server's merged-frame window.
type History interface {
	Consumed() message.Frame
	Retains(after message.Frame) bool
	Range(from, to message.Frame) ([]message.FrameInputs, bool)
}

type ActionType uint8

const (
	ActionType_None ActionType = iota
	ActionType_CatchUp
	ActionType_ReadyToPlay

	// ActionType_Restart: history moved past the client. Take a new snapshot
	// and start over.
	ActionType_Restart
)

func (t ActionType) String() string {
	switch t {
	case ActionType_None:
		return "None"
	case ActionType_CatchUp:
		return "CatchUp"
	case ActionType_ReadyToPlay:
		return "ReadyToPlay"
	case ActionType_Restart:
		return "Restart"
	}
	return "Unknown"
}

type Action struct {
	Type   ActionType
	Inputs []message.FrameInputs

	// FinalFrame is set on ReadyToPlay: the client is in sync once it has
	// applied Inputs.
	FinalFrame message.Frame
}

type progress struct {
	sent        message.Frame
	awaitingAck bool
}

// Engine tracks catch-up for every joining client. Not safe for concurrent
// use; the server poll loop owns it.
type Engine struct {
	batch   int
	clients map[message.UserID]*progress
}

func CreateEngine(batch int) *Engine {
	if batch <= 0 {
		batch = 32
	}
	return &Engine{
		batch:   batch,
		clients: make(map[message.UserID]*progress),
	}
}

// Begin starts tracking user from a snapshot taken at snapshotFrame. Nothing
// is sent until the first Ack (the client's BeginCatchUp).
func (e *Engine) Begin(user message.UserID, snapshotFrame message.Frame) {
	e.clients[user] = &progress{
		sent:        snapshotFrame,
		awaitingAck: true,
	}
}

func (e *Engine) Ack(user message.UserID) bool {
	p, has := e.clients[user]
	if !has {
		return false
	}
	p.awaitingAck = false
	return true
}

func (e *Engine) Remove(user message.UserID) {
	delete(e.clients, user)
}

// Next says what to send user now. ReadyToPlay and Restart end tracking.
func (e *Engine) Next(user message.UserID, history History) Action {
	p, has := e.clients[user]
	if !has || p.awaitingAck {
		return Action{Type: ActionType_None}
	}

	if !history.Retains(p.sent) {
		delete(e.clients, user)
		return Action{Type: ActionType_Restart}
	}

	current := history.Consumed()
	remaining := int(current - p.sent)
	if remaining <= e.batch {
		inputs, ok := history.Range(p.sent.Next(), current)
		if !ok {
			delete(e.clients, user)
			return Action{Type: ActionType_Restart}
		}
		delete(e.clients, user)
		return Action{
			Type:       ActionType_ReadyToPlay,
			Inputs:     inputs,
			FinalFrame: current,
		}
	}

	to := p.sent.Add(uint32(e.batch))
	inputs, ok := history.Range(p.sent.Next(), to)
	if !ok {
		delete(e.clients, user)
		return Action{Type: ActionType_Restart}
	}
	p.sent = to
	p.awaitingAck = true
	return Action{Type: ActionType_CatchUp, Inputs: inputs}
}
