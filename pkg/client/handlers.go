package client

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sessamekesh/spanreed-lockstep/internal/playout"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	clientmsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/client"
	servermsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/server"
	"github.com/sessamekesh/spanreed-lockstep/pkg/snapshot"
	"github.com/sessamekesh/spanreed-lockstep/pkg/transport"
	"github.com/sessamekesh/spanreed-lockstep/pkg/worldsend"
)

func (c *Client) handleEvent(ev transport.Event, now time.Time) {
	switch ev.Type {
	case transport.EventType_Connected:
		c.log.Debug("Transport connected")
	case transport.EventType_Disconnected:
		c.fail(ErrServerClosed)
	case transport.EventType_Failed:
		c.fail(fmt.Errorf("transport failed: %w", ev.Err))
	case transport.EventType_Reliable:
		msg, err := c.serverSerializer.ParseReliable(ev.Payload)
		if err != nil {
			c.log.Warn("Malformed reliable message", zap.Error(err))
			return
		}
		c.handleReliable(msg, now)
	case transport.EventType_Unreliable:
		msg, err := c.serverSerializer.ParseUnreliable(ev.Payload)
		if err != nil {
			c.log.Debug("Malformed unreliable message", zap.Error(err))
			return
		}
		c.handleUnreliable(msg, now)
	}
}

func (c *Client) handleReliable(msg *servermsg.ReliableMessage, now time.Time) {
	switch msg.MessageType {
	case servermsg.ReliableMessageType_Challenge:
		if c.state != ClientState_Connecting || c.authentID != 0 {
			c.log.Warn("Unexpected challenge", zap.Stringer("state", c.state))
			return
		}
		c.authentID = msg.Challenge.AuthentID
		c.sendConnection(now)

	case servermsg.ReliableMessageType_AuthentResponse:
		if c.state != ClientState_Connecting {
			c.log.Warn("Unexpected authentication response", zap.Stringer("state", c.state))
			return
		}
		resp := msg.AuthentResponse
		if !resp.Accepted {
			c.refuse(resp.Reason)
			return
		}
		c.userID = resp.ID
		c.period = resp.Period
		c.state = ClientState_Downloading
		c.receiver = &worldsend.Receiver{}
		c.log.Info("Authenticated", zap.Uint64("userId", uint64(c.userID)), zap.Duration("period", c.period))

	case servermsg.ReliableMessageType_WorldSend:
		c.handleWorldFragment(msg.WorldSend)

	case servermsg.ReliableMessageType_CatchUp:
		if c.state != ClientState_CatchingUp {
			c.log.Warn("Unexpected catch-up batch", zap.Stringer("state", c.state))
			return
		}
		c.catchUp = append(c.catchUp, catchUpBatch{frames: msg.CatchUp.Inputs})

	case servermsg.ReliableMessageType_ReadyToPlay:
		if c.state != ClientState_CatchingUp {
			c.log.Warn("Unexpected ReadyToPlay", zap.Stringer("state", c.state))
			return
		}
		c.catchUp = append(c.catchUp, catchUpBatch{
			frames: msg.ReadyToPlay.FinalInputs,
			final:  true,
			ready:  msg.ReadyToPlay.FinalConsumedFrame,
		})
	}
}

func (c *Client) handleWorldFragment(fragment *message.WorldDataFragment) {
	switch c.state {
	case ClientState_Downloading:
	case ClientState_CatchingUp:
		// History moved past us before we caught up: the server starts over
		// with a fresh world.
		c.log.Info("Server restarted world transfer")
		c.state = ClientState_Downloading
		c.receiver = &worldsend.Receiver{}
		c.catchUp = nil
	default:
		c.log.Warn("Unexpected world fragment", zap.Stringer("state", c.state))
		return
	}

	if err := c.receiver.Handle(fragment); err != nil {
		c.fail(err)
		return
	}
	if !c.receiver.Done() {
		return
	}

	envelope, frame := c.receiver.Result()
	world, err := snapshot.Decode(envelope)
	if err != nil {
		c.fail(err)
		return
	}

	c.sendReliable(&clientmsg.ReliableMessage{MessageType: clientmsg.ReliableMessageType_WorldAck})
	c.sendReliable(&clientmsg.ReliableMessage{MessageType: clientmsg.ReliableMessageType_BeginCatchUp})
	c.state = ClientState_CatchingUp
	c.receiver = nil
	c.worldReady = &PollResult{Kind: PollResultKind_World, World: world, WorldFrame: frame}
	c.log.Info("World received", zap.Uint32("frame", uint32(frame)), zap.Int("bytes", len(world)))
}

func (c *Client) handleUnreliable(msg *servermsg.UnreliableMessage, now time.Time) {
	switch msg.MessageType {
	case servermsg.UnreliableMessageType_ReadyForAuth:
		if c.state != ClientState_Connecting || c.connectSent || c.authentID == 0 {
			return
		}
		c.connectSent = true
		c.sendReliable(&clientmsg.ReliableMessage{
			MessageType: clientmsg.ReliableMessageType_Connect,
			Connect: &clientmsg.Connect{
				Name:    c.conf.Name,
				Version: c.conf.Version,
			},
		})

	case servermsg.UnreliableMessageType_Input:
		if c.state != ClientState_Playing {
			return
		}
		for _, f := range msg.Input.Frames {
			if res := c.buffer.Insert(f.Frame, f.Inputs); res == playout.InsertResult_TooFarAhead {
				c.log.Warn("Frame too far ahead of playback dropped",
					zap.Uint32("frame", uint32(f.Frame)),
					zap.Uint32("consumed", uint32(c.buffer.Consumed())))
			}
		}
	}
}
