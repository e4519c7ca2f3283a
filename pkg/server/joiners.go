package server

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sessamekesh/spanreed-lockstep/internal/authent"
	"github.com/sessamekesh/spanreed-lockstep/internal/catchup"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	servermsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/server"
	"github.com/sessamekesh/spanreed-lockstep/pkg/snapshot"
	"github.com/sessamekesh/spanreed-lockstep/pkg/worldsend"
)

// encodedWorld is a snapshot taken during the current poll, shared by every
// joiner that needs one.
type encodedWorld struct {
	envelope []byte
	frame    message.Frame
}

// serveJoiners moves world transfers and catch-ups forward by one step. A
// world that cannot be snapshotted costs the joiners waiting on it their
// connection, never the session.
func (s *Server) serveJoiners(world World, worldFrame message.Frame) {
	var snap *encodedWorld
	var snapErr error
	tried := false

	for _, c := range s.authent.Clients() {
		switch c.State {
		case authent.GameState_Downloading:
			j, has := s.joiners[c.ID]
			if !has {
				continue
			}
			if j.needsSnapshot {
				if world == nil {
					continue
				}
				if !tried {
					tried = true
					if snap, snapErr = s.takeSnapshot(world, worldFrame); snapErr != nil {
						s.log.Error("Failed to snapshot world for joining clients", zap.Error(snapErr))
					}
				}
				if snapErr != nil {
					s.dropConnection(c.Conn, "world snapshot failed")
					continue
				}
				if snap == nil {
					continue
				}
				j.needsSnapshot = false
				j.sender = worldsend.NewSender(snap.envelope, snap.frame, s.conf.MaxFragmentSize)
				s.catchup.Begin(c.ID, snap.frame)
				s.log.Info("Sending world",
					zap.Uint64("userId", uint64(c.ID)),
					zap.Uint32("frame", uint32(snap.frame)),
					zap.Int("bytes", len(snap.envelope)))
			}
			if fragment, ok := j.sender.Next(); ok {
				s.sendReliable(c.Conn, &servermsg.ReliableMessage{
					MessageType: servermsg.ReliableMessageType_WorldSend,
					WorldSend:   fragment,
				})
			}

		case authent.GameState_CatchingUp:
			s.stepCatchUp(c)
		}
	}
}

// takeSnapshot encodes the host world. It returns nil without error when the
// world is too far from the merged history to be replayed forward; the
// joiner then waits for a later poll.
func (s *Server) takeSnapshot(world World, worldFrame message.Frame) (*encodedWorld, error) {
	consumed := s.buffer.Consumed()
	if catchup.Plan(worldFrame, consumed, s.buffer.Capacity()) != catchup.Decision_Replay {
		s.log.Warn("Host world cannot be replayed to the merged frame, delaying snapshot",
			zap.Uint32("worldFrame", uint32(worldFrame)),
			zap.Uint32("consumed", uint32(consumed)))
		return nil, nil
	}

	data, err := world.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshotting world at frame %d: %w", worldFrame, err)
	}
	envelope, err := snapshot.Encode(data, s.conf.Compression)
	if err != nil {
		return nil, fmt.Errorf("encoding world at frame %d: %w", worldFrame, err)
	}
	return &encodedWorld{envelope: envelope, frame: worldFrame}, nil
}

func (s *Server) stepCatchUp(c *authent.Client) {
	action := s.catchup.Next(c.ID, s.buffer)
	switch action.Type {
	case catchup.ActionType_CatchUp:
		s.sendReliable(c.Conn, &servermsg.ReliableMessage{
			MessageType: servermsg.ReliableMessageType_CatchUp,
			CatchUp:     &servermsg.CatchUp{Inputs: action.Inputs},
		})

	case catchup.ActionType_ReadyToPlay:
		s.sendReliable(c.Conn, &servermsg.ReliableMessage{
			MessageType: servermsg.ReliableMessageType_ReadyToPlay,
			ReadyToPlay: &servermsg.ReadyToPlay{
				FinalConsumedFrame: action.FinalFrame,
				FinalInputs:        action.Inputs,
			},
		})
		c.State = authent.GameState_Playing
		c.Ack = action.FinalFrame
		c.ExpectFrom = action.FinalFrame.Add(2 + s.conf.InputLag)
		c.Misses = 0
		s.log.Info("Client is playing",
			zap.String("name", c.Name),
			zap.Uint64("userId", uint64(c.ID)),
			zap.Uint32("readyFrame", uint32(action.FinalFrame)),
			zap.Uint32("firstInputFrame", uint32(c.ExpectFrom)))

	case catchup.ActionType_Restart:
		s.log.Warn("Client fell out of history during catch-up, resending world",
			zap.Uint64("userId", uint64(c.ID)))
		c.State = authent.GameState_Downloading
		s.joiners[c.ID] = &joiner{needsSnapshot: true}
	}
}
