package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/sessamekesh/spanreed-lockstep/internal/authent"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	servermsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/server"
)

// expected lists the participants of frame, ascending.
func (s *Server) expected(frame message.Frame) []message.UserID {
	var ids []message.UserID
	if s.conf.Virtual != nil {
		ids = append(ids, message.VirtualUserID)
	}
	for _, c := range s.authent.Playing() {
		if c.ExpectFrom <= frame {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func (s *Server) allReported(expected []message.UserID) bool {
	for _, id := range expected {
		if id == message.VirtualUserID && s.conf.Virtual != nil {
			continue
		}
		if !s.buffer.Reported(id) {
			return false
		}
	}
	return true
}

// mergeDueFrames merges every frame whose time has come, then sends each
// playing client what it has not acknowledged yet.
func (s *Server) mergeDueFrames(now time.Time) []message.FrameServerInputs {
	if !s.conf.AlwaysRun && len(s.authent.Playing()) == 0 {
		if s.running {
			s.log.Info("No players left, pausing", zap.Uint32("consumed", uint32(s.buffer.Consumed())))
		}
		s.running = false
		return nil
	}
	if !s.running {
		s.running = true
		s.due = now.Add(s.conf.Period)
		s.log.Info("Running", zap.Uint32("consumed", uint32(s.buffer.Consumed())))
	}

	var frames []message.FrameServerInputs
	for len(frames) < s.conf.MaxMergesPerPoll && !now.Before(s.due) {
		next := s.buffer.Consumed().Next()
		expected := s.expected(next)
		if !s.allReported(expected) && now.Sub(s.due) < s.conf.MergeGrace {
			break
		}
		frames = append(frames, s.merge(next, expected))
		s.due = s.due.Add(s.conf.Period)
	}

	if len(frames) == s.conf.MaxMergesPerPoll {
		if behind := now.Sub(s.due); behind > s.conf.Period*time.Duration(s.conf.MaxMergesPerPoll) {
			s.log.Warn("Server is falling behind, skipping ahead", zap.Duration("behind", behind))
			s.due = now
		}
	}

	if len(frames) > 0 {
		for _, c := range s.authent.Playing() {
			s.sendFrames(c)
		}
	}
	return frames
}

func (s *Server) merge(frame message.Frame, expected []message.UserID) message.FrameServerInputs {
	if s.conf.Virtual != nil {
		s.buffer.Insert(message.VirtualUserID, frame, s.localInput)
		s.localInput = nil
	}

	merged, missing := s.buffer.Consume(expected)

	missed := make(map[message.UserID]struct{}, len(missing))
	for _, id := range missing {
		missed[id] = struct{}{}
	}
	for _, id := range expected {
		c, has := s.authent.ByUser(id)
		if !has {
			continue
		}
		if _, miss := missed[id]; !miss {
			c.Misses = 0
			continue
		}
		c.Misses++
		if s.conf.MaxConsecutiveMisses > 0 && c.Misses >= s.conf.MaxConsecutiveMisses {
			s.log.Warn("Client stopped sending input",
				zap.Uint64("userId", uint64(c.ID)),
				zap.Int("misses", c.Misses))
			s.dropConnection(c.Conn, "too many missed frames")
		}
	}

	return message.DecodeMerged(merged, message.VirtualUserID)
}

// sendFrames sends c the merged frames after its last ack.
func (s *Server) sendFrames(c *authent.Client) {
	frames := s.buffer.Since(c.Ack, s.conf.MaxFramesPerPacket)
	if len(frames) == 0 {
		return
	}
	frames = s.fitPacket(frames)
	s.sendUnreliable(c.UnreliableAddr, &servermsg.UnreliableMessage{
		MessageType: servermsg.UnreliableMessageType_Input,
		Input:       &servermsg.Input{Frames: frames},
	})
}

// header (5) + frame count (4)
const inputPacketOverhead = 5 + message.FrameInputsListHeaderSize

// fitPacket keeps the leading frames that fit in one input packet. The first
// frame always goes out, even alone over the limit, so a client is never
// starved; the transport is left to refuse it.
func (s *Server) fitPacket(frames []message.FrameInputs) []message.FrameInputs {
	size := inputPacketOverhead
	for i, f := range frames {
		size += message.FrameInputsSize(f)
		if size <= s.conf.MaxPacketSize {
			continue
		}
		if i == 0 {
			s.log.Warn("Merged frame is larger than one packet",
				zap.Uint32("frame", uint32(f.Frame)),
				zap.Int("size", size),
				zap.Int("limit", s.conf.MaxPacketSize))
			return frames[:1]
		}
		return frames[:i]
	}
	return frames
}
