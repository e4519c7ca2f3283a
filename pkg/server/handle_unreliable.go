package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sessamekesh/spanreed-lockstep/internal/authent"
	"github.com/sessamekesh/spanreed-lockstep/internal/playout"
	clientmsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/client"
	servermsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/server"
)

// readyForAuthCopies is how many ReadyForAuth datagrams answer one
// Connection.
const readyForAuthCopies = 3

// maxLimiters bounds the per-address limiter map. Hitting it clears the map.
const maxLimiters = 4096

func (s *Server) allowUnbound(addr string, now time.Time) bool {
	l, has := s.limiters[addr]
	if !has {
		if len(s.limiters) >= maxLimiters {
			s.log.Warn("Too many unauthenticated sources, resetting rate limiters", zap.Int("sources", len(s.limiters)))
			clear(s.limiters)
		}
		l = rate.NewLimiter(s.conf.UnauthenticatedRate, s.conf.UnauthenticatedBurst)
		s.limiters[addr] = l
	}
	return l.AllowN(now, 1)
}

func (s *Server) handleUnreliable(addr string, payload []byte, now time.Time) error {
	c, authenticated := s.authent.ByAddr(addr)
	if !authenticated && !s.allowUnbound(addr, now) {
		return fmt.Errorf("rate limit exceeded for unauthenticated source")
	}

	msg, err := s.clientSerializer.ParseUnreliable(payload)
	if err != nil {
		return err
	}

	switch msg.MessageType {
	case clientmsg.UnreliableMessageType_Connection:
		if authenticated {
			return nil
		}
		if !s.authent.UnreliableConnect(addr, msg.Connection.AuthentID) {
			return fmt.Errorf("connection token %d matches no pending session", msg.Connection.AuthentID)
		}
		for i := 0; i < readyForAuthCopies; i++ {
			s.sendUnreliable(addr, &servermsg.UnreliableMessage{MessageType: servermsg.UnreliableMessageType_ReadyForAuth})
		}
	case clientmsg.UnreliableMessageType_Input:
		if !authenticated {
			return fmt.Errorf("input from unauthenticated source")
		}
		if c.State != authent.GameState_Playing {
			return nil
		}
		s.handleInput(c, msg.Input)
	}
	return nil
}

// handleInput files a client's input batch. Input the client produced after
// consuming frame N is merged into frame N+1+InputLag.
func (s *Server) handleInput(c *authent.Client, in *clientmsg.Input) {
	consumed := s.buffer.Consumed()
	ack := min(in.AckFrame, consumed)
	if ack > c.Ack {
		c.Ack = ack
	}

	inserted := false
	for _, fi := range in.Inputs {
		target := fi.Frame.Add(1 + s.conf.InputLag)
		if target < c.ExpectFrom {
			continue
		}

		switch res := s.buffer.Insert(c.ID, target, fi.Input); res {
		case playout.InsertResult_Inserted:
			inserted = true
		case playout.InsertResult_Late:
			s.log.Info("Late input dropped",
				zap.Uint64("userId", uint64(c.ID)),
				zap.Uint32("frame", uint32(target)),
				zap.Uint32("consumed", uint32(consumed)))
		case playout.InsertResult_TooFarAhead, playout.InsertResult_TooOld:
			s.log.Warn("Input outside of buffered window dropped",
				zap.Uint64("userId", uint64(c.ID)),
				zap.Uint32("frame", uint32(target)),
				zap.Uint32("consumed", uint32(consumed)),
				zap.Stringer("result", res))
		}
	}

	// A batch with nothing new usually means the client is stalled on
	// frames it never received.
	if !inserted && c.Ack < consumed {
		s.sendFrames(c)
	}
}
