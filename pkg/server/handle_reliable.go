package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sessamekesh/spanreed-lockstep/internal/authent"
	clientmsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/client"
	servermsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/server"
	"github.com/sessamekesh/spanreed-lockstep/pkg/transport"
)

type UnexpectedMessageError struct {
	MessageType clientmsg.ReliableMessageType
	State       string
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("Unexpected %s message from client in state %s", e.MessageType, e.State)
}

func (s *Server) handleReliable(conn transport.ConnID, payload []byte, now time.Time) error {
	if !s.authent.HasConn(conn) {
		return &authent.MissingConnectionError{Conn: conn}
	}

	msg, err := s.clientSerializer.ParseReliable(payload)
	if err != nil {
		failures := s.authent.DecodeError(conn)
		s.log.Warn("Malformed reliable message",
			zap.Uint32("conn", uint32(conn)),
			zap.Int("consecutiveFailures", failures),
			zap.Error(err))
		if failures >= s.conf.MaxDecodeErrors {
			s.dropConnection(conn, "too many malformed messages")
		}
		return nil
	}
	s.authent.DecodeOK(conn)

	if msg.MessageType == clientmsg.ReliableMessageType_Connect {
		return s.handleConnect(conn, msg.Connect, now)
	}

	c, has := s.authent.ByConn(conn)
	if !has {
		return &UnexpectedMessageError{MessageType: msg.MessageType, State: "Connecting"}
	}

	switch msg.MessageType {
	case clientmsg.ReliableMessageType_WorldAck:
		return s.handleWorldAck(c)
	case clientmsg.ReliableMessageType_BeginCatchUp, clientmsg.ReliableMessageType_CatchUpAck:
		if c.State != authent.GameState_CatchingUp || !s.catchup.Ack(c.ID) {
			return &UnexpectedMessageError{MessageType: msg.MessageType, State: c.State.String()}
		}
	}
	return nil
}

func (s *Server) handleConnect(conn transport.ConnID, connect *clientmsg.Connect, now time.Time) error {
	outcome, err := s.authent.Authenticate(conn, connect.Name, connect.Version, now)
	if err != nil {
		return err
	}

	if outcome.Refused != "" {
		s.log.Info("Refusing client",
			zap.Uint32("conn", uint32(conn)),
			zap.String("name", connect.Name),
			zap.String("version", connect.Version),
			zap.String("reason", outcome.Refused))
		s.sendReliable(conn, &servermsg.ReliableMessage{
			MessageType:     servermsg.ReliableMessageType_AuthentResponse,
			AuthentResponse: &servermsg.AuthentResponse{Reason: outcome.Refused},
		})
		s.dropConnection(conn, outcome.Refused)
		return nil
	}

	c := outcome.Client
	delete(s.limiters, c.UnreliableAddr)
	s.joiners[c.ID] = &joiner{needsSnapshot: true}

	s.log.Info("Client authenticated",
		zap.String("name", c.Name),
		zap.Uint64("userId", uint64(c.ID)),
		zap.String("unreliableAddr", c.UnreliableAddr))
	s.sendReliable(conn, &servermsg.ReliableMessage{
		MessageType: servermsg.ReliableMessageType_AuthentResponse,
		AuthentResponse: &servermsg.AuthentResponse{
			Accepted: true,
			ID:       c.ID,
			Period:   s.conf.Period,
		},
	})
	return nil
}

func (s *Server) handleWorldAck(c *authent.Client) error {
	j, has := s.joiners[c.ID]
	if c.State != authent.GameState_Downloading || !has || j.sender == nil {
		return &UnexpectedMessageError{MessageType: clientmsg.ReliableMessageType_WorldAck, State: c.State.String()}
	}

	j.sender.Ack()
	if !j.sender.Done() {
		return &UnexpectedMessageError{MessageType: clientmsg.ReliableMessageType_WorldAck, State: "Sending"}
	}

	delete(s.joiners, c.ID)
	c.State = authent.GameState_CatchingUp
	s.log.Debug("World delivered, catching up", zap.Uint64("userId", uint64(c.ID)))
	return nil
}
