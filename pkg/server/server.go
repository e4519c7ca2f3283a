// Package server is the authoritative side of a lockstep session. It accepts
// connections, authenticates players, merges everybody's input once per
// frame and rebroadcasts it, and brings late joiners up to speed with a world
// snapshot followed by replayed history.
//
// Everything happens inside Poll, which the embedding application calls from
// its main loop. The transport does its I/O on its own goroutines.
package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sessamekesh/spanreed-lockstep/internal/authent"
	"github.com/sessamekesh/spanreed-lockstep/internal/catchup"
	"github.com/sessamekesh/spanreed-lockstep/internal/playout"
	"github.com/sessamekesh/spanreed-lockstep/pkg/clock"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	clientmsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/client"
	servermsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/server"
	"github.com/sessamekesh/spanreed-lockstep/pkg/ring"
	"github.com/sessamekesh/spanreed-lockstep/pkg/snapshot"
	"github.com/sessamekesh/spanreed-lockstep/pkg/transport"
	utils "github.com/sessamekesh/spanreed-lockstep/pkg/util"
	"github.com/sessamekesh/spanreed-lockstep/pkg/worldsend"
)

// World is the host's simulation as far as the server cares: something that
// can be serialized for a joining client.
type World interface {
	Snapshot() ([]byte, error)
}

// VirtualClient makes the host a player (UserID 0). It always reports.
type VirtualClient struct {
	Name string
}

type ServerConfiguration struct {
	StartFrame message.Frame
	Version    string
	Period     time.Duration
	MergeGrace time.Duration

	// Zero disables miss-based disconnects.
	MaxConsecutiveMisses int

	InputLag     uint32
	CatchUpBatch int
	MaxClients   int

	MaxDecodeErrors int

	// AuthTimeout drops connections that have not authenticated in time.
	AuthTimeout time.Duration

	// JoinTimeout drops authenticated clients that are still not playing
	// this long after authenticating. Restarted world transfers count
	// against the same deadline.
	JoinTimeout time.Duration

	AlwaysRun bool
	Virtual   *VirtualClient

	Compression snapshot.CompressionTag
	MagicNumber uint32

	HistoryCapacity    int
	MaxFragmentSize    int
	MaxFramesPerPacket int

	// MaxPacketSize bounds an input packet in bytes, on top of
	// MaxFramesPerPacket.
	MaxPacketSize int

	// MaxMergesPerPoll bounds how many overdue frames one Poll may merge.
	MaxMergesPerPoll int

	UnauthenticatedRate  rate.Limit
	UnauthenticatedBurst int

	IDs    utils.IDSource
	Clock  clock.Clock
	Logger *zap.Logger
}

type ServerPollResultKind uint8

const (
	ServerPollResultKind_Wait ServerPollResultKind = iota
	ServerPollResultKind_Inputs
	ServerPollResultKind_Error
)

func (k ServerPollResultKind) String() string {
	switch k {
	case ServerPollResultKind_Wait:
		return "Wait"
	case ServerPollResultKind_Inputs:
		return "Inputs"
	case ServerPollResultKind_Error:
		return "Error"
	}
	return "Unknown"
}

// ServerPollResult carries the frames merged during one Poll, in order, for
// the host to apply to its own world.
type ServerPollResult struct {
	Kind   ServerPollResultKind
	Frames []message.FrameServerInputs
	Err    error
}

type joiner struct {
	needsSnapshot bool
	sender        *worldsend.Sender
}

type Server struct {
	conf ServerConfiguration
	tr   transport.ServerTransport
	clk  clock.Clock

	clientSerializer clientmsg.ClientMessageSerializer
	serverSerializer servermsg.ServerMessageSerializer

	authent *authent.Table
	buffer  *playout.ServerBuffer
	catchup *catchup.Engine
	joiners map[message.UserID]*joiner

	limiters map[string]*rate.Limiter

	// due is when frame Consumed()+1 became (or becomes) due.
	due     time.Time
	running bool

	localInput message.PlayerInput

	failed error
	log    *zap.Logger
}

func Start(conf ServerConfiguration, tr transport.ServerTransport) *Server {
	log := conf.Logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}
	if conf.Clock == nil {
		conf.Clock = clock.Real()
	}
	if conf.Period <= 0 {
		conf.Period = 50 * time.Millisecond
	}
	if conf.MergeGrace < 0 {
		conf.MergeGrace = 0
	}
	if conf.CatchUpBatch <= 0 {
		conf.CatchUpBatch = 32
	}
	if conf.MaxClients <= 0 {
		conf.MaxClients = 32
	}
	if conf.HistoryCapacity <= 0 {
		conf.HistoryCapacity = ring.DefaultCapacity
	}
	if conf.MaxFragmentSize <= 0 {
		conf.MaxFragmentSize = worldsend.MaxFragmentSize
	}
	if conf.MaxFramesPerPacket <= 0 {
		conf.MaxFramesPerPacket = 32
	}
	if conf.MaxPacketSize <= 0 {
		conf.MaxPacketSize = transport.MaxUnreliablePayload
	}
	if conf.MaxDecodeErrors <= 0 {
		conf.MaxDecodeErrors = 8
	}
	if conf.MaxMergesPerPoll <= 0 {
		conf.MaxMergesPerPoll = 8
	}
	if conf.AuthTimeout <= 0 {
		conf.AuthTimeout = 10 * time.Second
	}
	if conf.JoinTimeout <= 0 {
		conf.JoinTimeout = 30 * time.Second
	}
	if conf.UnauthenticatedRate <= 0 {
		conf.UnauthenticatedRate = 20
	}
	if conf.UnauthenticatedBurst <= 0 {
		conf.UnauthenticatedBurst = 10
	}

	s := &Server{
		conf: conf,
		tr:   tr,
		clk:  conf.Clock,

		clientSerializer: clientmsg.ClientMessageSerializer{MagicNumber: conf.MagicNumber},
		serverSerializer: servermsg.ServerMessageSerializer{MagicNumber: conf.MagicNumber},

		authent: authent.CreateTable(authent.TableParams{
			Version:    conf.Version,
			MaxClients: conf.MaxClients,
			IDs:        conf.IDs,
		}),
		buffer:  playout.NewServerBuffer(conf.StartFrame, conf.HistoryCapacity),
		catchup: catchup.CreateEngine(conf.CatchUpBatch),
		joiners: make(map[message.UserID]*joiner),

		limiters: make(map[string]*rate.Limiter),

		log: log.With(zap.String("handler", "LockstepServer")),
	}

	if conf.Virtual != nil {
		s.authent.ReserveName(conf.Virtual.Name)
	}

	s.log.Info("Lockstep server started",
		zap.Uint32("startFrame", uint32(conf.StartFrame)),
		zap.Duration("period", conf.Period),
		zap.Duration("mergeGrace", conf.MergeGrace),
		zap.Uint32("inputLag", conf.InputLag),
		zap.Bool("virtualClient", conf.Virtual != nil))

	return s
}

// Poll drains the network, merges every frame that is due, and advances
// world transfers and catch-ups. world is the host's simulation at
// worldFrame; local is the virtual player's input and is ignored without
// one.
func (s *Server) Poll(world World, worldFrame message.Frame, local []byte) ServerPollResult {
	if s.failed != nil {
		return ServerPollResult{Kind: ServerPollResultKind_Error, Err: s.failed}
	}

	now := s.clk.Now()

	if s.conf.Virtual != nil && len(local) > 0 {
		s.localInput = append(message.PlayerInput(nil), local...)
	}

	for {
		ev, ok := s.tr.TryRecv()
		if !ok {
			break
		}
		s.handleEvent(ev, now)
		if s.failed != nil {
			return ServerPollResult{Kind: ServerPollResultKind_Error, Err: s.failed}
		}
	}

	s.expireSessions(now)

	frames := s.mergeDueFrames(now)

	s.serveJoiners(world, worldFrame)

	if len(frames) == 0 {
		return ServerPollResult{Kind: ServerPollResultKind_Wait}
	}
	return ServerPollResult{Kind: ServerPollResultKind_Inputs, Frames: frames}
}

// PlayerCount is the number of authenticated remote clients.
func (s *Server) PlayerCount() int {
	return s.authent.Len()
}

func (s *Server) ConsumedFrame() message.Frame {
	return s.buffer.Consumed()
}

// Disconnect kicks a client.
func (s *Server) Disconnect(user message.UserID) error {
	c, has := s.authent.ByUser(user)
	if !has {
		return fmt.Errorf("no client with id=%d", user)
	}
	s.dropConnection(c.Conn, "kicked by host")
	return nil
}

func (s *Server) Close() error {
	return s.tr.Close()
}

func (s *Server) handleEvent(ev transport.Event, now time.Time) {
	switch ev.Type {
	case transport.EventType_Connected:
		s.handleConnected(ev.Conn, now)
	case transport.EventType_Disconnected:
		s.forget(ev.Conn, "connection closed")
	case transport.EventType_Reliable:
		if err := s.handleReliable(ev.Conn, ev.Payload, now); err != nil {
			s.log.Debug("Reliable message ignored", zap.Uint32("conn", uint32(ev.Conn)), zap.Error(err))
		}
	case transport.EventType_Unreliable:
		if err := s.handleUnreliable(ev.Addr, ev.Payload, now); err != nil {
			s.log.Debug("Unreliable message ignored", zap.String("addr", ev.Addr), zap.Error(err))
		}
	case transport.EventType_Failed:
		s.log.Error("Transport failed", zap.Error(ev.Err))
		s.failed = fmt.Errorf("transport failed: %w", ev.Err)
	}
}

func (s *Server) handleConnected(conn transport.ConnID, now time.Time) {
	id, err := s.authent.ReliableConnected(conn, now)
	if err != nil {
		s.log.Warn("Rejecting connection", zap.Uint32("conn", uint32(conn)), zap.Error(err))
		s.tr.Disconnect(conn)
		return
	}

	s.log.Info("New connection", zap.Uint32("conn", uint32(conn)))
	s.sendReliable(conn, &servermsg.ReliableMessage{
		MessageType: servermsg.ReliableMessageType_Challenge,
		Challenge:   &servermsg.Challenge{AuthentID: id},
	})
}

func (s *Server) expireSessions(now time.Time) {
	for _, conn := range s.authent.ExpiredPending(now.Add(-s.conf.AuthTimeout)) {
		s.dropConnection(conn, "authentication timed out")
	}
	for _, conn := range s.authent.ExpiredJoiners(now.Add(-s.conf.JoinTimeout)) {
		s.dropConnection(conn, "did not finish joining in time")
	}
}

// dropConnection forgets conn and closes it on the transport.
func (s *Server) dropConnection(conn transport.ConnID, reason string) {
	s.forget(conn, reason)
	if err := s.tr.Disconnect(conn); err != nil {
		s.log.Debug("Transport disconnect failed", zap.Uint32("conn", uint32(conn)), zap.Error(err))
	}
}

// forget removes every trace of conn from protocol state. In-flight packets
// from it are dropped on arrival since nothing maps to it anymore.
func (s *Server) forget(conn transport.ConnID, reason string) {
	c, was := s.authent.Disconnect(conn)
	if !was {
		return
	}
	delete(s.joiners, c.ID)
	s.catchup.Remove(c.ID)
	s.log.Info("Client left",
		zap.String("name", c.Name),
		zap.Uint64("userId", uint64(c.ID)),
		zap.String("reason", reason))
}

func (s *Server) sendReliable(conn transport.ConnID, msg *servermsg.ReliableMessage) {
	raw, err := s.serverSerializer.SerializeReliable(msg)
	if err != nil {
		s.log.Error("Failed to serialize reliable message", zap.Stringer("type", msg.MessageType), zap.Error(err))
		return
	}
	if err := s.tr.SendReliable(conn, raw); err != nil {
		s.log.Warn("Failed to send reliable message", zap.Uint32("conn", uint32(conn)), zap.Stringer("type", msg.MessageType), zap.Error(err))
	}
}

func (s *Server) sendUnreliable(addr string, msg *servermsg.UnreliableMessage) {
	raw, err := s.serverSerializer.SerializeUnreliable(msg)
	if err != nil {
		s.log.Error("Failed to serialize unreliable message", zap.Stringer("type", msg.MessageType), zap.Error(err))
		return
	}
	if err := s.tr.SendUnreliable(addr, raw); err != nil {
		s.log.Debug("Failed to send unreliable message", zap.String("addr", addr), zap.Error(err))
	}
}
