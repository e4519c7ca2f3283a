// Package client is the player side of a lockstep session. A Client
// authenticates with the server, downloads the world, replays the frames it
// missed and then plays merged frames in strict order, feeding its own input
// back to the server.
//
// Like the server, a Client does nothing on its own: the application calls
// Poll once per tick and acts on the result.
package client

import (
	goerrs "errors"
	"time"

	"go.uber.org/zap"

	"github.com/sessamekesh/spanreed-lockstep/internal/playout"
	"github.com/sessamekesh/spanreed-lockstep/pkg/clock"
	"github.com/sessamekesh/spanreed-lockstep/pkg/errors"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	clientmsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/client"
	servermsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/server"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message/wire"
	"github.com/sessamekesh/spanreed-lockstep/pkg/ring"
	"github.com/sessamekesh/spanreed-lockstep/pkg/transport"
	"github.com/sessamekesh/spanreed-lockstep/pkg/worldsend"
)

var (
	ErrStallTimeout = goerrs.New("no frames received from server for too long")
	ErrServerClosed = goerrs.New("server closed the connection")
)

type ConnectConf struct {
	Name    string
	Version string

	// Heartbeat paces retries: the Connection token until the server
	// answers, and the input window while stalled.
	Heartbeat time.Duration

	FrameBufferAdvance uint32
	InputResend        int

	// MaxStall disconnects after this long without a playable frame. Zero
	// waits forever.
	MaxStall time.Duration

	MagicNumber    uint32
	BufferCapacity int

	Clock  clock.Clock
	Logger *zap.Logger
}

type ClientState uint8

const (
	ClientState_Connecting ClientState = iota
	ClientState_Downloading
	ClientState_CatchingUp
	ClientState_Playing
	ClientState_Closed
)

func (s ClientState) String() string {
	switch s {
	case ClientState_Connecting:
		return "Connecting"
	case ClientState_Downloading:
		return "Downloading"
	case ClientState_CatchingUp:
		return "CatchingUp"
	case ClientState_Playing:
		return "Playing"
	case ClientState_Closed:
		return "Closed"
	}
	return "Unknown"
}

type PollResultKind uint8

const (
	PollResultKind_Wait PollResultKind = iota
	PollResultKind_Inputs
	PollResultKind_World
	PollResultKind_Refused
	PollResultKind_Disconnected
)

func (k PollResultKind) String() string {
	switch k {
	case PollResultKind_Wait:
		return "Wait"
	case PollResultKind_Inputs:
		return "Inputs"
	case PollResultKind_World:
		return "World"
	case PollResultKind_Refused:
		return "Refused"
	case PollResultKind_Disconnected:
		return "Disconnected"
	}
	return "Unknown"
}

// PollResult tells the application what to do this tick.
//
//   - Inputs: apply Frames to the world, in order.
//   - World: replace the world with World, which is at WorldFrame.
//   - Refused: the server turned us away for Reason.
//   - Disconnected: the session is over, see Err.
type PollResult struct {
	Kind       PollResultKind
	Frames     []message.FrameServerInputs
	World      []byte
	WorldFrame message.Frame
	Reason     string
	Err        error
}

// catchUpBatch is a run of frames waiting to be handed to the application.
// final is set for the ReadyToPlay batch.
type catchUpBatch struct {
	frames []message.FrameInputs
	final  bool
	ready  message.Frame
}

type Client struct {
	conf ConnectConf
	tr   transport.ClientTransport
	clk  clock.Clock

	clientSerializer clientmsg.ClientMessageSerializer
	serverSerializer servermsg.ServerMessageSerializer

	state     ClientState
	authentID message.AuthentID
	userID    message.UserID
	period    time.Duration

	connectSent        bool
	lastConnectionSent time.Time

	receiver   *worldsend.Receiver
	worldReady *PollResult

	catchUp []catchUpBatch

	buffer     *playout.ClientBuffer
	lastTick   time.Time
	lastSend   time.Time
	stallSince time.Time

	closed *PollResult

	log *zap.Logger
}

// Connect starts a session over tr. The transport should already be dialed;
// the handshake runs inside Poll. A name or version too long for the wire
// is rejected here rather than sent cut short.
func Connect(conf ConnectConf, tr transport.ClientTransport) (*Client, error) {
	if !wire.FitsString(conf.Name) {
		return nil, &errors.FieldTooLarge{MessageName: "Client::ReliableMessage", FieldName: "Connect.Name", Size: len(conf.Name), Max: wire.MaxStringLength}
	}
	if !wire.FitsString(conf.Version) {
		return nil, &errors.FieldTooLarge{MessageName: "Client::ReliableMessage", FieldName: "Connect.Version", Size: len(conf.Version), Max: wire.MaxStringLength}
	}

	log := conf.Logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}
	if conf.Clock == nil {
		conf.Clock = clock.Real()
	}
	if conf.Heartbeat <= 0 {
		conf.Heartbeat = 250 * time.Millisecond
	}
	if conf.FrameBufferAdvance == 0 {
		conf.FrameBufferAdvance = 10
	}
	if conf.InputResend <= 0 {
		conf.InputResend = 3
	}
	if conf.BufferCapacity <= 0 {
		conf.BufferCapacity = ring.DefaultCapacity
	}

	return &Client{
		conf: conf,
		tr:   tr,
		clk:  conf.Clock,

		clientSerializer: clientmsg.ClientMessageSerializer{MagicNumber: conf.MagicNumber},
		serverSerializer: servermsg.ServerMessageSerializer{MagicNumber: conf.MagicNumber},

		state: ClientState_Connecting,
		log:   log.With(zap.String("handler", "LockstepClient"), zap.String("name", conf.Name)),
	}, nil
}

func (c *Client) State() ClientState {
	return c.state
}

// UserID is zero until the server accepts us.
func (c *Client) UserID() message.UserID {
	return c.userID
}

// Progress reports world download progress as (received, total) bytes.
func (c *Client) Progress() (int, int) {
	if c.state != ClientState_Downloading || c.receiver == nil {
		return 0, 0
	}
	return c.receiver.Progress()
}

// Poll processes everything the server sent and advances the session.
// input is this client's input for the next frame it plays; it is used only
// when the result is Inputs while Playing. Once the session ends every call
// returns the same Refused or Disconnected result.
func (c *Client) Poll(input []byte) PollResult {
	if c.closed != nil {
		return *c.closed
	}

	now := c.clk.Now()

	for c.worldReady == nil {
		ev, ok := c.tr.TryRecv()
		if !ok {
			break
		}
		c.handleEvent(ev, now)
		if c.closed != nil {
			return *c.closed
		}
	}

	if c.worldReady != nil {
		res := *c.worldReady
		c.worldReady = nil
		return res
	}

	switch c.state {
	case ClientState_Connecting:
		c.retryConnection(now)
	case ClientState_CatchingUp:
		return c.nextCatchUpBatch(now)
	case ClientState_Playing:
		return c.play(message.PlayerInput(input), now)
	}
	return PollResult{Kind: PollResultKind_Wait}
}

// Close ends the session from our side.
func (c *Client) Close() error {
	if c.closed == nil {
		c.closed = &PollResult{Kind: PollResultKind_Disconnected, Err: transport.ErrClosed}
		c.state = ClientState_Closed
	}
	return c.tr.Close()
}

func (c *Client) fail(err error) {
	c.log.Warn("Session ended", zap.Stringer("state", c.state), zap.Error(err))
	c.closed = &PollResult{Kind: PollResultKind_Disconnected, Err: err}
	c.state = ClientState_Closed
	c.tr.Close()
}

func (c *Client) refuse(reason string) {
	c.log.Warn("Server refused connection", zap.String("reason", reason))
	c.closed = &PollResult{Kind: PollResultKind_Refused, Reason: reason}
	c.state = ClientState_Closed
	c.tr.Close()
}

func (c *Client) retryConnection(now time.Time) {
	if c.authentID == 0 || c.connectSent {
		return
	}
	if now.Sub(c.lastConnectionSent) >= c.conf.Heartbeat {
		c.sendConnection(now)
	}
}

func (c *Client) sendConnection(now time.Time) {
	c.lastConnectionSent = now
	c.sendUnreliable(&clientmsg.UnreliableMessage{
		MessageType: clientmsg.UnreliableMessageType_Connection,
		Connection:  &clientmsg.Connection{AuthentID: c.authentID},
	})
}

func (c *Client) nextCatchUpBatch(now time.Time) PollResult {
	if len(c.catchUp) == 0 {
		return PollResult{Kind: PollResultKind_Wait}
	}
	batch := c.catchUp[0]
	c.catchUp[0] = catchUpBatch{}
	c.catchUp = c.catchUp[1:]

	frames := make([]message.FrameServerInputs, len(batch.frames))
	for i, f := range batch.frames {
		frames[i] = message.DecodeMerged(f, c.userID)
	}

	if batch.final {
		c.startPlaying(batch.ready, now)
	} else {
		c.sendReliable(&clientmsg.ReliableMessage{MessageType: clientmsg.ReliableMessageType_CatchUpAck})
	}

	if len(frames) == 0 {
		return PollResult{Kind: PollResultKind_Wait}
	}
	return PollResult{Kind: PollResultKind_Inputs, Frames: frames}
}

func (c *Client) startPlaying(ready message.Frame, now time.Time) {
	c.state = ClientState_Playing
	c.catchUp = nil
	c.buffer = playout.NewClientBuffer(ready, c.conf.InputResend, c.conf.BufferCapacity)
	c.lastTick = now
	c.lastSend = now
	c.stallSince = time.Time{}
	c.log.Info("Playing", zap.Uint32("frame", uint32(ready)), zap.Uint64("userId", uint64(c.userID)))
}

// play consumes between zero and four frames, depending on how far the
// buffer has run ahead, at most once per server period.
func (c *Client) play(input message.PlayerInput, now time.Time) PollResult {
	if now.Sub(c.lastTick) < c.period {
		return PollResult{Kind: PollResultKind_Wait}
	}

	n := playout.ConsumeCount(c.buffer.Advance(), c.conf.FrameBufferAdvance)
	if n == 0 {
		if c.stallSince.IsZero() {
			c.stallSince = now
		}
		if c.conf.MaxStall > 0 && now.Sub(c.stallSince) >= c.conf.MaxStall {
			c.fail(ErrStallTimeout)
			return *c.closed
		}
		if now.Sub(c.lastSend) >= c.conf.Heartbeat {
			c.sendInput(c.buffer.Pending(), now)
		}
		return PollResult{Kind: PollResultKind_Wait}
	}
	c.stallSince = time.Time{}

	frames := make([]message.FrameServerInputs, 0, n)
	var window []message.ClientFrameInput
	for i := 0; i < n; i++ {
		var in message.PlayerInput
		if i == 0 {
			in = append(message.PlayerInput(nil), input...)
		}
		f, w, ok := c.buffer.TryConsume(in)
		if !ok {
			break
		}
		window = w
		frames = append(frames, message.DecodeMerged(f, c.userID))
	}

	if now.Sub(c.lastTick) > 2*c.period {
		c.lastTick = now
	} else {
		c.lastTick = c.lastTick.Add(c.period)
	}
	c.sendInput(window, now)

	return PollResult{Kind: PollResultKind_Inputs, Frames: frames}
}

func (c *Client) sendInput(window []message.ClientFrameInput, now time.Time) {
	c.lastSend = now
	c.sendUnreliable(&clientmsg.UnreliableMessage{
		MessageType: clientmsg.UnreliableMessageType_Input,
		Input: &clientmsg.Input{
			AckFrame: c.buffer.Consumed(),
			Inputs:   window,
		},
	})
}

func (c *Client) sendReliable(msg *clientmsg.ReliableMessage) {
	raw, err := c.clientSerializer.SerializeReliable(msg)
	if err != nil {
		c.log.Error("Failed to serialize reliable message", zap.Stringer("type", msg.MessageType), zap.Error(err))
		return
	}
	if err := c.tr.SendReliable(raw); err != nil {
		c.log.Warn("Failed to send reliable message", zap.Stringer("type", msg.MessageType), zap.Error(err))
	}
}

func (c *Client) sendUnreliable(msg *clientmsg.UnreliableMessage) {
	raw, err := c.clientSerializer.SerializeUnreliable(msg)
	if err != nil {
		c.log.Error("Failed to serialize unreliable message", zap.Stringer("type", msg.MessageType), zap.Error(err))
		return
	}
	if err := c.tr.SendUnreliable(raw); err != nil {
		c.log.Debug("Failed to send unreliable message", zap.Stringer("type", msg.MessageType), zap.Error(err))
	}
}
