package server

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sessamekesh/spanreed-lockstep/pkg/clock"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	clientmsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/client"
	servermsg "github.com/sessamekesh/spanreed-lockstep/pkg/message/server"
	"github.com/sessamekesh/spanreed-lockstep/pkg/transport"
	utils "github.com/sessamekesh/spanreed-lockstep/pkg/util"
)

// scriptedTransport replays queued events and records what the server sends.
type scriptedTransport struct {
	events       []transport.Event
	reliable     map[transport.ConnID][][]byte
	unreliable   map[string][][]byte
	disconnected []transport.ConnID
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		reliable:   make(map[transport.ConnID][][]byte),
		unreliable: make(map[string][][]byte),
	}
}

func (s *scriptedTransport) TryRecv() (transport.Event, bool) {
	if len(s.events) == 0 {
		return transport.Event{}, false
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, true
}

func (s *scriptedTransport) SendReliable(conn transport.ConnID, payload []byte) error {
	s.reliable[conn] = append(s.reliable[conn], payload)
	return nil
}

func (s *scriptedTransport) SendUnreliable(addr string, payload []byte) error {
	s.unreliable[addr] = append(s.unreliable[addr], payload)
	return nil
}

func (s *scriptedTransport) Disconnect(conn transport.ConnID) error {
	s.disconnected = append(s.disconnected, conn)
	return nil
}

func (s *scriptedTransport) Close() error { return nil }

func (s *scriptedTransport) push(ev transport.Event) {
	s.events = append(s.events, ev)
}

var (
	cs clientmsg.ClientMessageSerializer
	ss servermsg.ServerMessageSerializer
)

func reliable(t *testing.T, msg *clientmsg.ReliableMessage) []byte {
	t.Helper()
	raw, err := cs.SerializeReliable(msg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return raw
}

func unreliable(t *testing.T, msg *clientmsg.UnreliableMessage) []byte {
	t.Helper()
	raw, err := cs.SerializeUnreliable(msg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return raw
}

func connection(t *testing.T, id message.AuthentID) []byte {
	return unreliable(t, &clientmsg.UnreliableMessage{
		MessageType: clientmsg.UnreliableMessageType_Connection,
		Connection:  &clientmsg.Connection{AuthentID: id},
	})
}

func newScriptedServer(t *testing.T, conf ServerConfiguration) (*Server, *scriptedTransport, *clock.FakeClock) {
	tr := newScriptedTransport()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	conf.Version = "1.0"
	conf.Clock = clk
	conf.IDs = &utils.SequentialIDSource{}
	conf.Logger = zaptest.NewLogger(t)
	return Start(conf, tr), tr, clk
}

func TestChallengeOnConnect(t *testing.T) {
	srv, tr, _ := newScriptedServer(t, ServerConfiguration{})
	tr.push(transport.Event{Type: transport.EventType_Connected, Conn: 7})
	srv.Poll(nil, 0, nil)

	if len(tr.reliable[7]) != 1 {
		t.Fatalf("expected one challenge, got %d messages", len(tr.reliable[7]))
	}
	msg, err := ss.ParseReliable(tr.reliable[7][0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MessageType != servermsg.ReliableMessageType_Challenge || msg.Challenge.AuthentID != 1 {
		t.Fatalf("unexpected %+v", msg)
	}
}

func TestConnectBeforeBindingIsIgnored(t *testing.T) {
	srv, tr, _ := newScriptedServer(t, ServerConfiguration{})
	tr.push(transport.Event{Type: transport.EventType_Connected, Conn: 1})
	tr.push(transport.Event{Type: transport.EventType_Reliable, Conn: 1, Payload: reliable(t, &clientmsg.ReliableMessage{
		MessageType: clientmsg.ReliableMessageType_Connect,
		Connect:     &clientmsg.Connect{Name: "eve", Version: "1.0"},
	})})
	srv.Poll(nil, 0, nil)

	if len(tr.reliable[1]) != 1 || srv.PlayerCount() != 0 {
		t.Fatalf("connect without unreliable binding should get no answer")
	}
}

func TestReadyForAuthAfterBinding(t *testing.T) {
	srv, tr, _ := newScriptedServer(t, ServerConfiguration{})
	tr.push(transport.Event{Type: transport.EventType_Connected, Conn: 1})
	tr.push(transport.Event{Type: transport.EventType_Unreliable, Addr: "udp:a", Payload: connection(t, 1)})
	srv.Poll(nil, 0, nil)

	got := tr.unreliable["udp:a"]
	if len(got) != readyForAuthCopies {
		t.Fatalf("expected %d ReadyForAuth, got %d", readyForAuthCopies, len(got))
	}
	msg, err := ss.ParseUnreliable(got[0])
	if err != nil || msg.MessageType != servermsg.UnreliableMessageType_ReadyForAuth {
		t.Fatalf("unexpected %+v (%v)", msg, err)
	}

	tr.push(transport.Event{Type: transport.EventType_Unreliable, Addr: "udp:b", Payload: connection(t, 99)})
	srv.Poll(nil, 0, nil)
	if len(tr.unreliable["udp:b"]) != 0 {
		t.Fatalf("unknown token answered")
	}
}

func TestMalformedReliableDisconnects(t *testing.T) {
	srv, tr, _ := newScriptedServer(t, ServerConfiguration{MaxDecodeErrors: 3})
	tr.push(transport.Event{Type: transport.EventType_Connected, Conn: 1})
	srv.Poll(nil, 0, nil)

	for i := 0; i < 2; i++ {
		tr.push(transport.Event{Type: transport.EventType_Reliable, Conn: 1, Payload: []byte{0xde, 0xad}})
	}
	// a good message in between resets the count
	tr.push(transport.Event{Type: transport.EventType_Reliable, Conn: 1, Payload: reliable(t, &clientmsg.ReliableMessage{
		MessageType: clientmsg.ReliableMessageType_WorldAck,
	})})
	tr.push(transport.Event{Type: transport.EventType_Reliable, Conn: 1, Payload: []byte{0xde, 0xad}})
	srv.Poll(nil, 0, nil)
	if len(tr.disconnected) != 0 {
		t.Fatalf("disconnected too early")
	}

	for i := 0; i < 2; i++ {
		tr.push(transport.Event{Type: transport.EventType_Reliable, Conn: 1, Payload: []byte{0xbe, 0xef}})
	}
	srv.Poll(nil, 0, nil)
	if len(tr.disconnected) != 1 || tr.disconnected[0] != 1 {
		t.Fatalf("expected conn 1 dropped, got %v", tr.disconnected)
	}
}

func TestPendingAuthenticationExpires(t *testing.T) {
	srv, tr, clk := newScriptedServer(t, ServerConfiguration{AuthTimeout: time.Second})
	tr.push(transport.Event{Type: transport.EventType_Connected, Conn: 1})
	srv.Poll(nil, 0, nil)

	clk.Advance(500 * time.Millisecond)
	tr.push(transport.Event{Type: transport.EventType_Connected, Conn: 2})
	srv.Poll(nil, 0, nil)

	clk.Advance(600 * time.Millisecond)
	srv.Poll(nil, 0, nil)
	if len(tr.disconnected) != 1 || tr.disconnected[0] != 1 {
		t.Fatalf("expected only conn 1 expired, got %v", tr.disconnected)
	}
}

func TestUnboundTrafficIsRateLimited(t *testing.T) {
	srv, tr, clk := newScriptedServer(t, ServerConfiguration{
		UnauthenticatedRate:  1,
		UnauthenticatedBurst: 2,
	})
	tr.push(transport.Event{Type: transport.EventType_Connected, Conn: 1})
	tr.push(transport.Event{Type: transport.EventType_Unreliable, Addr: "udp:x", Payload: []byte("junk")})
	tr.push(transport.Event{Type: transport.EventType_Unreliable, Addr: "udp:x", Payload: []byte("junk")})
	tr.push(transport.Event{Type: transport.EventType_Unreliable, Addr: "udp:x", Payload: connection(t, 1)})
	srv.Poll(nil, 0, nil)
	if len(tr.unreliable["udp:x"]) != 0 {
		t.Fatalf("rate limit did not apply")
	}

	clk.Advance(time.Second)
	tr.push(transport.Event{Type: transport.EventType_Unreliable, Addr: "udp:x", Payload: connection(t, 1)})
	srv.Poll(nil, 0, nil)
	if len(tr.unreliable["udp:x"]) != readyForAuthCopies {
		t.Fatalf("token refilled but connection not answered")
	}
}

func TestTransportFailureIsFatal(t *testing.T) {
	srv, tr, _ := newScriptedServer(t, ServerConfiguration{})
	tr.push(transport.Event{Type: transport.EventType_Failed, Err: transport.ErrClosed})
	if res := srv.Poll(nil, 0, nil); res.Kind != ServerPollResultKind_Error {
		t.Fatalf("expected error, got %s", res.Kind)
	}
	if res := srv.Poll(nil, 0, nil); res.Kind != ServerPollResultKind_Error {
		t.Fatalf("error should stick")
	}
}

func TestInputPacketsStayUnderByteLimit(t *testing.T) {
	srv, _, _ := newScriptedServer(t, ServerConfiguration{MaxPacketSize: 1200})

	var frames []message.FrameInputs
	for i := 0; i < 10; i++ {
		frames = append(frames, message.FrameInputs{
			Frame:  message.Frame(i + 1),
			Inputs: message.MergedInputs{{User: 1, Input: make([]byte, 200)}, {User: 2, Input: make([]byte, 100)}},
		})
	}

	packet := func(fs []message.FrameInputs) []byte {
		raw, err := ss.SerializeUnreliable(&servermsg.UnreliableMessage{
			MessageType: servermsg.UnreliableMessageType_Input,
			Input:       &servermsg.Input{Frames: fs},
		})
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		return raw
	}

	fit := srv.fitPacket(frames)
	if len(fit) == 0 || len(fit) == len(frames) {
		t.Fatalf("expected a partial packet, kept %d of %d frames", len(fit), len(frames))
	}
	if n := len(packet(fit)); n > 1200 {
		t.Fatalf("packet is %d bytes", n)
	}
	if n := len(packet(frames[:len(fit)+1])); n <= 1200 {
		t.Fatalf("one more frame (%d bytes) would have fit", n)
	}
	if fit[0].Frame != 1 {
		t.Fatalf("packet must start at the oldest unacked frame, got %d", fit[0].Frame)
	}

	// a lone oversize frame still goes out so the client is not starved
	huge := []message.FrameInputs{{Frame: 1, Inputs: message.MergedInputs{{User: 1, Input: make([]byte, 5000)}}}, frames[1]}
	if got := srv.fitPacket(huge); len(got) != 1 {
		t.Fatalf("expected the oversize frame alone, got %d frames", len(got))
	}

	if got := srv.fitPacket(frames[:2]); len(got) != 2 {
		t.Fatalf("small packets should be left alone, got %d frames", len(got))
	}
}
