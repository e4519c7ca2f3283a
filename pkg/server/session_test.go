package server

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sessamekesh/spanreed-lockstep/internal/countersim"
	"github.com/sessamekesh/spanreed-lockstep/pkg/client"
	"github.com/sessamekesh/spanreed-lockstep/pkg/clock"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
	"github.com/sessamekesh/spanreed-lockstep/pkg/snapshot"
	"github.com/sessamekesh/spanreed-lockstep/pkg/transport"
	utils "github.com/sessamekesh/spanreed-lockstep/pkg/util"
)

const tick = 10 * time.Millisecond

type testPlayer struct {
	name   string
	cl     *client.Client
	world  *countersim.World
	worlds int
	delta  int8
	frozen bool
	ended  *client.PollResult
}

// brokenWorld cannot be serialized, like a world grown past what the
// snapshot envelope accepts.
type brokenWorld struct{}

func (brokenWorld) Snapshot() ([]byte, error) {
	return nil, errors.New("world too large to snapshot")
}

type harness struct {
	t      *testing.T
	clk    *clock.FakeClock
	net    *transport.MemoryNetwork
	srv    *Server
	world  *countersim.World
	local  int8
	hashes map[message.Frame][32]byte

	brokenSnapshots bool

	players []*testPlayer
}

func newHarness(t *testing.T, conf ServerConfiguration, netParams transport.MemoryNetworkParams) *harness {
	t.Helper()
	log := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))

	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	netParams.Logger = log
	n := transport.CreateMemoryNetwork(netParams)
	tr, err := n.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	if conf.Version == "" {
		conf.Version = "1.0"
	}
	if conf.Period == 0 {
		conf.Period = 50 * time.Millisecond
	}
	if conf.MergeGrace == 0 {
		conf.MergeGrace = 100 * time.Millisecond
	}
	if conf.InputLag == 0 {
		conf.InputLag = 2
	}
	conf.Compression = snapshot.CompressionZstd
	conf.Clock = clk
	conf.IDs = &utils.SequentialIDSource{}
	conf.Logger = log

	h := &harness{
		t:      t,
		clk:    clk,
		net:    n,
		srv:    Start(conf, tr),
		world:  countersim.New(conf.StartFrame),
		hashes: make(map[message.Frame][32]byte),
	}
	h.hashes[conf.StartFrame] = h.world.Hash()
	return h
}

func (h *harness) join(name, version string, delta int8) *testPlayer {
	h.t.Helper()
	tr, err := h.net.Dial()
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	cl, err := client.Connect(client.ConnectConf{
		Name:      name,
		Version:   version,
		Heartbeat: 50 * time.Millisecond,
		Clock:     h.clk,
		Logger:    zaptest.NewLogger(h.t, zaptest.Level(zap.InfoLevel)),
	}, tr)
	if err != nil {
		h.t.Fatalf("connect: %v", err)
	}
	p := &testPlayer{name: name, delta: delta, cl: cl}
	h.players = append(h.players, p)
	return p
}

func (h *harness) step() {
	h.t.Helper()
	h.clk.Advance(tick)

	var local []byte
	if h.srv.conf.Virtual != nil {
		local = countersim.Input(h.local)
	}
	var world World = h.world
	if h.brokenSnapshots {
		world = brokenWorld{}
	}
	res := h.srv.Poll(world, h.world.Frame, local)
	if res.Kind == ServerPollResultKind_Error {
		h.t.Fatalf("server poll: %v", res.Err)
	}
	for _, f := range res.Frames {
		if err := h.world.Apply(f); err != nil {
			h.t.Fatalf("host apply: %v", err)
		}
		h.hashes[f.Frame] = h.world.Hash()
	}

	for _, p := range h.players {
		if p.frozen || p.ended != nil {
			continue
		}
		r := p.cl.Poll(countersim.Input(p.delta))
		switch r.Kind {
		case client.PollResultKind_World:
			w, err := countersim.Load(r.World)
			if err != nil {
				h.t.Fatalf("%s: load world: %v", p.name, err)
			}
			if w.Frame != r.WorldFrame {
				h.t.Fatalf("%s: world at %d announced as %d", p.name, w.Frame, r.WorldFrame)
			}
			h.checkHash(p, w)
			p.world = w
			p.worlds++
		case client.PollResultKind_Inputs:
			if p.world == nil {
				h.t.Fatalf("%s: inputs before world", p.name)
			}
			for _, f := range r.Frames {
				if err := p.world.Apply(f); err != nil {
					h.t.Fatalf("%s: apply: %v", p.name, err)
				}
				h.checkHash(p, p.world)
			}
		case client.PollResultKind_Refused, client.PollResultKind_Disconnected:
			p.ended = &r
		}
	}
}

func (h *harness) checkHash(p *testPlayer, w *countersim.World) {
	h.t.Helper()
	want, has := h.hashes[w.Frame]
	if !has {
		h.t.Fatalf("%s: reached frame %d before the host", p.name, w.Frame)
	}
	if want != w.Hash() {
		h.t.Fatalf("%s: world diverged from host at frame %d", p.name, w.Frame)
	}
}

func (h *harness) run(steps int) {
	h.t.Helper()
	for i := 0; i < steps; i++ {
		h.step()
	}
}

// runUntil steps until cond holds, failing after limit steps.
func (h *harness) runUntil(limit int, what string, cond func() bool) {
	h.t.Helper()
	for i := 0; i < limit; i++ {
		if cond() {
			return
		}
		h.step()
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

func playing(p *testPlayer) func() bool {
	return func() bool { return p.cl.State() == client.ClientState_Playing }
}

func TestTwoPlayersStayInSync(t *testing.T) {
	h := newHarness(t, ServerConfiguration{}, transport.MemoryNetworkParams{})
	a := h.join("alice", "1.0", 1)
	b := h.join("bob", "1.0", -2)

	h.runUntil(200, "alice playing", playing(a))
	h.runUntil(200, "bob playing", playing(b))
	if a.cl.UserID() != 1 || b.cl.UserID() != 2 {
		t.Fatalf("ids %d, %d", a.cl.UserID(), b.cl.UserID())
	}

	h.run(500)

	if h.world.Frame < 80 {
		t.Fatalf("host only reached frame %d", h.world.Frame)
	}
	for _, p := range []*testPlayer{a, b} {
		if p.world.Frame+5 < h.world.Frame {
			t.Fatalf("%s is at %d, host at %d", p.name, p.world.Frame, h.world.Frame)
		}
	}
	if h.world.Counters[1] <= 0 || h.world.Counters[2] >= 0 {
		t.Fatalf("inputs were not applied: %+v", h.world.Counters)
	}
	if h.srv.PlayerCount() != 2 {
		t.Fatalf("player count %d", h.srv.PlayerCount())
	}
}

func TestServerPausesWithoutPlayers(t *testing.T) {
	h := newHarness(t, ServerConfiguration{}, transport.MemoryNetworkParams{})
	h.run(100)
	if h.srv.ConsumedFrame() != 0 {
		t.Fatalf("server advanced to %d with nobody playing", h.srv.ConsumedFrame())
	}
}

func TestAlwaysRunAdvancesAlone(t *testing.T) {
	h := newHarness(t, ServerConfiguration{AlwaysRun: true}, transport.MemoryNetworkParams{})
	h.run(100)
	if f := h.srv.ConsumedFrame(); f < 18 || f > 20 {
		t.Fatalf("expected ~20 frames in one second, got %d", f)
	}
}

func TestLateJoinerCatchesUp(t *testing.T) {
	h := newHarness(t, ServerConfiguration{CatchUpBatch: 4}, transport.MemoryNetworkParams{})
	a := h.join("alice", "1.0", 3)
	h.runUntil(200, "alice playing", playing(a))
	h.run(400)

	c := h.join("carol", "1.0", 5)
	h.runUntil(400, "carol playing", playing(c))
	h.run(300)

	if c.world == nil || c.world.Frame+5 < h.world.Frame {
		t.Fatalf("carol did not keep up")
	}
	if c.world.Counters[a.cl.UserID()] == 0 {
		t.Fatalf("carol's world is missing alice's input")
	}
	if c.world.Counters[c.cl.UserID()] == 0 {
		t.Fatalf("carol's input never made it into the world")
	}
}

func TestLossyNetworkStaysDeterministic(t *testing.T) {
	h := newHarness(t, ServerConfiguration{}, transport.MemoryNetworkParams{
		Seed:          42,
		LossRate:      0.2,
		DuplicateRate: 0.1,
		ReorderRate:   0.1,
	})
	a := h.join("alice", "1.0", 1)
	b := h.join("bob", "1.0", 2)
	h.runUntil(500, "alice playing", playing(a))
	h.runUntil(500, "bob playing", playing(b))

	h.run(2000)

	for _, p := range []*testPlayer{a, b} {
		if p.ended != nil {
			t.Fatalf("%s disconnected: %+v", p.name, *p.ended)
		}
		if p.world.Frame+40 < h.world.Frame {
			t.Fatalf("%s stuck at %d, host at %d", p.name, p.world.Frame, h.world.Frame)
		}
	}
}

func TestVersionMismatchIsRefused(t *testing.T) {
	h := newHarness(t, ServerConfiguration{}, transport.MemoryNetworkParams{})
	p := h.join("old", "0.9", 0)
	h.runUntil(50, "refusal", func() bool { return p.ended != nil })

	if p.ended.Kind != client.PollResultKind_Refused || p.ended.Reason != "version mismatch" {
		t.Fatalf("unexpected result %+v", *p.ended)
	}
	if h.srv.PlayerCount() != 0 {
		t.Fatalf("refused client counted")
	}
}

func TestServerFull(t *testing.T) {
	h := newHarness(t, ServerConfiguration{MaxClients: 1}, transport.MemoryNetworkParams{})
	a := h.join("alice", "1.0", 1)
	h.runUntil(200, "alice playing", playing(a))

	b := h.join("bob", "1.0", 1)
	h.runUntil(50, "refusal", func() bool { return b.ended != nil })
	if b.ended.Kind != client.PollResultKind_Refused || b.ended.Reason != "server full" {
		t.Fatalf("unexpected result %+v", *b.ended)
	}
}

func TestSilentClientIsDisconnected(t *testing.T) {
	h := newHarness(t, ServerConfiguration{MaxConsecutiveMisses: 10}, transport.MemoryNetworkParams{})
	a := h.join("alice", "1.0", 1)
	b := h.join("bob", "1.0", 1)
	h.runUntil(200, "alice playing", playing(a))
	h.runUntil(200, "bob playing", playing(b))
	h.run(50)

	b.frozen = true
	h.runUntil(500, "bob dropped", func() bool { return h.srv.PlayerCount() == 1 })

	// alice is unaffected and frames keep flowing at full speed again
	before := h.world.Frame
	h.run(100)
	if h.world.Frame-before < 18 {
		t.Fatalf("only %d frames after bob left", h.world.Frame-before)
	}

	b.frozen = false
	h.step()
	if b.ended == nil || b.ended.Kind != client.PollResultKind_Disconnected {
		t.Fatalf("bob should see the disconnect")
	}
}

func TestVirtualPlayer(t *testing.T) {
	h := newHarness(t, ServerConfiguration{
		AlwaysRun: true,
		Virtual:   &VirtualClient{Name: "host"},
	}, transport.MemoryNetworkParams{})
	h.local = 4

	h.run(50)
	if h.world.Counters[message.VirtualUserID] == 0 {
		t.Fatalf("host input not applied")
	}

	dup := h.join("host", "1.0", 1)
	h.runUntil(50, "refusal", func() bool { return dup.ended != nil })
	if dup.ended.Reason != "name already in use" {
		t.Fatalf("unexpected result %+v", *dup.ended)
	}

	a := h.join("alice", "1.0", -1)
	h.runUntil(200, "alice playing", playing(a))
	h.run(200)
	if a.world.Counters[message.VirtualUserID] == 0 || a.world.Counters[1] == 0 {
		t.Fatalf("alice's world misses inputs: %+v", a.world.Counters)
	}
}

func TestKickedClient(t *testing.T) {
	h := newHarness(t, ServerConfiguration{}, transport.MemoryNetworkParams{})
	a := h.join("alice", "1.0", 1)
	h.runUntil(200, "alice playing", playing(a))

	if err := h.srv.Disconnect(a.cl.UserID()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := h.srv.Disconnect(a.cl.UserID()); err == nil {
		t.Fatalf("second disconnect should fail")
	}
	h.step()
	if a.ended == nil || a.ended.Kind != client.PollResultKind_Disconnected {
		t.Fatalf("alice should be disconnected")
	}
}

func downloading(p *testPlayer) func() bool {
	return func() bool { return p.cl.State() == client.ClientState_Downloading }
}

func TestStalledJoinerIsDropped(t *testing.T) {
	h := newHarness(t, ServerConfiguration{
		MaxClients:      1,
		MaxFragmentSize: 8,
		JoinTimeout:     2 * time.Second,
	}, transport.MemoryNetworkParams{})
	c := h.join("carol", "1.0", 1)
	h.runUntil(100, "carol downloading", downloading(c))

	c.frozen = true
	h.run(150)
	if h.srv.PlayerCount() != 1 {
		t.Fatalf("carol dropped before her join deadline")
	}
	h.runUntil(100, "carol dropped", func() bool { return h.srv.PlayerCount() == 0 })

	// the slot carol held is free again
	d := h.join("dave", "1.0", 1)
	h.runUntil(300, "dave playing", playing(d))

	c.frozen = false
	h.runUntil(20, "carol disconnected", func() bool { return c.ended != nil })
	if c.ended.Kind != client.PollResultKind_Disconnected {
		t.Fatalf("unexpected result %+v", *c.ended)
	}
}

func TestSnapshotFailureOnlyCostsTheJoiner(t *testing.T) {
	h := newHarness(t, ServerConfiguration{}, transport.MemoryNetworkParams{})
	a := h.join("alice", "1.0", 1)
	h.runUntil(200, "alice playing", playing(a))

	h.brokenSnapshots = true
	c := h.join("carol", "1.0", 2)
	h.runUntil(100, "carol dropped", func() bool { return c.ended != nil })
	if c.ended.Kind != client.PollResultKind_Disconnected {
		t.Fatalf("unexpected result %+v", *c.ended)
	}

	// step fails the test on an Error result, so frames kept flowing
	before := h.world.Frame
	h.run(100)
	if h.world.Frame-before < 18 {
		t.Fatalf("only %d frames after the failed snapshot", h.world.Frame-before)
	}
	if a.ended != nil || h.srv.PlayerCount() != 1 {
		t.Fatalf("alice should be unaffected")
	}

	h.brokenSnapshots = false
	d := h.join("dave", "1.0", 3)
	h.runUntil(300, "dave playing", playing(d))
}

func TestJoinerRestartsAfterFallingOutOfHistory(t *testing.T) {
	h := newHarness(t, ServerConfiguration{
		HistoryCapacity: 16,
		CatchUpBatch:    2,
		MaxFragmentSize: 16,
	}, transport.MemoryNetworkParams{})
	a := h.join("alice", "1.0", 1)
	h.runUntil(200, "alice playing", playing(a))
	h.run(100)

	c := h.join("carol", "1.0", 3)
	h.runUntil(100, "carol downloading", downloading(c))

	// 40 frames go by, far more than the 16 kept in history
	c.frozen = true
	h.run(200)
	c.frozen = false

	h.runUntil(600, "carol playing", playing(c))
	if c.worlds < 2 {
		t.Fatalf("expected a fresh world after falling out of history, got %d", c.worlds)
	}

	h.run(200)
	if c.ended != nil {
		t.Fatalf("carol disconnected: %+v", *c.ended)
	}
	if c.world.Frame+5 < h.world.Frame {
		t.Fatalf("carol is at %d, host at %d", c.world.Frame, h.world.Frame)
	}
	if h.hashes[c.world.Frame] != c.world.Hash() {
		t.Fatalf("carol's world differs from the host at frame %d", c.world.Frame)
	}
	if c.world.Counters[c.cl.UserID()] == 0 {
		t.Fatalf("carol's input never made it into the world")
	}
}
