package catchup

import (
	"testing"

	"github.com/zeebo/blake3"

	"github.com/sessamekesh/spanreed-lockstep/internal/playout"
	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
)

func TestPlanReplayOrFreshSnapshot(t *testing.T) {
	if d := Plan(450, 500, 128); d != Decision_Replay {
		t.Fatalf("450 -> 500: %s", d)
	}
	if d := Plan(200, 500, 128); d != Decision_FreshSnapshot {
		t.Fatalf("200 -> 500: %s", d)
	}
	if d := Plan(372, 500, 128); d != Decision_Replay {
		t.Fatalf("127 frames behind: %s", d)
	}
	if d := Plan(372-1, 500, 128); d != Decision_FreshSnapshot {
		t.Fatalf("128 frames behind: %s", d)
	}
	if d := Plan(501, 500, 128); d != Decision_FreshSnapshot {
		t.Fatalf("snapshot from the future: %s", d)
	}
}

// sim folds merged inputs into a running digest: any difference in order or
// content changes the state.
type sim struct {
	frame message.Frame
	state [32]byte
}

func (s *sim) apply(f message.FrameInputs) {
	if f.Frame != s.frame.Next() {
		panic("frames applied out of order")
	}
	h := blake3.New()
	h.Write(s.state[:])
	h.Write(message.AppendFrameInputsList(nil, []message.FrameInputs{f}))
	copy(s.state[:], h.Sum(nil))
	s.frame = f.Frame
}

func inputsFor(f message.Frame) []message.UserID {
	return []message.UserID{1, 2}
}

func TestCatchUpReplayMatchesLivePlay(t *testing.T) {
	const f0, fc = 450, 500

	buffer := playout.NewServerBuffer(400, 128)
	live := &sim{frame: 400}
	var snapshot sim

	for buffer.Consumed() < fc {
		next := buffer.Consumed().Next()
		buffer.Insert(1, next, message.PlayerInput{byte(next), 1})
		buffer.Insert(2, next, message.PlayerInput{byte(next >> 1), 2})
		merged, _ := buffer.Consume(inputsFor(next))
		live.apply(merged)
		if live.frame == f0 {
			snapshot = *live
		}
	}

	if Plan(f0, buffer.Consumed(), buffer.Capacity()) != Decision_Replay {
		t.Fatalf("expected replay")
	}

	engine := CreateEngine(16)
	engine.Begin(7, f0)
	if a := engine.Next(7, buffer); a.Type != ActionType_None {
		t.Fatalf("sent before BeginCatchUp: %s", a.Type)
	}

	joiner := snapshot
	batches := 0
	for {
		engine.Ack(7)
		a := engine.Next(7, buffer)
		for _, f := range a.Inputs {
			joiner.apply(f)
		}
		if a.Type == ActionType_ReadyToPlay {
			if a.FinalFrame != fc {
				t.Fatalf("final frame %d", a.FinalFrame)
			}
			break
		}
		if a.Type != ActionType_CatchUp {
			t.Fatalf("unexpected action %s", a.Type)
		}
		if len(a.Inputs) != 16 {
			t.Fatalf("batch of %d frames", len(a.Inputs))
		}
		if again := engine.Next(7, buffer); again.Type != ActionType_None {
			t.Fatalf("second batch sent without ack")
		}
		batches++
	}

	if batches != 3 {
		t.Fatalf("expected 3 full batches before ReadyToPlay, got %d", batches)
	}
	if joiner.frame != live.frame || joiner.state != live.state {
		t.Fatalf("replayed state differs from live state")
	}
	if engine.Ack(7) {
		t.Fatalf("engine still tracks a client that is ready to play")
	}
}

func TestCatchUpFollowsAMovingServer(t *testing.T) {
	buffer := playout.NewServerBuffer(0, 128)
	for buffer.Consumed() < 40 {
		buffer.Consume(nil)
	}

	engine := CreateEngine(10)
	engine.Begin(1, 0)
	engine.Ack(1)

	delivered := message.Frame(0)
	for i := 0; i < 100; i++ {
		a := engine.Next(1, buffer)
		for _, f := range a.Inputs {
			if f.Frame != delivered.Next() {
				t.Fatalf("gap: got %d after %d", f.Frame, delivered)
			}
			delivered = f.Frame
		}
		if a.Type == ActionType_ReadyToPlay {
			if a.FinalFrame != buffer.Consumed() || delivered != buffer.Consumed() {
				t.Fatalf("final=%d delivered=%d consumed=%d", a.FinalFrame, delivered, buffer.Consumed())
			}
			return
		}
		// the server keeps playing 3 frames for every batch sent
		for j := 0; j < 3; j++ {
			buffer.Consume(nil)
		}
		engine.Ack(1)
	}
	t.Fatalf("never became ready")
}

func TestCatchUpRestartsWhenHistoryMovesOn(t *testing.T) {
	buffer := playout.NewServerBuffer(0, 16)
	for buffer.Consumed() < 10 {
		buffer.Consume(nil)
	}

	engine := CreateEngine(4)
	engine.Begin(1, 5)
	engine.Ack(1)
	if a := engine.Next(1, buffer); a.Type != ActionType_CatchUp {
		t.Fatalf("expected first batch, got %s", a.Type)
	}

	// slow client: the server runs far ahead before the next ack
	for buffer.Consumed() < 100 {
		buffer.Consume(nil)
	}
	engine.Ack(1)
	if a := engine.Next(1, buffer); a.Type != ActionType_Restart {
		t.Fatalf("expected restart, got %s", a.Type)
	}
	if engine.Ack(1) {
		t.Fatalf("restart should stop tracking")
	}
}

func TestCatchUpAlreadyCurrent(t *testing.T) {
	buffer := playout.NewServerBuffer(20, 128)

	engine := CreateEngine(8)
	engine.Begin(1, 20)
	engine.Ack(1)
	a := engine.Next(1, buffer)
	if a.Type != ActionType_ReadyToPlay || len(a.Inputs) != 0 || a.FinalFrame != 20 {
		t.Fatalf("unexpected %+v", a)
	}
}

func TestUnknownClient(t *testing.T) {
	engine := CreateEngine(8)
	if engine.Ack(3) {
		t.Fatalf("ack for unknown client succeeded")
	}
	if a := engine.Next(3, playout.NewServerBuffer(0, 8)); a.Type != ActionType_None {
		t.Fatalf("unexpected action %s", a.Type)
	}
}
