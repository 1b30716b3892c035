package driver

import (
	"encoding/base64"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/dklscore"
	"github.com/collider/dkls-engine/internal/eventbus"
	"github.com/collider/dkls-engine/internal/relay"
	"github.com/collider/dkls-engine/internal/types"
)

// fakeHandler is a deterministic roundHandler double used to exercise
// the shared Driver state machine (dedup, buffering, self-reflection,
// END handling) in isolation from any crypto core.
type fakeHandler struct {
	group types.GroupInfo
	own   types.PartyID

	processCalls   map[int]int
	finalizeCalled bool
	closed         bool
}

func newFakeHandler(group types.GroupInfo, own types.PartyID) *fakeHandler {
	return &fakeHandler{group: group, own: own, processCalls: make(map[int]int)}
}

func (h *fakeHandler) handleStartRound() ([]types.ProtocolMessage, error) {
	return addressOutgoing(h.group, h.own, types.RoundFirst, [][]byte{[]byte("seed")})
}

func (h *fakeHandler) processRound(round int, raw [][]byte) ([]types.ProtocolMessage, bool, error) {
	h.processCalls[round]++
	if round == types.RoundLast {
		return []types.ProtocolMessage{{GroupID: h.group.GroupID, FromID: h.own, ToID: types.ServerID, Content: "DONE", Round: types.RoundDone}}, false, nil
	}
	return addressOutgoing(h.group, h.own, round+1, [][]byte{[]byte("payload")})
}

func (h *fakeHandler) finalize() { h.finalizeCalled = true }
func (h *fakeHandler) close()    { h.closed = true }

func testGroup(t *testing.T) (types.GroupInfo, types.PartyID, types.PartyID) {
	t.Helper()
	p0, err := relay.GeneratePartyID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p1, err := relay.GeneratePartyID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	group := types.GroupInfo{
		GroupID:      types.GroupID(strings.Repeat("ab", 32)),
		Threshold:    2,
		TotalParties: 2,
		Members: []types.Member{
			{PartyID: p0, Index: 0},
			{PartyID: p1, Index: 1},
		},
	}
	return group, p0, p1
}

func startFrame(group types.GroupInfo) types.ProtocolMessage {
	return types.ProtocolMessage{GroupID: group.GroupID, FromID: types.PartyID(types.ServerID), ToID: "0", Content: "start", Round: types.RoundControl}
}

func TestDriverProcessesRoundExactlyOnceDespiteDuplicates(t *testing.T) {
	group, own, peer := testGroup(t)
	handler := newFakeHandler(group, own)
	d := newDriver(eventbus.New(zap.NewNop()), zap.NewNop(), own, group, handler)

	if _, err := d.ProcessMessage(startFrame(group)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := types.ProtocolMessage{GroupID: group.GroupID, FromID: peer, ToID: "0", Content: base64.StdEncoding.EncodeToString([]byte("x")), Round: types.RoundFirst}

	for i := 0; i < 3; i++ {
		if _, err := d.ProcessMessage(msg); err != nil {
			t.Fatalf("unexpected error on duplicate %d: %v", i, err)
		}
	}

	if handler.processCalls[types.RoundFirst] != 1 {
		t.Errorf("expected round 1 processed exactly once, got %d calls", handler.processCalls[types.RoundFirst])
	}
}

func TestDriverDropsSelfReflectedMessages(t *testing.T) {
	group, own, _ := testGroup(t)
	handler := newFakeHandler(group, own)
	d := newDriver(eventbus.New(zap.NewNop()), zap.NewNop(), own, group, handler)

	if _, err := d.ProcessMessage(startFrame(group)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reflected := types.ProtocolMessage{GroupID: group.GroupID, FromID: own, ToID: "0", Content: base64.StdEncoding.EncodeToString([]byte("x")), Round: types.RoundFirst}
	if _, err := d.ProcessMessage(reflected); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if handler.processCalls[types.RoundFirst] != 0 {
		t.Errorf("expected self-reflected message to never reach the handler, got %d calls", handler.processCalls[types.RoundFirst])
	}
}

func TestDriverDropsFramesBeforeStart(t *testing.T) {
	group, own, peer := testGroup(t)
	handler := newFakeHandler(group, own)
	d := newDriver(eventbus.New(zap.NewNop()), zap.NewNop(), own, group, handler)

	msg := types.ProtocolMessage{GroupID: group.GroupID, FromID: peer, ToID: "0", Content: "x", Round: types.RoundFirst}
	if _, err := d.ProcessMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handler.processCalls[types.RoundFirst] != 0 {
		t.Error("expected pre-start frame to be dropped")
	}

	end := types.ProtocolMessage{GroupID: group.GroupID, FromID: types.PartyID(types.ServerID), ToID: string(own), Content: "END:SUCCESS", Round: types.RoundDone}
	if _, err := d.ProcessMessage(end); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handler.finalizeCalled {
		t.Error("expected END arriving before start to be dropped, not finalized")
	}
	if d.IsComplete() {
		t.Error("expected driver to remain incomplete after a pre-start END frame")
	}
}

func TestDriverFinalizesOnlyOnSuccess(t *testing.T) {
	group, own, _ := testGroup(t)
	handler := newFakeHandler(group, own)
	bus := eventbus.New(zap.NewNop())
	d := newDriver(bus, zap.NewNop(), own, group, handler)

	var errEvents []ErrorPayload
	bus.On(eventbus.Error, func(payload any) {
		errEvents = append(errEvents, payload.(ErrorPayload))
	})

	if _, err := d.ProcessMessage(startFrame(group)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	end := types.ProtocolMessage{GroupID: group.GroupID, FromID: types.PartyID(types.ServerID), ToID: string(own), Content: "END:TIMEOUT", Round: types.RoundDone}
	if _, err := d.ProcessMessage(end); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if handler.finalizeCalled {
		t.Error("expected non-SUCCESS status to never finalize")
	}
	if !d.IsComplete() {
		t.Error("expected driver to be complete after END:TIMEOUT")
	}
	if len(errEvents) != 1 {
		t.Fatalf("expected exactly 1 error event, got %d", len(errEvents))
	}
}

// TestTwoPartyKeygenHappyPath drives two Driver/SimulatedCore pairs
// through a full DKG run (rounds 0..4) by hand-relaying their outbound
// messages, following the S1 happy-path shape: it checks that the final
// outbound frame is DONE and that a broker-injected END:SUCCESS yields
// keygen-complete with the expected share shape.
func TestTwoPartyKeygenHappyPath(t *testing.T) {
	group, p0, p1 := testGroup(t)

	bus0 := eventbus.New(zap.NewNop())
	bus1 := eventbus.New(zap.NewNop())

	var share0, share1 types.KeyshareRecord
	var got0, got1 bool
	bus0.On(eventbus.KeygenComplete, func(payload any) {
		got0 = true
		share0 = payload.(KeygenCompletePayload).Share
	})
	bus1.On(eventbus.KeygenComplete, func(payload any) {
		got1 = true
		share1 = payload.(KeygenCompletePayload).Share
	})

	d0, err := NewKeygenDriver(bus0, zap.NewNop(), dklscore.NewSimulatedCore(zap.NewNop()), group, p0, true, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d1, err := NewKeygenDriver(bus1, zap.NewNop(), dklscore.NewSimulatedCore(zap.NewNop()), group, p1, true, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deliverAll := func(target *Driver, msgs []types.ProtocolMessage) []types.ProtocolMessage {
		var out []types.ProtocolMessage
		for _, m := range msgs {
			produced, err := target.ProcessMessage(m)
			if err != nil {
				t.Fatalf("unexpected error delivering message: %v", err)
			}
			out = append(out, produced...)
		}
		return out
	}

	out0, err := d0.ProcessMessage(startFrame(group))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out1, err := d1.ProcessMessage(startFrame(group))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for round := 1; round <= 4; round++ {
		next0 := deliverAll(d0, out1)
		next1 := deliverAll(d1, out0)
		out0, out1 = next0, next1
	}

	for _, m := range out0 {
		if m.Content != "DONE" || m.ToID != types.ServerID {
			t.Errorf("expected final message to be a DONE control frame, got %+v", m)
		}
	}

	end0 := types.ProtocolMessage{GroupID: group.GroupID, FromID: types.PartyID(types.ServerID), ToID: string(p0), Content: "END:SUCCESS", Round: types.RoundDone}
	end1 := types.ProtocolMessage{GroupID: group.GroupID, FromID: types.PartyID(types.ServerID), ToID: string(p1), Content: "END:SUCCESS", Round: types.RoundDone}
	if _, err := d0.ProcessMessage(end0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := d1.ProcessMessage(end1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !got0 || !got1 {
		t.Fatalf("expected both parties to emit keygen-complete, got p0=%v p1=%v", got0, got1)
	}
	if share0.Threshold != 2 || share0.Participants != 2 {
		t.Errorf("unexpected share0 shape: %+v", share0)
	}
	if share1.Threshold != 2 || share1.Participants != 2 {
		t.Errorf("unexpected share1 shape: %+v", share1)
	}
}
