// Package driver implements the abstract ProtocolDriver (spec.md §4.6)
// plus its KeygenDriver and SignDriver specializations (§4.7/§4.8):
// per-session round buffering, 32-bit rolling-hash deduplication, and
// lifecycle events, generalized from the teacher's
// DKGHandler.ProcessRound / SigningHandler.ProcessRound round-counting
// (internal/dkg/dkg.go, internal/signing/signing.go) into the full
// per-round buffer/dedup state machine the spec requires.
package driver

import (
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/eventbus"
	"github.com/collider/dkls-engine/internal/types"
	"github.com/collider/dkls-engine/internal/wire"
)

// RoundCompletePayload is the eventbus.RoundComplete event payload:
// the round just finished and the outbound messages it produced.
type RoundCompletePayload struct {
	Round    int
	Messages []types.ProtocolMessage
}

// ErrorPayload is the eventbus.Error event payload.
type ErrorPayload struct {
	Err error
}

// roundHandler is the capability trait spec.md §9 calls for in place of
// a BaseProcessor/KeygenProcessor/SignProcessor virtual hierarchy: the
// protocol-specific operations a KeygenDriver or SignDriver supplies,
// composed into the shared Driver by reference rather than subclassing.
type roundHandler interface {
	handleStartRound() ([]types.ProtocolMessage, error)
	processRound(round int, raw [][]byte) (outgoing []types.ProtocolMessage, done bool, err error)
	finalize()
	close()
}

// Driver is the abstract ProtocolDriver: one instance drives one
// keygen, rotation, or signing run bound to a single GroupInfo.
type Driver struct {
	mu sync.Mutex

	bus        *eventbus.Bus
	logger     *zap.Logger
	ownPartyID types.PartyID
	group      types.GroupInfo
	handler    roundHandler

	currentRound int
	isComplete   bool
	roundStates  map[int]*types.RoundState
	seenHashes   map[uint32]struct{}
}

func newDriver(bus *eventbus.Bus, logger *zap.Logger, ownPartyID types.PartyID, group types.GroupInfo, handler roundHandler) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		bus:          bus,
		logger:       logger,
		ownPartyID:   ownPartyID,
		group:        group,
		handler:      handler,
		currentRound: -1,
		roundStates:  make(map[int]*types.RoundState),
		seenHashes:   make(map[uint32]struct{}),
	}
}

// IsComplete reports whether this run has finalized (END:* received).
func (d *Driver) IsComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isComplete
}

// expectedCount is n-1 for protocol rounds 1-4 (one message from every
// other party), 0 for round 5 (spec.md §4.6).
func (d *Driver) expectedCount(round int) int {
	if round == types.RoundDone {
		return 0
	}
	return d.group.TotalParties - 1
}

// ProcessMessage classifies and buffers one inbound ProtocolMessage,
// invoking the crypto core via the handler when a round's expected
// count is reached. Returns the outbound messages produced, if any;
// the caller (Session) forwards them to RelayTransport.
func (d *Driver) ProcessMessage(msg types.ProtocolMessage) ([]types.ProtocolMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isComplete {
		return nil, nil
	}

	if msg.IsStart() {
		return d.startRound()
	}

	if status, isEnd := msg.EndStatus(); isEnd && msg.FromID.IsServer() {
		if d.currentRound < 0 {
			return nil, nil // not yet started; idempotent drop (spec.md §9 Open Question 1)
		}
		d.finish(status)
		return nil, nil
	}

	if d.currentRound < 0 {
		return nil, nil // not yet started; drop other frames
	}
	if msg.Round == types.RoundControl {
		return nil, nil // round 0 non-START; drop
	}
	if msg.FromID == d.ownPartyID {
		return nil, nil // self-reflection; drop regardless of relay echo
	}

	hash := wire.RollingHash32(string(msg.FromID), msg.ToID, msg.Round, msg.Content)
	if _, seen := d.seenHashes[hash]; seen {
		return nil, nil
	}
	d.seenHashes[hash] = struct{}{}

	state := d.roundStates[msg.Round]
	if state == nil {
		state = &types.RoundState{}
		d.roundStates[msg.Round] = state
	}
	state.Buffered = append(state.Buffered, msg)

	if state.Processed || len(state.Buffered) < d.expectedCount(msg.Round) {
		return nil, nil
	}
	state.Processed = true

	outgoing, err := d.advance(msg.Round, state)
	if err != nil {
		state.Processed = false // allow retry on the next duplicate/arrival
		d.emitError(err)
		return nil, err
	}
	return outgoing, nil
}

func (d *Driver) startRound() ([]types.ProtocolMessage, error) {
	out, err := d.handler.handleStartRound()
	if err != nil {
		d.emitError(err)
		return nil, err
	}
	d.currentRound = types.RoundFirst
	d.recordEmitted(types.RoundControl, out)
	return out, nil
}

func (d *Driver) advance(round int, state *types.RoundState) ([]types.ProtocolMessage, error) {
	raw, err := d.filterForRound(round, state.Buffered)
	if err != nil {
		return nil, err
	}

	outgoing, _, err := d.handler.processRound(round, raw)
	if err != nil {
		return nil, err
	}

	d.currentRound = round + 1
	if d.roundStates[round+1] == nil {
		d.roundStates[round+1] = &types.RoundState{}
	}
	d.recordEmitted(round, outgoing)
	return outgoing, nil
}

// filterForRound implements the WASM adapter contract (spec.md §4.6):
// broadcast rounds (1, 4) include every buffered message; point-to-
// point rounds (2, 3) include only messages addressed to this party or
// to the broadcast marker. Surviving messages are base64-decoded into
// the crypto core's raw wire form.
func (d *Driver) filterForRound(round int, buffered []types.ProtocolMessage) ([][]byte, error) {
	broadcastRound := round == types.RoundFirst || round == types.RoundLast

	raw := make([][]byte, 0, len(buffered))
	for _, m := range buffered {
		if !broadcastRound && m.ToID != string(d.ownPartyID) && !m.IsBroadcast() {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(m.Content)
		if err != nil {
			return nil, engineerr.New(engineerr.InvalidMessage, "protocol message content is not valid base64")
		}
		raw = append(raw, decoded)
	}
	return raw, nil
}

func (d *Driver) finish(status string) {
	d.isComplete = true
	if status == "SUCCESS" {
		d.handler.finalize()
		return
	}
	d.emitError(engineerr.New(engineerr.ProtocolError, "process ended with status: "+status))
}

func (d *Driver) emitError(err error) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(eventbus.Error, ErrorPayload{Err: err})
}

func (d *Driver) recordEmitted(round int, messages []types.ProtocolMessage) {
	state := d.roundStates[round]
	if state == nil {
		state = &types.RoundState{}
		d.roundStates[round] = state
	}
	if state.Emitted {
		return
	}
	state.Emitted = true
	if d.bus != nil {
		d.bus.Emit(eventbus.RoundComplete, RoundCompletePayload{Round: round, Messages: messages})
	}
}

// Close clears all round buffers and dedup state and releases the
// crypto core session (spec.md §4.6 "Destruction").
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler.close()
	d.roundStates = make(map[int]*types.RoundState)
	d.seenHashes = make(map[uint32]struct{})
	d.isComplete = true
}

// addressBroadcast wraps a single crypto-core payload as a
// broadcast-addressed outbound ProtocolMessage.
func addressBroadcast(group types.GroupInfo, own types.PartyID, round int, payload []byte) types.ProtocolMessage {
	return types.ProtocolMessage{
		GroupID:   group.GroupID,
		FromID:    own,
		ToID:      types.BroadcastTo,
		Content:   base64.StdEncoding.EncodeToString(payload),
		Round:     round,
		Timestamp: time.Now(),
	}
}

// addressPerPeer maps an ordered batch of point-to-point payloads onto
// the group's other members, ascending by member index (spec.md §4.6
// "Outgoing addressing"): the crypto core emits one payload per peer,
// in peer-index order, rather than annotating each with an explicit
// index.
func addressPerPeer(group types.GroupInfo, own types.PartyID, round int, payloads [][]byte) ([]types.ProtocolMessage, error) {
	others := otherMemberIndices(group, own)
	if len(payloads) > len(others) {
		return nil, engineerr.New(engineerr.InvalidMessage, "crypto core produced more messages than peers")
	}

	out := make([]types.ProtocolMessage, 0, len(payloads))
	for i, payload := range payloads {
		idx := others[i]
		to := group.PartyAt(idx)
		if to == "" {
			return nil, engineerr.New(engineerr.InvalidMessage, "outgoing message addressed to out-of-bounds member index")
		}
		out = append(out, types.ProtocolMessage{
			GroupID:   group.GroupID,
			FromID:    own,
			ToID:      string(to),
			Content:   base64.StdEncoding.EncodeToString(payload),
			Round:     round,
			Timestamp: time.Now(),
		})
	}
	return out, nil
}

// addressOutgoing converts the crypto core's raw outgoing payloads for
// round into addressed ProtocolMessages: a single payload is a
// broadcast, multiple payloads are distributed one-per-peer in
// ascending index order.
func addressOutgoing(group types.GroupInfo, own types.PartyID, round int, raws [][]byte) ([]types.ProtocolMessage, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	if len(raws) == 1 {
		return []types.ProtocolMessage{addressBroadcast(group, own, round, raws[0])}, nil
	}
	return addressPerPeer(group, own, round, raws)
}

func otherMemberIndices(group types.GroupInfo, own types.PartyID) []int {
	ownIndex := group.IndexOf(own)
	indices := make([]int, 0, len(group.Members))
	for _, m := range group.Members {
		if m.Index != ownIndex {
			indices = append(indices, m.Index)
		}
	}
	sort.Ints(indices)
	return indices
}
