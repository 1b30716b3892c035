package driver

import (
	"time"

	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/dklscore"
	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/eventbus"
	"github.com/collider/dkls-engine/internal/types"
)

// SigningCompletePayload is the eventbus.SigningComplete event payload.
type SigningCompletePayload struct {
	R, S []byte
}

type signHandler struct {
	bus    *eventbus.Bus
	logger *zap.Logger
	group  types.GroupInfo
	own    types.PartyID

	session dklscore.SignSession

	pendingR, pendingS []byte
	hasPending         bool
}

func (h *signHandler) handleStartRound() ([]types.ProtocolMessage, error) {
	raw, err := h.session.CreateFirstMessage()
	if err != nil {
		return nil, err
	}
	return addressOutgoing(h.group, h.own, types.RoundFirst, [][]byte{raw})
}

func (h *signHandler) processRound(round int, raw [][]byte) ([]types.ProtocolMessage, bool, error) {
	if round == types.RoundDone {
		return nil, false, nil
	}

	outgoingRaw, done, err := h.session.HandleMessages(round, raw)
	if err != nil {
		return nil, false, err
	}

	if round == types.RoundLast {
		if !done {
			return nil, false, engineerr.New(engineerr.ProtocolError, "crypto core did not complete signing at the final round")
		}

		r, s, err := h.session.Signature()
		if err != nil {
			return nil, false, err
		}
		h.pendingR, h.pendingS = r, s
		h.hasPending = true

		doneMsg := types.ProtocolMessage{
			GroupID: h.group.GroupID, FromID: h.own, ToID: types.ServerID,
			Content: "DONE", Round: types.RoundDone, Timestamp: time.Now(),
		}
		return []types.ProtocolMessage{doneMsg}, false, nil
	}

	msgs, err := addressOutgoing(h.group, h.own, round+1, outgoingRaw)
	return msgs, false, err
}

func (h *signHandler) finalize() {
	if !h.hasPending {
		return
	}
	r, s := h.pendingR, h.pendingS
	h.hasPending = false
	h.bus.Emit(eventbus.SigningComplete, SigningCompletePayload{R: r, S: s})
}

func (h *signHandler) close() {
	if h.session != nil {
		_ = h.session.Close()
	}
}

// NewSignDriver builds a Driver running a threshold signature over
// messageHash using a previously persisted share (spec.md §4.8).
func NewSignDriver(
	bus *eventbus.Bus,
	logger *zap.Logger,
	core dklscore.Core,
	group types.GroupInfo,
	own types.PartyID,
	share types.KeyshareRecord,
	messageHash []byte,
) (*Driver, error) {
	session, err := core.NewSignSession(share, messageHash)
	if err != nil {
		return nil, err
	}

	handler := &signHandler{bus: bus, logger: logger, group: group, own: own, session: session}
	if handler.logger == nil {
		handler.logger = zap.NewNop()
	}
	return newDriver(bus, logger, own, group, handler), nil
}
