package driver

import (
	"time"

	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/dklscore"
	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/eventbus"
	"github.com/collider/dkls-engine/internal/types"
)

// KeygenCompletePayload is the eventbus.KeygenComplete event payload.
type KeygenCompletePayload struct {
	Share types.KeyshareRecord
}

// PersistFunc stores a completed KeyshareRecord. It runs on its own
// goroutine after round 4 so a persistence failure never aborts an
// in-flight protocol run (spec.md §7); failures are reported via an
// Error event instead.
type PersistFunc func(types.KeyshareRecord) error

type keygenHandler struct {
	bus    *eventbus.Bus
	logger *zap.Logger
	group  types.GroupInfo
	own    types.PartyID

	session dklscore.KeygenSession
	persist PersistFunc

	pendingShare types.KeyshareRecord
	hasPending   bool
}

func (h *keygenHandler) handleStartRound() ([]types.ProtocolMessage, error) {
	raw, err := h.session.CreateFirstMessage()
	if err != nil {
		return nil, err
	}
	return addressOutgoing(h.group, h.own, types.RoundFirst, [][]byte{raw})
}

func (h *keygenHandler) processRound(round int, raw [][]byte) ([]types.ProtocolMessage, bool, error) {
	if round == types.RoundDone {
		return nil, false, nil
	}

	outgoingRaw, done, err := h.session.HandleMessages(round, raw)
	if err != nil {
		return nil, false, err
	}

	if round == types.RoundLast {
		if !done {
			return nil, false, engineerr.New(engineerr.ProtocolError, "crypto core did not complete keygen at the final round")
		}

		share, err := h.session.Keyshare()
		if err != nil {
			return nil, false, err
		}
		share.PartyID = h.own
		share.Timestamp = time.Now()
		h.pendingShare = share
		h.hasPending = true

		if h.persist != nil {
			go func() {
				if err := h.persist(share); err != nil {
					h.logger.Error("driver: failed to persist keyshare", zap.Error(err))
					h.bus.Emit(eventbus.Error, ErrorPayload{
						Err: engineerr.Wrap(engineerr.ProtocolError, "keyshare persistence failed", err),
					})
				}
			}()
		}

		doneMsg := types.ProtocolMessage{
			GroupID: h.group.GroupID, FromID: h.own, ToID: types.ServerID,
			Content: "DONE", Round: types.RoundDone, Timestamp: time.Now(),
		}
		return []types.ProtocolMessage{doneMsg}, false, nil
	}

	msgs, err := addressOutgoing(h.group, h.own, round+1, outgoingRaw)
	return msgs, false, err
}

func (h *keygenHandler) finalize() {
	if !h.hasPending {
		return
	}
	share := h.pendingShare
	h.hasPending = false
	h.bus.Emit(eventbus.KeygenComplete, KeygenCompletePayload{Share: share})
}

func (h *keygenHandler) close() {
	if h.session != nil {
		_ = h.session.Close()
	}
}

// NewKeygenDriver builds a Driver running a fresh DKG, or, when
// rotateFrom is non-nil, a key-rotation run preserving its
// (n, t, party_index) parameters (spec.md §4.7).
func NewKeygenDriver(
	bus *eventbus.Bus,
	logger *zap.Logger,
	core dklscore.Core,
	group types.GroupInfo,
	own types.PartyID,
	distributed bool,
	rotateFrom *types.KeyshareRecord,
	persist PersistFunc,
) (*Driver, error) {
	var session dklscore.KeygenSession
	var err error
	if rotateFrom != nil {
		session, err = core.NewKeyRotationSession(*rotateFrom, distributed)
	} else {
		ownIndex := group.IndexOf(own)
		session, err = core.NewKeygenSession(group.TotalParties, group.Threshold, ownIndex, group.GroupID, distributed)
	}
	if err != nil {
		return nil, err
	}

	handler := &keygenHandler{bus: bus, logger: logger, group: group, own: own, session: session, persist: persist}
	if handler.logger == nil {
		handler.logger = zap.NewNop()
	}
	return newDriver(bus, logger, own, group, handler), nil
}
