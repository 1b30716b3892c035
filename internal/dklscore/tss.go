//go:build tss

package dklscore

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/bnb-chain/tss-lib/v2/common"
	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
	"github.com/bnb-chain/tss-lib/v2/ecdsa/signing"
	"github.com/bnb-chain/tss-lib/v2/tss"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/types"
)

// collectTimeout bounds how long a round waits for the underlying
// party to finish emitting its outgoing messages, mirroring the
// teacher's dkg_tss.go/signing_tss.go collectOutgoingMessages loops.
const collectTimeout = 150 * time.Millisecond

// TssCore is the real threshold-ECDSA build of the DKLS23 adapter,
// backed by github.com/bnb-chain/tss-lib/v2. Adapted from the
// teacher's DKGHandler/SigningHandler session-map registries
// (internal/dkg/dkg_tss.go, internal/signing/signing_tss.go) into one
// session object per run, since this package's session lifecycle is
// owned by the driver layer rather than a handler map.
type TssCore struct {
	logger *zap.Logger
}

// NewTssCore builds the tss-lib-backed Core implementation.
func NewTssCore(logger *zap.Logger) *TssCore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TssCore{logger: logger}
}

func sortedPartyIDs(n int, oneIndexed bool) tss.SortedPartyIDs {
	ids := make([]*tss.PartyID, n)
	for i := 0; i < n; i++ {
		key := int64(i)
		if oneIndexed {
			key = int64(i + 1)
		}
		ids[i] = tss.NewPartyID(fmt.Sprintf("party-%d", i), fmt.Sprintf("Party %d", i), big.NewInt(key))
	}
	return tss.SortPartyIDs(ids)
}

func (c *TssCore) NewKeygenSession(n, t, partyIndex int, groupID types.GroupID, distributed bool) (KeygenSession, error) {
	partyIDs := sortedPartyIDs(n, false)
	thisID := partyIDs[partyIndex]

	ctx := tss.NewPeerContext(partyIDs)
	params := tss.NewParameters(tss.S256(), ctx, thisID, n, t)

	outCh := make(chan tss.Message, 100)
	endCh := make(chan keygen.LocalPartySaveData, 1)
	errCh := make(chan *tss.Error, 1)

	party := keygen.NewLocalParty(params, outCh, endCh)

	s := &tssKeygenSession{
		n: n, t: t, partyIndex: partyIndex, groupID: groupID,
		party: party, outCh: outCh, endCh: endCh, errCh: errCh,
		partyIDs: partyIDs, logger: c.logger,
	}

	go func() {
		if err := party.Start(); err != nil {
			s.logger.Error("dklscore: failed to start keygen party", zap.Error(err))
			errCh <- &tss.Error{Cause: err}
		}
	}()

	return s, nil
}

func (c *TssCore) NewKeyRotationSession(old types.KeyshareRecord, distributed bool) (KeygenSession, error) {
	return c.NewKeygenSession(int(old.TotalParties), int(old.Threshold), old.PartyIndex, old.GroupID, distributed)
}

func (c *TssCore) NewSignSession(share types.KeyshareRecord, messageHash []byte) (SignSession, error) {
	if len(messageHash) != 32 {
		return nil, engineerr.New(engineerr.ProtocolError, "message hash must be 32 bytes")
	}

	var saveData keygen.LocalPartySaveData
	if err := json.Unmarshal(share.Serialized, &saveData); err != nil {
		return nil, engineerr.Wrap(engineerr.ProtocolError, "failed to deserialize keyshare save data", err)
	}

	var publicKey *ecdsa.PublicKey
	if saveData.ECDSAPub != nil {
		publicKey = saveData.ECDSAPub.ToECDSAPubKey()
	}

	n := int(share.TotalParties)
	t := int(share.Threshold)
	partyIDs := sortedPartyIDs(n, true)
	thisID := partyIDs[share.PartyIndex]

	signingParties := partyIDs
	if t+1 < n {
		signingParties = partyIDs[:t+1]
	}
	ctx := tss.NewPeerContext(signingParties)
	params := tss.NewParameters(tss.S256(), ctx, thisID, len(signingParties), t)

	outCh := make(chan tss.Message, 100)
	endCh := make(chan common.SignatureData, 1)
	errCh := make(chan *tss.Error, 1)

	hashInt := new(big.Int).SetBytes(messageHash)
	party := signing.NewLocalParty(hashInt, params, saveData, outCh, endCh)

	s := &tssSignSession{
		partyIndex:  share.PartyIndex,
		messageHash: messageHash,
		party:       party, outCh: outCh, endCh: endCh, errCh: errCh,
		partyIDs: partyIDs, publicKey: publicKey, logger: c.logger,
	}

	go func() {
		if err := party.Start(); err != nil {
			s.logger.Error("dklscore: failed to start signing party", zap.Error(err))
			errCh <- err
		}
	}()

	return s, nil
}

type tssKeygenSession struct {
	mu         sync.Mutex
	n, t       int
	partyIndex int
	groupID    types.GroupID

	party    tss.Party
	outCh    chan tss.Message
	endCh    chan keygen.LocalPartySaveData
	errCh    chan *tss.Error
	partyIDs tss.SortedPartyIDs
	logger   *zap.Logger

	share    types.KeyshareRecord
	complete bool
}

func (s *tssKeygenSession) CreateFirstMessage() ([]byte, error) {
	msgs, err := collectBroadcast(s.outCh, s.logger)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *tssKeygenSession) HandleMessages(round int, msgs [][]byte) ([][]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, raw := range msgs {
		parsed, err := tss.ParseWireMessage(raw, s.partyIDs[0], true)
		if err != nil {
			s.logger.Warn("dklscore: failed to parse keygen message", zap.Error(err))
			continue
		}
		if _, err := s.party.Update(parsed); err != nil {
			s.logger.Warn("dklscore: keygen party update failed", zap.Error(err))
		}
	}

	select {
	case saveData := <-s.endCh:
		serialized, err := json.Marshal(saveData)
		if err != nil {
			return nil, false, engineerr.Wrap(engineerr.ProtocolError, "failed to serialize keyshare", err)
		}
		if saveData.ECDSAPub == nil {
			return nil, false, engineerr.New(engineerr.ProtocolError, "keygen completed without a public key")
		}
		pub, err := saveData.ECDSAPub.ToECDSAPubKey()
		if err != nil {
			return nil, false, engineerr.Wrap(engineerr.ProtocolError, "failed to convert public key", err)
		}

		s.share = types.KeyshareRecord{
			Serialized:   serialized,
			PublicKey:    compressedPointHex(pub),
			Participants: uint16(s.n),
			Threshold:    uint16(s.t),
			PartyIndex:   s.partyIndex,
			GroupID:      s.groupID,
			TotalParties: uint16(s.n),
		}
		s.complete = true
		s.logger.Info("dklscore: tss keygen complete", zap.String("address", keccakAddress(pub)))
		return nil, true, nil

	case tssErr := <-s.errCh:
		return nil, false, engineerr.Wrap(engineerr.ProtocolError, "keygen protocol error", tssErr)

	default:
		outgoing, err := collectRound(s.outCh, s.partyIDs, s.logger)
		if err != nil {
			return nil, false, err
		}
		return outgoing, false, nil
	}
}

func (s *tssKeygenSession) Keyshare() (types.KeyshareRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.complete {
		return types.KeyshareRecord{}, engineerr.New(engineerr.ProtocolError, "keyshare requested before completion")
	}
	return s.share, nil
}

func (s *tssKeygenSession) Close() error {
	return nil
}

type tssSignSession struct {
	mu          sync.Mutex
	partyIndex  int
	messageHash []byte

	party     tss.Party
	outCh     chan tss.Message
	endCh     chan common.SignatureData
	errCh     chan *tss.Error
	partyIDs  tss.SortedPartyIDs
	publicKey *ecdsa.PublicKey
	logger    *zap.Logger

	r, s []byte
	done bool
}

func (s *tssSignSession) CreateFirstMessage() ([]byte, error) {
	msgs, err := collectBroadcast(s.outCh, s.logger)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *tssSignSession) HandleMessages(round int, msgs [][]byte) ([][]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, raw := range msgs {
		parsed, err := tss.ParseWireMessage(raw, s.partyIDs[0], true)
		if err != nil {
			s.logger.Warn("dklscore: failed to parse signing message", zap.Error(err))
			continue
		}
		if _, err := s.party.Update(parsed); err != nil {
			s.logger.Warn("dklscore: signing party update failed", zap.Error(err))
		}
	}

	select {
	case sigData := <-s.endCh:
		r := padToBytesTss(sigData.R, 32)
		sigS := padToBytesTss(sigData.S, 32)

		if s.publicKey != nil {
			rInt := new(big.Int).SetBytes(r)
			sInt := new(big.Int).SetBytes(sigS)
			if !ecdsa.Verify(s.publicKey, s.messageHash, rInt, sInt) {
				return nil, false, engineerr.New(engineerr.ProtocolError, "signature failed local verification")
			}
		}

		s.r, s.s = r, sigS
		s.done = true
		s.logger.Info("dklscore: tss signing complete")
		return nil, true, nil

	case tssErr := <-s.errCh:
		return nil, false, engineerr.Wrap(engineerr.ProtocolError, "signing protocol error", tssErr)

	default:
		outgoing, err := collectRound(s.outCh, s.partyIDs, s.logger)
		if err != nil {
			return nil, false, err
		}
		return outgoing, false, nil
	}
}

func (s *tssSignSession) Signature() ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		return nil, nil, engineerr.New(engineerr.ProtocolError, "signature requested before completion")
	}
	return s.r, s.s, nil
}

func (s *tssSignSession) Close() error {
	return nil
}

// collectBroadcast drains a single round-0 broadcast message, used for
// CreateFirstMessage where every party emits the same initial payload.
func collectBroadcast(outCh chan tss.Message, logger *zap.Logger) ([]byte, error) {
	select {
	case msg := <-outCh:
		wireBytes, _, err := msg.WireBytes()
		if err != nil {
			return nil, engineerr.Wrap(engineerr.ProtocolError, "failed to serialize first message", err)
		}
		return wireBytes, nil
	case <-time.After(collectTimeout):
		return nil, engineerr.New(engineerr.Fatal, "timed out waiting for first protocol message")
	}
}

// collectRound drains outCh for up to collectTimeout and reshapes the
// drained tss.Message batch into the driver's ordered-by-peer-index
// outgoing slice: a single broadcast payload stays a one-element
// slice, point-to-point routing produces one entry per recipient
// ordered by party index (matching the simulated core's n-1 shape),
// grounded on signing_tss.go's convertTSSMessage routing split.
func collectRound(outCh chan tss.Message, partyIDs tss.SortedPartyIDs, logger *zap.Logger) ([][]byte, error) {
	byIndex := make(map[int][]byte)
	var broadcast []byte

	timeout := time.After(collectTimeout)
collect:
	for {
		select {
		case msg := <-outCh:
			wireBytes, routing, err := msg.WireBytes()
			if err != nil {
				logger.Warn("dklscore: failed to serialize outgoing message", zap.Error(err))
				continue
			}
			if routing.IsBroadcast {
				broadcast = wireBytes
				continue
			}
			for _, to := range routing.To {
				for i, pid := range partyIDs {
					if pid.Id == to.Id {
						byIndex[i] = wireBytes
					}
				}
			}
		case <-timeout:
			break collect
		}
	}

	if broadcast != nil {
		return [][]byte{broadcast}, nil
	}
	if len(byIndex) == 0 {
		return nil, nil
	}

	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	for i := 0; i < len(indices); i++ {
		for j := i + 1; j < len(indices); j++ {
			if indices[j] < indices[i] {
				indices[i], indices[j] = indices[j], indices[i]
			}
		}
	}
	outgoing := make([][]byte, 0, len(indices))
	for _, i := range indices {
		outgoing = append(outgoing, byIndex[i])
	}
	return outgoing, nil
}

func compressedPointHex(pub *ecdsa.PublicKey) string {
	prefix := byte(0x02)
	if pub.Y.Bit(0) == 1 {
		prefix = 0x03
	}
	out := make([]byte, 33)
	out[0] = prefix
	pub.X.FillBytes(out[1:])
	return fmt.Sprintf("%x", out)
}

func keccakAddress(pub *ecdsa.PublicKey) string {
	uncompressed := make([]byte, 64)
	pub.X.FillBytes(uncompressed[:32])
	pub.Y.FillBytes(uncompressed[32:])
	hasher := sha3.NewLegacyKeccak256()
	_, _ = hasher.Write(uncompressed)
	hash := hasher.Sum(nil)
	return fmt.Sprintf("0x%x", hash[len(hash)-20:])
}

func padToBytesTss(data *big.Int, length int) []byte {
	if data == nil {
		return make([]byte, length)
	}
	src := data.Bytes()
	if len(src) >= length {
		return src[:length]
	}
	result := make([]byte, length)
	copy(result[length-len(src):], src)
	return result
}
