//go:build !tss

package dklscore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/types"
)

// SimulatedCore is the default, non-tss build of the DKLS23 adapter:
// it exercises the full round shape the driver expects without
// linking a real threshold-ECDSA library, generating a plain ECDSA
// P-256 key locally at the final round. Adapted from the teacher's
// dkg.go/signing.go simulated handlers, generalized from a
// session-map-keyed handler into a single session object per run.
type SimulatedCore struct {
	logger *zap.Logger
}

// NewSimulatedCore builds the default Core implementation.
func NewSimulatedCore(logger *zap.Logger) *SimulatedCore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedCore{logger: logger}
}

func (c *SimulatedCore) NewKeygenSession(n, t, partyIndex int, groupID types.GroupID, distributed bool) (KeygenSession, error) {
	return &simulatedKeygenSession{
		n: n, t: t, partyIndex: partyIndex, groupID: groupID,
		logger: c.logger,
	}, nil
}

func (c *SimulatedCore) NewKeyRotationSession(old types.KeyshareRecord, distributed bool) (KeygenSession, error) {
	return &simulatedKeygenSession{
		n: int(old.TotalParties), t: int(old.Threshold), partyIndex: old.PartyIndex,
		groupID: old.GroupID, logger: c.logger,
	}, nil
}

func (c *SimulatedCore) NewSignSession(share types.KeyshareRecord, messageHash []byte) (SignSession, error) {
	if len(messageHash) != 32 {
		return nil, engineerr.New(engineerr.ProtocolError, "message hash must be 32 bytes")
	}
	privateKey, err := parseSimulatedPrivateKey(share.Serialized)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ProtocolError, "failed to load private key share", err)
	}
	return &simulatedSignSession{
		privateKey:  privateKey,
		messageHash: messageHash,
		logger:      c.logger,
	}, nil
}

type simulatedKeygenSession struct {
	mu         sync.Mutex
	n, t       int
	partyIndex int
	groupID    types.GroupID
	logger     *zap.Logger

	privateKey *ecdsa.PrivateKey
	share      types.KeyshareRecord
	closed     bool
}

func (s *simulatedKeygenSession) CreateFirstMessage() ([]byte, error) {
	return randomRoundPayload()
}

func (s *simulatedKeygenSession) HandleMessages(round int, msgs [][]byte) ([][]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if round < lastProtocolRound {
		outgoing := make([][]byte, s.n-1)
		for i := range outgoing {
			payload, err := randomRoundPayload()
			if err != nil {
				return nil, false, err
			}
			outgoing[i] = payload
		}
		return outgoing, false, nil
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, false, engineerr.Wrap(engineerr.ProtocolError, "failed to generate simulated share", err)
	}
	s.privateKey = privateKey

	serialized, err := serializeSimulatedPrivateKey(privateKey, s.partyIndex, s.t, s.n)
	if err != nil {
		return nil, false, err
	}

	s.share = types.KeyshareRecord{
		Serialized:   serialized,
		PublicKey:    encodeCompressedPoint(&privateKey.PublicKey),
		Participants: uint16(s.n),
		Threshold:    uint16(s.t),
		PartyIndex:   s.partyIndex,
		GroupID:      s.groupID,
		TotalParties: uint16(s.n),
	}

	s.logger.Debug("dklscore: simulated keygen produced share", zap.Int("party_index", s.partyIndex))
	return nil, true, nil
}

func (s *simulatedKeygenSession) Keyshare() (types.KeyshareRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.privateKey == nil {
		return types.KeyshareRecord{}, engineerr.New(engineerr.ProtocolError, "keyshare requested before completion")
	}
	return s.share, nil
}

func (s *simulatedKeygenSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type simulatedSignSession struct {
	mu          sync.Mutex
	privateKey  *ecdsa.PrivateKey
	messageHash []byte
	logger      *zap.Logger

	r, sVal []byte
	signed  bool
}

func (s *simulatedSignSession) CreateFirstMessage() ([]byte, error) {
	return randomRoundPayload()
}

func (s *simulatedSignSession) HandleMessages(round int, msgs [][]byte) ([][]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if round < lastProtocolRound {
		outgoing := make([][]byte, 0, len(msgs))
		for range msgs {
			payload, err := randomRoundPayload()
			if err != nil {
				return nil, false, err
			}
			outgoing = append(outgoing, payload)
		}
		return outgoing, false, nil
	}

	r, sigS, err := ecdsa.Sign(rand.Reader, s.privateKey, s.messageHash)
	if err != nil {
		return nil, false, engineerr.Wrap(engineerr.ProtocolError, "failed to sign", err)
	}
	s.r = padToBytes(r, 32)
	s.sVal = padToBytes(sigS, 32)
	s.signed = true

	s.logger.Debug("dklscore: simulated signing produced signature")
	return nil, true, nil
}

func (s *simulatedSignSession) Signature() ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.signed {
		return nil, nil, engineerr.New(engineerr.ProtocolError, "signature requested before completion")
	}
	return s.r, s.sVal, nil
}

func (s *simulatedSignSession) Close() error {
	return nil
}

func randomRoundPayload() ([]byte, error) {
	payload := make([]byte, 64)
	if _, err := rand.Read(payload); err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to generate round payload", err)
	}
	return payload, nil
}

// serializeSimulatedPrivateKey stores just enough to reconstruct the
// key for a later SignSession; adapted from the teacher's
// parsePrivateKey/save-data JSON shape in signing.go.
func serializeSimulatedPrivateKey(key *ecdsa.PrivateKey, partyIndex, threshold, total int) ([]byte, error) {
	data := map[string]any{
		"party_index":       partyIndex,
		"threshold":         threshold,
		"total_parties":     total,
		"private_key_d_b64": base64.StdEncoding.EncodeToString(key.D.Bytes()),
		"curve":             "P-256",
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to serialize simulated share", err)
	}
	return encoded, nil
}

func parseSimulatedPrivateKey(serialized []byte) (*ecdsa.PrivateKey, error) {
	var data map[string]any
	if err := json.Unmarshal(serialized, &data); err != nil {
		return nil, fmt.Errorf("failed to deserialize share: %w", err)
	}

	dRaw, ok := data["private_key_d_b64"].(string)
	if !ok || dRaw == "" {
		return nil, fmt.Errorf("share missing private key")
	}
	dBytes, err := base64.StdEncoding.DecodeString(dRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(dBytes)
	x, y := curve.ScalarBaseMult(dBytes)

	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}, nil
}

func encodeCompressedPoint(pub *ecdsa.PublicKey) string {
	prefix := byte(0x02)
	if pub.Y.Bit(0) == 1 {
		prefix = 0x03
	}
	out := make([]byte, 33)
	out[0] = prefix
	pub.X.FillBytes(out[1:])
	return fmt.Sprintf("%x", out)
}

func padToBytes(data *big.Int, length int) []byte {
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
