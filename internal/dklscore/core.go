// Package dklscore adapts the opaque DKLS23 cryptographic core the
// spec treats as an external collaborator (new_keygen_session,
// init_key_rotation, new_sign_session, create_first_message,
// handle_messages, keyshare, signature) behind a small Go interface.
// Mirrors the teacher's dual-build-tag split: the default build is a
// simulated core (internal/dkg/dkg.go, internal/signing/signing.go),
// the `tss` build tag swaps in github.com/bnb-chain/tss-lib/v2
// (internal/dkg/dkg_tss.go, internal/signing/signing_tss.go).
package dklscore

import (
	"github.com/collider/dkls-engine/internal/types"
)

// Core constructs protocol sessions. One Core instance is shared by a
// Session façade; each call creates an independent KeygenSession or
// SignSession bound to one protocol run.
type Core interface {
	// NewKeygenSession starts a fresh DKG for an (n, t) group at
	// partyIndex. distributed names the DKLS23 distributed-sampling
	// variant; SimulatedCore and TssCore accept the flag but run the
	// same protocol whichever value it has.
	NewKeygenSession(n, t, partyIndex int, groupID types.GroupID, distributed bool) (KeygenSession, error)
	// NewKeyRotationSession re-keys an existing share, preserving its
	// (n, t, party_index) parameters.
	NewKeyRotationSession(old types.KeyshareRecord, distributed bool) (KeygenSession, error)
	// NewSignSession starts a threshold signature over messageHash
	// (32 bytes) using a previously persisted share.
	NewSignSession(share types.KeyshareRecord, messageHash []byte) (SignSession, error)
}

// KeygenSession drives one DKG or key-rotation run to completion.
type KeygenSession interface {
	// CreateFirstMessage returns the opaque round-0 outbound payload.
	CreateFirstMessage() ([]byte, error)
	// HandleMessages feeds the deduplicated, filtered inbound payloads
	// for round to the core and returns the next round's outbound
	// payloads. done is true once the core has produced a final
	// keyshare (Keyshare becomes valid only after done).
	HandleMessages(round int, msgs [][]byte) (outgoing [][]byte, done bool, err error)
	// Keyshare returns the completed KeyshareRecord. Valid only after
	// HandleMessages has reported done.
	Keyshare() (types.KeyshareRecord, error)
	// Close releases any resources held by the session.
	Close() error
}

// SignSession drives one threshold-signing run to completion.
type SignSession interface {
	CreateFirstMessage() ([]byte, error)
	HandleMessages(round int, msgs [][]byte) (outgoing [][]byte, done bool, err error)
	// Signature returns the (r, s) pair. Valid only after
	// HandleMessages has reported done.
	Signature() (r, s []byte, err error)
	Close() error
}

// lastProtocolRound is the final round number both keygen and signing
// sessions complete on (spec.md §4.7/§4.8: round 4 produces the
// keyshare or signature and a round-5 DONE control frame).
const lastProtocolRound = 4
