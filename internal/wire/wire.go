// Package wire implements the JSON wire codec for ProtocolMessage
// frames and the 32-bit rolling hash used by the protocol driver to
// deduplicate inbound messages (spec.md §3, §4.6).
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/collider/dkls-engine/internal/types"
)

// envelope mirrors the relay's `{type:"message", message:...}`
// wrapper (spec.md §6); plain ProtocolMessage frames are also
// accepted directly.
type envelope struct {
	Type    string                `json:"type"`
	Message types.ProtocolMessage `json:"message"`
}

// Encode serializes msg as a plain JSON ProtocolMessage frame.
func Encode(msg types.ProtocolMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses data as either a bare ProtocolMessage or a
// `{type:"message", message:...}` envelope, and validates the result
// structurally (spec.md §6: "reject messages failing ProtocolMessage
// structural validation").
func Decode(data []byte) (types.ProtocolMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type == "message" {
		if err := validate(env.Message); err != nil {
			return types.ProtocolMessage{}, err
		}
		return env.Message, nil
	}

	var msg types.ProtocolMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.ProtocolMessage{}, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if err := validate(msg); err != nil {
		return types.ProtocolMessage{}, err
	}
	return msg, nil
}

func validate(msg types.ProtocolMessage) error {
	if !msg.GroupID.Valid() {
		return fmt.Errorf("wire: invalid group_id %q", msg.GroupID)
	}
	if !msg.FromID.Valid() {
		return fmt.Errorf("wire: invalid from_id %q", msg.FromID)
	}
	if msg.Round < types.RoundControl || msg.Round > types.RoundDone {
		return fmt.Errorf("wire: round %d out of range", msg.Round)
	}
	return nil
}

// RollingHash32 computes a 32-bit rolling hash of
// "from_id:to_id:round:content", used to deduplicate inbound messages
// regardless of delivery count (spec.md §4.6, §8 invariant 2).
func RollingHash32(fromID, toID string, round int, content string) uint32 {
	s := fmt.Sprintf("%s:%s:%d:%s", fromID, toID, round, content)
	var h uint32 = 2166136261 // FNV-1a offset basis, used as the rolling accumulator seed
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
