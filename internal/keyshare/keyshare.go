// Package keyshare implements KeyshareStore (spec.md §4.9): a
// rotation-aware persistent store for KeyshareRecord values, layered on
// kvstore.Store and encrypted at rest with crypto.AtRestEnvelope.
// Grounded on the teacher's FileStorage/MemoryStorage password-keyed
// SaveShare/GetShare pair (internal/storage/storage.go), generalized
// from "one current share per keyset" to "current plus at most one
// .bak" per the rotation contract.
package keyshare

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/crypto"
	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/kvstore"
	"github.com/collider/dkls-engine/internal/types"
)

const backupSuffix = ".bak"

// Store persists KeyshareRecords under the `keyshare_{group_id}_{party_index}`
// key schema, keeping at most one prior version per key during rotation.
type Store struct {
	backing    kvstore.Store
	passphrase string
	logger     *zap.Logger
}

// New builds a Store on top of backing, encrypting every record at
// rest with passphrase.
func New(backing kvstore.Store, passphrase string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backing: backing, passphrase: passphrase, logger: logger}
}

func currentKey(groupID types.GroupID, partyIndex int) string {
	return fmt.Sprintf("keyshare_%s_%d", groupID, partyIndex)
}

func backupKey(groupID types.GroupID, partyIndex int) string {
	return currentKey(groupID, partyIndex) + backupSuffix
}

// Save persists record under its (group_id, party_index) key. When
// rotation is true, the existing current value is preserved as the
// new `.bak` (overwriting any prior backup) before the new record
// becomes current; otherwise current is overwritten directly
// (spec.md §4.9).
//
// The sequence is move-before-delete rather than the source's
// delete-then-move: write the new record under a staging key first,
// then promote the old current to `.bak`, then write the new record to
// current and remove the staging key. A crash anywhere in the middle leaves either the old
// current intact or the new current plus backup intact — never
// neither (spec.md §9 Open Question 2, left to the implementer).
func (s *Store) Save(record types.KeyshareRecord, rotation bool) error {
	key := currentKey(record.GroupID, record.PartyIndex)
	encoded, err := s.encode(record)
	if err != nil {
		return err
	}

	if !rotation {
		return s.backing.Save(key, encoded)
	}

	staging := key + ".staging"
	if err := s.backing.Save(staging, encoded); err != nil {
		return engineerr.Wrap(engineerr.Fatal, "failed to stage rotated keyshare", err)
	}

	if oldCurrent, err := s.backing.Get(key); err == nil {
		if err := s.backing.Save(backupKey(record.GroupID, record.PartyIndex), oldCurrent); err != nil {
			return engineerr.Wrap(engineerr.Fatal, "failed to move current keyshare to backup", err)
		}
	} else if err != kvstore.ErrNotFound {
		return engineerr.Wrap(engineerr.Fatal, "failed to read current keyshare before rotation", err)
	}

	if err := s.backing.Save(key, encoded); err != nil {
		return engineerr.Wrap(engineerr.Fatal, "failed to promote rotated keyshare to current", err)
	}
	if err := s.backing.Remove(staging); err != nil {
		s.logger.Warn("keyshare: failed to remove rotation staging key", zap.Error(err))
	}
	return nil
}

// Load returns the current KeyshareRecord for (group_id, party_index),
// or a NotFound error.
func (s *Store) Load(groupID types.GroupID, partyIndex int) (types.KeyshareRecord, error) {
	return s.load(currentKey(groupID, partyIndex))
}

// LoadBackup returns the `.bak` record, or a NotFound error if no
// rotation has occurred yet. Callers treat it as authoritative when
// Load reports NotFound after a crash mid-rotation (spec.md §4.9
// "Atomicity note").
func (s *Store) LoadBackup(groupID types.GroupID, partyIndex int) (types.KeyshareRecord, error) {
	return s.load(backupKey(groupID, partyIndex))
}

func (s *Store) load(key string) (types.KeyshareRecord, error) {
	raw, err := s.backing.Get(key)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return types.KeyshareRecord{}, engineerr.New(engineerr.NotFound, "keyshare not found: "+key)
		}
		return types.KeyshareRecord{}, engineerr.Wrap(engineerr.Fatal, "failed to read keyshare", err)
	}
	return s.decode(raw)
}

// Exists reports whether a current record is present for
// (group_id, party_index). Supplements spec.md §4.9's save/load pair
// with a non-erroring existence check.
func (s *Store) Exists(groupID types.GroupID, partyIndex int) bool {
	_, err := s.backing.Get(currentKey(groupID, partyIndex))
	return err == nil
}

// List returns the decoded current record of every stored keyset,
// skipping `.bak` entries; an entry that cannot be read or decoded is
// left out of the result (decode failures are logged). Supplements spec.md §4.9 for hosts
// that need to enumerate stored keysets.
func (s *Store) List() ([]types.KeyshareRecord, error) {
	keys, err := s.backing.Keys()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to list keyshare keys", err)
	}

	var records []types.KeyshareRecord
	for _, key := range keys {
		if hasBackupSuffix(key) || !hasKeysharePrefix(key) {
			continue
		}
		raw, err := s.backing.Get(key)
		if err != nil {
			continue
		}
		record, err := s.decode(raw)
		if err != nil {
			s.logger.Warn("keyshare: skipping undecodable entry", zap.String("key", key), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func hasBackupSuffix(key string) bool {
	return len(key) >= len(backupSuffix) && key[len(key)-len(backupSuffix):] == backupSuffix
}

func hasKeysharePrefix(key string) bool {
	const prefix = "keyshare_"
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

func (s *Store) encode(record types.KeyshareRecord) ([]byte, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to serialize keyshare record", err)
	}
	env, err := crypto.Seal(plaintext, s.passphrase, map[string]string{
		"group_id":    string(record.GroupID),
		"party_index": fmt.Sprintf("%d", record.PartyIndex),
	})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to seal keyshare record", err)
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to serialize at-rest envelope", err)
	}
	return encoded, nil
}

func (s *Store) decode(raw []byte) (types.KeyshareRecord, error) {
	var env crypto.AtRestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.KeyshareRecord{}, engineerr.Wrap(engineerr.CorruptData, "failed to parse at-rest envelope", err)
	}
	plaintext, err := crypto.Open(&env, s.passphrase)
	if err != nil {
		return types.KeyshareRecord{}, err
	}
	var record types.KeyshareRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return types.KeyshareRecord{}, engineerr.Wrap(engineerr.CorruptData, "failed to parse keyshare record", err)
	}
	return record, nil
}
