package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "dexledger:genesis:v1"

// StateHasher maintains the hash chain over applied operations:
// state_hash[N] = SHA-256(prev_hash || sequence || state_digest).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash advances the chain and returns the new tip.
func (h *StateHasher) ComputeHash(sequence uint64, stateDigest []byte) [32]byte {
	buf := make([]byte, 0, 40+len(stateDigest))
	buf = append(buf, h.prevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, sequence)
	buf = append(buf, stateDigest...)

	h.prevHash = sha256.Sum256(buf)
	return h.prevHash
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip after replay.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
