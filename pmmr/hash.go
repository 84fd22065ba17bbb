package pmmr

import (
	"encoding/binary"
	"hash"
)

// HashSize is the digest size, in bytes, of every node hash the backend
// stores; the hasher a Backend is opened with must produce digests of this
// size.
const HashSize = 32

// hashWriteUint64 writes value to hasher in big-endian layout.
func hashWriteUint64(hasher hash.Hash, value uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], value)
	hasher.Write(b[:]) //nolint:errcheck
}

// HashParent returns H(pos || left || right), committing to the 1-based
// position of the parent node being created. Committing to position defends
// against second-preimage / equivocation attacks across positions.
func HashParent(hasher hash.Hash, pos uint64, left, right []byte) []byte {
	hasher.Reset()
	hashWriteUint64(hasher, pos)
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}

// HashLeafWithIndex returns H(index || data), the leaf hash committing to an
// index. The backend passes the leaf's 0-based node index (its 1-based
// position minus one), not its insertion index.
func HashLeafWithIndex(hasher hash.Hash, index uint64, data []byte) []byte {
	hasher.Reset()
	hashWriteUint64(hasher, index)
	hasher.Write(data)
	return hasher.Sum(nil)
}
