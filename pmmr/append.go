package pmmr

import "hash"

// NodeAppender is the narrow storage interface the push algorithm needs: get
// the hash already stored at a 0-based node index, and append a new one.
type NodeAppender interface {
	GetHash(i uint64) ([]byte, error)
	AppendHash(value []byte) (uint64, error)
}

// PushLeafHash appends a single already-hashed leaf and back-fills whatever
// interior (parent) nodes the new leaf completes. Returns the 0-based index
// of the last node written, which is also mmrSize-1 after the push.
func PushLeafHash(store NodeAppender, hasher hash.Hash, leafHash []byte) (uint64, error) {
	i, err := store.AppendHash(leafHash)
	if err != nil {
		return 0, err
	}

	height := uint64(0)
	for IndexHeight(i+1) > height {
		iLeft := (i + 1) - (2 << height)
		iRight := i

		left, err := store.GetHash(iLeft)
		if err != nil {
			return 0, err
		}
		right, err := store.GetHash(iRight)
		if err != nil {
			return 0, err
		}

		parent := HashParent(hasher, i+2, left, right)
		if i, err = store.AppendHash(parent); err != nil {
			return 0, err
		}
		height++
	}
	return i, nil
}
