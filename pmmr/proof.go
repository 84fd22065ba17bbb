package pmmr

import (
	"errors"
	"hash"
)

// ErrPosOutOfRange is returned when a requested position exceeds the current
// MMR size.
var ErrPosOutOfRange = errors.New("pmmr: position out of range")

// HashGetter reads the stored hash for a 1-based position.
type HashGetter interface {
	GetHash(pos uint64) ([]byte, error)
}

// Proof is an inclusion proof: the sibling hashes from a leaf up to the peak
// that commits it, followed by the bagged hashes of every other peak needed
// to recompute the root.
type Proof struct {
	// Position is the 1-based position the proof was built for.
	Position uint64
	// MMRSize is the MMR size the proof was built against.
	MMRSize uint64
	// Path holds the sibling hashes from Position up to its containing peak.
	Path [][]byte
	// Peaks holds the root hashes of every peak of MMRSize, ascending by
	// position (Position's own peak is included, recomputed from Path).
	Peaks [][]byte
}

// BuildProof constructs an inclusion proof for the 1-based position pos
// against an MMR of size mmrSize.
func BuildProof(store HashGetter, mmrSize uint64, pos uint64) (*Proof, error) {
	if pos > mmrSize {
		return nil, ErrPosOutOfRange
	}

	peaks := Peaks(mmrSize)
	if peaks == nil {
		return nil, ErrPosOutOfRange
	}

	var path [][]byte
	cur := pos
	for {
		height := PosHeight(cur)
		var sibling uint64
		var parent uint64
		if IsPeakPos(peaks, cur) {
			break
		}
		if PosHeight(cur+1) > height {
			// cur is the right child; sibling precedes it.
			sibling = cur - siblingOffset(height)
			parent = cur + 1
		} else {
			// cur is the left child; sibling follows it.
			sibling = cur + siblingOffset(height)
			parent = sibling + 1
		}
		h, err := store.GetHash(sibling)
		if err != nil {
			return nil, err
		}
		path = append(path, h)
		cur = parent
		if cur > mmrSize {
			break
		}
	}

	peakHashes := make([][]byte, len(peaks))
	for i, p := range peaks {
		h, err := store.GetHash(p)
		if err != nil {
			return nil, err
		}
		peakHashes[i] = h
	}

	return &Proof{Position: pos, MMRSize: mmrSize, Path: path, Peaks: peakHashes}, nil
}

// IsPeakPos reports whether pos is one of the given peak positions.
func IsPeakPos(peaks []uint64, pos uint64) bool {
	for _, p := range peaks {
		if p == pos {
			return true
		}
	}
	return false
}

// Verify recomputes the root from leafHash and the proof path and compares it
// to root.
func (p *Proof) Verify(hasher hash.Hash, leafHash []byte, root []byte) bool {
	return equalBytes(p.Root(hasher, leafHash), root)
}

// Root recomputes the MMR root implied by this proof and the given leaf
// hash.
func (p *Proof) Root(hasher hash.Hash, leafHash []byte) []byte {
	peaks := Peaks(p.MMRSize)
	cur := p.Position
	curHash := leafHash
	pi := 0
	for !IsPeakPos(peaks, cur) {
		height := PosHeight(cur)
		sib := p.Path[pi]
		pi++
		var parent uint64
		var parentHash []byte
		if PosHeight(cur+1) > height {
			parent = cur + 1
			parentHash = HashParent(hasher, parent, sib, curHash)
		} else {
			parent = cur + siblingOffset(height) + 1
			parentHash = HashParent(hasher, parent, curHash, sib)
		}
		curHash = parentHash
		cur = parent
	}

	return bagPeaks(hasher, peaks, p.Peaks, cur, curHash)
}

// bagPeaks folds the list of peak hashes into a single root, substituting
// recomputed for the peak matching atPos.
func bagPeaks(hasher hash.Hash, peaks []uint64, peakHashes [][]byte, atPos uint64, atHash []byte) []byte {
	hashes := make([][]byte, len(peakHashes))
	copy(hashes, peakHashes)
	for i, p := range peaks {
		if p == atPos {
			hashes[i] = atHash
		}
	}
	return BagPeakHashes(hasher, hashes)
}

// BagPeakHashes combines peak hashes right to left into a single root, the
// same convention grin's PMMR::root uses: the right-most peak is the
// innermost hash.
func BagPeakHashes(hasher hash.Hash, peakHashes [][]byte) []byte {
	if len(peakHashes) == 0 {
		hasher.Reset()
		return hasher.Sum(nil)
	}
	root := peakHashes[len(peakHashes)-1]
	for i := len(peakHashes) - 2; i >= 0; i-- {
		hasher.Reset()
		hasher.Write(peakHashes[i])
		hasher.Write(root)
		root = hasher.Sum(nil)
	}
	return root
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
