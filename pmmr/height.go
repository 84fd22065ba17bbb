package pmmr

import "math/bits"

// bitLength64 returns the number of bits needed to represent num.
func bitLength64(num uint64) uint64 {
	return uint64(bits.Len64(num))
}

// allOnes reports whether num, in binary, is all 1 bits (2^n - 1).
func allOnes(num uint64) bool {
	return (uint64(1)<<bits.OnesCount64(num) - 1) == num
}

// jumpLeftPerfect jumps from pos to the left-most node at the same height,
// by subtracting the size of the largest perfect subtree preceding pos. pos
// is a 1-based position.
func jumpLeftPerfect(pos uint64) uint64 {
	msb := uint64(1) << (bitLength64(pos) - 1)
	return pos - (msb - 1)
}

// PosHeight returns the zero-based height of the node at the given 1-based
// position.
func PosHeight(pos uint64) uint64 {
	for !allOnes(pos) {
		pos = jumpLeftPerfect(pos)
	}
	return bitLength64(pos) - 1
}

// IndexHeight returns the zero-based height of the node at 0-based index i
// (i == pos-1).
func IndexHeight(i uint64) uint64 {
	return PosHeight(i + 1)
}

// IsLeaf reports whether the 1-based position pos is a leaf (height 0).
func IsLeaf(pos uint64) bool {
	return PosHeight(pos) == 0
}

// siblingOffset returns the distance (in positions) between a node at the
// given zero-based height and its sibling.
func siblingOffset(height uint64) uint64 {
	return (2 << height) - 1
}

// JumpRightSibling moves from pos to its right sibling at the same height.
func JumpRightSibling(pos uint64) uint64 {
	return pos + (1 << (PosHeight(pos) + 1)) - 1
}

// LeftChild returns the top-most left child of the node at parent position
// pos. ok is false if pos is a leaf (has no children).
func LeftChild(pos uint64) (child uint64, ok bool) {
	height := PosHeight(pos)
	if height == 0 {
		return 0, false
	}
	return pos - (1 << height), true
}

// LeftPosForHeight returns the 0-based node index of the left-most node at
// the given zero-based height (one less than that node's 1-based position).
func LeftPosForHeight(height uint64) uint64 {
	return (1 << (height + 1)) - 2
}
