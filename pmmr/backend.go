package pmmr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"
)

// Element is the narrow encode contract required of any type stored in a
// Backend: a stable byte encoding used both for storage and for hashing.
type Element interface {
	MarshalBinary() ([]byte, error)
}

// Decoder reconstructs a T from the bytes MarshalBinary produced.
type Decoder[T Element] func([]byte) (T, error)

var (
	// ErrNotPrunable is returned by Prune/CheckCompact on a backend that was
	// opened with prunable=false (the kernel MMR).
	ErrNotPrunable = errors.New("pmmr: backend is not prunable")
	// ErrNotLeaf is returned when an operation that requires a leaf position
	// is given an interior position.
	ErrNotLeaf = errors.New("pmmr: position is not a leaf")
	// ErrCorrupt is returned when on-disk state fails an internal hash check.
	ErrCorrupt = errors.New("pmmr: backend data is internally inconsistent")
)

type dataSlot struct {
	offset int64
	length int32
}

// Backend is a file-backed, optionally-prunable MMR backend for element type
// T. It owns three files under dir: pmmr_hash.bin (one HashSize record per
// MMR node position, including interior nodes), pmmr_data.bin (length
// prefixed leaf records, in leaf-insertion order), and, if prunable,
// pmmr_prun.bin (a serialized roaring bitmap of pruned leaf positions).
//
// Pruning never removes bytes from pmmr_data.bin by itself — it only flags
// the position in the prune bitmap, which is how rewind can cheaply "re-add"
// a spent output. CheckCompact is the only operation that touches a pruned
// leaf's bytes, overwriting them with zeros in place (the file does not
// shrink), and only for positions already behind the supplied horizon.
type Backend[T Element] struct {
	dir      string
	prunable bool

	newHasher func() hash.Hash
	decode    Decoder[T]

	hashFile *os.File
	dataFile *os.File

	size   uint64 // unpruned size: total node count ever pushed (positions 1..size exist)
	slots  []dataSlot
	pruned *roaring.Bitmap

	// syncedSize/syncedPruned/syncedSlots record the last durably-synced
	// state, so Discard can roll back in-memory + on-disk state to it.
	syncedSize   uint64
	syncedSlots  int
	syncedPruned *roaring.Bitmap
}

const hashFileName = "pmmr_hash.bin"
const dataFileName = "pmmr_data.bin"
const prunFileName = "pmmr_prun.bin"

// Open creates dir if necessary and opens (or initializes) the backend's
// files. newHasher must return a fresh hash.Hash each call.
func Open[T Element](dir string, prunable bool, newHasher func() hash.Hash, decode Decoder[T]) (*Backend[T], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pmmr: create dir %s: %w", dir, err)
	}

	hashFile, err := os.OpenFile(filepath.Join(dir, hashFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	dataFile, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	b := &Backend[T]{
		dir:       dir,
		prunable:  prunable,
		newHasher: newHasher,
		decode:    decode,
		hashFile:  hashFile,
		dataFile:  dataFile,
		pruned:    roaring.New(),
	}

	if err := b.loadPruneBitmap(); err != nil {
		return nil, err
	}
	if err := b.scanSlots(); err != nil {
		return nil, err
	}

	hi, err := hashFile.Stat()
	if err != nil {
		return nil, err
	}
	b.size = uint64(hi.Size()) / HashSize

	b.markSynced()
	return b, nil
}

func (b *Backend[T]) loadPruneBitmap() error {
	if !b.prunable {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(b.dir, prunFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return b.pruned.UnmarshalBinary(data)
}

// scanSlots rebuilds the in-memory leaf-offset index by walking the length
// prefixed records in pmmr_data.bin.
func (b *Backend[T]) scanSlots() error {
	if _, err := b.dataFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var offset int64
	var lenBuf [4]byte
	for {
		n, err := io.ReadFull(b.dataFile, lenBuf[:])
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err != nil {
			return err
		}
		length := int32(binary.BigEndian.Uint32(lenBuf[:]))
		b.slots = append(b.slots, dataSlot{offset: offset + 4, length: length})
		if _, err := b.dataFile.Seek(int64(length), io.SeekCurrent); err != nil {
			return err
		}
		offset += 4 + int64(length)
	}
	return nil
}

func (b *Backend[T]) markSynced() {
	b.syncedSize = b.size
	b.syncedSlots = len(b.slots)
	b.syncedPruned = b.pruned.Clone()
}

// UnprunedSize returns the total node count ever pushed (not reduced by
// pruning). Corresponds to PmmrHandle.last_pos once synced.
func (b *Backend[T]) UnprunedSize() uint64 { return b.size }

// Push appends a new leaf, backfilling interior nodes as required, and
// returns its 1-based position.
func (b *Backend[T]) Push(v T) (uint64, error) {
	raw, err := v.MarshalBinary()
	if err != nil {
		return 0, err
	}

	leafIndex := uint64(len(b.slots))
	if err := b.appendData(raw); err != nil {
		return 0, err
	}

	pos := b.size + 1
	leafHash := HashLeafWithIndex(b.newHasher(), pos-1, raw)

	appender := &backendAppender[T]{b: b}
	_, err = PushLeafHash(appender, b.newHasher(), leafHash)
	if err != nil {
		return 0, err
	}
	_ = leafIndex
	return pos, nil
}

func (b *Backend[T]) appendData(raw []byte) error {
	if _, err := b.dataFile.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	off, err := b.dataFile.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := b.dataFile.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := b.dataFile.Write(raw); err != nil {
		return err
	}
	b.slots = append(b.slots, dataSlot{offset: off + 4, length: int32(len(raw))})
	return nil
}

// backendAppender adapts Backend's hash file to the NodeAppender interface
// PushLeafHash requires; it deals purely in 0-based node indices.
type backendAppender[T Element] struct{ b *Backend[T] }

func (a *backendAppender[T]) GetHash(i uint64) ([]byte, error) {
	return a.b.getHashAtPos(i + 1)
}

func (a *backendAppender[T]) AppendHash(value []byte) (uint64, error) {
	if _, err := a.b.hashFile.Seek(int64(a.b.size)*HashSize, io.SeekStart); err != nil {
		return 0, err
	}
	if _, err := a.b.hashFile.Write(value); err != nil {
		return 0, err
	}
	a.b.size++
	return a.b.size - 1, nil
}

func (b *Backend[T]) getHashAtPos(pos uint64) ([]byte, error) {
	if pos == 0 || pos > b.size {
		return nil, ErrPosOutOfRange
	}
	buf := make([]byte, HashSize)
	if _, err := b.hashFile.ReadAt(buf, int64(pos-1)*HashSize); err != nil {
		return nil, err
	}
	return buf, nil
}

// GetHash returns the stored hash at the given 1-based position, regardless
// of whether it is pruned (prune never removes hash-file entries).
func (b *Backend[T]) GetHash(pos uint64) ([]byte, error) {
	return b.getHashAtPos(pos)
}

// GetData returns the decoded leaf element stored at pos. It returns
// (zero, false, nil) if pos is not a live leaf (pruned, out of range, or
// interior).
func (b *Backend[T]) GetData(pos uint64) (v T, ok bool, err error) {
	var zero T
	if pos == 0 || pos > b.size || !IsLeaf(pos) {
		return zero, false, nil
	}
	if b.prunable && b.pruned.Contains(uint32(pos)) {
		return zero, false, nil
	}
	leafIndex := LeafIndex(pos)
	if leafIndex >= uint64(len(b.slots)) {
		return zero, false, nil
	}
	slot := b.slots[leafIndex]
	raw := make([]byte, slot.length)
	if _, err := b.dataFile.ReadAt(raw, slot.offset); err != nil {
		return zero, false, err
	}
	v, err = b.decode(raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// LeafIndex returns the 0-based insertion index of the leaf at 1-based
// position pos. pos must be a leaf position.
func LeafIndex(pos uint64) uint64 {
	return NLeaves(FirstMMRSize(pos-1)) - 1
}

// Prune marks the leaf at pos as spent. Returns false if it was already
// pruned.
func (b *Backend[T]) Prune(pos uint64) (bool, error) {
	if !b.prunable {
		return false, ErrNotPrunable
	}
	if pos == 0 || pos > b.size || !IsLeaf(pos) {
		return false, ErrNotLeaf
	}
	if b.pruned.Contains(uint32(pos)) {
		return false, nil
	}
	b.pruned.Add(uint32(pos))
	return true, nil
}

// Rewind truncates the backend to newSize positions and un-prunes every
// position named in rewindRmPos (positions spent after the target height,
// which must become visible/unpruned again).
func (b *Backend[T]) Rewind(newSize uint64, rewindRmPos *roaring.Bitmap) error {
	if newSize > b.size {
		return fmt.Errorf("pmmr: cannot rewind forward from %d to %d", b.size, newSize)
	}
	b.size = newSize
	newLeafCount := NLeaves(newSize)
	if uint64(len(b.slots)) > newLeafCount {
		b.slots = b.slots[:newLeafCount]
	}
	if b.prunable && rewindRmPos != nil {
		b.pruned.AndNot(rewindRmPos)
	}
	if b.prunable {
		// positions beyond the rewound size can no longer be pruned/live.
		b.pruned.RemoveRange(newSize+1, uint64(math.MaxUint32)+1)
	}
	return nil
}

// Root returns the bagged root hash of the MMR at its current size.
func (b *Backend[T]) Root() ([]byte, error) {
	peaks := Peaks(b.size)
	hashes := make([][]byte, len(peaks))
	for i, p := range peaks {
		h, err := b.getHashAtPos(p)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return BagPeakHashes(b.newHasher(), hashes), nil
}

// MerkleProof builds an inclusion proof for the leaf at pos.
func (b *Backend[T]) MerkleProof(pos uint64) (*Proof, error) {
	return BuildProof(b, b.size, pos)
}

// LeafPosIter returns the 1-based positions of every live (unpruned) leaf in
// insertion order.
func (b *Backend[T]) LeafPosIter() []uint64 {
	positions := make([]uint64, 0, len(b.slots))
	for leafIndex := range b.slots {
		pos := InsertionToPMMRIndex(uint64(leafIndex))
		if b.prunable && b.pruned.Contains(uint32(pos)) {
			continue
		}
		positions = append(positions, pos)
	}
	return positions
}

// Validate recomputes every interior node hash from its children and
// verifies it matches what is stored, returning ErrCorrupt on the first
// mismatch.
func (b *Backend[T]) Validate() error {
	for pos := uint64(1); pos <= b.size; pos++ {
		if IsLeaf(pos) {
			continue
		}
		height := PosHeight(pos)
		left := pos - (1 << height)
		right := pos - 1
		lh, err := b.getHashAtPos(left)
		if err != nil {
			return err
		}
		rh, err := b.getHashAtPos(right)
		if err != nil {
			return err
		}
		want := HashParent(b.newHasher(), pos, lh, rh)
		got, err := b.getHashAtPos(pos)
		if err != nil {
			return err
		}
		if !equalBytes(want, got) {
			return fmt.Errorf("%w: position %d", ErrCorrupt, pos)
		}
	}
	return nil
}

// CheckCompact permanently discards the backing bytes of every pruned leaf
// at or before horizonSize, except those named in keepPos (still needed to
// service a rewind within the retained reorg window). Kernel and other
// non-prunable backends reject this call.
func (b *Backend[T]) CheckCompact(horizonSize uint64, keepPos *roaring.Bitmap) error {
	if !b.prunable {
		return ErrNotPrunable
	}
	it := b.pruned.Iterator()
	for it.HasNext() {
		pos := uint64(it.Next())
		if pos > horizonSize {
			continue
		}
		if keepPos != nil && keepPos.Contains(uint32(pos)) {
			continue
		}
		leafIndex := LeafIndex(pos)
		if leafIndex >= uint64(len(b.slots)) {
			continue
		}
		slot := b.slots[leafIndex]
		zeros := make([]byte, slot.length)
		if _, err := b.dataFile.WriteAt(zeros, slot.offset); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot writes the live-leaf bitmap as of the current size to
// pmmr_leaf.bin.<headerHash>, used by fast-sync export.
func (b *Backend[T]) Snapshot(headerHash string) error {
	live := roaring.New()
	for _, pos := range b.LeafPosIter() {
		live.Add(uint32(pos))
	}
	data, err := live.MarshalBinary()
	if err != nil {
		return err
	}
	name := filepath.Join(b.dir, fmt.Sprintf("pmmr_leaf.bin.%s", headerHash))
	return os.WriteFile(name, data, 0o644)
}

// Sync durably persists the current state (prune bitmap; hash/data files are
// already written directly) and advances the synced checkpoint used by
// Discard.
func (b *Backend[T]) Sync() error {
	if err := b.hashFile.Sync(); err != nil {
		return err
	}
	if err := b.dataFile.Sync(); err != nil {
		return err
	}
	if b.prunable {
		data, err := b.pruned.MarshalBinary()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(b.dir, prunFileName), data, 0o644); err != nil {
			return err
		}
	}
	b.markSynced()
	return nil
}

// Discard rolls the backend back to the state as of the last Sync, undoing
// any pushes/prunes/rewinds made since.
func (b *Backend[T]) Discard() {
	b.size = b.syncedSize
	if b.syncedSlots <= len(b.slots) {
		b.slots = b.slots[:b.syncedSlots]
	}
	b.pruned = b.syncedPruned.Clone()
	_ = b.hashFile.Truncate(int64(b.size) * HashSize)
}

// ReleaseFiles closes the backend's open file handles. The backend must not
// be used afterwards.
func (b *Backend[T]) ReleaseFiles() error {
	if err := b.hashFile.Close(); err != nil {
		return err
	}
	return b.dataFile.Close()
}
