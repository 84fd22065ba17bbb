// Package chainstate is the transactional chain-state engine: it
// coordinates the three body MMRs (OutputI, OutputII, Kernel), the header
// MMR, and the commitment/excess index behind a single-writer,
// multi-reader scope model, the way the original's TxHashSet coordinates
// its three PMMR backends and committed index over one LMDB environment.
package chainstate

import (
	"errors"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/dongnanpro/gotts/pmmr"
	"github.com/dongnanpro/gotts/store"
	"github.com/dongnanpro/gotts/types"
)

func newHasher() hash.Hash { h, _ := blake2b.New256(nil); return h }

const (
	outputIDir  = "outputI"
	outputIIDir = "outputII"
	kernelDir   = "kernel"
	headerDir   = "header"
)

// ChainStateSet is the aggregate owning every body/header MMR plus the
// store needed to resolve the commitment index, equivalent to the
// original's TxHashSet.
type ChainStateSet struct {
	dir   string
	store *store.Store
	log   logger.Logger

	outputI  *PmmrHandle[types.OutputI]
	outputII *PmmrHandle[types.OutputII]
	kernel   *PmmrHandle[types.Kernel]
	header   *PmmrHandle[types.Header]
}

// Open opens (or creates) every MMR rooted under dir and returns the
// assembled set. st is the already-open chain store.
func Open(dir string, st *store.Store, log logger.Logger) (*ChainStateSet, error) {
	outputI, err := OpenPmmrHandle[types.OutputI](dir, outputIDir, true, newHasher, types.DecodeOutputI, log)
	if err != nil {
		return nil, wrapErr("open outputI", err)
	}
	outputII, err := OpenPmmrHandle[types.OutputII](dir, outputIIDir, true, newHasher, types.DecodeOutputII, log)
	if err != nil {
		return nil, wrapErr("open outputII", err)
	}
	kernel, err := OpenPmmrHandle[types.Kernel](dir, kernelDir, false, newHasher, types.DecodeKernel, log)
	if err != nil {
		return nil, wrapErr("open kernel", err)
	}
	header, err := OpenPmmrHandle[types.Header](dir, headerDir, false, newHasher, types.DecodeHeader, log)
	if err != nil {
		return nil, wrapErr("open header", err)
	}
	return &ChainStateSet{
		dir: dir, store: st, log: log,
		outputI: outputI, outputII: outputII, kernel: kernel, header: header,
	}, nil
}

// ReleaseBackendFiles closes every MMR's open file handles, used before the
// directory is replaced wholesale by a fast-sync zip import.
func (c *ChainStateSet) ReleaseBackendFiles() error {
	for _, err := range []error{
		c.outputI.ReleaseFiles(),
		c.outputII.ReleaseFiles(),
		c.kernel.ReleaseFiles(),
		c.header.ReleaseFiles(),
	} {
		if err != nil {
			return wrapErr("release_backend_files", err)
		}
	}
	return nil
}

// GetBlockHeader is a passthrough convenience onto the store, so callers
// working purely against a ChainStateSet + batch don't need a separate
// store handle.
func (c *ChainStateSet) GetBlockHeader(b *store.Batch, hash types.Hash) (types.Header, error) {
	return b.GetBlockHeader(hash)
}

// IsUnspent reports whether commit names a live leaf in its body MMR,
// returning the identifier and block height it was created at.
func (c *ChainStateSet) IsUnspent(b *store.Batch, commit types.Commitment) (types.OutputIdentifier, uint64, error) {
	rec, err := b.GetOutputPosHeight(commit)
	if err != nil {
		return types.OutputIdentifier{}, 0, ErrOutputNotFound
	}
	if rec.Features.IsOutputI() {
		v, ok, err := c.outputI.GetData(rec.Position)
		if err != nil {
			return types.OutputIdentifier{}, 0, wrapErr("is_unspent", err)
		}
		if !ok {
			return types.OutputIdentifier{}, 0, ErrAlreadySpent{Commit: commit.String()}
		}
		if v.Commit != commit {
			return types.OutputIdentifier{}, 0, wrapErr("is_unspent", errors.New("hash mismatch"))
		}
		return v.Identifier(), rec.Height, nil
	}
	v, ok, err := c.outputII.GetData(rec.Position)
	if err != nil {
		return types.OutputIdentifier{}, 0, wrapErr("is_unspent", err)
	}
	if !ok {
		return types.OutputIdentifier{}, 0, ErrAlreadySpent{Commit: commit.String()}
	}
	if v.Commit != commit {
		return types.OutputIdentifier{}, 0, wrapErr("is_unspent", errors.New("hash mismatch"))
	}
	return v.Identifier(), rec.Height, nil
}

// LastNOutputI returns up to n most recently inserted OutputI leaves,
// newest first.
func (c *ChainStateSet) LastNOutputI(n int) []types.OutputI {
	return lastN(c.outputI, n)
}

// LastNOutputII returns up to n most recently inserted OutputII leaves,
// newest first.
func (c *ChainStateSet) LastNOutputII(n int) []types.OutputII {
	return lastN(c.outputII, n)
}

// LastNKernel returns up to n most recently inserted kernels, newest
// first.
func (c *ChainStateSet) LastNKernel(n int) []types.Kernel {
	return lastN(c.kernel, n)
}

func lastN[T pmmr.Element](h *PmmrHandle[T], n int) []T {
	positions := h.LeafPosIter()
	if n > len(positions) {
		n = len(positions)
	}
	out := make([]T, 0, n)
	for i := len(positions) - 1; i >= len(positions)-n; i-- {
		v, ok, err := h.GetData(positions[i])
		if err != nil || !ok {
			continue
		}
		out = append(out, v)
	}
	return out
}

// OutputIByPosition fetches the OutputI leaf stored at a 1-based MMR
// position.
func (c *ChainStateSet) OutputIByPosition(pos uint64) (types.OutputI, bool, error) {
	return c.outputI.GetData(pos)
}

// OutputIIByPosition fetches the OutputII leaf stored at a 1-based MMR
// position.
func (c *ChainStateSet) OutputIIByPosition(pos uint64) (types.OutputII, bool, error) {
	return c.outputII.GetData(pos)
}

// OutputsIByInsertionIndex returns the OutputI leaves with 0-based
// insertion index in [start, start+maxCount); pruned leaves in that range
// are left out.
func (c *ChainStateSet) OutputsIByInsertionIndex(start uint64, maxCount int) []types.OutputI {
	return byInsertionIndex(c.outputI, start, maxCount)
}

// OutputsIIByInsertionIndex returns the OutputII leaves with 0-based
// insertion index in [start, start+maxCount); pruned leaves in that range
// are left out.
func (c *ChainStateSet) OutputsIIByInsertionIndex(start uint64, maxCount int) []types.OutputII {
	return byInsertionIndex(c.outputII, start, maxCount)
}

// TxKernelByInsertionIndex returns the kernels with 0-based insertion
// index in [start, start+maxCount).
func (c *ChainStateSet) TxKernelByInsertionIndex(start uint64, maxCount int) []types.Kernel {
	return byInsertionIndex(c.kernel, start, maxCount)
}

func byInsertionIndex[T pmmr.Element](h *PmmrHandle[T], start uint64, maxCount int) []T {
	nLeaves := pmmr.NLeaves(h.UnprunedSize())
	if start >= nLeaves {
		return nil
	}
	end := start + uint64(maxCount)
	if end > nLeaves {
		end = nLeaves
	}
	out := make([]T, 0, end-start)
	for idx := start; idx < end; idx++ {
		v, ok, err := h.GetData(pmmr.InsertionToPMMRIndex(idx))
		if err != nil || !ok {
			continue
		}
		out = append(out, v)
	}
	return out
}

// HighestOutputIInsertionIndex is the 0-based insertion index one past the
// most recently appended OutputI leaf (i.e. the total leaf count, pruned
// leaves included).
func (c *ChainStateSet) HighestOutputIInsertionIndex() uint64 {
	return pmmr.NLeaves(c.outputI.UnprunedSize())
}

// HighestOutputIIInsertionIndex is the OutputII analogue of
// HighestOutputIInsertionIndex.
func (c *ChainStateSet) HighestOutputIIInsertionIndex() uint64 {
	return pmmr.NLeaves(c.outputII.UnprunedSize())
}

// FindKernel scans the kernel MMR in reverse, from maxIdx down to minIdx
// inclusive, returning the first kernel whose excess matches. minIdx/maxIdx
// are 1-based positions; a nil minIdx defaults to 1, a nil maxIdx defaults
// to the kernel MMR's current unpruned size. The kernel MMR never prunes,
// so every position in range is either a kernel leaf or an interior node
// GetData reports as absent.
func (c *ChainStateSet) FindKernel(excess types.Commitment, minIdx, maxIdx *uint64) (types.Kernel, uint64, bool, error) {
	min := uint64(1)
	if minIdx != nil {
		min = *minIdx
	}
	max := c.kernel.UnprunedSize()
	if maxIdx != nil {
		max = *maxIdx
	}
	for pos := max; pos >= min && pos >= 1; pos-- {
		v, ok, err := c.kernel.GetData(pos)
		if err != nil {
			return types.Kernel{}, 0, false, wrapErr("find_kernel", err)
		}
		if ok && v.Excess == excess {
			return v, pos, true, nil
		}
		if pos == min {
			break
		}
	}
	return types.Kernel{}, 0, false, nil
}

// Roots returns the current roots of the three body MMRs.
func (c *ChainStateSet) Roots() (types.TxHashSetRoots, error) {
	oi, err := c.outputI.Root()
	if err != nil {
		return types.TxHashSetRoots{}, wrapErr("roots", err)
	}
	oii, err := c.outputII.Root()
	if err != nil {
		return types.TxHashSetRoots{}, wrapErr("roots", err)
	}
	k, err := c.kernel.Root()
	if err != nil {
		return types.TxHashSetRoots{}, wrapErr("roots", err)
	}
	var r types.TxHashSetRoots
	copy(r.OutputIRoot[:], oi)
	copy(r.OutputIIRoot[:], oii)
	copy(r.KernelRoot[:], k)
	return r, nil
}

// Sizes returns the current unpruned sizes of the three body MMRs.
func (c *ChainStateSet) Sizes() types.TxHashSetSizes {
	return types.TxHashSetSizes{
		OutputISize:  c.outputI.UnprunedSize(),
		OutputIISize: c.outputII.UnprunedSize(),
		KernelSize:   c.kernel.UnprunedSize(),
	}
}

// MerkleProof builds an inclusion proof for commit in whichever body MMR
// its features select.
func (c *ChainStateSet) MerkleProof(b *store.Batch, features types.OutputFeatures, commit types.Commitment) (*pmmr.Proof, error) {
	rec, err := b.GetOutputPosHeight(commit)
	if err != nil {
		return nil, ErrOutputNotFound
	}
	var proof *pmmr.Proof
	if features.IsOutputI() {
		proof, err = c.outputI.MerkleProof(rec.Position)
	} else {
		proof, err = c.outputII.MerkleProof(rec.Position)
	}
	if err != nil {
		return nil, wrapErr("merkle_proof", err)
	}
	return proof, nil
}

// Compact zeros the stored data of pruned output-MMR leaves at or before
// position horizonSize that are not named in keep (the same horizonSize
// bound is applied to both output MMRs), the way the original's compact() does after a
// horizon advances far enough that no fork can reorg back past it.
func (c *ChainStateSet) Compact(b *store.Batch, horizonSize uint64, keepOutputI, keepOutputII *roaring.Bitmap) error {
	if err := c.outputI.CheckCompact(horizonSize, keepOutputI); err != nil {
		return wrapErr("compact outputI", err)
	}
	if err := c.outputII.CheckCompact(horizonSize, keepOutputII); err != nil {
		return wrapErr("compact outputII", err)
	}
	return nil
}

// rebuildLeaf is one live leaf read out of a body MMR in position order,
// buffered ahead of the header walk in rebuildHeightPosIndexFor.
type rebuildLeaf struct {
	pos      uint64
	features types.OutputFeatures
	commit   types.Commitment
}

// RebuildHeightPosIndex recomputes the whole commitment index by streaming
// each body MMR's live leaves in position order against a walk of the
// header chain from height 1 to the current head, assigning each leaf the
// height of the first header whose recorded MMR size is at least its
// position — exactly the header-driven walk of §4.2, not a position-derived
// guess, so it reproduces the height every leaf was actually created at
// even across a compacted/rewound MMR. The Genesis OutputI leaf (position
// 1) is special-cased to height 0, matching the original's exception for
// the very first output; OutputII gets no such exception, even for its
// leaf at position 1.
func (c *ChainStateSet) RebuildHeightPosIndex(b *store.Batch, headerExt *HeaderExtension) error {
	if err := b.ClearOutputPosHeight(); err != nil {
		return wrapErr("rebuild_height_pos_index", err)
	}
	head, err := headerExt.Head()
	if err != nil {
		return wrapErr("rebuild_height_pos_index", err)
	}

	outputILeaves, err := rebuildLeavesOutputI(c)
	if err != nil {
		return wrapErr("rebuild_height_pos_index", err)
	}
	if err := rebuildHeightPosIndexFor(b, headerExt, head.Height, outputILeaves,
		func(h types.Header) uint64 { return h.OutputIMMRSize }, true); err != nil {
		return wrapErr("rebuild_height_pos_index", err)
	}

	outputIILeaves, err := rebuildLeavesOutputII(c)
	if err != nil {
		return wrapErr("rebuild_height_pos_index", err)
	}
	if err := rebuildHeightPosIndexFor(b, headerExt, head.Height, outputIILeaves,
		func(h types.Header) uint64 { return h.OutputIIMMRSize }, false); err != nil {
		return wrapErr("rebuild_height_pos_index", err)
	}
	return nil
}

func rebuildLeavesOutputI(c *ChainStateSet) ([]rebuildLeaf, error) {
	var leaves []rebuildLeaf
	for _, pos := range c.outputI.LeafPosIter() {
		v, ok, err := c.outputI.GetData(pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		leaves = append(leaves, rebuildLeaf{pos: pos, features: v.Features, commit: v.Commit})
	}
	return leaves, nil
}

func rebuildLeavesOutputII(c *ChainStateSet) ([]rebuildLeaf, error) {
	var leaves []rebuildLeaf
	for _, pos := range c.outputII.LeafPosIter() {
		v, ok, err := c.outputII.GetData(pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		leaves = append(leaves, rebuildLeaf{pos: pos, features: v.Features, commit: v.Commit})
	}
	return leaves, nil
}

// rebuildHeightPosIndexFor walks headers 1..headHeight in order, assigning
// every buffered leaf whose position is at or before that header's
// recorded MMR size (limitOf) to that header's height, then stores the
// index entry. genesisException applies spec's pos==1-at-height-0 rule.
func rebuildHeightPosIndexFor(b *store.Batch, headerExt *HeaderExtension, headHeight uint64, leaves []rebuildLeaf, limitOf func(types.Header) uint64, genesisException bool) error {
	idx := 0
	for height := uint64(1); height <= headHeight && idx < len(leaves); height++ {
		header, ok, err := headerExt.GetHeaderByHeight(height)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		limit := limitOf(header)
		for idx < len(leaves) && leaves[idx].pos <= limit {
			leaf := leaves[idx]
			h := height
			if genesisException && leaf.pos == 1 {
				h = 0
			}
			rec := types.OutputFeaturePosHeight{Features: leaf.features, Position: leaf.pos, Height: h}
			if err := b.SaveOutputPosHeight(leaf.commit, rec); err != nil {
				return err
			}
			idx++
		}
	}
	return nil
}

// Dump logs a summary of each body MMR's size and root, mirroring the
// debug_dump the original emits when diagnosing a desynced chain state.
func (c *ChainStateSet) Dump(tag string) {
	if c.log == nil {
		return
	}
	roots, _ := c.Roots()
	logger.Sugar.Debugf(
		"chainstate dump[%s]: outputI size=%d root=%s outputII size=%d root=%s kernel size=%d root=%s",
		tag, c.outputI.UnprunedSize(), roots.OutputIRoot, c.outputII.UnprunedSize(), roots.OutputIIRoot,
		c.kernel.UnprunedSize(), roots.KernelRoot,
	)
}
