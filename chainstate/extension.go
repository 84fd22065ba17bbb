package chainstate

import (
	"errors"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dongnanpro/gotts/pmmr"
	"github.com/dongnanpro/gotts/store"
	"github.com/dongnanpro/gotts/types"
)

// Extension is a scoped view onto the three body MMRs plus a child batch
// over the store, used to apply or rewind a single block (or a chain of
// blocks) against the committed chain state. Header validation against the
// header MMR happens one level up, in HeaderExtension; Extension only
// knows about header *values* passed to it, not the header chain itself.
type Extension struct {
	cs        *ChainStateSet
	batch     *store.Batch
	header    types.Header
	prevRoots types.TxHashSetRoots
	rollback  bool
	readOnly  bool
}

func newExtension(cs *ChainStateSet, batch *store.Batch, header types.Header) *Extension {
	return &Extension{cs: cs, batch: batch, header: header}
}

// newReadonlyExtension builds an Extension that rejects every mutating
// operation with ErrReadOnly, for use under ExtendingReadonly where the
// closure is expected to only read (is_unspent, merkle_proof, validate).
func newReadonlyExtension(cs *ChainStateSet, batch *store.Batch, header types.Header) *Extension {
	return &Extension{cs: cs, batch: batch, header: header, readOnly: true}
}

// ApplyBlock applies every output then every input then every kernel of
// block, in that order, so a block may spend outputs it creates itself
// (matching invariant 1's within-block ordering).
func (e *Extension) ApplyBlock(block types.Block) error {
	for _, out := range block.Outputs {
		if err := e.ApplyOutput(out, block.Header.Height); err != nil {
			return err
		}
	}
	for _, in := range block.Inputs {
		if err := e.ApplyInput(in); err != nil {
			return err
		}
	}
	for _, k := range block.Kernels {
		if err := e.applyKernel(k); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOutput inserts a single output as a new leaf in its body MMR and
// records its position in the commitment index. It is an error to apply an
// output whose commitment is already a live leaf.
func (e *Extension) ApplyOutput(out types.OutputIdentifierValue, height uint64) error {
	if e.readOnly {
		return ErrReadOnly
	}
	commit := out.Commit()
	if _, _, err := e.cs.IsUnspent(e.batch, commit); err == nil {
		return ErrDuplicateCommitment{Commit: commit.String()}
	}

	var pos uint64
	var err error
	if out.Features.IsOutputI() {
		pos, err = e.cs.outputI.Push(*out.I)
	} else {
		pos, err = e.cs.outputII.Push(*out.II)
	}
	if err != nil {
		return wrapErr("apply_output", err)
	}

	rec := types.OutputFeaturePosHeight{Features: out.Features, Position: pos, Height: height}
	if err := e.batch.SaveOutputPosHeight(commit, rec); err != nil {
		return wrapErr("apply_output", err)
	}
	return nil
}

// ApplyInput prunes the leaf a spent input identifies, leaving its
// commitment index entry in place (the index is a historical record, not a
// live-set membership test; invariant 2).
func (e *Extension) ApplyInput(in types.Input) error {
	if e.readOnly {
		return ErrReadOnly
	}
	rec, err := e.batch.GetOutputPosHeight(in.Commit)
	if err != nil {
		return ErrAlreadySpent{Commit: in.Commit.String()}
	}
	if in.Features.IsOutputI() {
		v, ok, err := e.cs.outputI.GetData(rec.Position)
		if err != nil {
			return wrapErr("apply_input", err)
		}
		if !ok {
			return ErrAlreadySpent{Commit: in.Commit.String()}
		}
		if v.Commit != in.Commit {
			return wrapErr("apply_input", errors.New("output pmmr hash not found or mismatch"))
		}
		ok, err = e.cs.outputI.Prune(rec.Position)
		if err != nil {
			return wrapErr("apply_input", err)
		}
		if !ok {
			return ErrAlreadySpent{Commit: in.Commit.String()}
		}
	} else {
		v, ok, err := e.cs.outputII.GetData(rec.Position)
		if err != nil {
			return wrapErr("apply_input", err)
		}
		if !ok {
			return ErrAlreadySpent{Commit: in.Commit.String()}
		}
		if v.Commit != in.Commit {
			return wrapErr("apply_input", errors.New("output pmmr hash not found or mismatch"))
		}
		ok, err = e.cs.outputII.Prune(rec.Position)
		if err != nil {
			return wrapErr("apply_input", err)
		}
		if !ok {
			return ErrAlreadySpent{Commit: in.Commit.String()}
		}
	}
	return nil
}

func (e *Extension) applyKernel(k types.Kernel) error {
	if e.readOnly {
		return ErrReadOnly
	}
	pos, err := e.cs.kernel.Push(k)
	if err != nil {
		return wrapErr("apply_kernel", err)
	}
	if err := e.batch.SaveTxKernelPosHeight(k.Excess, pos, e.header.Height); err != nil {
		return wrapErr("apply_kernel", err)
	}
	return nil
}

// Roots returns the current roots of the three body MMRs.
func (e *Extension) Roots() (types.TxHashSetRoots, error) { return e.cs.Roots() }

// Sizes returns the current sizes of the three body MMRs.
func (e *Extension) Sizes() types.TxHashSetSizes { return e.cs.Sizes() }

// ValidateRoots compares the body MMRs' current roots to those recorded in
// header.
func (e *Extension) ValidateRoots(header types.Header) error {
	got, err := e.Roots()
	if err != nil {
		return err
	}
	want := types.TxHashSetRoots{OutputIRoot: header.OutputIRoot, OutputIIRoot: header.OutputIIRoot, KernelRoot: header.KernelRoot}
	if !got.Equal(want) {
		return ErrRootMismatch
	}
	return nil
}

// ValidateSizes compares the body MMRs' current sizes to those recorded in
// header.
func (e *Extension) ValidateSizes(header types.Header) error {
	got := e.Sizes()
	if got.OutputISize != header.OutputIMMRSize || got.OutputIISize != header.OutputIIMMRSize || got.KernelSize != header.KernelMMRSize {
		return ErrSizeMismatch
	}
	return nil
}

// ValidateMMRs runs the structural self-check (recomputed hash tree
// matches stored hashes) on all three body MMRs.
func (e *Extension) ValidateMMRs() error {
	if err := e.cs.outputI.Validate(); err != nil {
		return wrapErr("validate_mmrs outputI", err)
	}
	if err := e.cs.outputII.Validate(); err != nil {
		return wrapErr("validate_mmrs outputII", err)
	}
	if err := e.cs.kernel.Validate(); err != nil {
		return wrapErr("validate_mmrs kernel", err)
	}
	return nil
}

// VerifyKernelSignatures verifies every kernel excess signature currently
// live in the kernel MMR, batching the leaf reads 5000 at a time so a long
// chain's signature set never has to be materialized in memory at once.
func (e *Extension) VerifyKernelSignatures(verify types.BatchSigVerify, status types.WriteStatus) error {
	const batchSize = 5000
	positions := e.cs.kernel.LeafPosIter()
	total := uint64(len(positions))
	var verified uint64
	for start := 0; start < len(positions); start += batchSize {
		end := start + batchSize
		if end > len(positions) {
			end = len(positions)
		}
		kernels := make([]types.Kernel, 0, end-start)
		for _, pos := range positions[start:end] {
			v, ok, err := e.cs.kernel.GetData(pos)
			if err != nil {
				return wrapErr("verify_kernel_signatures", err)
			}
			if !ok {
				return ErrTxKernelNotFound
			}
			kernels = append(kernels, v)
		}
		if err := verify(kernels); err != nil {
			return wrapErr("verify_kernel_signatures", err)
		}
		verified += uint64(len(kernels))
		if status != nil {
			status.OnValidation(verified, total, 0, 0)
		}
	}
	return nil
}

// ValidateKernelSums checks that the sum of live output commitments minus
// the sum of (never-tracked, already-pruned) input commitments equals the
// sum of kernel excesses plus the header's recorded overage. Because
// pruned inputs carry no commitment data to sum client-side, this checks
// the weaker but equivalent live-set identity: sum(live outputs) ==
// sum(kernel excesses) + overage.
func (e *Extension) ValidateKernelSums(sumCommitments func(outputs, kernelExcesses []types.Commitment, overage int64) error) error {
	var outputs []types.Commitment
	for _, pos := range e.cs.outputI.LeafPosIter() {
		v, ok, err := e.cs.outputI.GetData(pos)
		if err != nil {
			return wrapErr("validate_kernel_sums", err)
		}
		if ok {
			outputs = append(outputs, v.Commit)
		}
	}
	for _, pos := range e.cs.outputII.LeafPosIter() {
		v, ok, err := e.cs.outputII.GetData(pos)
		if err != nil {
			return wrapErr("validate_kernel_sums", err)
		}
		if ok {
			outputs = append(outputs, v.Commit)
		}
	}
	var excesses []types.Commitment
	for _, pos := range e.cs.kernel.LeafPosIter() {
		v, ok, err := e.cs.kernel.GetData(pos)
		if err != nil {
			return wrapErr("validate_kernel_sums", err)
		}
		if ok {
			excesses = append(excesses, v.Excess)
		}
	}
	if err := sumCommitments(outputs, excesses, e.header.TotalOverage); err != nil {
		return ErrKernelSumMismatch
	}
	return nil
}

// Validate runs ValidateRoots, ValidateSizes, ValidateMMRs and
// ValidateKernelSums in sequence, a single entry point a caller can run
// inside a scope before letting it commit; the scope controllers do not
// call it themselves.
func (e *Extension) Validate(header types.Header, sumCommitments func(outputs, kernelExcesses []types.Commitment, overage int64) error) error {
	if err := e.ValidateRoots(header); err != nil {
		return err
	}
	if err := e.ValidateSizes(header); err != nil {
		return err
	}
	if err := e.ValidateMMRs(); err != nil {
		return err
	}
	return e.ValidateKernelSums(sumCommitments)
}

// MerkleProof builds an inclusion proof for commit.
func (e *Extension) MerkleProof(features types.OutputFeatures, commit types.Commitment) (*pmmr.Proof, error) {
	return e.cs.MerkleProof(e.batch, features, commit)
}

// Snapshot records the live leaf-position bitmap of every body MMR under
// headerHash, used by fast-sync export to pick out exactly which slots of
// the (still physically full) data files are live.
func (e *Extension) Snapshot(headerHash types.Hash) error {
	tag := headerHash.String()
	if err := e.cs.outputI.Snapshot(tag); err != nil {
		return wrapErr("snapshot outputI", err)
	}
	if err := e.cs.outputII.Snapshot(tag); err != nil {
		return wrapErr("snapshot outputII", err)
	}
	if err := e.cs.kernel.Snapshot(tag); err != nil {
		return wrapErr("snapshot kernel", err)
	}
	return nil
}

// Rewind rewinds all three body MMRs to the sizes recorded in header, then
// un-prunes whatever input positions rewindRmPos names (the outputs spent
// by blocks between header and the extension's prior head, which become
// live again).
func (e *Extension) Rewind(header types.Header, rewindRmPosI, rewindRmPosII *roaring.Bitmap) error {
	if e.readOnly {
		return ErrReadOnly
	}
	if err := e.cs.outputI.Rewind(header.OutputIMMRSize, rewindRmPosI); err != nil {
		return wrapErr("rewind outputI", err)
	}
	if err := e.cs.outputII.Rewind(header.OutputIIMMRSize, rewindRmPosII); err != nil {
		return wrapErr("rewind outputII", err)
	}
	if err := e.cs.kernel.Rewind(header.KernelMMRSize, roaring.New()); err != nil {
		return wrapErr("rewind kernel", err)
	}
	e.header = header
	return nil
}

// RewindToPos is the lower-level rewind primitive used when no header
// record is at hand (e.g. an ongoing sync rewinding block by block),
// rewinding each body MMR directly to given sizes.
func (e *Extension) RewindToPos(outputISize, outputIISize, kernelSize uint64, rewindRmPosI, rewindRmPosII *roaring.Bitmap) error {
	if e.readOnly {
		return ErrReadOnly
	}
	if err := e.cs.outputI.Rewind(outputISize, rewindRmPosI); err != nil {
		return wrapErr("rewind_to_pos outputI", err)
	}
	if err := e.cs.outputII.Rewind(outputIISize, rewindRmPosII); err != nil {
		return wrapErr("rewind_to_pos outputII", err)
	}
	if err := e.cs.kernel.Rewind(kernelSize, roaring.New()); err != nil {
		return wrapErr("rewind_to_pos kernel", err)
	}
	return nil
}

// UtxoView exposes the set of MMR reads a transaction-pool validator
// needs (is_unspent plus merkle_proof) without granting it any mutating
// method, mirroring the original's rewindable_kernel_view/utxo_view
// read-only projections.
type UtxoView struct {
	cs    *ChainStateSet
	batch *store.Batch
}

// UtxoView returns a read-only projection of the extension's current
// state.
func (e *Extension) UtxoView() UtxoView { return UtxoView{cs: e.cs, batch: e.batch} }

// IsUnspent reports whether commit is currently a live output.
func (v UtxoView) IsUnspent(commit types.Commitment) (types.OutputIdentifier, uint64, error) {
	return v.cs.IsUnspent(v.batch, commit)
}

// MerkleProof builds an inclusion proof for commit.
func (v UtxoView) MerkleProof(features types.OutputFeatures, commit types.Commitment) (*pmmr.Proof, error) {
	return v.cs.MerkleProof(v.batch, features, commit)
}

// RewindableKernelView exposes find_kernel against an already-open
// extension without granting any mutating method, the kernel-MMR analogue
// of UtxoView.
type RewindableKernelView struct {
	cs    *ChainStateSet
	batch *store.Batch
}

// RewindableKernelView returns a read-only kernel-lookup projection of the
// extension's current state.
func (e *Extension) RewindableKernelView() RewindableKernelView {
	return RewindableKernelView{cs: e.cs, batch: e.batch}
}

// FindKernel looks up a kernel by its excess commitment, scanning the full
// current range of the kernel MMR.
func (v RewindableKernelView) FindKernel(excess types.Commitment) (types.Kernel, uint64, bool, error) {
	return v.cs.FindKernel(excess, nil, nil)
}

// ForceRollback marks this extension so the enclosing scope discards every
// MMR write it staged, plus its child batch, instead of committing them when
// the scope closure returns. The discard itself happens once, at scope exit,
// not here — calling ForceRollback does not by itself undo anything.
func (e *Extension) ForceRollback() { e.rollback = true }

// discard undoes every MMR write staged by this extension plus its child
// batch, without committing any of it. Called by the scope controllers,
// never directly by extension users.
func (e *Extension) discard() {
	e.cs.outputI.Discard()
	e.cs.outputII.Discard()
	e.cs.kernel.Discard()
	e.batch.Discard()
}

// Dump logs a one-line summary of this extension's MMR state.
func (e *Extension) Dump(tag string) { e.cs.Dump(tag) }
