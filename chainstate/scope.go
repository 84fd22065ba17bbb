package chainstate

import (
	"github.com/dongnanpro/gotts/store"
	"github.com/dongnanpro/gotts/types"
)

// ExtendingReadonly opens an Extension on top of the chain state's current
// head and runs fn against it. Every MMR write fn attempts is rejected with
// ErrReadOnly, and the child batch plus the three body backends are always
// discarded once fn returns, whether or not it returned an error; this is
// the scope used to answer is_unspent/merkle_proof/validate queries without
// any risk of a caller's mistake leaking into the committed state.
func ExtendingReadonly(cs *ChainStateSet, parentBatch *store.Batch, fn func(*Extension) error) error {
	child := parentBatch.Child()
	defer child.Discard()

	head, err := child.Head()
	if err != nil {
		return wrapErr("extending_readonly", err)
	}
	header, err := child.GetBlockHeader(head.BlockHash)
	if err != nil {
		return wrapErr("extending_readonly", err)
	}

	ext := newReadonlyExtension(cs, child, header)
	defer ext.discard()
	return fn(ext)
}

// Extending opens an Extension for header on top of parentBatch and runs
// fn. If fn returns an error, or sets ext.rollback via ForceRollback, every
// MMR write staged is rolled back and the child batch is discarded,
// propagating fn's error (nil if fn itself succeeded but asked to roll
// back). Otherwise the child batch is committed into parentBatch first,
// then each body backend is synced to disk in the fixed order OutputI,
// OutputII, Kernel — the ordering guarantee of §5: the K/V index commits
// before any MMR sync, so a crash in between leaves the index at worst
// ahead of the MMR (tolerated by invariant 2 and repaired by
// rebuild_height_pos_index), never the reverse.
func Extending(cs *ChainStateSet, parentBatch *store.Batch, header types.Header, fn func(*Extension) error) error {
	child := parentBatch.Child()
	ext := newExtension(cs, child, header)

	err := fn(ext)
	if err != nil || ext.rollback {
		ext.discard()
		return err
	}

	if err := child.Commit(); err != nil {
		ext.discard()
		return wrapErr("extending", err)
	}
	if err := cs.outputI.Sync(); err != nil {
		return wrapErr("extending", err)
	}
	if err := cs.outputII.Sync(); err != nil {
		return wrapErr("extending", err)
	}
	if err := cs.kernel.Sync(); err != nil {
		return wrapErr("extending", err)
	}
	return nil
}

// HeaderExtending opens a HeaderExtension on top of parentBatch and runs
// fn. Commit/rollback semantics mirror Extending (child batch committed
// before the header backend is synced), syncing only the header MMR.
func HeaderExtending(cs *ChainStateSet, parentBatch *store.Batch, fn func(*HeaderExtension) error) error {
	child := parentBatch.Child()
	ext := newHeaderExtension(cs, child)

	err := fn(ext)
	if err != nil || ext.rollback {
		ext.discard()
		return err
	}

	if err := child.Commit(); err != nil {
		ext.discard()
		return wrapErr("header_extending", err)
	}
	if err := cs.header.Sync(); err != nil {
		return wrapErr("header_extending", err)
	}
	return nil
}
