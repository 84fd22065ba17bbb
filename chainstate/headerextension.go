package chainstate

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dongnanpro/gotts/pmmr"
	"github.com/dongnanpro/gotts/store"
	"github.com/dongnanpro/gotts/types"
)

// HeaderExtension is a scoped view onto the header MMR plus a child batch
// over the store, used to extend or rewind the sync-head chain of headers
// ahead of full block validation. One header is one leaf; because headers
// are appended exactly once per height, a header's 0-based insertion index
// equals its height, so GetHeaderByHeight is a direct position lookup
// rather than a scan.
type HeaderExtension struct {
	cs       *ChainStateSet
	batch    *store.Batch
	rollback bool
}

func newHeaderExtension(cs *ChainStateSet, batch *store.Batch) *HeaderExtension {
	return &HeaderExtension{cs: cs, batch: batch}
}

// Head returns the header stored at the current tip of the header MMR.
func (e *HeaderExtension) Head() (types.Header, error) {
	n := e.cs.header.UnprunedSize()
	if n == 0 {
		return types.Header{}, store.ErrNotFound
	}
	positions := e.cs.header.LeafPosIter()
	pos := positions[len(positions)-1]
	v, ok, err := e.cs.header.GetData(pos)
	if err != nil {
		return types.Header{}, wrapErr("header_extension.head", err)
	}
	if !ok {
		return types.Header{}, store.ErrNotFound
	}
	return v, nil
}

// GetHeaderByHeight fetches the header at a given height from the header
// MMR's own leaf set (distinct from the store's hash-keyed lookup).
func (e *HeaderExtension) GetHeaderByHeight(height uint64) (types.Header, bool, error) {
	pos := pmmr.InsertionToPMMRIndex(height)
	v, ok, err := e.cs.header.GetData(pos)
	if err != nil {
		return types.Header{}, false, wrapErr("get_header_by_height", err)
	}
	return v, ok, nil
}

// IsOnCurrentChain reports whether header is the header this extension has
// recorded at its own height, i.e. whether header is an ancestor of (or
// equal to) the extension's current head.
func (e *HeaderExtension) IsOnCurrentChain(header types.Header) (bool, error) {
	at, ok, err := e.GetHeaderByHeight(header.Height)
	if err != nil {
		return false, err
	}
	return ok && at.HeaderHash == header.HeaderHash, nil
}

// ApplyHeader appends header as the new leaf at the end of the header MMR.
// The caller is responsible for having validated header.Height equals the
// extension's current leaf count.
func (e *HeaderExtension) ApplyHeader(header types.Header) error {
	if _, err := e.cs.header.Push(header); err != nil {
		return wrapErr("apply_header", err)
	}
	if err := e.batch.SaveBlockHeader(header); err != nil {
		return wrapErr("apply_header", err)
	}
	return nil
}

// Rewind truncates the header MMR back to the state it held immediately
// after the header at height was applied (height+1 leaves retained). The
// header MMR never prunes, so there is nothing to un-prune on rewind.
func (e *HeaderExtension) Rewind(height uint64) error {
	var newSize uint64
	if e.cs.header.UnprunedSize() > 0 {
		nodeIndex := pmmr.InsertionToPMMRIndex(height) - 1
		newSize = pmmr.FirstMMRSize(nodeIndex)
	}
	if err := e.cs.header.Rewind(newSize, roaring.New()); err != nil {
		return wrapErr("header_extension.rewind", err)
	}
	return nil
}

// Size returns the header MMR's current unpruned size.
func (e *HeaderExtension) Size() uint64 { return e.cs.header.UnprunedSize() }

// Root returns the header MMR's current root.
func (e *HeaderExtension) Root() ([]byte, error) {
	v, err := e.cs.header.Root()
	return v, wrapErr("header_extension.root", err)
}

// ValidateRoot compares the header MMR's current root to want.
func (e *HeaderExtension) ValidateRoot(want types.Hash) error {
	got, err := e.Root()
	if err != nil {
		return err
	}
	if types.Hash(got) != want {
		return ErrRootMismatch
	}
	return nil
}

// ForceRollback marks this extension so the enclosing scope discards its
// child batch and any MMR writes staged since it was opened, instead of
// committing them when the scope closure returns. The discard itself
// happens once, at scope exit; calling ForceRollback does not by itself
// undo anything.
func (e *HeaderExtension) ForceRollback() { e.rollback = true }

// discard undoes the extension's child batch and any MMR writes staged
// since it was opened. Called by the scope controllers, never directly by
// extension users.
func (e *HeaderExtension) discard() {
	e.cs.header.Discard()
	e.batch.Discard()
}
