package store

import (
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dongnanpro/gotts/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBatchHeadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	b, err := s.Batch()
	require.NoError(t, err)

	tip := types.Tip{Height: 7, BlockHash: types.Hash{1, 2, 3}}
	require.NoError(t, b.SetHead(tip))
	require.NoError(t, b.Commit())

	b2, err := s.Batch()
	require.NoError(t, err)
	defer b2.Discard()

	got, err := b2.Head()
	require.NoError(t, err)
	assert.Equal(t, tip, got)
}

func TestBatchHeadNotFound(t *testing.T) {
	s := openTestStore(t)
	b, err := s.Batch()
	require.NoError(t, err)
	defer b.Discard()

	_, err = b.Head()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChildBatchCommitFoldsIntoParentWithoutTouchingBbolt(t *testing.T) {
	s := openTestStore(t)

	parent, err := s.Batch()
	require.NoError(t, err)

	header := types.Header{Height: 1, HeaderHash: types.Hash{9}}
	child := parent.Child()
	require.NoError(t, child.SaveBlockHeader(header))
	require.NoError(t, child.Commit())

	// Visible through the parent before the parent itself commits.
	got, err := parent.GetBlockHeader(header.HeaderHash)
	require.NoError(t, err)
	assert.Equal(t, header, got)

	require.NoError(t, parent.Commit())

	b2, err := s.Batch()
	require.NoError(t, err)
	defer b2.Discard()
	got2, err := b2.GetBlockHeader(header.HeaderHash)
	require.NoError(t, err)
	assert.Equal(t, header, got2)
}

func TestChildBatchDiscardDropsOverlay(t *testing.T) {
	s := openTestStore(t)

	parent, err := s.Batch()
	require.NoError(t, err)
	defer parent.Discard()

	header := types.Header{Height: 1, HeaderHash: types.Hash{9}}
	child := parent.Child()
	require.NoError(t, child.SaveBlockHeader(header))
	child.Discard()

	_, err = parent.GetBlockHeader(header.HeaderHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutputPosHeightIndex(t *testing.T) {
	s := openTestStore(t)
	b, err := s.Batch()
	require.NoError(t, err)
	defer b.Discard()

	commit := types.Commitment{1, 2, 3}
	rec := types.OutputFeaturePosHeight{Features: types.Plain, Position: 5, Height: 2}
	require.NoError(t, b.SaveOutputPosHeight(commit, rec))

	got, err := b.GetOutputPosHeight(commit)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, b.ClearOutputPosHeight())
	_, err = b.GetOutputPosHeight(commit)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlockInputBitmapRoundTrip(t *testing.T) {
	s := openTestStore(t)
	b, err := s.Batch()
	require.NoError(t, err)
	defer b.Discard()

	hash := types.Hash{4, 5, 6}
	bm := roaring.New()
	bm.Add(3)
	bm.Add(9)
	require.NoError(t, b.SaveBlockInputBitmap(hash, bm))

	got, err := b.GetBlockInputBitmap(hash)
	require.NoError(t, err)
	assert.True(t, got.Equals(bm))
}
