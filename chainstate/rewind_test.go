package chainstate

import (
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dongnanpro/gotts/store"
	"github.com/dongnanpro/gotts/types"
)

func TestInputPosToRewindUnionsAncestorBitmaps(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "chain.db"))
	require.NoError(t, err)
	defer st.Close()

	b, err := st.Batch()
	require.NoError(t, err)
	defer b.Discard()

	fork := types.Header{Height: 1, HeaderHash: types.Hash{1}}
	mid := types.Header{Height: 2, HeaderHash: types.Hash{2}, PrevHash: fork.HeaderHash}
	tip := types.Header{Height: 3, HeaderHash: types.Hash{3}, PrevHash: mid.HeaderHash}

	for _, h := range []types.Header{fork, mid, tip} {
		require.NoError(t, b.SaveBlockHeader(h))
	}

	midBitmap := roaring.New()
	midBitmap.Add(4)
	require.NoError(t, b.SaveBlockInputBitmap(mid.HeaderHash, midBitmap))

	tipBitmap := roaring.New()
	tipBitmap.Add(7)
	require.NoError(t, b.SaveBlockInputBitmap(tip.HeaderHash, tipBitmap))

	result, err := InputPosToRewind(b, fork, tip)
	require.NoError(t, err)
	assert.True(t, result.Contains(4))
	assert.True(t, result.Contains(7))
	assert.Equal(t, uint64(2), result.GetCardinality())
}

func TestInputPosToRewindForkTooOld(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "chain.db"))
	require.NoError(t, err)
	defer st.Close()

	b, err := st.Batch()
	require.NoError(t, err)
	defer b.Discard()

	fork := types.Header{Height: 5, HeaderHash: types.Hash{5}}
	tip := types.Header{Height: 1, HeaderHash: types.Hash{1}}

	_, err = InputPosToRewind(b, fork, tip)
	assert.ErrorIs(t, err, ErrForkTooOld)
}
