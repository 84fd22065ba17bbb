package pmmr

import (
	"crypto/sha256"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testElem struct{ V byte }

func (e testElem) MarshalBinary() ([]byte, error) { return []byte{e.V}, nil }

func decodeTestElem(b []byte) (testElem, error) { return testElem{V: b[0]}, nil }

func newTestBackend(t *testing.T, prunable bool) *Backend[testElem] {
	t.Helper()
	b, err := Open[testElem](t.TempDir(), prunable, sha256.New, decodeTestElem)
	require.NoError(t, err)
	return b
}

func TestBackendPushAndRoot(t *testing.T) {
	b := newTestBackend(t, true)

	for i := byte(1); i <= 4; i++ {
		pos, err := b.Push(testElem{V: i})
		require.NoError(t, err)
		if i == 1 {
			assert.Equal(t, uint64(1), pos)
		}
	}

	assert.Equal(t, uint64(7), b.UnprunedSize())

	root, err := b.Root()
	require.NoError(t, err)
	assert.Len(t, root, HashSize)
}

func TestBackendGetDataRoundTrip(t *testing.T) {
	b := newTestBackend(t, true)

	pos, err := b.Push(testElem{V: 42})
	require.NoError(t, err)

	v, ok, err := b.GetData(pos)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(42), v.V)
}

func TestBackendPruneHidesData(t *testing.T) {
	b := newTestBackend(t, true)

	pos, err := b.Push(testElem{V: 1})
	require.NoError(t, err)
	_, err = b.Push(testElem{V: 2})
	require.NoError(t, err)

	rootBefore, err := b.Root()
	require.NoError(t, err)

	pruned, err := b.Prune(pos)
	require.NoError(t, err)
	assert.True(t, pruned)

	_, ok, err := b.GetData(pos)
	require.NoError(t, err)
	assert.False(t, ok)

	// Root is unaffected by pruning a leaf: it is still hashed into its
	// parent, only the leaf data itself becomes unavailable.
	rootAfter, err := b.Root()
	require.NoError(t, err)
	assert.Equal(t, rootBefore, rootAfter)
}

func TestBackendPruneNotPrunable(t *testing.T) {
	b := newTestBackend(t, false)
	pos, err := b.Push(testElem{V: 1})
	require.NoError(t, err)

	_, err = b.Prune(pos)
	assert.ErrorIs(t, err, ErrNotPrunable)
}

func TestBackendRewindTruncatesAndUnprunes(t *testing.T) {
	b := newTestBackend(t, true)

	var positions []uint64
	for i := byte(1); i <= 5; i++ {
		pos, err := b.Push(testElem{V: i})
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	pruned, err := b.Prune(positions[0])
	require.NoError(t, err)
	require.True(t, pruned)

	// Size immediately after the 3rd leaf (0-based insertion index 2) was
	// appended: FirstMMRSize wants a 0-based node index, not a leaf index,
	// so convert via InsertionToPMMRIndex first.
	sizeAfterThree := FirstMMRSize(InsertionToPMMRIndex(2) - 1)

	rootBefore, err := func() ([]byte, error) {
		tmp := newTestBackend(t, true)
		for i := byte(1); i <= 3; i++ {
			if _, err := tmp.Push(testElem{V: i}); err != nil {
				return nil, err
			}
		}
		return tmp.Root()
	}()
	require.NoError(t, err)

	rewindRmPos := roaring.New()
	rewindRmPos.Add(uint32(positions[0]))
	require.NoError(t, b.Rewind(sizeAfterThree, rewindRmPos))
	assert.Equal(t, sizeAfterThree, b.UnprunedSize())

	rootAfter, err := b.Root()
	require.NoError(t, err)
	assert.Equal(t, rootBefore, rootAfter)

	_, ok, err := b.GetData(positions[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBackendSyncAndDiscard(t *testing.T) {
	b := newTestBackend(t, true)

	_, err := b.Push(testElem{V: 1})
	require.NoError(t, err)
	require.NoError(t, b.Sync())

	_, err = b.Push(testElem{V: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.UnprunedSize())

	b.Discard()
	assert.Equal(t, uint64(1), b.UnprunedSize())
}

func TestBuildProofVerifies(t *testing.T) {
	b := newTestBackend(t, true)

	var leafHashes [][]byte
	var positions []uint64
	for i := byte(1); i <= 5; i++ {
		leaf := testElem{V: i}
		raw, _ := leaf.MarshalBinary()
		pos, err := b.Push(leaf)
		require.NoError(t, err)
		positions = append(positions, pos)
		leafHashes = append(leafHashes, HashLeafWithIndex(sha256.New(), pos-1, raw))
	}

	root, err := b.Root()
	require.NoError(t, err)

	for i, pos := range positions {
		proof, err := b.MerkleProof(pos)
		require.NoError(t, err)
		assert.True(t, proof.Verify(sha256.New(), leafHashes[i], root))
	}
}
