package chainstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dongnanpro/gotts/types"
)

func TestHeaderExtensionApplyAndLookupByHeight(t *testing.T) {
	cs, st := openTestChainStateSet(t)

	parent, err := st.Batch()
	require.NoError(t, err)
	defer parent.Discard()

	headers := []types.Header{
		{Height: 0, HeaderHash: types.Hash{0}},
		{Height: 1, HeaderHash: types.Hash{1}, PrevHash: types.Hash{0}},
		{Height: 2, HeaderHash: types.Hash{2}, PrevHash: types.Hash{1}},
	}

	err = HeaderExtending(cs, parent, func(ext *HeaderExtension) error {
		for _, h := range headers {
			if err := ext.ApplyHeader(h); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	got, ok, err := newHeaderExtension(cs, parent).GetHeaderByHeight(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, headers[1].HeaderHash, got.HeaderHash)

	head, err := newHeaderExtension(cs, parent).Head()
	require.NoError(t, err)
	assert.Equal(t, headers[2].HeaderHash, head.HeaderHash)
}

func TestHeaderExtensionRewind(t *testing.T) {
	cs, st := openTestChainStateSet(t)

	parent, err := st.Batch()
	require.NoError(t, err)
	defer parent.Discard()

	headers := []types.Header{
		{Height: 0, HeaderHash: types.Hash{0}},
		{Height: 1, HeaderHash: types.Hash{1}, PrevHash: types.Hash{0}},
		{Height: 2, HeaderHash: types.Hash{2}, PrevHash: types.Hash{1}},
	}
	require.NoError(t, HeaderExtending(cs, parent, func(ext *HeaderExtension) error {
		for _, h := range headers {
			if err := ext.ApplyHeader(h); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, HeaderExtending(cs, parent, func(ext *HeaderExtension) error {
		return ext.Rewind(0)
	}))

	_, ok, err := newHeaderExtension(cs, parent).GetHeaderByHeight(1)
	require.NoError(t, err)
	assert.False(t, ok)

	at0, ok, err := newHeaderExtension(cs, parent).GetHeaderByHeight(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, headers[0].HeaderHash, at0.HeaderHash)
}
