package chainstate

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dongnanpro/gotts/store"
	"github.com/dongnanpro/gotts/types"
)

// foldBatchSize bounds how many per-block input bitmaps are held in memory
// at once while folding the rewind bitmap; keeps the rewind path's memory
// use independent of how many blocks are being rewound.
const foldBatchSize = 256

// InputPosToRewind computes the union of every position spent by a block
// strictly above forkHeader's height, up to and including currentHeader,
// walking currentHeader's ancestor chain back to forkHeader. The result
// names exactly the body-MMR positions that must be un-pruned (made live
// leaves again) when rewinding from currentHeader back to forkHeader: each
// of those positions was a live output at forkHeader's height and was only
// pruned by a block this rewind is undoing.
func InputPosToRewind(batch *store.Batch, forkHeader, currentHeader types.Header) (*roaring.Bitmap, error) {
	var hashes []types.Hash
	h := currentHeader
	for h.HeaderHash != forkHeader.HeaderHash {
		if h.Height <= forkHeader.Height {
			return nil, ErrForkTooOld
		}
		hashes = append(hashes, h.HeaderHash)
		prev, err := batch.GetBlockHeader(h.PrevHash)
		if err != nil {
			return nil, ErrForkTooOld
		}
		h = prev
	}

	result := roaring.New()
	pending := make([]*roaring.Bitmap, 0, foldBatchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		folded := roaring.FastOr(pending...)
		result = roaring.FastOr(result, folded)
		pending = pending[:0]
		return nil
	}

	for _, hash := range hashes {
		bm, err := batch.GetBlockInputBitmap(hash)
		if err != nil {
			return nil, wrapErr("input_pos_to_rewind", err)
		}
		pending = append(pending, bm)
		if len(pending) == foldBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return result, nil
}
