// Package store is the K/V side of the chain-state engine: block headers,
// the two chain tips, the per-block input-position bitmap used to rebuild
// the commitment index, and the commitment/excess index itself. It is
// layered over bbolt the way the committed index in the original is
// layered over LMDB, with one difference bbolt forces on us: bbolt has no
// native nested transactions, so Batch.Child stages writes in memory and
// folds them into its parent on Commit rather than opening a second bbolt
// transaction.
package store

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"go.etcd.io/bbolt"

	"github.com/dongnanpro/gotts/types"
)

var (
	bucketMeta       = []byte("meta")
	bucketHeaders    = []byte("headers")
	bucketInputBmp   = []byte("input_bitmaps")
	bucketOutputPos  = []byte("output_pos_height")
	bucketKernelPos  = []byte("kernel_pos_height")
)

var (
	keyHead       = []byte("head")
	keyHeaderHead = []byte("header_head")
)

var allBuckets = [][]byte{bucketMeta, bucketHeaders, bucketInputBmp, bucketOutputPos, bucketKernelPos}

// Store opens and owns the bbolt database backing the chain store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Batch is a unit of work against the store. A root Batch (returned by
// Store.Batch) owns a real bbolt write transaction; Commit on a root batch
// commits that transaction. A child Batch (returned by Batch.Child) is an
// in-memory overlay staged on top of its parent; Commit on a child batch
// merges its staged writes into the parent's overlay without touching
// bbolt. This lets extending/header_extending open one child batch per
// scope and commit it independently of whatever owns the outer batch.
type Batch struct {
	store  *Store
	tx     *bbolt.Tx // non-nil only on the root batch
	parent *Batch    // non-nil only on child batches

	writes  map[string]map[string][]byte
	deletes map[string]map[string]bool
}

// Batch opens a new root batch backed by a live bbolt write transaction.
// The caller must eventually Commit or Discard it.
func (s *Store) Batch() (*Batch, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &Batch{store: s, tx: tx, writes: map[string]map[string][]byte{}, deletes: map[string]map[string]bool{}}, nil
}

// Child opens a child batch staged on top of b. Committing the child folds
// its writes into b; discarding it drops them. b itself is untouched
// either way until b.Commit is called.
func (b *Batch) Child() *Batch {
	return &Batch{store: b.store, parent: b, writes: map[string]map[string][]byte{}, deletes: map[string]map[string]bool{}}
}

func bs(k []byte) string { return string(k) }

func (b *Batch) put(bucket string, key []byte, val []byte) {
	m := b.writes[bucket]
	if m == nil {
		m = map[string][]byte{}
		b.writes[bucket] = m
	}
	m[bs(key)] = val
	if d := b.deletes[bucket]; d != nil {
		delete(d, bs(key))
	}
}

func (b *Batch) delete(bucket string, key []byte) {
	delete(b.writes[bucket], bs(key))
	d := b.deletes[bucket]
	if d == nil {
		d = map[string]bool{}
		b.deletes[bucket] = d
	}
	d[bs(key)] = true
}

// get resolves key through the local overlay, falling back to the parent
// batch or, at the root, the live bbolt transaction.
func (b *Batch) get(bucket string, key []byte) ([]byte, bool, error) {
	if d := b.deletes[bucket]; d != nil && d[bs(key)] {
		return nil, false, nil
	}
	if v, ok := b.writes[bucket][bs(key)]; ok {
		return v, true, nil
	}
	if b.parent != nil {
		return b.parent.get(bucket, key)
	}
	bk := b.tx.Bucket([]byte(bucket))
	if bk == nil {
		return nil, false, nil
	}
	v := bk.Get(key)
	if v == nil {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Commit applies the batch's writes. On a child batch this folds the
// overlay into the parent in memory; on a root batch it writes through to
// bbolt and commits the underlying transaction.
func (b *Batch) Commit() error {
	if b.parent != nil {
		for bucket, kv := range b.writes {
			for k, v := range kv {
				b.parent.put(bucket, []byte(k), v)
			}
		}
		for bucket, ks := range b.deletes {
			for k := range ks {
				b.parent.delete(bucket, []byte(k))
			}
		}
		return nil
	}

	for bucket, kv := range b.writes {
		bk := b.tx.Bucket([]byte(bucket))
		for k, v := range kv {
			if err := bk.Put([]byte(k), v); err != nil {
				return err
			}
		}
	}
	for bucket, ks := range b.deletes {
		bk := b.tx.Bucket([]byte(bucket))
		for k := range ks {
			if err := bk.Delete([]byte(k)); err != nil {
				return err
			}
		}
	}
	return b.tx.Commit()
}

// Discard abandons the batch. A root batch rolls back its bbolt
// transaction; a child batch simply drops its staged overlay.
func (b *Batch) Discard() {
	if b.tx != nil {
		_ = b.tx.Rollback()
	}
	b.writes = nil
	b.deletes = nil
}

// --- tips & headers ---

// Head returns the current fully-validated chain tip.
func (b *Batch) Head() (types.Tip, error) {
	return b.getTip(keyHead)
}

// HeaderHead returns the current sync-head tip (may be ahead of Head).
func (b *Batch) HeaderHead() (types.Tip, error) {
	return b.getTip(keyHeaderHead)
}

// HeadHeader returns the header at the current chain tip.
func (b *Batch) HeadHeader() (types.Header, error) {
	tip, err := b.Head()
	if err != nil {
		return types.Header{}, err
	}
	return b.GetBlockHeader(tip.BlockHash)
}

func (b *Batch) getTip(key []byte) (types.Tip, error) {
	v, ok, err := b.get(string(bucketMeta), key)
	if err != nil {
		return types.Tip{}, err
	}
	if !ok {
		return types.Tip{}, ErrNotFound
	}
	return types.DecodeTip(v)
}

// SetHead records a new fully-validated chain tip.
func (b *Batch) SetHead(tip types.Tip) error { return b.putTip(keyHead, tip) }

// SetHeaderHead records a new sync-head tip.
func (b *Batch) SetHeaderHead(tip types.Tip) error { return b.putTip(keyHeaderHead, tip) }

func (b *Batch) putTip(key []byte, tip types.Tip) error {
	v, err := tip.MarshalBinary()
	if err != nil {
		return err
	}
	b.put(string(bucketMeta), key, v)
	return nil
}

// GetBlockHeader fetches a header by its hash.
func (b *Batch) GetBlockHeader(hash types.Hash) (types.Header, error) {
	v, ok, err := b.get(string(bucketHeaders), hash[:])
	if err != nil {
		return types.Header{}, err
	}
	if !ok {
		return types.Header{}, ErrNotFound
	}
	return types.DecodeHeader(v)
}

// SaveBlockHeader stores a header, keyed by its own hash.
func (b *Batch) SaveBlockHeader(h types.Header) error {
	v, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	b.put(string(bucketHeaders), h.HeaderHash[:], v)
	return nil
}

// GetPreviousHeader fetches the header that precedes h on its chain.
func (b *Batch) GetPreviousHeader(h types.Header) (types.Header, error) {
	return b.GetBlockHeader(h.PrevHash)
}

// GetBlockInputBitmap returns the roaring bitmap of OutputI/OutputII
// positions the block identified by hash spent, used to rebuild the
// commitment index after a rewind crosses a fork point.
func (b *Batch) GetBlockInputBitmap(hash types.Hash) (*roaring.Bitmap, error) {
	v, ok, err := b.get(string(bucketInputBmp), hash[:])
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if !ok {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(v); err != nil {
		return nil, err
	}
	return bm, nil
}

// SaveBlockInputBitmap persists the input-position bitmap for a block.
func (b *Batch) SaveBlockInputBitmap(hash types.Hash, bm *roaring.Bitmap) error {
	v, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	b.put(string(bucketInputBmp), hash[:], v)
	return nil
}

// --- commitment / excess index ---

// GetOutputPosHeight looks up where an output lives in its body MMR.
func (b *Batch) GetOutputPosHeight(commit types.Commitment) (types.OutputFeaturePosHeight, error) {
	v, ok, err := b.get(string(bucketOutputPos), commit[:])
	if err != nil {
		return types.OutputFeaturePosHeight{}, err
	}
	if !ok {
		return types.OutputFeaturePosHeight{}, ErrNotFound
	}
	return types.DecodeOutputFeaturePosHeight(v)
}

// SaveOutputPosHeight records (or overwrites) the index entry for commit.
// Entries are never deleted on spend; see ClearOutputPosHeight and
// invariant 2 in the index contract.
func (b *Batch) SaveOutputPosHeight(commit types.Commitment, rec types.OutputFeaturePosHeight) error {
	v, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	b.put(string(bucketOutputPos), commit[:], v)
	return nil
}

// ClearOutputPosHeight wipes the whole commitment index, used by
// rebuild_height_pos_index to recompute it from scratch against the live
// MMR leaf set. On a child batch it only drops the entries staged in that
// child; entries held by a parent batch or already on disk stay visible.
func (b *Batch) ClearOutputPosHeight() error {
	return b.clearBucket(bucketOutputPos)
}

func (b *Batch) clearBucket(bucket []byte) error {
	if b.parent != nil {
		// Child batches never see a full bucket scan; clearing always
		// happens against the root batch during rebuild.
		b.writes[string(bucket)] = map[string][]byte{}
		b.deletes[string(bucket)] = map[string]bool{}
		return nil
	}
	bk := b.tx.Bucket(bucket)
	var keys [][]byte
	err := bk.ForEach(func(k, _ []byte) error {
		cp := make([]byte, len(k))
		copy(cp, k)
		keys = append(keys, cp)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := bk.Delete(k); err != nil {
			return err
		}
	}
	delete(b.writes, string(bucket))
	delete(b.deletes, string(bucket))
	return nil
}

// SaveTxKernelPosHeight records where a kernel lives in the kernel MMR,
// keyed by its excess commitment.
func (b *Batch) SaveTxKernelPosHeight(excess types.Commitment, pos, height uint64) error {
	rec := types.OutputFeaturePosHeight{Position: pos, Height: height}
	v, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	b.put(string(bucketKernelPos), excess[:], v)
	return nil
}

// GetTxKernelPosHeight looks up a kernel's MMR position by excess.
func (b *Batch) GetTxKernelPosHeight(excess types.Commitment) (types.OutputFeaturePosHeight, error) {
	v, ok, err := b.get(string(bucketKernelPos), excess[:])
	if err != nil {
		return types.OutputFeaturePosHeight{}, err
	}
	if !ok {
		return types.OutputFeaturePosHeight{}, ErrNotFound
	}
	return types.DecodeOutputFeaturePosHeight(v)
}
