// Package types holds the entities shared between the chain store and the
// chain-state engine: hashes, commitments, headers, tips, the three output
// flavours, kernels, and the index record tying a commitment to its MMR
// position and block height.
package types

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// HashSize is the digest size used throughout the engine.
const HashSize = 32

// CommitSize is the size of a Pedersen commitment.
const CommitSize = 33

// Hash is a 32-byte digest.
type Hash [HashSize]byte

// ZeroHash is the hash of an empty/absent value.
var ZeroHash Hash

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// Commitment is a Pedersen commitment, an output's unique identifier.
type Commitment [CommitSize]byte

func (c Commitment) String() string { return hex.EncodeToString(c[:]) }

// ZeroCommitment is the conventional commitment to a zero value, used as the
// identity element when summing kernel excesses.
var ZeroCommitment Commitment

// OutputFeatures classifies an output and selects which body MMR it lives
// in.
type OutputFeatures uint8

const (
	// Plain is an ordinary transaction output; lives in the OutputI MMR.
	Plain OutputFeatures = iota
	// Coinbase is a block-reward output; lives in the OutputI MMR.
	Coinbase
	// SigLocked is a signature-locked output; lives in the OutputII MMR.
	SigLocked
)

func (f OutputFeatures) String() string {
	switch f {
	case Plain:
		return "Plain"
	case Coinbase:
		return "Coinbase"
	case SigLocked:
		return "SigLocked"
	default:
		return fmt.Sprintf("OutputFeatures(%d)", uint8(f))
	}
}

// IsOutputI reports whether features belongs in the OutputI MMR (Plain or
// Coinbase); otherwise it belongs in OutputII (SigLocked).
func (f OutputFeatures) IsOutputI() bool {
	return f == Plain || f == Coinbase
}

// OutputIdentifier names an output by its features and commitment.
type OutputIdentifier struct {
	Features OutputFeatures
	Commit   Commitment
}

// OutputI is a compact plain/coinbase unspent-output record, stored in the
// OutputI MMR.
type OutputI struct {
	Features OutputFeatures
	Commit   Commitment
	Value    uint64
}

func (o OutputI) Identifier() OutputIdentifier {
	return OutputIdentifier{Features: o.Features, Commit: o.Commit}
}

func (o OutputI) MarshalBinary() ([]byte, error) { return cbor.Marshal(o) }

func DecodeOutputI(b []byte) (OutputI, error) {
	var o OutputI
	err := cbor.Unmarshal(b, &o)
	return o, err
}

// OutputII is a signature-locked unspent-output record, stored in the
// OutputII MMR.
type OutputII struct {
	Features  OutputFeatures
	Commit    Commitment
	Value     uint64
	PublicKey []byte
}

func (o OutputII) Identifier() OutputIdentifier {
	return OutputIdentifier{Features: o.Features, Commit: o.Commit}
}

func (o OutputII) MarshalBinary() ([]byte, error) { return cbor.Marshal(o) }

func DecodeOutputII(b []byte) (OutputII, error) {
	var o OutputII
	err := cbor.Unmarshal(b, &o)
	return o, err
}

// Kernel is a transaction kernel committed to a non-prunable MMR.
type Kernel struct {
	Excess    Commitment
	Fee       uint64
	ExcessSig []byte
}

func (k Kernel) MarshalBinary() ([]byte, error) { return cbor.Marshal(k) }

func DecodeKernel(b []byte) (Kernel, error) {
	var k Kernel
	err := cbor.Unmarshal(b, &k)
	return k, err
}

// Header is a block header, stored both in the header MMR and, keyed by
// hash, in the chain store.
type Header struct {
	Height          uint64
	HeaderHash      Hash
	PrevHash        Hash
	PrevRoot        Hash
	OutputIRoot     Hash
	OutputIIRoot    Hash
	KernelRoot      Hash
	OutputIMMRSize  uint64
	OutputIIMMRSize uint64
	KernelMMRSize   uint64
	TotalOverage    int64
}

func (h Header) Hash() Hash { return h.HeaderHash }

func (h Header) MarshalBinary() ([]byte, error) { return cbor.Marshal(h) }

func DecodeHeader(b []byte) (Header, error) {
	var h Header
	err := cbor.Unmarshal(b, &h)
	return h, err
}

// Tip snapshots a chain head: the two tips the engine tracks (head and
// header_head) are both represented by this type.
type Tip struct {
	Height     uint64
	BlockHash  Hash
	LastBlockH Hash
}

// TipFromHeader builds the Tip implied by applying/rewinding to header.
func TipFromHeader(h Header) Tip {
	return Tip{Height: h.Height, BlockHash: h.HeaderHash, LastBlockH: h.HeaderHash}
}

func (t Tip) MarshalBinary() ([]byte, error) { return cbor.Marshal(t) }

func DecodeTip(b []byte) (Tip, error) {
	var t Tip
	err := cbor.Unmarshal(b, &t)
	return t, err
}

// OutputFeaturePosHeight is the commitment index record: where an output
// lives (features select the MMR, position is 1-based) and at what block
// height it was created. Never deleted on spend (the index is
// non-authoritative; see invariant 2).
type OutputFeaturePosHeight struct {
	Features OutputFeatures
	Position uint64
	Height   uint64
}

func (r OutputFeaturePosHeight) MarshalBinary() ([]byte, error) { return cbor.Marshal(r) }

func DecodeOutputFeaturePosHeight(b []byte) (OutputFeaturePosHeight, error) {
	var r OutputFeaturePosHeight
	err := cbor.Unmarshal(b, &r)
	return r, err
}

// Input references a previously created output being spent.
type Input struct {
	Features OutputFeatures
	Commit   Commitment
}

// Block is the minimal shape apply_block needs: a header plus ordered
// outputs, inputs and kernels.
type Block struct {
	Header  Header
	Outputs []OutputIdentifierValue
	Inputs  []Input
	Kernels []Kernel
}

// OutputIdentifierValue pairs an output's identity with its stored record.
// Exactly one of I/II is populated, selected by Features.
type OutputIdentifierValue struct {
	Features OutputFeatures
	I        *OutputI
	II       *OutputII
}

func (v OutputIdentifierValue) Commit() Commitment {
	if v.Features.IsOutputI() {
		return v.I.Commit
	}
	return v.II.Commit
}

// TxHashSetRoots bundles the three body-MMR roots for comparison against a
// header.
type TxHashSetRoots struct {
	OutputIRoot  Hash
	OutputIIRoot Hash
	KernelRoot   Hash
}

func (r TxHashSetRoots) Equal(o TxHashSetRoots) bool {
	return r.OutputIRoot == o.OutputIRoot && r.OutputIIRoot == o.OutputIIRoot && r.KernelRoot == o.KernelRoot
}

// TxHashSetSizes bundles the three body-MMR sizes for comparison against a
// header.
type TxHashSetSizes struct {
	OutputISize  uint64
	OutputIISize uint64
	KernelSize   uint64
}

// WriteStatus receives progress callbacks during expensive validation, the
// way TxHashsetWriteStatus does in the original.
type WriteStatus interface {
	OnValidation(kernelsVerified, totalKernels, outputsVerified, totalOutputs uint64)
}

// NopWriteStatus discards all progress callbacks.
type NopWriteStatus struct{}

func (NopWriteStatus) OnValidation(uint64, uint64, uint64, uint64) {}

// BatchSigVerify verifies a batch of kernel excess signatures, an external
// collaborator (range-proof/signature algorithms are out of scope).
type BatchSigVerify func(kernels []Kernel) error

// Committed is implemented by anything that can enumerate the commitments it
// sums over, mirroring the original's Committed trait used to verify
// `sum(outputs) - sum(inputs) == sum(kernel excesses)`.
type Committed interface {
	InputsCommitted() []Commitment
	OutputsCommitted() []Commitment
	KernelsCommitted() []Commitment
}
