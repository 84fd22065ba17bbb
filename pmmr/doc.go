// Package pmmr implements the position arithmetic, leaf-append algorithm and
// a file-backed, prunable backend for a Merkle Mountain Range.
//
// Positions are 1-based post-order indices into the flattened MMR node
// sequence; insertion (leaf) indices are 0-based and map to a position via
// InsertionToPMMRIndex. The approach mirrors the mimblewimble/grin PMMR:
// https://github.com/mimblewimble/grin/blob/master/core/src/core/pmmr.rs
package pmmr
