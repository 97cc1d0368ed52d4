// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package block is the geometry model shared by every layer of the volume
// stack. All lower layers address storage in blocks and never in raw byte
// offsets, which keeps rounding out of the I/O paths.
package block

import (
	"fmt"
	"math/bits"
)

// Block is an address of one block. The block size is 1 << Shift bytes.
type Block struct {
	Value uint64
	Shift uint
}

func New(value uint64, shift uint) Block {
	return Block{Value: value, Shift: shift}
}

// FromSize returns block with index value for devices with blockSize bytes
// per block. blockSize has to be a power of two.
func FromSize(value, blockSize uint64) Block {
	return New(value, ShiftOf(blockSize))
}

// ShiftOf returns the shift for the block size.
func ShiftOf(blockSize uint64) uint {
	return uint(bits.TrailingZeros64(blockSize))
}

// IsValidSize reports whether blockSize can be used as a block size, i.e. it
// is a non-zero power of two.
func IsValidSize(blockSize uint64) bool {
	return blockSize != 0 && blockSize&(blockSize-1) == 0
}

// Fits reports whether length blocks starting at start fit into a device of
// total blocks. It does not overflow for any input.
func Fits(start, length, total uint64) bool {
	return start <= total && length <= total-start
}

// Size returns the block size in bytes.
func (b Block) Size() uint64 {
	return 1 << b.Shift
}

// ByteOffset returns the byte address of the beginning of the block.
func (b Block) ByteOffset() uint64 {
	return b.Value << b.Shift
}

func (b Block) String() string {
	return fmt.Sprintf("block %d (%d B)", b.Value, b.Size())
}

// Range is half-open interval of blocks [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns number of blocks in the range. [0, 10) has 10 blocks.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

func (r Range) Contains(address uint64) bool {
	return address >= r.Start && address < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}
