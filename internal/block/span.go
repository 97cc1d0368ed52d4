// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package block

// Span translates a byte granularity request into the blocks it touches.
// Requests which do not start and end on a block boundary have to go through
// read-modify-write, for which the span keeps a scratch buffer covering all
// affected blocks.
type Span struct {
	// Byte offset and length of the original request.
	offset uint64
	length uint64

	blockSize uint64

	// Affected blocks.
	blocks Range

	buffer *Buffer
}

func NewSpan(offset, length, blockSize uint64) *Span {
	first := offset / blockSize
	end := (offset + length + blockSize - 1) / blockSize
	if end < first {
		end = first
	}

	return &Span{
		offset:    offset,
		length:    length,
		blockSize: blockSize,
		blocks:    Range{Start: first, End: end},
		buffer:    NewBuffer(int((end - first) * blockSize)),
	}
}

// IsBlockRegular reports whether the request is block aligned and block
// sized, hence it can be passed to the block layer directly.
func (s *Span) IsBlockRegular() bool {
	return s.offset%s.blockSize == 0 && s.length%s.blockSize == 0
}

// Offset returns the first affected block.
func (s *Span) Offset() Block {
	return FromSize(s.blocks.Start, s.blockSize)
}

// Blocks returns the range of affected blocks.
func (s *Span) Blocks() Range {
	return s.blocks
}

// Buffer returns the scratch buffer covering all affected blocks.
func (s *Span) Buffer() *Buffer {
	return s.buffer
}

// Offset of the request inside the first affected block.
func (s *Span) phase() uint64 {
	return s.offset - s.blocks.Start*s.blockSize
}

// ReadFromBlocksInto copies the requested bytes from the scratch buffer to
// dst, which has to be at least as long as the request.
func (s *Span) ReadFromBlocksInto(dst []byte) {
	p := s.phase()
	copy(dst[:s.length], s.buffer.Bytes()[p:p+s.length])
}

// WriteIntoBlocks patches the scratch buffer with the request data.
func (s *Span) WriteIntoBlocks(src []byte) {
	p := s.phase()
	copy(s.buffer.Bytes()[p:p+s.length], src[:s.length])
}
