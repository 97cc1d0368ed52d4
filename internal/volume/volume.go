// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package volume composes multiple block devices into one. Sub volumes are
// concatenated into one address space and an optional read only parent,
// which starts at LBA 0, serves blocks never written to the sub volumes. This
// is how volumes backed by snapshots, clones and images are built.
//
// Volume implements BlockIO itself, hence volumes can be nested arbitrarily.
package volume

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
)

// Volume is an ordered composition of sub volumes with optional read only
// parent. All of them have the same block size as the volume.
type Volume struct {
	uuid      uuid.UUID
	blockSize uint64

	// Sub volumes with contiguous ranges, in ascending order, starting at
	// 0. Only AddSubVolume appends here so the invariant holds.
	subVolumes []*SubVolume

	// Lock guarding the parent, which can be detached while I/O is
	// running.
	parentLock     sync.RWMutex
	readOnlyParent *SubVolume
}

// Coverage is a part of a request served by one sub volume. Range is in the
// volume address space.
type Coverage struct {
	Range     block.Range
	SubVolume *SubVolume
}

func New(blockSize uint64) *Volume {
	return &Volume{
		uuid:      uuid.New(),
		blockSize: blockSize,
	}
}

// Returns range of blocks following the last sub volume.
func (v *Volume) computeNextLBARange(numberOfBlocks uint64) block.Range {
	if len(v.subVolumes) == 0 {
		return block.Range{Start: 0, End: numberOfBlocks}
	}

	lastEnd := v.subVolumes[len(v.subVolumes)-1].lbaRange.End

	return block.Range{Start: lastEnd, End: lastEnd + numberOfBlocks}
}

// Returns number of blocks of the backend, which has to use the volume block
// size.
func (v *Volume) blocksOf(bio blockio.BlockIO) (uint64, error) {
	blockSize, err := bio.BlockSize()
	if err != nil {
		return 0, err
	}

	if blockSize != v.blockSize {
		return 0, blockio.ErrBlockSizeMismatch.WithMessage(
			fmt.Sprintf("volume has %d B blocks, backend %d B", v.blockSize, blockSize))
	}

	size, err := bio.TotalSize()
	if err != nil {
		return 0, err
	}

	return size / blockSize, nil
}

// AddSubVolume appends the backend at the end of the volume address space.
func (v *Volume) AddSubVolume(bio blockio.BlockIO) error {
	blocks, err := v.blocksOf(bio)
	if err != nil {
		return err
	}

	sv := &SubVolume{
		BlockIO:  bio,
		lbaRange: v.computeNextLBARange(blocks),
	}
	v.subVolumes = append(v.subVolumes, sv)

	log.Debug().Str("volume", v.uuid.String()).Stringer("range", sv.lbaRange).Msg("Sub volume added.")

	return nil
}

// AddReadOnlyParent installs the backend as a source of blocks which were
// never written to the sub volumes. The parent always starts at LBA 0 and
// can be shorter than the volume:
//
//	sub volumes:    |------------|------------|------------|
//	read only src:  |xxxxxxxxxxxxxxxxxxx|
func (v *Volume) AddReadOnlyParent(bio blockio.BlockIO) error {
	blocks, err := v.blocksOf(bio)
	if err != nil {
		return err
	}

	v.parentLock.Lock()
	defer v.parentLock.Unlock()

	v.readOnlyParent = &SubVolume{
		BlockIO:  bio,
		lbaRange: block.Range{Start: 0, End: blocks},
	}

	log.Debug().Str("volume", v.uuid.String()).Uint64("blocks", blocks).Msg("Read only parent added.")

	return nil
}

// RemoveReadOnlyParent detaches the parent. Blocks not owned by the sub
// volumes are then read from the sub volumes as well.
func (v *Volume) RemoveReadOnlyParent() {
	v.parentLock.Lock()
	defer v.parentLock.Unlock()

	v.readOnlyParent = nil
}

func (v *Volume) parent() *SubVolume {
	v.parentLock.RLock()
	defer v.parentLock.RUnlock()

	return v.readOnlyParent
}

// SubVolumes returns a copy of the sub volumes in the address order.
func (v *Volume) SubVolumes() []*SubVolume {
	return append([]*SubVolume(nil), v.subVolumes...)
}

// ReadOnlyParent returns the parent or nil.
func (v *Volume) ReadOnlyParent() *SubVolume {
	return v.parent()
}

// SubVolumesForLBARange returns sub volumes affected by the request. Start
// and length are in blocks. Imagine three sub volumes:
//
//	                 0            a            b            c
//	sub volumes:     |------------|------------|------------|
//	request 1:           |------|
//	request 2:                         |------------|
//	request 3:          |-------------------------------|
//
// Request 1 maps to sub volume 0 only, request 2 to sub volumes 1 and 2 and
// request 3 to all of them. The returned coverages partition the request
// without gaps.
func (v *Volume) SubVolumesForLBARange(start, length uint64) []Coverage {
	coverages := make([]Coverage, 0, len(v.subVolumes))

	for _, sv := range v.subVolumes {
		if r, ok := sv.LBARangeCoverage(start, length); ok {
			coverages = append(coverages, Coverage{Range: r, SubVolume: sv})
		}
	}

	return coverages
}

// ReadOnlyParentForLBARange returns the part of the request served by the
// read only parent, if any.
func (v *Volume) ReadOnlyParentForLBARange(start, length uint64) (block.Range, bool) {
	parent := v.parent()
	if parent == nil {
		return block.Range{}, false
	}

	return parent.LBARangeCoverage(start, length)
}

// Returns number of blocks of the whole volume.
func (v *Volume) totalBlocks() uint64 {
	if len(v.subVolumes) > 0 {
		return v.subVolumes[len(v.subVolumes)-1].lbaRange.End
	}

	if parent := v.parent(); parent != nil {
		return parent.lbaRange.Len()
	}

	return 0
}

// Validates request geometry and returns its length in blocks.
func (v *Volume) checkRequest(offset block.Block, length int) (uint64, error) {
	if offset.Size() != v.blockSize || uint64(length)%v.blockSize != 0 {
		return 0, blockio.ErrNotBlockAligned.WithMessage(
			fmt.Sprintf("%d bytes at %s, volume block size %d", length, offset, v.blockSize))
	}

	blocks := uint64(length) / v.blockSize
	if !block.Fits(offset.Value, blocks, v.totalBlocks()) {
		return 0, blockio.ErrOffsetOutOfRange.WithMessage(
			fmt.Sprintf("%d blocks at %d, volume has %d", blocks, offset.Value, v.totalBlocks()))
	}

	return blocks, nil
}

func (v *Volume) Activate(gen uint64) error {
	for _, sv := range v.subVolumes {
		if err := sv.conditionalActivate(gen); err != nil {
			return err
		}

		size, err := sv.TotalSize()
		if err != nil {
			return err
		}

		computed := v.blockSize * sv.lbaRange.Len()
		if size != computed {
			return blockio.ErrSubvolumeSizeMismatch.WithMessage(
				fmt.Sprintf("sub volume %s reports %d B, layout needs %d B", sv.lbaRange, size, computed))
		}
	}

	if parent := v.parent(); parent != nil {
		if err := parent.conditionalActivate(gen); err != nil {
			return err
		}
	}

	log.Info().Str("volume", v.uuid.String()).Uint64("gen", gen).Msg("Volume activated.")

	return nil
}

func (v *Volume) QueryIsActive() (bool, error) {
	for _, sv := range v.subVolumes {
		active, err := sv.QueryIsActive()
		if err != nil || !active {
			return false, err
		}
	}

	if parent := v.parent(); parent != nil {
		return parent.QueryIsActive()
	}

	return true, nil
}

// TotalSize is the size of all sub volumes. Volume with read only parent only
// has the size of the parent and empty volume has size 0.
func (v *Volume) TotalSize() (uint64, error) {
	return v.totalBlocks() * v.blockSize, nil
}

func (v *Volume) BlockSize() (uint64, error) {
	return v.blockSize, nil
}

func (v *Volume) UUID() (uuid.UUID, error) {
	return v.uuid, nil
}

// Read and wait for the completion.
func readAndWait(bio blockio.BlockIO, offset block.Block, data *block.Buffer) error {
	waiter, err := bio.Read(offset, data)
	if err != nil {
		return err
	}

	return waiter.Wait()
}

// Read serves the request from the sub volumes and merges in blocks of the
// read only parent which the sub volumes do not own. The returned waiter is
// always completed since all sub reads are joined before returning.
func (v *Volume) Read(offset block.Block, data *block.Buffer) (*blockio.Waiter, error) {
	parent := v.parent()

	// Volume with read only parent only serves reads directly from it.
	if len(v.subVolumes) == 0 {
		if parent == nil {
			return nil, blockio.ErrCannotServeBlocks.WithMessage("no read only parent, no sub volumes")
		}

		return parent.Read(offset, data)
	}

	length, err := v.checkRequest(offset, data.Len())
	if err != nil {
		return nil, err
	}

	if length == 0 {
		return blockio.Immediate(nil), nil
	}

	// TODO: dispatch segments of different sub volumes in parallel.
	dataIndex := 0
	for _, c := range v.SubVolumesForLBARange(offset.Value, length) {
		n, err := v.readSegment(c, parent, offset.Shift, data, dataIndex)
		if err != nil {
			return nil, err
		}

		dataIndex += n
	}

	if dataIndex != data.Len() {
		panic(fmt.Sprintf("read merged %d bytes of %d requested", dataIndex, data.Len()))
	}

	return blockio.Immediate(nil), nil
}

// Reads one coverage into data at dataIndex and returns number of bytes
// stored. The sub volume and the parent are read concurrently.
func (v *Volume) readSegment(c Coverage, parent *SubVolume, shift uint, data *block.Buffer, dataIndex int) (int, error) {
	size := int(c.Range.Len() * v.blockSize)
	subBuffer := block.NewBuffer(size)
	subOffset := block.New(c.SubVolume.ComputeSubVolumeLBA(c.Range.Start), shift)

	var parentRange block.Range
	var parentBuffer *block.Buffer
	hasParent := false
	if parent != nil {
		parentRange, hasParent = parent.LBARangeCoverage(c.Range.Start, c.Range.Len())
	}

	var g errgroup.Group
	g.Go(func() error {
		return readAndWait(c.SubVolume, subOffset, subBuffer)
	})

	if hasParent {
		parentBuffer = block.NewBuffer(int(parentRange.Len() * v.blockSize))
		parentOffset := block.New(parent.ComputeSubVolumeLBA(parentRange.Start), shift)
		g.Go(func() error {
			return readAndWait(parent, parentOffset, parentBuffer)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	data.CopyFrom(dataIndex, subBuffer, 0, size)

	if !hasParent {
		return size, nil
	}

	// Ownership comes back per byte but all writes occur per block, so
	// looking at the first byte of each block is enough. Blocks the sub
	// volume never wrote come from the parent.
	bs := int(v.blockSize)
	skip := int(parentRange.Start-c.Range.Start) * bs
	for i := 0; i < parentBuffer.Len(); i += bs {
		if !subBuffer.Owned(skip + i) {
			data.CopyFrom(dataIndex+skip+i, parentBuffer, i, bs)
		}
	}

	return size, nil
}

// Write dispatches parts of the data to the affected sub volumes in ascending
// order and waits for each of them before issuing the next. The read only
// parent is never written.
func (v *Volume) Write(offset block.Block, data []byte) (*blockio.Waiter, error) {
	if len(v.subVolumes) == 0 {
		return nil, blockio.ErrCannotReceiveBlocks.WithMessage("no sub volumes")
	}

	length, err := v.checkRequest(offset, len(data))
	if err != nil {
		return nil, err
	}

	if length == 0 {
		return blockio.Immediate(nil), nil
	}

	dataIndex := 0
	for _, c := range v.SubVolumesForLBARange(offset.Value, length) {
		subOffset := block.New(c.SubVolume.ComputeSubVolumeLBA(c.Range.Start), offset.Shift)
		size := int(c.Range.Len() * v.blockSize)

		waiter, err := c.SubVolume.Write(subOffset, data[dataIndex:dataIndex+size])
		if err != nil {
			return nil, err
		}

		if err := waiter.Wait(); err != nil {
			return nil, err
		}

		dataIndex += size
	}

	return blockio.Immediate(nil), nil
}

// Flush flushes all sub volumes. Read only parent is never flushed, it is
// consistent by definition since nobody can write to it.
func (v *Volume) Flush(snapshot *blockio.SnapshotDetails) (*blockio.Waiter, error) {
	for _, sv := range v.subVolumes {
		waiter, err := sv.Flush(snapshot)
		if err != nil {
			return nil, err
		}

		if err := waiter.Wait(); err != nil {
			return nil, err
		}
	}

	return blockio.Immediate(nil), nil
}

// ShowWork sums the queues of all sub volumes and the parent.
func (v *Volume) ShowWork() (blockio.WorkCounts, error) {
	var counts blockio.WorkCounts

	for _, sv := range v.subVolumes {
		c, err := sv.ShowWork()
		if err != nil {
			return counts, err
		}
		counts = counts.Add(c)
	}

	if parent := v.parent(); parent != nil {
		c, err := parent.ShowWork()
		if err != nil {
			return counts, err
		}
		counts = counts.Add(c)
	}

	return counts, nil
}
