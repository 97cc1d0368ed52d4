// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume_test

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/memory"
	"github.com/faithanalog/crucible/internal/volume"
)

const blockSize = 512

func read(t *testing.T, bio blockio.BlockIO, offset uint64, size int) *block.Buffer {
	buffer := block.NewBuffer(size)
	waiter, err := bio.Read(block.FromSize(offset, blockSize), buffer)
	require.NoError(t, err)
	require.NoError(t, waiter.Wait())

	return buffer
}

func write(t *testing.T, bio blockio.BlockIO, offset uint64, data []byte) {
	waiter, err := bio.Write(block.FromSize(offset, blockSize), data)
	require.NoError(t, err)
	require.NoError(t, waiter.Wait())
}

func fill(value byte, blocks int) []byte {
	return bytes.Repeat([]byte{value}, blocks*blockSize)
}

// Returns memory of blocks blocks with every block written with value.
func filledMemory(t *testing.T, value byte, blocks int) *memory.Memory {
	m := memory.New(blockSize, uint64(blocks*blockSize))
	write(t, m, 0, fill(value, blocks))

	return m
}

func newVolume(t *testing.T, subVolumes ...blockio.BlockIO) *volume.Volume {
	v := volume.New(blockSize)
	for _, sv := range subVolumes {
		require.NoError(t, v.AddSubVolume(sv))
	}

	return v
}

func TestVolume__SubVolumesForLBARange(t *testing.T) {
	v := newVolume(t,
		memory.New(blockSize, 512*blockSize),
		memory.New(blockSize, 512*blockSize),
		memory.New(blockSize, 512*blockSize))

	ranges := func(start, length uint64) []block.Range {
		var result []block.Range
		for _, c := range v.SubVolumesForLBARange(start, length) {
			result = append(result, c.Range)
		}
		return result
	}

	assert.Equal(t, []block.Range{{Start: 0, End: 10}}, ranges(0, 10))
	assert.Equal(t, []block.Range{{Start: 500, End: 512}, {Start: 512, End: 520}}, ranges(500, 20))
	assert.Equal(t, []block.Range{{Start: 0, End: 512}, {Start: 512, End: 1024}, {Start: 1024, End: 1536}},
		ranges(0, 1536))
	assert.Equal(t, []block.Range{{Start: 1535, End: 1536}}, ranges(1535, 1))
	assert.Equal(t, []block.Range{{Start: 511, End: 512}, {Start: 512, End: 1024}, {Start: 1024, End: 1025}},
		ranges(511, 514))
	assert.Empty(t, ranges(1536, 10))

	coverages := v.SubVolumesForLBARange(600, 1)
	require.Len(t, coverages, 1)
	assert.Equal(t, block.Range{Start: 512, End: 1024}, coverages[0].SubVolume.LBARange())
	assert.Equal(t, uint64(88), coverages[0].SubVolume.ComputeSubVolumeLBA(600))
}

func TestVolume__ContiguousRanges(t *testing.T) {
	v := newVolume(t,
		memory.New(blockSize, 3*blockSize),
		memory.New(blockSize, 5*blockSize),
		memory.New(blockSize, 2*blockSize))

	var next uint64
	for _, sv := range v.SubVolumes() {
		assert.Equal(t, next, sv.LBARange().Start)
		next = sv.LBARange().End
	}
	assert.Equal(t, uint64(10), next)

	size, err := v.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(10*blockSize), size)
}

func TestVolume__ReadOnlyParentForLBARange(t *testing.T) {
	v := newVolume(t, memory.New(blockSize, 10*blockSize))

	_, ok := v.ReadOnlyParentForLBARange(0, 5)
	assert.False(t, ok)

	require.NoError(t, v.AddReadOnlyParent(memory.New(blockSize, 4*blockSize)))

	r, ok := v.ReadOnlyParentForLBARange(2, 5)
	assert.True(t, ok)
	assert.Equal(t, block.Range{Start: 2, End: 4}, r)

	_, ok = v.ReadOnlyParentForLBARange(4, 5)
	assert.False(t, ok)
}

func TestVolume__WriteSpanningSubVolumes(t *testing.T) {
	a := memory.New(blockSize, 2*blockSize)
	b := memory.New(blockSize, 2*blockSize)
	c := memory.New(blockSize, 2*blockSize)
	v := newVolume(t, a, b, c)

	data := append(fill(1, 1), fill(2, 2)...)
	data = append(data, fill(3, 1)...)
	write(t, v, 1, data)

	assert.Equal(t, append(make([]byte, blockSize), fill(1, 1)...), read(t, a, 0, 2*blockSize).Bytes())
	assert.Equal(t, fill(2, 2), read(t, b, 0, 2*blockSize).Bytes())
	assert.Equal(t, append(fill(3, 1), make([]byte, blockSize)...), read(t, c, 0, 2*blockSize).Bytes())

	assert.Equal(t, data, read(t, v, 1, 4*blockSize).Bytes())
}

func TestVolume__ReadMergesReadOnlyParent(t *testing.T) {
	v := newVolume(t, memory.New(blockSize, 4*blockSize))
	require.NoError(t, v.AddReadOnlyParent(filledMemory(t, 9, 4)))

	// Nothing written yet, all comes from the parent.
	assert.Equal(t, fill(9, 4), read(t, v, 0, 4*blockSize).Bytes())

	write(t, v, 1, fill(1, 2))

	expected := append(fill(9, 1), fill(1, 2)...)
	expected = append(expected, fill(9, 1)...)
	assert.Equal(t, expected, read(t, v, 0, 4*blockSize).Bytes())

	// Partial reads keep the alignment of the parent.
	assert.Equal(t, append(fill(1, 1), fill(9, 1)...), read(t, v, 2, 2*blockSize).Bytes())

	v.RemoveReadOnlyParent()
	assert.Nil(t, v.ReadOnlyParent())

	expected = append(make([]byte, blockSize), fill(1, 2)...)
	expected = append(expected, make([]byte, blockSize)...)
	assert.Equal(t, expected, read(t, v, 0, 4*blockSize).Bytes())
}

func TestVolume__ReadWrittenZeroesHideParent(t *testing.T) {
	v := newVolume(t, memory.New(blockSize, 2*blockSize))
	require.NoError(t, v.AddReadOnlyParent(filledMemory(t, 9, 2)))

	write(t, v, 0, make([]byte, blockSize))

	assert.Equal(t, append(make([]byte, blockSize), fill(9, 1)...), read(t, v, 0, 2*blockSize).Bytes())
}

func TestVolume__ShortReadOnlyParent(t *testing.T) {
	v := newVolume(t,
		memory.New(blockSize, 2*blockSize),
		memory.New(blockSize, 2*blockSize))
	require.NoError(t, v.AddReadOnlyParent(filledMemory(t, 9, 3)))

	write(t, v, 1, fill(1, 1))
	write(t, v, 3, fill(3, 1))

	expected := append(fill(9, 1), fill(1, 1)...)
	expected = append(expected, fill(9, 1)...)
	expected = append(expected, fill(3, 1)...)
	assert.Equal(t, expected, read(t, v, 0, 4*blockSize).Bytes())

	// Read starting in the second sub volume.
	assert.Equal(t, append(fill(9, 1), fill(3, 1)...), read(t, v, 2, 2*blockSize).Bytes())
}

func TestVolume__UnwrittenBeyondParentIsZero(t *testing.T) {
	v := newVolume(t, memory.New(blockSize, 4*blockSize))
	require.NoError(t, v.AddReadOnlyParent(filledMemory(t, 9, 2)))

	buffer := read(t, v, 0, 4*blockSize)
	assert.Equal(t, append(fill(9, 2), make([]byte, 2*blockSize)...), buffer.Bytes())
	assert.True(t, buffer.Owned(0))
	assert.False(t, buffer.Owned(3*blockSize))
}

func TestVolume__ParentOnly(t *testing.T) {
	v := volume.New(blockSize)
	require.NoError(t, v.AddReadOnlyParent(filledMemory(t, 9, 3)))

	size, err := v.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(3*blockSize), size)

	assert.Equal(t, fill(9, 2), read(t, v, 1, 2*blockSize).Bytes())

	_, err = v.Write(block.FromSize(0, blockSize), fill(1, 1))
	assert.True(t, errors.Is(err, blockio.ErrCannotReceiveBlocks))
}

func TestVolume__Empty(t *testing.T) {
	v := volume.New(blockSize)

	size, err := v.TotalSize()
	require.NoError(t, err)
	assert.Zero(t, size)

	_, err = v.Read(block.FromSize(0, blockSize), block.NewBuffer(blockSize))
	assert.True(t, errors.Is(err, blockio.ErrCannotServeBlocks))

	_, err = v.Write(block.FromSize(0, blockSize), fill(1, 1))
	assert.True(t, errors.Is(err, blockio.ErrCannotReceiveBlocks))
}

func TestVolume__BadRequests(t *testing.T) {
	v := newVolume(t, memory.New(blockSize, 4*blockSize))

	_, err := v.Write(block.FromSize(3, blockSize), fill(1, 2))
	assert.True(t, errors.Is(err, blockio.ErrOffsetOutOfRange))

	_, err = v.Read(block.FromSize(4, blockSize), block.NewBuffer(blockSize))
	assert.True(t, errors.Is(err, blockio.ErrOffsetOutOfRange))

	_, err = v.Write(block.FromSize(0, blockSize), make([]byte, 100))
	assert.True(t, errors.Is(err, blockio.ErrNotBlockAligned))

	_, err = v.Read(block.FromSize(0, 1024), block.NewBuffer(1024))
	assert.True(t, errors.Is(err, blockio.ErrNotBlockAligned))

	// Offsets wrapping around the address space.
	_, err = v.Read(block.FromSize(math.MaxUint64, blockSize), block.NewBuffer(blockSize))
	assert.True(t, errors.Is(err, blockio.ErrOffsetOutOfRange))

	_, err = v.Write(block.FromSize(math.MaxUint64, blockSize), fill(1, 1))
	assert.True(t, errors.Is(err, blockio.ErrOffsetOutOfRange))

	_, err = v.Read(block.FromSize(5, blockSize), block.NewBuffer(0))
	assert.True(t, errors.Is(err, blockio.ErrOffsetOutOfRange))

	// Zero length requests complete immediately.
	waiter, err := v.Write(block.FromSize(4, blockSize), nil)
	require.NoError(t, err)
	assert.NoError(t, waiter.Wait())
}

func TestVolume__BlockSizeMismatch(t *testing.T) {
	v := volume.New(blockSize)

	err := v.AddSubVolume(memory.New(1024, 4096))
	assert.True(t, errors.Is(err, blockio.ErrBlockSizeMismatch))

	err = v.AddReadOnlyParent(memory.New(4096, 4096))
	assert.True(t, errors.Is(err, blockio.ErrBlockSizeMismatch))

	assert.Empty(t, v.SubVolumes())
	assert.Nil(t, v.ReadOnlyParent())
}

// Memory which reports different size than it had when it was added.
type shrinking struct {
	*memory.Memory
	size uint64
}

func (s *shrinking) TotalSize() (uint64, error) {
	return s.size, nil
}

func TestVolume__ActivateChecksSubVolumeSize(t *testing.T) {
	sv := &shrinking{Memory: memory.New(blockSize, 4*blockSize), size: 4 * blockSize}
	v := newVolume(t, sv)

	sv.size = 2 * blockSize

	err := v.Activate(1)
	assert.True(t, errors.Is(err, blockio.ErrSubvolumeSizeMismatch))
}

func TestVolume__Activate(t *testing.T) {
	a := memory.New(blockSize, 2*blockSize)
	b := memory.New(blockSize, 2*blockSize)
	parent := memory.New(blockSize, 2*blockSize)

	v := newVolume(t, a, b)
	require.NoError(t, v.AddReadOnlyParent(parent))

	active, err := v.QueryIsActive()
	require.NoError(t, err)
	assert.False(t, active)

	// b is active already and has to be left alone.
	require.NoError(t, b.Activate(1))

	require.NoError(t, v.Activate(2))

	for _, bio := range []blockio.BlockIO{a, b, parent, v} {
		active, err := bio.QueryIsActive()
		require.NoError(t, err)
		assert.True(t, active)
	}

	// Repeated activation is harmless.
	require.NoError(t, v.Activate(2))
}

func TestVolume__Nested(t *testing.T) {
	// Inner volume serves block 0 from its parent, outer parent must not
	// hide it.
	inner := newVolume(t, memory.New(blockSize, 2*blockSize))
	require.NoError(t, inner.AddReadOnlyParent(filledMemory(t, 5, 1)))

	outer := newVolume(t, inner, memory.New(blockSize, 2*blockSize))
	require.NoError(t, outer.AddReadOnlyParent(filledMemory(t, 9, 4)))

	expected := append(fill(5, 1), fill(9, 3)...)
	assert.Equal(t, expected, read(t, outer, 0, 4*blockSize).Bytes())

	write(t, outer, 1, fill(1, 2))

	expected = append(fill(5, 1), fill(1, 2)...)
	expected = append(expected, fill(9, 1)...)
	assert.Equal(t, expected, read(t, outer, 0, 4*blockSize).Bytes())

	// The write went through the inner volume.
	assert.Equal(t, append(fill(5, 1), fill(1, 1)...), read(t, inner, 0, 2*blockSize).Bytes())
}

// Memory which records writes and flushes and reports fixed work counts.
type recording struct {
	*memory.Memory
	work blockio.WorkCounts

	lock    sync.Mutex
	writes  int
	flushes []*blockio.SnapshotDetails
}

func newRecording(blocks int, work blockio.WorkCounts) *recording {
	return &recording{Memory: memory.New(blockSize, uint64(blocks*blockSize)), work: work}
}

func (r *recording) Write(offset block.Block, data []byte) (*blockio.Waiter, error) {
	r.lock.Lock()
	r.writes++
	r.lock.Unlock()

	return r.Memory.Write(offset, data)
}

func (r *recording) Flush(snapshot *blockio.SnapshotDetails) (*blockio.Waiter, error) {
	r.lock.Lock()
	r.flushes = append(r.flushes, snapshot)
	r.lock.Unlock()

	return r.Memory.Flush(snapshot)
}

func (r *recording) ShowWork() (blockio.WorkCounts, error) {
	return r.work, nil
}

func TestVolume__ParentIsNeverWrittenNorFlushed(t *testing.T) {
	a := newRecording(2, blockio.WorkCounts{Queued: 1, Dispatched: 2})
	b := newRecording(2, blockio.WorkCounts{Queued: 3, Dispatched: 4})
	parent := newRecording(4, blockio.WorkCounts{Queued: 5, Dispatched: 6})

	v := newVolume(t, a, b)
	require.NoError(t, v.AddReadOnlyParent(parent))

	write(t, v, 0, fill(1, 4))
	read(t, v, 0, 4*blockSize)

	assert.Equal(t, 1, a.writes)
	assert.Equal(t, 1, b.writes)
	assert.Zero(t, parent.writes)

	snapshot := &blockio.SnapshotDetails{SnapshotName: "snap"}
	waiter, err := v.Flush(snapshot)
	require.NoError(t, err)
	require.NoError(t, waiter.Wait())

	assert.Equal(t, []*blockio.SnapshotDetails{snapshot}, a.flushes)
	assert.Equal(t, []*blockio.SnapshotDetails{snapshot}, b.flushes)
	assert.Empty(t, parent.flushes)

	counts, err := v.ShowWork()
	require.NoError(t, err)
	assert.Equal(t, blockio.WorkCounts{Queued: 9, Dispatched: 12}, counts)

	bs, err := v.BlockSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(blockSize), bs)
}

func TestVolume__SubVolumesReturnsCopy(t *testing.T) {
	v := newVolume(t, memory.New(blockSize, 2*blockSize), memory.New(blockSize, 2*blockSize))

	subVolumes := v.SubVolumes()
	subVolumes[0], subVolumes[1] = subVolumes[1], subVolumes[0]

	assert.Equal(t, block.Range{Start: 0, End: 2}, v.SubVolumes()[0].LBARange())
	assert.Equal(t, block.Range{Start: 2, End: 4}, v.SubVolumes()[1].LBARange())
}
