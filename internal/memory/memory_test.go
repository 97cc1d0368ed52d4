// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memory_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/memory"
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

func TestMemory__ReadBackWrites(t *testing.T) {
	disk := memory.New(blockSize, 4096)

	// Initial read should come back all zeroes.
	assert.Equal(t, make([]byte, 4096), read(t, disk, 0, 4096).Bytes())

	write(t, disk, 1, bytes.Repeat([]byte{1}, 512))

	expected := make([]byte, 512)
	expected = append(expected, bytes.Repeat([]byte{1}, 512)...)
	expected = append(expected, make([]byte, 4096-1024)...)
	assert.Equal(t, expected, read(t, disk, 0, 4096).Bytes())

	write(t, disk, 0, bytes.Repeat([]byte{2}, 512))
	write(t, disk, 2, bytes.Repeat([]byte{7}, 1024))

	expected = bytes.Repeat([]byte{2}, 512)
	expected = append(expected, bytes.Repeat([]byte{1}, 512)...)
	expected = append(expected, bytes.Repeat([]byte{7}, 1024)...)
	expected = append(expected, make([]byte, 4096-2048)...)
	assert.Equal(t, expected, read(t, disk, 0, 4096).Bytes())
}

func TestMemory__Ownership(t *testing.T) {
	disk := memory.New(blockSize, 4096)
	write(t, disk, 2, make([]byte, 512))

	buffer := read(t, disk, 0, 4096)
	for i := 0; i < 8; i++ {
		assert.Equalf(t, i == 2, buffer.Owned(i*blockSize), "block %d", i)
		assert.Equalf(t, i == 2, buffer.Owned(i*blockSize+blockSize-1), "block %d end", i)
	}
}

func TestMemory__RejectsBadRequests(t *testing.T) {
	disk := memory.New(blockSize, 4096)

	_, err := disk.Write(block.FromSize(0, blockSize), make([]byte, 100))
	assert.ErrorIs(t, err, blockio.ErrNotBlockAligned)

	_, err = disk.Write(block.FromSize(7, blockSize), make([]byte, 1024))
	assert.ErrorIs(t, err, blockio.ErrOffsetOutOfRange)

	_, err = disk.Read(block.FromSize(0, 4096), block.NewBuffer(4096))
	assert.ErrorIs(t, err, blockio.ErrNotBlockAligned)

	// Byte offsets of these blocks do not fit into 64 bits.
	_, err = disk.Write(block.FromSize(1<<55, blockSize), make([]byte, blockSize))
	assert.ErrorIs(t, err, blockio.ErrOffsetOutOfRange)

	_, err = disk.Read(block.FromSize(math.MaxUint64, blockSize), block.NewBuffer(blockSize))
	assert.ErrorIs(t, err, blockio.ErrOffsetOutOfRange)
}

func TestMemory__Geometry(t *testing.T) {
	disk := memory.New(blockSize, 4096+100)

	size, err := disk.TotalSize()
	require.NoError(t, err)
	assert.EqualValues(t, 4096, size)

	active, err := disk.QueryIsActive()
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, disk.Activate(1))
	require.NoError(t, disk.Activate(1))

	active, err = disk.QueryIsActive()
	require.NoError(t, err)
	assert.True(t, active)
}
