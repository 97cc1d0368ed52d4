// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory provides block device living in the process memory. It is
// used for tests and as a scratch layer, and it can serve as a template for
// new BlockIO implementation since it implements the whole interface in the
// simplest possible way.
package memory

import (
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/google/uuid"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
)

// Memory is zero filled block device. Blocks which were written at least once
// are owned, i.e. reported as real data to the readers.
type Memory struct {
	uuid      uuid.UUID
	blockSize uint64

	// Lock guarding all fields below.
	lock    sync.RWMutex
	active  bool
	data    []byte
	written bitmap.Bitmap
}

// New returns device of size bytes. size is rounded down to the block size.
func New(blockSize, size uint64) *Memory {
	blocks := size / blockSize

	return &Memory{
		uuid:      uuid.New(),
		blockSize: blockSize,
		data:      make([]byte, blocks*blockSize),
		written:   bitmap.New(int(blocks)),
	}
}

func (m *Memory) Activate(gen uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.active = true

	return nil
}

func (m *Memory) QueryIsActive() (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.active, nil
}

func (m *Memory) TotalSize() (uint64, error) {
	return uint64(len(m.data)), nil
}

func (m *Memory) BlockSize() (uint64, error) {
	return m.blockSize, nil
}

func (m *Memory) UUID() (uuid.UUID, error) {
	return m.uuid, nil
}

// Checks that the request is aligned and does not overflow the device.
func (m *Memory) checkBounds(offset block.Block, length int) error {
	if offset.Size() != m.blockSize || uint64(length)%m.blockSize != 0 {
		return blockio.ErrNotBlockAligned
	}

	blocks := uint64(len(m.data)) / m.blockSize
	if !block.Fits(offset.Value, uint64(length)/m.blockSize, blocks) {
		return blockio.ErrOffsetOutOfRange.WithMessage(offset.String())
	}

	return nil
}

func (m *Memory) Read(offset block.Block, data *block.Buffer) (*blockio.Waiter, error) {
	if err := m.checkBounds(offset, data.Len()); err != nil {
		return nil, err
	}

	m.lock.RLock()
	defer m.lock.RUnlock()

	start := offset.ByteOffset()
	copy(data.Bytes(), m.data[start:start+uint64(data.Len())])

	for i := 0; i < data.Len()/int(m.blockSize); i++ {
		owned := m.written.Get(int(offset.Value) + i)
		data.SetOwned(i*int(m.blockSize), int(m.blockSize), owned)
	}

	return blockio.Immediate(nil), nil
}

func (m *Memory) Write(offset block.Block, data []byte) (*blockio.Waiter, error) {
	if err := m.checkBounds(offset, len(data)); err != nil {
		return nil, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	copy(m.data[offset.ByteOffset():], data)

	for i := uint64(0); i < uint64(len(data))/m.blockSize; i++ {
		m.written.Set(int(offset.Value+i), true)
	}

	return blockio.Immediate(nil), nil
}

func (m *Memory) Flush(snapshot *blockio.SnapshotDetails) (*blockio.Waiter, error) {
	return blockio.Immediate(nil), nil
}

func (m *Memory) ShowWork() (blockio.WorkCounts, error) {
	return blockio.WorkCounts{}, nil
}
