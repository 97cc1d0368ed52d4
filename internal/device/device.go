// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package device provides byte addressed access to a block backend. Requests
// which are not block aligned are served with read-modify-write.
package device

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
)

// Device implements io.ReaderAt and io.WriterAt on top of blockio.BlockIO.
//
// The backend serves the requests in the order they are received, but
// read-modify-write spans multiple requests. Hence all operations hold the
// read portion of the lock and read-modify-write holds the write portion,
// which pauses all other operations.
type Device struct {
	bio  blockio.BlockIO
	lock *sync.RWMutex

	size      uint64
	blockSize uint64
	uuid      uuid.UUID
}

func New(bio blockio.BlockIO) *Device {
	return &Device{
		bio:  bio,
		lock: new(sync.RWMutex),
	}
}

// Clone returns handle sharing the backend and the lock with d.
func (d *Device) Clone() *Device {
	c := *d

	return &c
}

// Activate activates the backend and caches its geometry. Already active
// backend is not an error, the device can be opened multiple times.
func (d *Device) Activate(gen uint64) error {
	if err := d.bio.Activate(gen); err != nil && !errors.Is(err, blockio.ErrUpstairsAlreadyActive) {
		return err
	}

	var err error

	if d.size, err = d.bio.TotalSize(); err != nil {
		return err
	}

	if d.blockSize, err = d.bio.BlockSize(); err != nil {
		return err
	}

	if d.uuid, err = d.bio.UUID(); err != nil {
		return err
	}

	return nil
}

// Size returns size in bytes, it is known after Activate.
func (d *Device) Size() uint64 {
	return d.size
}

func (d *Device) BlockSize() uint64 {
	return d.blockSize
}

func (d *Device) UUID() uuid.UUID {
	return d.uuid
}

func (d *Device) ShowWork() (blockio.WorkCounts, error) {
	return d.bio.ShowWork()
}

func (d *Device) checkActive() error {
	if d.blockSize == 0 {
		return blockio.ErrUpstairsInactive
	}

	return nil
}

// Reads all blocks of the span into its buffer.
func (d *Device) readBlocks(span *block.Span) error {
	waiter, err := d.bio.Read(span.Offset(), span.Buffer())
	if err != nil {
		return err
	}

	return waiter.Wait()
}

func (d *Device) writeBlocks(offset block.Block, data []byte) error {
	waiter, err := d.bio.Write(offset, data)
	if err != nil {
		return err
	}

	return waiter.Wait()
}

// ReadAt reads len(p) bytes from off. Reads crossing the end of the device
// are shortened and return io.EOF.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if err := d.checkActive(); err != nil {
		return 0, err
	}

	if off < 0 {
		return 0, blockio.ErrOffsetOutOfRange
	}

	if uint64(off) >= d.size {
		return 0, io.EOF
	}

	var eof error
	if uint64(off)+uint64(len(p)) > d.size {
		p = p[:d.size-uint64(off)]
		eof = io.EOF
	}

	if len(p) == 0 {
		return 0, eof
	}

	span := block.NewSpan(uint64(off), uint64(len(p)), d.blockSize)

	d.lock.RLock()
	err := d.readBlocks(span)
	d.lock.RUnlock()

	if err != nil {
		return 0, err
	}

	span.ReadFromBlocksInto(p)

	return len(p), eof
}

// WriteAt writes p at off. Writes crossing the end of the device are
// rejected as a whole.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if err := d.checkActive(); err != nil {
		return 0, err
	}

	if off < 0 || uint64(off)+uint64(len(p)) > d.size {
		return 0, blockio.ErrOffsetOutOfRange
	}

	if len(p) == 0 {
		return 0, nil
	}

	span := block.NewSpan(uint64(off), uint64(len(p)), d.blockSize)

	if span.IsBlockRegular() {
		d.lock.RLock()
		defer d.lock.RUnlock()

		if err := d.writeBlocks(span.Offset(), p); err != nil {
			return 0, err
		}

		return len(p), nil
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if err := d.readBlocks(span); err != nil {
		return 0, err
	}

	span.WriteIntoBlocks(p)

	if err := d.writeBlocks(span.Offset(), span.Buffer().Bytes()); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Flush waits until all completed writes are durable.
func (d *Device) Flush() error {
	waiter, err := d.bio.Flush(nil)
	if err != nil {
		return err
	}

	return waiter.Wait()
}
