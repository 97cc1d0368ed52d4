// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blockio defines the capability every block backend implements. The
// volume composition layer talks only to this interface, so local memory,
// remote images, replicated regions and volumes themselves can be stacked in
// any combination.
package blockio

import (
	"github.com/google/uuid"

	"github.com/faithanalog/crucible/internal/block"
)

// BlockIO is a block device. All addresses are in blocks of BlockSize()
// bytes and all data lengths have to be multiples of the block size.
//
// Read, Write and Flush return a Waiter. The operation is finished only when
// the Waiter's Wait returns. Implementations have to be safe for concurrent
// use since one backend can be shared by multiple volumes and device
// handles.
type BlockIO interface {
	// Activate brings the backend online with generation gen. Activating
	// an active backend either succeeds or returns an error matching
	// ErrUpstairsAlreadyActive.
	Activate(gen uint64) error

	QueryIsActive() (bool, error)

	// TotalSize returns size of the device in bytes.
	TotalSize() (uint64, error)

	// BlockSize returns size of the block in bytes.
	BlockSize() (uint64, error)

	UUID() (uuid.UUID, error)

	// Read fills the whole buffer with data starting at offset. Bytes
	// which were actually written by the backend are marked as owned in
	// the buffer.
	Read(offset block.Block, data *block.Buffer) (*Waiter, error)

	// Write stores data starting at offset. The caller must not modify
	// data until the Waiter completes.
	Write(offset block.Block, data []byte) (*Waiter, error)

	// Flush makes all completed writes durable. Snapshot is optional.
	Flush(snapshot *SnapshotDetails) (*Waiter, error)

	// ShowWork returns the current queue depths.
	ShowWork() (WorkCounts, error)
}

// SnapshotDetails asks the backend to take a named snapshot as part of the
// flush.
type SnapshotDetails struct {
	SnapshotName string `json:"snapshot_name"`
}

// WorkCounts describes the outstanding work of a backend.
type WorkCounts struct {
	// Requests accepted by the client side which were not sent to the
	// storage yet.
	Queued int64 `json:"queued"`

	// Requests which were sent to the storage and are not acknowledged.
	Dispatched int64 `json:"dispatched"`
}

// Add sums the counts, used for aggregation over multiple backends.
func (w WorkCounts) Add(o WorkCounts) WorkCounts {
	return WorkCounts{
		Queued:     w.Queued + o.Queued,
		Dispatched: w.Dispatched + o.Dispatched,
	}
}
