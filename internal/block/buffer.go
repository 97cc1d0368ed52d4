// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package block

import (
	"sync"

	"github.com/boljen/go-bitmap"
)

// Buffer is the read target of every backend. Besides the data it remembers
// for each byte whether the most recent read stored real data into it or left
// the zero fill. The read merge of a volume with a read only parent is driven
// by this ownership information.
//
// Readers must not touch the data until the waiter returned together with the
// buffer completes.
type Buffer struct {
	data []byte

	// Lock guarding the ownership bitmap. Neighbouring bytes share the
	// same bitmap byte, so even disjoint updates have to be serialized.
	ownedLock sync.Mutex
	owned     bitmap.Bitmap
}

func NewBuffer(size int) *Buffer {
	return &Buffer{
		data:  make([]byte, size),
		owned: bitmap.New(size),
	}
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the underlying memory, not a copy.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Owned reports whether byte i was written by the last read.
func (b *Buffer) Owned(i int) bool {
	b.ownedLock.Lock()
	defer b.ownedLock.Unlock()

	return b.owned.Get(i)
}

// SetOwned marks n bytes starting at off.
func (b *Buffer) SetOwned(off, n int, owned bool) {
	b.ownedLock.Lock()
	defer b.ownedLock.Unlock()

	for i := off; i < off+n; i++ {
		b.owned.Set(i, owned)
	}
}

// CopyFrom copies n bytes from src at srcOff into b at dstOff together with
// their ownership.
func (b *Buffer) CopyFrom(dstOff int, src *Buffer, srcOff, n int) {
	copy(b.data[dstOff:dstOff+n], src.data[srcOff:srcOff+n])

	src.ownedLock.Lock()
	owned := make([]bool, n)
	for i := range owned {
		owned[i] = src.owned.Get(srcOff + i)
	}
	src.ownedLock.Unlock()

	b.ownedLock.Lock()
	for i, o := range owned {
		b.owned.Set(dstOff+i, o)
	}
	b.ownedLock.Unlock()
}

// Zero clears the data and ownership of n bytes starting at off.
func (b *Buffer) Zero(off, n int) {
	for i := off; i < off+n; i++ {
		b.data[i] = 0
	}
	b.SetOwned(off, n, false)
}
