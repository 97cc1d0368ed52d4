// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockio_test

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/faithanalog/crucible/internal/blockio"
)

func TestErrors__WithMessage(t *testing.T) {
	err := blockio.ErrOffsetOutOfRange.WithMessage("block 10").WithMessage("volume")

	assert.Equal(t, "offset out of range: block 10: volume", err.Error())
	assert.True(t, errors.Is(err, blockio.ErrOffsetOutOfRange))
	assert.False(t, errors.Is(err, blockio.ErrNotBlockAligned))
}

func TestErrors__Wrap(t *testing.T) {
	err := blockio.ErrIOFailed.Wrap(io.ErrUnexpectedEOF)

	assert.Equal(t, "input/output error: unexpected EOF", err.Error())
	assert.True(t, errors.Is(err, blockio.ErrIOFailed))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestWaiter(t *testing.T) {
	assert.NoError(t, blockio.Immediate(nil).Wait())

	failure := errors.New("failure")
	w := blockio.Go(func() error { return failure })
	<-w.Done()
	assert.Equal(t, failure, w.Wait())
	assert.Equal(t, failure, w.Wait())

	w, complete := blockio.NewWaiter()
	select {
	case <-w.Done():
		t.Fatal("waiter completed early")
	default:
	}
	complete(nil)
	assert.NoError(t, w.Wait())
}

func TestWorkCounts__Add(t *testing.T) {
	sum := blockio.WorkCounts{Queued: 1, Dispatched: 2}.Add(blockio.WorkCounts{Queued: 3, Dispatched: 4})

	assert.Equal(t, blockio.WorkCounts{Queued: 4, Dispatched: 6}, sum)
}
