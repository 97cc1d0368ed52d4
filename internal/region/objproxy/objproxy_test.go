// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objproxy_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faithanalog/crucible/internal/region/objproxy"
	"github.com/faithanalog/crucible/internal/region/objproxy/memstore"
)

func TestObjectProxy__UploadDownload(t *testing.T) {
	p := objproxy.New(memstore.New(), 2, 2, false)
	defer p.Close()

	require.NoError(t, p.Upload(3, []byte("hello world"), true))

	buf := make([]byte, 5)
	require.NoError(t, p.Download(3, buf, 6, false))
	assert.Equal(t, "world", string(buf))

	assert.ErrorIs(t, p.Download(4, buf, 0, true), objproxy.ErrNotFound)
	assert.Zero(t, p.Queued())
	assert.Zero(t, p.Dispatched())
}

func TestObjectProxy__LossyConcurrent(t *testing.T) {
	p := objproxy.New(memstore.New(), 4, 4, true)
	defer p.Close()

	var wg sync.WaitGroup
	for i := int64(0); i < 32; i++ {
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			assert.NoError(t, p.Upload(key, []byte{byte(key)}, key%2 == 0))
		}(i)
	}
	wg.Wait()

	for i := int64(0); i < 32; i++ {
		buf := make([]byte, 1)
		require.NoError(t, p.Download(i, buf, 0, true))
		assert.Equal(t, byte(i), buf[0])
	}
}

func TestObjectProxy__StoreErrorsAreReturned(t *testing.T) {
	store := memstore.New()
	failure := errors.New("unavailable")
	store.Fail = func() error { return failure }

	p := objproxy.New(store, 1, 1, false)
	defer p.Close()

	assert.ErrorIs(t, p.Upload(0, nil, true), failure)
}

func TestObjectProxy__Closed(t *testing.T) {
	p := objproxy.New(memstore.New(), 1, 1, false)
	p.Close()

	assert.ErrorIs(t, p.Upload(0, nil, true), objproxy.ErrClosed)
	assert.Zero(t, p.Queued())
}
