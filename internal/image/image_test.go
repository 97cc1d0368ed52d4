// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image_test

import (
	"bytes"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/image"
)

const blockSize = 512

func content() []byte {
	var b bytes.Buffer
	for i := 0; i < 4; i++ {
		b.Write(bytes.Repeat([]byte{byte(i + 1)}, blockSize))
	}

	return b.Bytes()
}

// Serves data honouring range requests.
func rangeServer(data []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "image.raw", time.Time{}, bytes.NewReader(data))
	}))
}

// Serves data ignoring range requests.
func plainServer(data []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	}))
}

func read(t *testing.T, bio blockio.BlockIO, offset uint64, size int) *block.Buffer {
	buffer := block.NewBuffer(size)
	waiter, err := bio.Read(block.FromSize(offset, blockSize), buffer)
	require.NoError(t, err)
	require.NoError(t, waiter.Wait())

	return buffer
}

func TestImage__RangeRead(t *testing.T) {
	for name, newServer := range map[string]func([]byte) *httptest.Server{
		"range": rangeServer,
		"plain": plainServer,
	} {
		t.Run(name, func(t *testing.T) {
			data := content()
			srv := newServer(data)
			defer srv.Close()

			img, err := image.Opener{}.Open(blockSize, srv.URL+"/image.raw")
			require.NoError(t, err)

			size, err := img.TotalSize()
			require.NoError(t, err)
			assert.EqualValues(t, len(data), size)

			buffer := read(t, img, 1, 2*blockSize)
			assert.Equal(t, data[blockSize:3*blockSize], buffer.Bytes())
			assert.True(t, buffer.Owned(0))
			assert.True(t, buffer.Owned(2*blockSize-1))
		})
	}
}

func TestImage__StableUUID(t *testing.T) {
	srv := rangeServer(content())
	defer srv.Close()

	a, err := image.Opener{}.Open(blockSize, srv.URL)
	require.NoError(t, err)
	b, err := image.Opener{}.Open(blockSize, srv.URL)
	require.NoError(t, err)

	ua, _ := a.UUID()
	ub, _ := b.UUID()
	assert.Equal(t, ua, ub)
}

func TestImage__ReadOnly(t *testing.T) {
	srv := rangeServer(content())
	defer srv.Close()

	img, err := image.Opener{}.Open(blockSize, srv.URL)
	require.NoError(t, err)

	_, err = img.Write(block.FromSize(0, blockSize), make([]byte, blockSize))
	assert.ErrorIs(t, err, blockio.ErrReadOnly)

	waiter, err := img.Flush(nil)
	require.NoError(t, err)
	assert.NoError(t, waiter.Wait())

	_, err = img.Read(block.FromSize(3, blockSize), block.NewBuffer(2*blockSize))
	assert.ErrorIs(t, err, blockio.ErrOffsetOutOfRange)

	_, err = img.Read(block.FromSize(math.MaxUint64, blockSize), block.NewBuffer(blockSize))
	assert.ErrorIs(t, err, blockio.ErrOffsetOutOfRange)

	_, err = img.Read(block.FromSize(1<<55, blockSize), block.NewBuffer(blockSize))
	assert.ErrorIs(t, err, blockio.ErrOffsetOutOfRange)
}

func TestImage__InvalidImages(t *testing.T) {
	srv := rangeServer(make([]byte, 1000))
	defer srv.Close()

	_, err := image.Opener{}.Open(blockSize, srv.URL)
	assert.ErrorIs(t, err, blockio.ErrInvalidImage)

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	_, err = image.Opener{}.Open(blockSize, missing.URL)
	assert.ErrorIs(t, err, blockio.ErrInvalidImage)

	_, err = image.Opener{}.Open(blockSize, "ftp://example.com/image.raw")
	assert.ErrorIs(t, err, blockio.ErrInvalidRequest)
}
