// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package image provides read only block device backed by an image
// downloaded by byte ranges from http(s) servers or s3 buckets.
package image

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
)

// fetcher downloads parts of the image.
type fetcher interface {
	Size() (int64, error)
	FetchAt(buf []byte, offset int64) error
}

// Image is read only block device. Every byte of the image is owned.
type Image struct {
	uuid      uuid.UUID
	blockSize uint64
	size      uint64
	location  string
	fetcher   fetcher

	// Lock guarding active.
	lock   sync.RWMutex
	active bool

	dispatched int64
}

// Returns image served by f. The image size has to be a multiple of the
// block size.
func newImage(blockSize uint64, location string, f fetcher) (*Image, error) {
	if !block.IsValidSize(blockSize) {
		return nil, blockio.ErrInvalidBlockSize.WithMessage(fmt.Sprintf("%d", blockSize))
	}

	size, err := f.Size()
	if err != nil {
		return nil, blockio.ErrInvalidImage.Wrap(errors.Wrapf(err, "size of %s", location))
	}

	if size <= 0 || uint64(size)%blockSize != 0 {
		return nil, blockio.ErrInvalidImage.WithMessage(
			fmt.Sprintf("%s has size %d which is not a multiple of %d", location, size, blockSize))
	}

	log.Debug().Str("image", location).Int64("size", size).Msg("Image opened.")

	return &Image{
		uuid:      uuid.NewSHA1(uuid.NameSpaceURL, []byte(location)),
		blockSize: blockSize,
		size:      uint64(size),
		location:  location,
		fetcher:   f,
	}, nil
}

// Opener opens images by their URL.
type Opener struct {
	HTTP HTTPOptions
	S3   S3Options
}

// Open returns image on rawURL. Supported schemes are http, https and s3.
func (o Opener) Open(blockSize uint64, rawURL string) (*Image, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, blockio.ErrInvalidRequest.Wrap(err)
	}

	var f fetcher

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		f = newHTTPFetcher(o.HTTP, rawURL)

	case "s3":
		f, err = newS3Fetcher(o.S3, u.Host, strings.TrimPrefix(u.Path, "/"))
		if err != nil {
			return nil, blockio.ErrInvalidImage.Wrap(err)
		}

	default:
		return nil, blockio.ErrInvalidRequest.WithMessage(fmt.Sprintf("unsupported url scheme %q", u.Scheme))
	}

	return newImage(blockSize, rawURL, f)
}

func (i *Image) Activate(gen uint64) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	i.active = true

	return nil
}

func (i *Image) QueryIsActive() (bool, error) {
	i.lock.RLock()
	defer i.lock.RUnlock()

	return i.active, nil
}

func (i *Image) TotalSize() (uint64, error) {
	return i.size, nil
}

func (i *Image) BlockSize() (uint64, error) {
	return i.blockSize, nil
}

// UUID is derived from the image location, hence it is stable across
// processes.
func (i *Image) UUID() (uuid.UUID, error) {
	return i.uuid, nil
}

func (i *Image) Read(offset block.Block, data *block.Buffer) (*blockio.Waiter, error) {
	if offset.Size() != i.blockSize || uint64(data.Len())%i.blockSize != 0 {
		return nil, blockio.ErrNotBlockAligned
	}

	if !block.Fits(offset.Value, uint64(data.Len())/i.blockSize, i.size/i.blockSize) {
		return nil, blockio.ErrOffsetOutOfRange.WithMessage(offset.String())
	}

	if data.Len() == 0 {
		return blockio.Immediate(nil), nil
	}

	atomic.AddInt64(&i.dispatched, 1)

	return blockio.Go(func() error {
		defer atomic.AddInt64(&i.dispatched, -1)

		if err := i.fetcher.FetchAt(data.Bytes(), int64(offset.ByteOffset())); err != nil {
			return blockio.ErrIOFailed.Wrap(errors.Wrapf(err, "%s at %d", i.location, offset.ByteOffset()))
		}

		data.SetOwned(0, data.Len(), true)

		return nil
	}), nil
}

func (i *Image) Write(offset block.Block, data []byte) (*blockio.Waiter, error) {
	return nil, blockio.ErrReadOnly.WithMessage(i.location)
}

func (i *Image) Flush(snapshot *blockio.SnapshotDetails) (*blockio.Waiter, error) {
	return blockio.Immediate(nil), nil
}

func (i *Image) ShowWork() (blockio.WorkCounts, error) {
	return blockio.WorkCounts{Dispatched: atomic.LoadInt64(&i.dispatched)}, nil
}
