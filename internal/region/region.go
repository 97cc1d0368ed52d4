// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package region

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/control"
	"github.com/faithanalog/crucible/internal/region/extentmap"
	"github.com/faithanalog/crucible/internal/region/key"
	"github.com/faithanalog/crucible/internal/region/objproxy"
)

const (
	// Size of the metadata of one extent stored in the object header.
	extentRecordSize = 32

	// Every object starts with one block of extent records followed by
	// the data of all extents in the same order.
	metadataBlocks = 1

	// Key representing the object where serialized version of map is
	// stored.
	checkpointKey = -1
)

// Config holds the tunables of a session which do not come from the
// construction request.
type Config struct {
	// Number of go routines for uploads and downloads.
	Uploaders   int
	Downloaders int

	// Pause between dead GC rounds.
	GCWait time.Duration

	// Consecutive dead GC failures after which Run gives up.
	GCMaxFailures int

	// Maximal size of objects created by threshold GC.
	CompactObjectSize int64
}

// DefaultConfig returns configuration usable without any config file.
func DefaultConfig() Config {
	return Config{
		Uploaders:         16,
		Downloaders:       16,
		GCWait:            10 * time.Minute,
		GCMaxFailures:     5,
		CompactObjectSize: 4 * 1024 * 1024,
	}
}

// Session is a client of one region replicated on all targets. It implements
// blockio.BlockIO on top of a log-structured object store: every write is
// uploaded as a new object and the extent map keeps track of where the live
// data of every block is.
type Session struct {
	opts      Options
	config    Config
	blockSize uint64

	// Proxy struct for the operations on objects like uploads, downloads
	// etc. Proxy structs are used for serialization and prioritization of
	// requests.
	store *objproxy.ObjectProxy

	keys key.Counter

	// Lock guarding the fields below.
	lock       sync.RWMutex
	active     bool
	closed     bool
	descriptor *Descriptor
	extents    *extentmap.Proxy

	// Closed on the first successful activation.
	activated     chan struct{}
	activatedOnce sync.Once
	closeOnce     sync.Once

	// Writes hold it shared from the key assignment until the extent map
	// is updated. Checkpoints hold it exclusively while serializing the
	// map, hence every key lower than the checkpointed next key is
	// contained in the checkpoint.
	flushLock sync.RWMutex

	// Serializes checkpoint uploads.
	checkpointLock sync.Mutex

	// Data private to the garbage collection process.
	gcData struct {
		// Reference counter of objects which are actually downloaded
		// and hence cannot be deleted from the storage backend.
		refcounter map[int64]int64

		// Lock guarding the refcounter.
		reflock sync.Mutex

		// Serializes threshold GC runs.
		compactLock sync.Mutex
	}
}

// New returns inactive session of the region stored in store.
func New(blockSize uint64, store objproxy.ObjectStore, config Config, opts Options) *Session {
	s := &Session{
		opts:      opts,
		config:    config,
		blockSize: blockSize,
		store:     objproxy.New(store, config.Uploaders, config.Downloaders, opts.Lossy),
		activated: make(chan struct{}),
	}

	s.gcData.refcounter = make(map[int64]int64)

	return s
}

func (s *Session) metadataSize() int {
	return metadataBlocks * int(s.blockSize)
}

// Maximal number of extent records in one object header.
func (s *Session) maxRecords() int {
	return s.metadataSize() / extentRecordSize
}

// Returns the descriptor, loading it from the store when not known yet.
func (s *Session) geometry() (Descriptor, error) {
	s.lock.RLock()
	d := s.descriptor
	s.lock.RUnlock()

	if d != nil {
		return *d, nil
	}

	loaded, err := loadDescriptor(s.store.Instance)
	if err != nil {
		return Descriptor{}, err
	}

	s.lock.Lock()
	if s.descriptor == nil {
		s.descriptor = &loaded
	}
	d = s.descriptor
	s.lock.Unlock()

	return *d, nil
}

// Activate loads the region descriptor, fences older generations and
// restores the extent map from the store.
func (s *Session) Activate(gen uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.active {
		return blockio.ErrUpstairsAlreadyActive
	}

	// Workers are stopped, the session cannot be brought back.
	if s.closed {
		return blockio.ErrUpstairsInactive.WithMessage("session closed")
	}

	d, err := loadDescriptor(s.store.Instance)
	if err != nil {
		return err
	}

	if d.BlockSize != s.blockSize {
		return blockio.ErrBlockSizeMismatch.WithMessage(
			fmt.Sprintf("region has %d, requested %d", d.BlockSize, s.blockSize))
	}

	if gen < d.Gen {
		return blockio.ErrGenerationTooLow.WithMessage(fmt.Sprintf("%d < %d", gen, d.Gen))
	}

	d.Gen = gen
	if err := storeDescriptor(s.store.Instance, d); err != nil {
		return blockio.ErrIOFailed.Wrap(errors.Wrap(err, "descriptor update"))
	}

	extents := extentmap.NewProxy(newMapper(int64(d.Blocks)))
	if err := s.restore(extents); err != nil {
		extents.Close()
		return err
	}

	s.descriptor = &d
	s.extents = extents
	s.active = true
	s.activatedOnce.Do(func() { close(s.activated) })

	log.Info().Str("region", d.UUID.String()).Uint64("gen", gen).Strs("targets", s.opts.Target).
		Int64("next_key", s.keys.Current()).Msg("Region activated.")

	return nil
}

func (s *Session) QueryIsActive() (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.active, nil
}

func (s *Session) TotalSize() (uint64, error) {
	d, err := s.geometry()
	if err != nil {
		return 0, err
	}

	return d.Blocks * d.BlockSize, nil
}

func (s *Session) BlockSize() (uint64, error) {
	return s.blockSize, nil
}

func (s *Session) UUID() (uuid.UUID, error) {
	d, err := s.geometry()
	if err != nil {
		return uuid.Nil, err
	}

	return d.UUID, nil
}

// Returns extent map of the active session.
func (s *Session) activeExtents() (*extentmap.Proxy, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if !s.active {
		return nil, blockio.ErrUpstairsInactive
	}

	return s.extents, nil
}

// Checks that the request is aligned and does not overflow the region and
// returns extent map to serve it.
func (s *Session) checkRequest(offset block.Block, length int) (*extentmap.Proxy, error) {
	extents, err := s.activeExtents()
	if err != nil {
		return nil, err
	}

	if offset.Size() != s.blockSize || uint64(length)%s.blockSize != 0 {
		return nil, blockio.ErrNotBlockAligned
	}

	if !block.Fits(offset.Value, uint64(length)/s.blockSize, uint64(extents.Blocks())) {
		return nil, blockio.ErrOffsetOutOfRange.WithMessage(offset.String())
	}

	return extents, nil
}

// Write uploads data as a new object and then maps it. The object has one
// header block with the extent record followed by the data.
func (s *Session) Write(offset block.Block, data []byte) (*blockio.Waiter, error) {
	extents, err := s.checkRequest(offset, len(data))
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return blockio.Immediate(nil), nil
	}

	s.flushLock.RLock()

	key := s.keys.Next()
	e := extentmap.Extent{
		Block:  int64(offset.Value),
		Length: int64(uint64(len(data)) / s.blockSize),
		SeqNo:  key,
	}

	object := make([]byte, s.metadataSize()+len(data))
	putExtent(object, e)
	copy(object[s.metadataSize():], data)

	return blockio.Go(func() error {
		defer s.flushLock.RUnlock()

		if err := s.store.Upload(key, object, true); err != nil {
			// Keep the key space continuous so the objects uploaded
			// after this one survive the next restore.
			if err := s.store.Upload(key, []byte{}, true); err != nil {
				log.Error().Err(err).Int64("key", key).Msg("Key space gap created.")
			}

			return blockio.ErrIOFailed.Wrap(errors.Wrapf(err, "object %d upload", key))
		}

		return extents.Update([]extentmap.Extent{e}, metadataBlocks, key)
	}), nil
}

// Read consults the extent map and downloads all needed pieces in parallel.
// Blocks never written are zero filled and not owned.
func (s *Session) Read(offset block.Block, data *block.Buffer) (*blockio.Waiter, error) {
	extents, err := s.checkRequest(offset, data.Len())
	if err != nil {
		return nil, err
	}

	if data.Len() == 0 {
		return blockio.Immediate(nil), nil
	}

	length := int64(uint64(data.Len()) / s.blockSize)

	return blockio.Go(func() error {
		return s.read(extents, int64(offset.Value), length, data)
	}), nil
}

func (s *Session) read(extents *extentmap.Proxy, start, length int64, data *block.Buffer) error {
	parts, err := s.getObjectPartsRefCounterInc(extents, start, length)
	if err != nil {
		return err
	}
	defer s.objectPartsRefCounterDec(parts)

	var g errgroup.Group
	chunk := data.Bytes()
	offset := 0

	for _, p := range parts {
		p := p
		size := int(p.Length) * int(s.blockSize)
		piece := chunk[offset : offset+size]

		if p.Key == extentmap.NotMappedKey {
			data.Zero(offset, size)
			data.SetOwned(offset, size, false)
		} else {
			g.Go(func() error {
				err := s.store.Download(p.Key, piece, p.Block*int64(s.blockSize), true)
				if err != nil {
					return blockio.ErrIOFailed.Wrap(errors.Wrapf(err, "object %d download", p.Key))
				}

				return nil
			})
			data.SetOwned(offset, size, true)
		}

		offset += size
	}

	return g.Wait()
}

// Flush stores checkpoint of the extent map. When snapshot is given the same
// checkpoint is kept under the snapshot name.
func (s *Session) Flush(snapshot *blockio.SnapshotDetails) (*blockio.Waiter, error) {
	extents, err := s.activeExtents()
	if err != nil {
		return nil, err
	}

	return blockio.Go(func() error {
		return s.checkpoint(extents, snapshot)
	}), nil
}

func (s *Session) ShowWork() (blockio.WorkCounts, error) {
	return blockio.WorkCounts{
		Queued:     s.store.Queued(),
		Dispatched: s.store.Dispatched(),
	}, nil
}

// Run is the background task of the session. It waits for the activation and
// then runs dead GC rounds until ctx is done, then it stores the final
// checkpoint. It also serves the control endpoint when requested by the
// options.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.gcDead(ctx)
	})

	if s.opts.Control != "" {
		g.Go(func() error {
			return control.Serve(ctx, s.opts.Control, s)
		})
	}

	return g.Wait()
}

// Stops all workers. The session cannot serve any request afterwards.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.active = false
		s.closed = true
		extents := s.extents
		s.lock.Unlock()

		if extents != nil {
			extents.Close()
		}
		s.store.Close()

		log.Debug().Strs("targets", s.opts.Target).Msg("Region session closed.")
	})
}

// Returns object parts for reconstructing the blocks but before that safely
// increments the refcounter for the objects. Objects in refcounter are
// excluded from garbage collection.
func (s *Session) getObjectPartsRefCounterInc(extents *extentmap.Proxy, start, length int64) ([]extentmap.ObjectPart, error) {
	s.gcData.reflock.Lock()
	defer s.gcData.reflock.Unlock()

	parts, err := extents.Lookup(start, length)
	if err != nil {
		return nil, err
	}

	for _, p := range parts {
		s.gcData.refcounter[p.Key]++
	}

	return parts, nil
}

// Decrements the refcounter for the object parts.
func (s *Session) objectPartsRefCounterDec(parts []extentmap.ObjectPart) {
	s.gcData.reflock.Lock()
	defer s.gcData.reflock.Unlock()

	for _, p := range parts {
		s.gcData.refcounter[p.Key]--
	}
}
