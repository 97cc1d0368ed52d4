// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package region

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/region/extentmap"
)

const (
	// Typical number of newly created objects during one threshold GC run.
	// Just an optimization of memory allocation, in the worst case
	// reallocation occurs.
	typicalNewObjectsPerGC = 64
)

// Select objects viable for threshold GC. When an object utilization is under
// the threshold it is selected for GC. The object with the highest key is
// never collected because of oscilation.
func filterKeysToCollect(utilization map[int64]extentmap.Utilization, ratio float64) map[int64]struct{} {
	var maxKey int64 = extentmap.NotMappedKey
	collect := make(map[int64]struct{})

	for k, u := range utilization {
		if u.Ratio() < ratio {
			collect[k] = struct{}{}
		}

		if k > maxKey {
			maxKey = k
		}
	}

	delete(collect, maxKey)

	return collect
}

// Constructs the list of live extents to be saved from objects subjected to
// the GC.
func (s *Session) getCompleteWriteList(extents *extentmap.Proxy, keys map[int64]struct{}, step int64) ([]extentmap.LiveExtent, error) {
	writeList := make([]extentmap.LiveExtent, 0, 128)

	for i := int64(0); i < extents.Blocks(); i += step {
		found, err := extents.ExtentsInObjects(i, step, keys)
		if err != nil {
			return nil, err
		}

		writeList = append(writeList, found...)
	}

	return writeList, nil
}

// Removes currently downloaded objects from the list of dead objects.
func (s *Session) filterDownloadingObjects(deadObjects map[int64]struct{}) {
	s.gcData.reflock.Lock()
	defer s.gcData.reflock.Unlock()

	for k, v := range s.gcData.refcounter {
		if v == 0 {
			delete(s.gcData.refcounter, k)
		} else {
			delete(deadObjects, k)
		}
	}
}

func (s *Session) refCounterAdd(keys map[int64]struct{}, delta int64) {
	s.gcData.reflock.Lock()
	defer s.gcData.reflock.Unlock()

	for k := range keys {
		s.gcData.refcounter[k] += delta
	}
}

// Returns ticker for dead GC rounds. Non-positive wait falls back to the
// default.
func newTicker(wait time.Duration) *time.Ticker {
	if wait <= 0 {
		wait = DefaultConfig().GCWait
	}

	return time.NewTicker(wait)
}

// Compact runs threshold GC. It makes all objects with live data ratio under
// liveData dead by copying their live data into new objects. These objects
// are emptied during the regular dead GC run. The extent map is traversed by
// step blocks at once.
func (s *Session) Compact(liveData float64, step int64) error {
	extents, err := s.activeExtents()
	if err != nil {
		return err
	}

	if step < 1 {
		return blockio.ErrInvalidRequest.WithMessage("compaction step has to be positive")
	}

	s.gcData.compactLock.Lock()
	defer s.gcData.compactLock.Unlock()

	log.Info().Float64("live_data", liveData).Strs("targets", s.opts.Target).Msg("Threshold GC started.")

	utilization, err := extents.ObjectsUtilization()
	if err != nil {
		return err
	}

	keysToCollect := filterKeysToCollect(utilization, liveData)
	if len(keysToCollect) == 0 {
		log.Info().Msg("Threshold GC finished, nothing to collect.")
		return nil
	}

	writeList, err := s.getCompleteWriteList(extents, keysToCollect, step)
	if err != nil {
		return err
	}

	// Collected objects must not be emptied by dead GC while their data
	// are copied.
	s.refCounterAdd(keysToCollect, 1)
	objects, records, err := s.composeObjects(writeList)
	s.refCounterAdd(keysToCollect, -1)
	if err != nil {
		return err
	}

	for i := range objects {
		if err := s.storeComposed(extents, objects[i], records[i]); err != nil {
			return err
		}
	}

	log.Info().Int("collected", len(keysToCollect)).Int("created", len(objects)).Msg("Threshold GC finished.")

	return nil
}

// Uploads object created by threshold GC and maps it.
func (s *Session) storeComposed(extents *extentmap.Proxy, object []byte, records []extentmap.Extent) error {
	s.flushLock.RLock()
	defer s.flushLock.RUnlock()

	key := s.keys.Next()

	if err := s.store.Upload(key, object, false); err != nil {
		if err := s.store.Upload(key, []byte{}, false); err != nil {
			log.Error().Err(err).Int64("key", key).Msg("Key space gap created.")
		}

		return blockio.ErrIOFailed.Wrap(errors.Wrapf(err, "compacted object %d upload", key))
	}

	return extents.Update(records, metadataBlocks, key)
}

// Removes unneeded dead objects from the map and uploads empty object instead.
// The object cannot be deleted on the backend, because the key would be
// missing in the recovery process where we need continuous range of keys.
func (s *Session) removeNonReferencedDeadObjects(extents *extentmap.Proxy) error {
	deadObjects, err := extents.DeadObjects()
	if err != nil {
		return err
	}

	s.filterDownloadingObjects(deadObjects)

	emptied := make(map[int64]struct{}, len(deadObjects))
	var result error

	for k := range deadObjects {
		if err := s.store.Upload(k, []byte{}, false); err != nil {
			result = errors.Wrapf(err, "emptying dead object %d", k)
			continue
		}

		emptied[k] = struct{}{}
	}

	if err := extents.DeleteDeadObjects(emptied); err != nil {
		return err
	}

	return result
}

// Dead GC loop. Highly efficient hence running regularly. When ctx is done
// the final checkpoint is stored.
func (s *Session) gcDead(ctx context.Context) error {
	select {
	case <-s.activated:
	case <-ctx.Done():
		return nil
	}

	extents, err := s.activeExtents()
	if err != nil {
		return err
	}

	ticker := newTicker(s.config.GCWait)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			return s.checkpoint(extents, nil)

		case <-ticker.C:
			log.Trace().Msg("Dead GC started.")

			if err := s.removeNonReferencedDeadObjects(extents); err != nil {
				failures++
				log.Warn().Err(err).Int("failures", failures).Msg("Dead GC failed.")

				if failures >= s.config.GCMaxFailures {
					return blockio.ErrIOFailed.Wrap(errors.Wrapf(err, "dead GC failed %d times in a row", failures))
				}

				continue
			}

			failures = 0
			log.Trace().Msg("Dead GC finished.")
		}
	}
}

// Traverse the list of all extents which are going to be copied into new
// fresh object(s). It downloads necessary parts and constructs new objects
// for the complete list. Every object keeps at most one header block of
// records and at most CompactObjectSize bytes.
func (s *Session) composeObjects(writeList []extentmap.LiveExtent) ([][]byte, [][]extentmap.Extent, error) {
	var g errgroup.Group

	blockSize := int64(s.blockSize)
	maxSize := s.config.CompactObjectSize
	if maxSize < int64(s.metadataSize())+blockSize {
		maxSize = int64(s.metadataSize()) + blockSize
	}

	objects := make([][]byte, 0, typicalNewObjectsPerGC)
	records := make([][]extentmap.Extent, 0, typicalNewObjectsPerGC)

	var object []byte
	var current []extentmap.Extent

	seal := func() {
		if len(current) > 0 {
			objects = append(objects, object)
			records = append(records, current)
		}

		object = make([]byte, s.metadataSize(), maxSize)
		current = make([]extentmap.Extent, 0, s.maxRecords())
	}
	seal()

	for _, l := range writeList {
		// Extents larger than the object are split.
		for remaining := l; remaining.Extent.Length > 0; {
			free := (maxSize - int64(len(object))) / blockSize
			if free == 0 || len(current) == s.maxRecords() {
				seal()
				continue
			}

			n := remaining.Extent.Length
			if n > free {
				n = free
			}

			e := extentmap.Extent{
				Block:  remaining.Extent.Block,
				Length: n,
				SeqNo:  remaining.Extent.SeqNo,
				Flag:   remaining.Extent.Flag,
			}
			putExtent(object[len(current)*extentRecordSize:], e)
			current = append(current, e)

			start := len(object)
			object = object[:start+int(n*blockSize)]
			data := object[start:]
			key, offset := remaining.Part.Key, remaining.Part.Block*blockSize

			g.Go(func() error {
				if err := s.store.Download(key, data, offset, true); err != nil {
					return blockio.ErrIOFailed.Wrap(errors.Wrapf(err, "object %d download", key))
				}

				return nil
			})

			remaining.Extent.Block += n
			remaining.Extent.Length -= n
			remaining.Part.Block += n
		}
	}
	seal()

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return objects, records, nil
}
