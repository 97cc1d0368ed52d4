// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package region

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/region/extentmap"
	"github.com/faithanalog/crucible/internal/region/extentmap/sectormap"
	"github.com/faithanalog/crucible/internal/region/objproxy"
)

const (
	// Named object keeping the checkpoint of the snapshot.
	snapshotPrefix = "meta/snapshot/"

	// Typical number of extents per object for precise memory allocation
	// for return values. In the worst case reallocation happens.
	typicalExtentsPerObject = 16
)

// The default map is the sectormap but it can be changed trivially.
func newMapper(blocks int64) extentmap.Mapper {
	return sectormap.New(blocks)
}

// Restores the map from the checkpoint saved on the backend and updates the
// current object key accordingly. If it exists.
func (s *Session) restoreFromCheckpoint(extents *extentmap.Proxy) error {
	mapSize, err := s.store.Instance.GetObjectSize(checkpointKey)
	if errors.Is(err, objproxy.ErrNotFound) {
		return nil
	}

	if err != nil {
		return blockio.ErrIOFailed.Wrap(errors.Wrap(err, "checkpoint lookup"))
	}

	dump := make([]byte, mapSize)
	if err := s.store.Download(checkpointKey, dump, 0, false); err != nil {
		return blockio.ErrIOFailed.Wrap(errors.Wrap(err, "checkpoint download"))
	}

	nextKey, err := extents.Deserialize(dump)
	if err != nil {
		return err
	}

	s.keys.Replace(nextKey)
	log.Debug().Int64("key_after_checkpoint", nextKey).Msg("Checkpoint restored.")

	return nil
}

// Restores the map from individual objects. It reconstructs the map replaying
// all the writes from metadata part of continuous sequence of objects until a
// missing object is found. This is the point where prefix consistency is
// corrupted and we cannot recover more.
func (s *Session) restoreFromObjects(extents *extentmap.Proxy) error {
	for ; ; s.keys.Next() {
		key := s.keys.Current()

		size, err := s.store.Instance.GetObjectSize(key)
		if errors.Is(err, objproxy.ErrNotFound) {
			// Prefix consistency broken.
			break
		}

		if err != nil {
			return blockio.ErrIOFailed.Wrap(errors.Wrapf(err, "object %d lookup", key))
		}

		if size == 0 {
			// Garbage collected object, that is OK, prefix
			// consistency kept.
			continue
		}

		if size < int64(s.metadataSize()) {
			log.Warn().Int64("key", key).Int64("size", size).Msg("Truncated object ends the roll forward.")
			break
		}

		header := make([]byte, s.metadataSize())
		if err := s.store.Download(key, header, 0, false); err != nil {
			return blockio.ErrIOFailed.Wrap(errors.Wrapf(err, "object %d header download", key))
		}

		if err := extents.Update(parseExtents(header), metadataBlocks, key); err != nil {
			return err
		}
	}

	log.Debug().Int64("key_after_roll_forward", s.keys.Current()).Msg("Objects replayed.")

	return nil
}

// Restores map from saved checkpoint and then continues in restoration from
// individual objects. E.g. when crash happens, checkpoint is not uploaded
// hence the old checkpoint is read. However there can already be uploaded new
// set of objects fulfilling prefix consistency. Objects after the first gap
// are deleted.
func (s *Session) restore(extents *extentmap.Proxy) error {
	if err := s.restoreFromCheckpoint(extents); err != nil {
		return err
	}

	if err := s.restoreFromObjects(extents); err != nil {
		return err
	}

	if err := s.store.Instance.DeleteKeyAndSuccessors(s.keys.Current()); err != nil {
		return blockio.ErrIOFailed.Wrap(errors.Wrap(err, "deleting objects after the first gap"))
	}

	return nil
}

// Serializes extent map and uploads it to the backend.
func (s *Session) checkpoint(extents *extentmap.Proxy, snapshot *blockio.SnapshotDetails) error {
	s.checkpointLock.Lock()
	defer s.checkpointLock.Unlock()

	s.flushLock.Lock()
	dump, err := extents.Serialize()
	s.flushLock.Unlock()

	if err != nil {
		return err
	}

	if err := s.store.Upload(checkpointKey, dump, false); err != nil {
		return blockio.ErrIOFailed.Wrap(errors.Wrap(err, "checkpoint upload"))
	}

	if snapshot != nil {
		if err := s.store.Instance.PutNamed(snapshotPrefix+snapshot.SnapshotName, dump); err != nil {
			return blockio.ErrIOFailed.Wrap(errors.Wrapf(err, "snapshot %s upload", snapshot.SnapshotName))
		}

		log.Info().Str("snapshot", snapshot.SnapshotName).Msg("Snapshot stored.")
	}

	log.Debug().Int("size", len(dump)).Msg("Checkpoint stored.")

	return nil
}

// Stores extent record at the beginning of b.
func putExtent(b []byte, e extentmap.Extent) {
	binary.LittleEndian.PutUint64(b[0:], uint64(e.Block))
	binary.LittleEndian.PutUint64(b[8:], uint64(e.Length))
	binary.LittleEndian.PutUint64(b[16:], uint64(e.SeqNo))
	binary.LittleEndian.PutUint64(b[24:], uint64(e.Flag))
}

// Parses extent record from 32 bytes of raw memory.
func parseExtent(b []byte) extentmap.Extent {
	return extentmap.Extent{
		Block:  int64(binary.LittleEndian.Uint64(b[0:8])),
		Length: int64(binary.LittleEndian.Uint64(b[8:16])),
		SeqNo:  int64(binary.LittleEndian.Uint64(b[16:24])),
		Flag:   int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

// Parses all extent records of the object header. Records end with extent
// of length 0 since the rest of the header is zeroed.
func parseExtents(header []byte) []extentmap.Extent {
	extents := make([]extentmap.Extent, 0, typicalExtentsPerObject)

	for len(header) >= extentRecordSize {
		e := parseExtent(header[:extentRecordSize])
		if e.Length == 0 {
			break
		}

		extents = append(extents, e)
		header = header[extentRecordSize:]
	}

	return extents
}
