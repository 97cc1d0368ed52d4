// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package sectormap provides implementation of the extentmap.Mapper
// interface. It implements high efficient mapping with block granularity.
// More details are in the Map struct description.
package sectormap

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"

	"github.com/faithanalog/crucible/internal/region/extentmap"
)

const (
	// How many objects parts is the typical result for one extent lookup.
	// This is just for initial allocation of the returned array. In the
	// worst case reallocation happens.
	typicalObjectPartsPerLookup = 64
)

// BlockMetadata describes location of one region block in the objects.
type BlockMetadata struct {
	// Block in the object.
	Block int64

	// Key of the object.
	Key int64

	// Sequential number of the last write to this block.
	SeqNo int64

	// Reserved for future usage.
	Flag int64
}

// Map implements the extentmap.Mapper interface. All blocks are stored in a
// continuous array, hence lookups are linear scans and the memory usage does
// not depend on how much of the region was written. 1TB region with 4k
// blocks consumes 1TB/4k*32 = 8GB.
//
// This structure is serialized by gobs hence it has to be exported and all
// its attributes as well.
type Map struct {
	Entries         []BlockMetadata
	ObjUtilizations map[int64]extentmap.Utilization
	DeadObjs        map[int64]struct{}
	NextKey         int64
}

// New returns new instance of the map. The map should not be used directly
// because it does not support concurrent access.
func New(length int64) *Map {
	blocks := make([]BlockMetadata, length)

	for i := range blocks {
		blocks[i].Key = extentmap.NotMappedKey
	}

	return &Map{
		Entries:         blocks,
		ObjUtilizations: make(map[int64]extentmap.Utilization),
		DeadObjs:        make(map[int64]struct{}),
	}
}

func (m *Map) Blocks() int64 {
	return int64(len(m.Entries))
}

// Update updates blocks in the map with new values from extents. startOfData
// is the first block with data in the object and key is the key of the
// object.
func (m *Map) Update(extents []extentmap.Extent, startOfData, key int64) {
	if key >= m.NextKey {
		m.NextKey = key + 1
	}

	u := m.ObjUtilizations[key]
	for _, e := range extents {
		u.Total += e.Length
	}
	m.ObjUtilizations[key] = u

	for _, e := range extents {
		m.updateExtent(e, startOfData, key)
		startOfData += e.Length
	}

	// Because of GC we can add object which will never update the map
	// because all write records are old.
	if m.ObjUtilizations[key].Live == 0 {
		delete(m.ObjUtilizations, key)
		m.DeadObjs[key] = struct{}{}
	}
}

// Updates the information about objects utilizations for given block.
func (m *Map) updateUtilization(key int64, b *BlockMetadata) {
	if b.Key == key {
		return
	}

	// Increment cannot be done at once because GC can introduce object
	// with writes with lower seqNo.
	u := m.ObjUtilizations[key]
	u.Live++
	m.ObjUtilizations[key] = u

	if b.Key == extentmap.NotMappedKey {
		return
	}

	old := m.ObjUtilizations[b.Key]
	old.Live--
	if old.Live <= 0 {
		delete(m.ObjUtilizations, b.Key)
		m.DeadObjs[b.Key] = struct{}{}
	} else {
		m.ObjUtilizations[b.Key] = old
	}
}

// Updates an extent. It checks whether the write is actually newer than
// write already in the map. Like this we always keep the map consistent.
func (m *Map) updateExtent(e extentmap.Extent, startOfData, key int64) {
	target := startOfData
	for i := e.Block; i < e.Block+e.Length && i < int64(len(m.Entries)); i++ {
		b := &m.Entries[i]
		// Equality because of GC.
		if b.SeqNo <= e.SeqNo {
			m.updateUtilization(key, b)

			b.Block = target
			b.Key = key
			b.SeqNo = e.SeqNo
			b.Flag = e.Flag
		}
		target++
	}
}

// Returns longest possible run starting at start with maximal length length
// which is stored continuously in one object by one write.
func (m *Map) run(start, length int64) extentmap.LiveExtent {
	b := m.Entries[start]
	r := extentmap.LiveExtent{
		Extent: extentmap.Extent{Block: start, Length: 1, SeqNo: b.SeqNo, Flag: b.Flag},
		Part:   extentmap.ObjectPart{Block: b.Block, Length: 1, Key: b.Key},
	}

	for i := start + 1; i < int64(len(m.Entries)) && i < start+length; i++ {
		cur, prev := m.Entries[i], m.Entries[i-1]
		if cur.Key != prev.Key || cur.SeqNo != prev.SeqNo || cur.Block != prev.Block+1 {
			break
		}

		r.Extent.Length++
		r.Part.Length++
	}

	return r
}

// Lookup returns all ObjectParts from which the blocks starting at block with
// length length can be reconstructed. Never written blocks are returned as
// parts with extentmap.NotMappedKey.
func (m *Map) Lookup(block, length int64) []extentmap.ObjectPart {
	parts := make([]extentmap.ObjectPart, 0, typicalObjectPartsPerLookup)
	if length <= 0 {
		return parts
	}

	start := m.Entries[block].Block
	l := int64(1)
	for i := int64(1); i < length; i++ {
		cur, prev := m.Entries[block+i], m.Entries[block+i-1]
		bothUnmapped := cur.Key == extentmap.NotMappedKey && prev.Key == extentmap.NotMappedKey

		// The next block is not from the same extent. Store part into
		// the returned value and begin new extent.
		if !bothUnmapped && (cur.Key != prev.Key || cur.Block != prev.Block+1) {
			parts = append(parts, extentmap.ObjectPart{
				Block:  start,
				Length: l,
				Key:    prev.Key,
			})
			start = cur.Block
			l = 1
		} else {
			l++
		}
	}

	parts = append(parts, extentmap.ObjectPart{
		Block:  start,
		Length: l,
		Key:    m.Entries[block+length-1].Key,
	})

	return parts
}

// FindExtentsWithKeys returns all live extents starting from block with
// length length that are stored in any of keys.
func (m *Map) FindExtentsWithKeys(block, length int64, keys map[int64]struct{}) []extentmap.LiveExtent {
	found := make([]extentmap.LiveExtent, 0, typicalObjectPartsPerLookup)

	for i := block; i < block+length && i < int64(len(m.Entries)); {
		r := m.run(i, block+length-i)
		if _, ok := keys[r.Part.Key]; ok {
			found = append(found, r)
		}
		i += r.Extent.Length
	}

	return found
}

// DeadObjects returns copy of dead objects. These are objects with no valid
// data which can be deleted.
func (m *Map) DeadObjects() map[int64]struct{} {
	deadObjects := make(map[int64]struct{}, len(m.DeadObjs))

	for k := range m.DeadObjs {
		deadObjects[k] = struct{}{}
	}

	return deadObjects
}

// ObjectsUtilization returns copy of the objects utilization.
func (m *Map) ObjectsUtilization() map[int64]extentmap.Utilization {
	utilization := make(map[int64]extentmap.Utilization, len(m.ObjUtilizations))

	for k, v := range m.ObjUtilizations {
		utilization[k] = v
	}

	return utilization
}

// DeleteFromDeadObjects deletes keys in deadObjects from dead objects.
func (m *Map) DeleteFromDeadObjects(deadObjects map[int64]struct{}) {
	for k := range deadObjects {
		delete(m.DeadObjs, k)
	}
}

// Serialize returns serialized version of the map with go gobs.
func (m *Map) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, errors.Wrap(err, "extent map encoding")
	}

	return buf.Bytes(), nil
}

// Deserialize restores the map from buf previously created by Serialize and
// returns the next unassigned object key. The checkpointed map may cover
// different number of blocks, it is cut or extended to the current size.
func (m *Map) Deserialize(buf []byte) (int64, error) {
	var decoded Map

	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&decoded); err != nil {
		return 0, errors.Wrap(err, "extent map decoding")
	}

	n := copy(m.Entries, decoded.Entries)
	for i := n; i < len(m.Entries); i++ {
		m.Entries[i] = BlockMetadata{Key: extentmap.NotMappedKey}
	}

	m.ObjUtilizations = decoded.ObjUtilizations
	if m.ObjUtilizations == nil {
		m.ObjUtilizations = make(map[int64]extentmap.Utilization)
	}

	m.DeadObjs = decoded.DeadObjs
	if m.DeadObjs == nil {
		m.DeadObjs = make(map[int64]struct{})
	}

	m.NextKey = decoded.NextKey

	return m.NextKey, nil
}
