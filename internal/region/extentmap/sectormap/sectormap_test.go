// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sectormap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faithanalog/crucible/internal/region/extentmap"
)

func TestMap__LookupUnwritten(t *testing.T) {
	m := New(8)

	parts := m.Lookup(2, 4)
	require.Len(t, parts, 1)
	assert.Equal(t, extentmap.ObjectPart{Block: 0, Length: 4, Key: extentmap.NotMappedKey}, parts[0])
}

func TestMap__LookupMixed(t *testing.T) {
	m := New(8)

	// Object 0 holds blocks 2..3 right after one metadata block.
	m.Update([]extentmap.Extent{{Block: 2, Length: 2, SeqNo: 0}}, 1, 0)

	parts := m.Lookup(0, 6)
	require.Len(t, parts, 3)
	assert.Equal(t, extentmap.ObjectPart{Block: 0, Length: 2, Key: extentmap.NotMappedKey}, parts[0])
	assert.Equal(t, extentmap.ObjectPart{Block: 1, Length: 2, Key: 0}, parts[1])
	assert.Equal(t, extentmap.NotMappedKey, int(parts[2].Key))
	assert.EqualValues(t, 2, parts[2].Length)
}

func TestMap__NewerWriteWins(t *testing.T) {
	m := New(4)

	m.Update([]extentmap.Extent{{Block: 0, Length: 4, SeqNo: 0}}, 1, 0)
	m.Update([]extentmap.Extent{{Block: 1, Length: 2, SeqNo: 1}}, 1, 1)

	// Replaying an older write must not change anything.
	m.Update([]extentmap.Extent{{Block: 0, Length: 1, SeqNo: -1}}, 1, 2)

	parts := m.Lookup(0, 4)
	require.Len(t, parts, 3)
	assert.Equal(t, extentmap.ObjectPart{Block: 1, Length: 1, Key: 0}, parts[0])
	assert.Equal(t, extentmap.ObjectPart{Block: 1, Length: 2, Key: 1}, parts[1])
	assert.Equal(t, extentmap.ObjectPart{Block: 4, Length: 1, Key: 0}, parts[2])

	utilization := m.ObjectsUtilization()
	assert.Equal(t, extentmap.Utilization{Live: 2, Total: 4}, utilization[0])
	assert.Equal(t, extentmap.Utilization{Live: 2, Total: 2}, utilization[1])

	_, dead := m.DeadObjects()[2]
	assert.True(t, dead)
}

func TestMap__OverwrittenObjectIsDead(t *testing.T) {
	m := New(4)

	m.Update([]extentmap.Extent{{Block: 0, Length: 2, SeqNo: 0}}, 1, 0)
	m.Update([]extentmap.Extent{{Block: 0, Length: 4, SeqNo: 1}}, 1, 1)

	dead := m.DeadObjects()
	assert.Contains(t, dead, int64(0))
	assert.NotContains(t, m.ObjectsUtilization(), int64(0))

	m.DeleteFromDeadObjects(dead)
	assert.Empty(t, m.DeadObjects())
}

func TestMap__FindExtentsWithKeys(t *testing.T) {
	m := New(8)

	m.Update([]extentmap.Extent{{Block: 0, Length: 8, SeqNo: 0}}, 1, 0)
	m.Update([]extentmap.Extent{{Block: 2, Length: 2, SeqNo: 1}}, 1, 1)

	found := m.FindExtentsWithKeys(0, 8, map[int64]struct{}{0: {}})
	require.Len(t, found, 2)

	assert.Equal(t, extentmap.Extent{Block: 0, Length: 2, SeqNo: 0}, found[0].Extent)
	assert.Equal(t, extentmap.ObjectPart{Block: 1, Length: 2, Key: 0}, found[0].Part)

	assert.Equal(t, extentmap.Extent{Block: 4, Length: 4, SeqNo: 0}, found[1].Extent)
	assert.Equal(t, extentmap.ObjectPart{Block: 5, Length: 4, Key: 0}, found[1].Part)
}

func TestMap__SerializeRoundTrip(t *testing.T) {
	m := New(8)
	m.Update([]extentmap.Extent{{Block: 1, Length: 3, SeqNo: 5}}, 1, 5)
	m.Update([]extentmap.Extent{{Block: 0, Length: 8, SeqNo: 2}}, 1, 2)

	buf, err := m.Serialize()
	require.NoError(t, err)

	restored := New(8)
	nextKey, err := restored.Deserialize(buf)
	require.NoError(t, err)

	assert.EqualValues(t, 6, nextKey)
	assert.Equal(t, m.Lookup(0, 8), restored.Lookup(0, 8))
	assert.Equal(t, m.ObjectsUtilization(), restored.ObjectsUtilization())
}

func TestMap__DeserializeIntoDifferentSize(t *testing.T) {
	m := New(4)
	m.Update([]extentmap.Extent{{Block: 0, Length: 4, SeqNo: 0}}, 1, 0)

	buf, err := m.Serialize()
	require.NoError(t, err)

	larger := New(6)
	_, err = larger.Deserialize(buf)
	require.NoError(t, err)

	assert.EqualValues(t, 6, larger.Blocks())
	parts := larger.Lookup(3, 3)
	require.Len(t, parts, 2)
	assert.EqualValues(t, 0, parts[0].Key)
	assert.EqualValues(t, extentmap.NotMappedKey, parts[1].Key)

	smaller := New(2)
	_, err = smaller.Deserialize(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 2, smaller.Blocks())
}
