// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"errors"
	"fmt"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
)

// SubVolume is one backend placed into the address space of its volume. All
// BlockIO operations are passed to the backend untouched, translation of the
// addresses is the job of the volume.
type SubVolume struct {
	blockio.BlockIO

	// Blocks of the parent volume served by this sub volume.
	lbaRange block.Range
}

func (s *SubVolume) LBARange() block.Range {
	return s.lbaRange
}

// ComputeSubVolumeLBA translates the volume address to the sub volume
// address.
//
//	Total volume address:                    x
//	    Total volume LBA:   |----------------x------------------|
//	      Sub volume LBA:             |------x---------|
//	  Sub volume address:                    x
//
// E.g. with sub volume range [1024, 2048) the volume address 1234 is sub
// volume address 1234 - 1024 = 210.
func (s *SubVolume) ComputeSubVolumeLBA(address uint64) uint64 {
	if !s.lbaRange.Contains(address) {
		panic(fmt.Sprintf("address %d is not in sub volume range %s", address, s.lbaRange))
	}

	return address - s.lbaRange.Start
}

// LBARangeCoverage returns the intersection of the request [start,
// start+length) with the sub volume range. The second return value is false
// when they are disjoint. length has to be at least one.
func (s *SubVolume) LBARangeCoverage(start, length uint64) (block.Range, bool) {
	if length < 1 {
		panic("coverage of an empty request")
	}

	r := s.lbaRange

	// Last block of the request, inclusive.
	end := start + length - 1

	// No coverage:
	//
	// lba range:                  |-------------|
	// request:         |-------|
	// request:                                         |--------|
	if r.Len() == 0 || end < r.Start || start >= r.End {
		return block.Range{}, false
	}

	// Total coverage:
	//
	// lba range:                  |-------------|
	// request:                     |-------|
	if r.Contains(start) && r.Contains(end) {
		return block.Range{Start: start, End: start + length}, true
	}

	if r.Contains(start) {
		// lba range:                  |-------------|
		// request:                                |--------|
		// coverage:                               ^^^
		return block.Range{Start: start, End: r.End}, true
	}

	if r.Contains(end) {
		// lba range:                  |-------------|
		// request:                 |-------|
		// coverage:                   ^^^^^^
		return block.Range{Start: r.Start, End: end + 1}, true
	}

	if start < r.Start && end >= r.End {
		// lba range:                  |-------------|
		// request:                 |--------------------|
		// coverage:                   ^^^^^^^^^^^^^^^
		return r, true
	}

	panic(fmt.Sprintf("unreachable coverage of %s by request %d+%d", r, start, length))
}

// Activates the backend unless it is active already.
func (s *SubVolume) conditionalActivate(gen uint64) error {
	active, err := s.QueryIsActive()
	if err != nil {
		return err
	}

	if active {
		return nil
	}

	err = s.Activate(gen)
	if errors.Is(err, blockio.ErrUpstairsAlreadyActive) {
		return nil
	}

	return err
}
