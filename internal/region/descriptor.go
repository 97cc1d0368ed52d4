// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package region

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/region/objproxy"
)

// Named object holding the region descriptor.
const descriptorName = "meta/region"

// Descriptor is the identity and geometry of a region. It is stored next to
// the region objects on every target.
type Descriptor struct {
	UUID      uuid.UUID `json:"uuid"`
	BlockSize uint64    `json:"block_size"`
	Blocks    uint64    `json:"blocks"`

	// Highest generation which activated the region.
	Gen uint64 `json:"gen"`
}

func loadDescriptor(store objproxy.ObjectStore) (Descriptor, error) {
	var d Descriptor

	buf, err := store.GetNamed(descriptorName)
	if errors.Is(err, objproxy.ErrNotFound) {
		return d, blockio.ErrRegionNotFound
	}

	if err != nil {
		return d, blockio.ErrIOFailed.Wrap(errors.Wrap(err, "descriptor download"))
	}

	if err := json.Unmarshal(buf, &d); err != nil {
		return d, blockio.ErrRegionNotFound.Wrap(errors.Wrap(err, "descriptor decoding"))
	}

	return d, nil
}

func storeDescriptor(store objproxy.ObjectStore, d Descriptor) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return err
	}

	return store.PutNamed(descriptorName, buf)
}

// Create stores descriptor of a new empty region of blocks blocks into store.
// Existing region is never overwritten.
func Create(store objproxy.ObjectStore, blockSize, blocks uint64) (Descriptor, error) {
	if !block.IsValidSize(blockSize) || blockSize < extentRecordSize {
		return Descriptor{}, blockio.ErrInvalidBlockSize.WithMessage(fmt.Sprintf("%d", blockSize))
	}

	if blocks == 0 {
		return Descriptor{}, blockio.ErrInvalidRequest.WithMessage("region without blocks")
	}

	_, err := loadDescriptor(store)
	if err == nil {
		return Descriptor{}, blockio.ErrInvalidRequest.WithMessage("region already exists")
	}

	if !errors.Is(err, blockio.ErrRegionNotFound) {
		return Descriptor{}, err
	}

	d := Descriptor{
		UUID:      uuid.New(),
		BlockSize: blockSize,
		Blocks:    blocks,
	}

	if err := storeDescriptor(store, d); err != nil {
		return Descriptor{}, blockio.ErrIOFailed.Wrap(errors.Wrap(err, "descriptor upload"))
	}

	return d, nil
}
