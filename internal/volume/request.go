// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/region"
)

// Names of the request variants in the serialized form. They are part of the
// persisted format and must not change.
const (
	TypeVolume = "Volume"
	TypeURL    = "Url"
	TypeRegion = "Region"
)

// Request is a node of the volume construction request tree. It is one of
// *VolumeRequest, *URLRequest and *RegionRequest.
type Request interface {
	isRequest()
}

// VolumeRequest builds a volume from other volumes.
type VolumeRequest struct {
	BlockSize      uint64    `json:"block_size"`
	SubVolumes     []Request `json:"sub_volumes"`
	ReadOnlyParent Request   `json:"read_only_parent"`
}

// URLRequest builds a read only volume from an image available on the URL.
type URLRequest struct {
	BlockSize uint64 `json:"block_size"`
	URL       string `json:"url"`
}

// RegionRequest builds a volume backed by a replicated region.
type RegionRequest struct {
	BlockSize uint64         `json:"block_size"`
	Opts      region.Options `json:"opts"`
	Gen       uint64         `json:"gen"`
}

func (*VolumeRequest) isRequest() {}
func (*URLRequest) isRequest()    {}
func (*RegionRequest) isRequest() {}

func (r VolumeRequest) MarshalJSON() ([]byte, error) {
	type plain VolumeRequest
	if r.SubVolumes == nil {
		r.SubVolumes = []Request{}
	}

	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeVolume, plain(r)})
}

func (r URLRequest) MarshalJSON() ([]byte, error) {
	type plain URLRequest
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeURL, plain(r)})
}

func (r RegionRequest) MarshalJSON() ([]byte, error) {
	type plain RegionRequest
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeRegion, plain(r)})
}

// ReadRequest decodes request tree from r.
func ReadRequest(r io.Reader) (Request, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, blockio.ErrInvalidRequest.Wrap(err)
	}

	return UnmarshalRequest(raw)
}

// UnmarshalRequest decodes one node and all its children.
func UnmarshalRequest(data []byte) (Request, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, blockio.ErrInvalidRequest.Wrap(err)
	}

	switch head.Type {
	case TypeVolume:
		return unmarshalVolumeRequest(data)

	case TypeURL:
		r := new(URLRequest)
		if err := json.Unmarshal(data, r); err != nil {
			return nil, blockio.ErrInvalidRequest.Wrap(err)
		}
		return r, nil

	case TypeRegion:
		r := new(RegionRequest)
		if err := json.Unmarshal(data, r); err != nil {
			return nil, blockio.ErrInvalidRequest.Wrap(err)
		}
		return r, nil
	}

	return nil, blockio.ErrInvalidRequest.WithMessage(fmt.Sprintf("unknown type %q", head.Type))
}

func unmarshalVolumeRequest(data []byte) (Request, error) {
	var raw struct {
		BlockSize      uint64            `json:"block_size"`
		SubVolumes     []json.RawMessage `json:"sub_volumes"`
		ReadOnlyParent json.RawMessage   `json:"read_only_parent"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, blockio.ErrInvalidRequest.Wrap(err)
	}

	r := &VolumeRequest{
		BlockSize:  raw.BlockSize,
		SubVolumes: make([]Request, 0, len(raw.SubVolumes)),
	}

	for _, sub := range raw.SubVolumes {
		child, err := UnmarshalRequest(sub)
		if err != nil {
			return nil, err
		}
		r.SubVolumes = append(r.SubVolumes, child)
	}

	if len(raw.ReadOnlyParent) > 0 && string(raw.ReadOnlyParent) != "null" {
		parent, err := UnmarshalRequest(raw.ReadOnlyParent)
		if err != nil {
			return nil, err
		}
		r.ReadOnlyParent = parent
	}

	return r, nil
}
