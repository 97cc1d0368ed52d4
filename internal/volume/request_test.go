// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/region"
	"github.com/faithanalog/crucible/internal/volume"
)

const requestJSON = `{
	"type": "Volume",
	"block_size": 512,
	"sub_volumes": [
		{
			"type": "Region",
			"block_size": 512,
			"opts": {
				"target": ["127.0.0.1:9000", "127.0.0.2:9000"],
				"lossy": false,
				"key": "a2V5",
				"control": "127.0.0.1:7781"
			},
			"gen": 3
		}
	],
	"read_only_parent": {
		"type": "Volume",
		"block_size": 512,
		"sub_volumes": [
			{"type": "Url", "block_size": 512, "url": "http://images.local/alpine.raw"}
		],
		"read_only_parent": null
	}
}`

func TestRequest__Decode(t *testing.T) {
	r, err := volume.ReadRequest(strings.NewReader(requestJSON))
	require.NoError(t, err)

	expected := &volume.VolumeRequest{
		BlockSize: 512,
		SubVolumes: []volume.Request{
			&volume.RegionRequest{
				BlockSize: 512,
				Opts: region.Options{
					Target:  []string{"127.0.0.1:9000", "127.0.0.2:9000"},
					Key:     "a2V5",
					Control: "127.0.0.1:7781",
				},
				Gen: 3,
			},
		},
		ReadOnlyParent: &volume.VolumeRequest{
			BlockSize: 512,
			SubVolumes: []volume.Request{
				&volume.URLRequest{BlockSize: 512, URL: "http://images.local/alpine.raw"},
			},
		},
	}

	assert.Equal(t, expected, r)
}

func TestRequest__EncodeKeepsTypeTags(t *testing.T) {
	r, err := volume.ReadRequest(strings.NewReader(requestJSON))
	require.NoError(t, err)

	encoded, err := json.Marshal(r)
	require.NoError(t, err)

	var tree map[string]interface{}
	require.NoError(t, json.Unmarshal(encoded, &tree))

	assert.Equal(t, "Volume", tree["type"])
	sub := tree["sub_volumes"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Region", sub["type"])
	assert.Equal(t, float64(3), sub["gen"])

	parent := tree["read_only_parent"].(map[string]interface{})
	assert.Equal(t, "Volume", parent["type"])
	assert.Nil(t, parent["read_only_parent"])
	url := parent["sub_volumes"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Url", url["type"])

	decoded, err := volume.UnmarshalRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestRequest__EmptyVolumeEncodesEmptyList(t *testing.T) {
	encoded, err := json.Marshal(&volume.VolumeRequest{BlockSize: 4096})
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"Volume","block_size":4096,"sub_volumes":[],"read_only_parent":null}`, string(encoded))
}

func TestRequest__Invalid(t *testing.T) {
	for name, input := range map[string]string{
		"not json":       `{"type":`,
		"unknown type":   `{"type":"Nbd","block_size":512}`,
		"missing type":   `{"block_size":512}`,
		"bad child":      `{"type":"Volume","block_size":512,"sub_volumes":[{"type":"Disk"}]}`,
		"bad parent":     `{"type":"Volume","block_size":512,"read_only_parent":{"type":"Url","url":5}}`,
		"bad field type": `{"type":"Region","block_size":"big"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := volume.ReadRequest(strings.NewReader(input))
			assert.True(t, errors.Is(err, blockio.ErrInvalidRequest), "%v", err)
		})
	}
}
