package availability

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// bitBufferFile is the JSON wire form of a BitBuffer: either a constant
// applied to every tile in the subtree, or a hex-encoded per-tile bitmask.
// This models the same tile/content/child-subtree triple a Cesium .subtree
// file's binary header-plus-buffer container carries, in a form a command
// line tool can read and write without a glTF-style binary chunk reader.
type bitBufferFile struct {
	Constant  *bool  `json:"constant,omitempty"`
	BufferHex string `json:"buffer_hex,omitempty"`
}

func (f bitBufferFile) toBitBuffer() (BitBuffer, error) {
	if f.BufferHex != "" {
		buf, err := hex.DecodeString(f.BufferHex)
		if err != nil {
			return BitBuffer{}, fmt.Errorf("availability: decode buffer_hex: %w", err)
		}
		return BitBuffer{Buffer: buf}, nil
	}
	if f.Constant != nil {
		return BitBuffer{Constant: *f.Constant}, nil
	}
	return BitBuffer{}, nil
}

// subtreeFile is the JSON wire form of a Subtree.
type subtreeFile struct {
	TileAvailability    bitBufferFile `json:"tile_availability"`
	ContentAvailability bitBufferFile `json:"content_availability"`
	SubtreeAvailability bitBufferFile `json:"subtree_availability"`
}

// LoadSubtreeJSON decodes a subtree's three availability bitstreams from the
// JSON document format described by subtreeFile, for the inspect-availability
// command line tool.
func LoadSubtreeJSON(data []byte) (Subtree, error) {
	var f subtreeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Subtree{}, fmt.Errorf("availability: decode subtree file: %w", err)
	}

	tile, err := f.TileAvailability.toBitBuffer()
	if err != nil {
		return Subtree{}, err
	}
	content, err := f.ContentAvailability.toBitBuffer()
	if err != nil {
		return Subtree{}, err
	}
	subtree, err := f.SubtreeAvailability.toBitBuffer()
	if err != nil {
		return Subtree{}, err
	}

	return Subtree{
		TileAvailability:    tile,
		ContentAvailability: content,
		SubtreeAvailability: subtree,
	}, nil
}
