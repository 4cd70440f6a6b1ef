// Copyright (C) 2024 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/SnellerInc/savestream/compr"
)

func sampleFrames() []RawFrame {
	var h0, h1 [16]byte
	copy(h0[:], []byte("header-frame-000"))
	copy(h1[:], []byte("header-frame-111"))
	return []RawFrame{
		{
			HeaderBlock:   h0,
			InfoPatch:     []byte(`[{"op":"add","path":["a"],"value":1}]`),
			SuperSequence: []uint32{0, 1},
			NewBlocks: []BlockEntry{
				{ID: 1, Content: bytes.Repeat([]byte{0xAA}, 256)},
				{ID: 2, Content: bytes.Repeat([]byte{0xBB}, 256)},
			},
			NewSuperBlocks: []SuperEntry{
				{ID: 1, BlockIDs: []uint32{1, 2}},
			},
		},
		{
			HeaderBlock:    h1,
			InfoPatch:      []byte(`[{"op":"change","path":["a"],"value":2}]`),
			SuperSequence:  []uint32{1, 1},
			NewBlocks:      nil,
			NewSuperBlocks: nil,
		},
	}
}

func TestEncodeOpenRoundTrip(t *testing.T) {
	id := uuid.New()
	frames := sampleFrames()

	for _, algo := range []compr.Algo{compr.None, compr.S2, compr.Zstd} {
		t.Run(algo.String(), func(t *testing.T) {
			data, err := Encode(id, algo, frames)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			c, err := Open(data)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if c.StreamID != id {
				t.Errorf("StreamID = %v, want %v", c.StreamID, id)
			}
			if c.Algo != algo {
				t.Errorf("Algo = %v, want %v", c.Algo, algo)
			}
			if c.Len() != len(frames) {
				t.Fatalf("Len() = %d, want %d", c.Len(), len(frames))
			}
			for i, want := range frames {
				got, err := c.Frame(i)
				if err != nil {
					t.Fatalf("Frame(%d): %v", i, err)
				}
				if got.HeaderBlock != want.HeaderBlock {
					t.Errorf("frame %d HeaderBlock mismatch", i)
				}
				if !bytes.Equal(got.InfoPatch, want.InfoPatch) {
					t.Errorf("frame %d InfoPatch mismatch", i)
				}
				if !reflect.DeepEqual(got.SuperSequence, want.SuperSequence) {
					t.Errorf("frame %d SuperSequence = %v, want %v", i, got.SuperSequence, want.SuperSequence)
				}
				if len(got.NewBlocks) != len(want.NewBlocks) {
					t.Fatalf("frame %d NewBlocks length = %d, want %d", i, len(got.NewBlocks), len(want.NewBlocks))
				}
				for j := range want.NewBlocks {
					if got.NewBlocks[j].ID != want.NewBlocks[j].ID {
						t.Errorf("frame %d block %d id mismatch", i, j)
					}
					if !bytes.Equal(got.NewBlocks[j].Content, want.NewBlocks[j].Content) {
						t.Errorf("frame %d block %d content mismatch", i, j)
					}
				}
				if !reflect.DeepEqual(got.NewSuperBlocks, want.NewSuperBlocks) {
					t.Errorf("frame %d NewSuperBlocks = %v, want %v", i, got.NewSuperBlocks, want.NewSuperBlocks)
				}
			}
		})
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	data, err := Encode(uuid.New(), compr.None, sampleFrames())
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), data...)
	corrupt[0] ^= 0xFF
	if _, err := Open(corrupt); err == nil {
		t.Fatal("expected an error for corrupted magic")
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	data, err := Encode(uuid.New(), compr.None, sampleFrames())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(data[:len(data)-5]); err == nil {
		t.Fatal("expected an error for a truncated document")
	}
}

func TestFrameDetectsCorruption(t *testing.T) {
	data, err := Encode(uuid.New(), compr.None, sampleFrames())
	if err != nil {
		t.Fatal(err)
	}
	// flip the document's last byte, which lies inside the last frame's
	// payload; the checksum must catch it.
	corrupt := append([]byte(nil), data...)
	corrupt[len(corrupt)-1] ^= 0xFF
	c, err := Open(corrupt)
	if err != nil {
		// a corrupted length prefix is also an acceptable failure mode
		return
	}
	sawErr := false
	for i := 0; i < c.Len(); i++ {
		if _, err := c.Frame(i); err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("expected at least one frame to fail checksum verification after corruption")
	}
}

func TestOpenUnknownAlgo(t *testing.T) {
	data, err := Encode(uuid.New(), compr.None, sampleFrames())
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), data...)
	corrupt[20] = 0xFE // algo byte
	if _, err := Open(corrupt); err == nil {
		t.Fatal("expected an error for an unknown compression algorithm")
	}
}

func TestEncodeEmptyFrames(t *testing.T) {
	data, err := Encode(uuid.New(), compr.S2, nil)
	if err != nil {
		t.Fatalf("Encode with no frames: %v", err)
	}
	c, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}
