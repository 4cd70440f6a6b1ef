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

// Package wire implements the self-describing binary container that
// packs an ordered list of savestream frames. It follows the teacher
// corpus's low-level encoding discipline (ion/write.go's tag-plus-
// uvarint primitives, adapted here into a fixed-schema layout of
// uvarints and length-prefixed blobs with no per-value type tags): no
// reflection, append-only []byte buffers, and explicit
// length prefixes so a reader can skip or random-access without
// decoding everything.
//
// Each frame's new_blocks and new_super_blocks are stored as ordered
// (id, value) pairs rather than Go maps, so integer keys and
// ordering survive the round trip exactly as spec'd, and blob payload
// is always length-prefixed so it is never confused with a nested
// list.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"golang.org/x/crypto/blake2b"

	"github.com/SnellerInc/savestream/compr"
)

var magic = [4]byte{'S', 'V', 'S', '1'}

// BlockEntry is one newly-learned block: its id and its raw
// (decompressed) content.
type BlockEntry struct {
	ID      uint32
	Content []byte
}

// SuperEntry is one newly-learned super-block: its id and the
// sequence of block ids that compose it.
type SuperEntry struct {
	ID       uint32
	BlockIDs []uint32
}

// RawFrame is the wire-level shape of one savestream frame.
type RawFrame struct {
	HeaderBlock    [16]byte
	InfoPatch      []byte
	SuperSequence  []uint32
	NewBlocks      []BlockEntry
	NewSuperBlocks []SuperEntry
}

// checksumSize is the size of a frame's blake2b-256 integrity digest.
const checksumSize = 32

func putUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func putBlob(buf []byte, b []byte) []byte {
	buf = putUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func getUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, fmt.Errorf("wire: truncated or oversized uvarint")
	}
	return v, buf[n:], nil
}

func getBlob(buf []byte) ([]byte, []byte, error) {
	n, rest, err := getUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, fmt.Errorf("wire: blob of length %d exceeds remaining %d bytes", n, len(rest))
	}
	return rest[:n], rest[n:], nil
}

func encodeFramePayload(f RawFrame, codec compr.Codec) []byte {
	buf := make([]byte, 0, 64+len(f.InfoPatch))
	buf = append(buf, f.HeaderBlock[:]...)
	buf = putBlob(buf, f.InfoPatch)

	buf = putUvarint(buf, uint64(len(f.SuperSequence)))
	for _, id := range f.SuperSequence {
		buf = putUvarint(buf, uint64(id))
	}

	buf = putUvarint(buf, uint64(len(f.NewBlocks)))
	for _, nb := range f.NewBlocks {
		buf = putUvarint(buf, uint64(nb.ID))
		buf = putUvarint(buf, uint64(len(nb.Content)))
		compressed := codec.Compress(nb.Content, nil)
		buf = putBlob(buf, compressed)
	}

	buf = putUvarint(buf, uint64(len(f.NewSuperBlocks)))
	for _, ns := range f.NewSuperBlocks {
		buf = putUvarint(buf, uint64(ns.ID))
		buf = putUvarint(buf, uint64(len(ns.BlockIDs)))
		for _, bid := range ns.BlockIDs {
			buf = putUvarint(buf, uint64(bid))
		}
	}
	return buf
}

func decodeFramePayload(payload []byte, codec compr.Codec) (RawFrame, error) {
	var f RawFrame
	if len(payload) < 16 {
		return f, fmt.Errorf("wire: frame payload shorter than header_block")
	}
	copy(f.HeaderBlock[:], payload[:16])
	rest := payload[16:]

	var err error
	f.InfoPatch, rest, err = getBlob(rest)
	if err != nil {
		return f, fmt.Errorf("wire: info_patch: %w", err)
	}

	n, rest2, err := getUvarint(rest)
	if err != nil {
		return f, fmt.Errorf("wire: super_sequence count: %w", err)
	}
	rest = rest2
	f.SuperSequence = make([]uint32, n)
	for i := range f.SuperSequence {
		v, r, err := getUvarint(rest)
		if err != nil {
			return f, fmt.Errorf("wire: super_sequence[%d]: %w", i, err)
		}
		f.SuperSequence[i] = uint32(v)
		rest = r
	}

	nBlocks, rest3, err := getUvarint(rest)
	if err != nil {
		return f, fmt.Errorf("wire: new_blocks count: %w", err)
	}
	rest = rest3
	f.NewBlocks = make([]BlockEntry, nBlocks)
	for i := range f.NewBlocks {
		id, r, err := getUvarint(rest)
		if err != nil {
			return f, fmt.Errorf("wire: new_blocks[%d] id: %w", i, err)
		}
		rest = r
		declen, r, err := getUvarint(rest)
		if err != nil {
			return f, fmt.Errorf("wire: new_blocks[%d] length: %w", i, err)
		}
		rest = r
		compressed, r, err := getBlob(rest)
		if err != nil {
			return f, fmt.Errorf("wire: new_blocks[%d] content: %w", i, err)
		}
		rest = r
		content := make([]byte, declen)
		if err := codec.Decompress(compressed, content); err != nil {
			return f, fmt.Errorf("wire: new_blocks[%d]: %w", i, err)
		}
		f.NewBlocks[i] = BlockEntry{ID: uint32(id), Content: content}
	}

	nSupers, rest4, err := getUvarint(rest)
	if err != nil {
		return f, fmt.Errorf("wire: new_super_blocks count: %w", err)
	}
	rest = rest4
	f.NewSuperBlocks = make([]SuperEntry, nSupers)
	for i := range f.NewSuperBlocks {
		id, r, err := getUvarint(rest)
		if err != nil {
			return f, fmt.Errorf("wire: new_super_blocks[%d] id: %w", i, err)
		}
		rest = r
		cnt, r, err := getUvarint(rest)
		if err != nil {
			return f, fmt.Errorf("wire: new_super_blocks[%d] count: %w", i, err)
		}
		rest = r
		ids := make([]uint32, cnt)
		for j := range ids {
			v, r2, err := getUvarint(rest)
			if err != nil {
				return f, fmt.Errorf("wire: new_super_blocks[%d].blocks[%d]: %w", i, j, err)
			}
			ids[j] = uint32(v)
			rest = r2
		}
		f.NewSuperBlocks[i] = SuperEntry{ID: uint32(id), BlockIDs: ids}
	}
	return f, nil
}

// Encode packs frames into a self-describing binary document,
// compressing each new block's payload with the given algorithm.
func Encode(streamID uuid.UUID, algo compr.Algo, frames []RawFrame) ([]byte, error) {
	codec, err := compr.Get(algo)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+16+1+binary.MaxVarintLen64)
	out = append(out, magic[:]...)
	idBytes, err := streamID.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("wire: marshaling stream id: %w", err)
	}
	out = append(out, idBytes...)
	out = append(out, byte(algo))
	out = putUvarint(out, uint64(len(frames)))
	for _, f := range frames {
		payload := encodeFramePayload(f, codec)
		sum := blake2b.Sum256(payload)
		body := make([]byte, 0, checksumSize+len(payload))
		body = append(body, sum[:]...)
		body = append(body, payload...)
		out = putUvarint(out, uint64(len(body)))
		out = append(out, body...)
	}
	return out, nil
}

// Container is an opened (header-parsed) savestream binary document.
// Opening only parses the fixed header and the frame length prefixes;
// individual frames are decoded on demand by Frame.
type Container struct {
	StreamID uuid.UUID
	Algo     compr.Algo
	codec    compr.Codec
	bodies   [][]byte // frame body (checksum+payload), one slice per frame, no copying
}

// Open parses a savestream document's header and frame boundaries
// without decoding any frame's contents.
func Open(data []byte) (*Container, error) {
	if len(data) < 4+16+1 {
		return nil, fmt.Errorf("wire: document too short")
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("wire: bad magic")
	}
	streamID, err := uuid.FromBytes(data[4:20])
	if err != nil {
		return nil, fmt.Errorf("wire: stream id: %w", err)
	}
	algo := compr.Algo(data[20])
	codec, err := compr.Get(algo)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	rest := data[21:]
	count, rest, err := getUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("wire: frame count: %w", err)
	}
	bodies := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		n, r, err := getUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("wire: frame %d length: %w", i, err)
		}
		if uint64(len(r)) < n {
			return nil, fmt.Errorf("wire: frame %d body truncated", i)
		}
		bodies = append(bodies, r[:n])
		rest = r[n:]
	}
	return &Container{StreamID: streamID, Algo: algo, codec: codec, bodies: bodies}, nil
}

// Len returns the number of frames in the container.
func (c *Container) Len() int { return len(c.bodies) }

// Frame decodes, checksum-verifies, and decompresses the i'th frame.
func (c *Container) Frame(i int) (RawFrame, error) {
	if i < 0 || i >= len(c.bodies) {
		return RawFrame{}, fmt.Errorf("wire: frame index %d out of range [0,%d)", i, len(c.bodies))
	}
	body := c.bodies[i]
	if len(body) < checksumSize {
		return RawFrame{}, fmt.Errorf("wire: frame %d shorter than checksum", i)
	}
	want := body[:checksumSize]
	payload := body[checksumSize:]
	got := blake2b.Sum256(payload)
	if !bytes.Equal(want, got[:]) {
		return RawFrame{}, fmt.Errorf("wire: frame %d failed checksum verification", i)
	}
	return decodeFramePayload(payload, c.codec)
}
