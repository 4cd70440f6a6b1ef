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

// Package blockdict implements the two-level content-addressed
// dictionary that drives cross-savestate deduplication: a map of
// fixed-size blocks, and a map of fixed-size super-blocks composed of
// block sequences. Both maps grow monotonically for the life of one
// encode or decode pass and assign ids densely starting at 0, with id
// 0 reserved for the all-zero content.
//
// Exact-content lookups are accelerated with a SipHash-2-4 fingerprint
// bucketed index, the same hash-then-verify shape ion/zion uses to
// bucket symbols; a fingerprint match is always confirmed with a full
// byte comparison before reuse, so hash collisions can only cost
// lookup time, never correctness.
package blockdict

import (
	"bytes"
	"fmt"

	"github.com/dchest/siphash"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func fingerprint(b []byte) uint64 {
	return siphash.Hash(0, 0, b)
}

// Blocks is the block-level (size B) content dictionary.
type Blocks struct {
	content [][]byte
	buckets map[uint64][]uint32
}

// NewBlocks creates a Blocks dictionary with the reserved all-zero
// block already registered at id 0.
func NewBlocks(blockSize int) *Blocks {
	zero := make([]byte, blockSize)
	b := &Blocks{
		content: [][]byte{zero},
		buckets: make(map[uint64][]uint32),
	}
	b.buckets[fingerprint(zero)] = []uint32{0}
	return b
}

// Lookup reports the id of content if it has already been interned.
func (b *Blocks) Lookup(content []byte) (id uint32, ok bool) {
	fp := fingerprint(content)
	for _, cand := range b.buckets[fp] {
		if bytes.Equal(b.content[cand], content) {
			return cand, true
		}
	}
	return 0, false
}

// Intern returns the id for content, allocating a new one if it has
// never been seen. isNew reports whether a new id was allocated.
func (b *Blocks) Intern(content []byte) (id uint32, isNew bool) {
	if id, ok := b.Lookup(content); ok {
		return id, false
	}
	id = uint32(len(b.content))
	cp := append([]byte(nil), content...)
	b.content = append(b.content, cp)
	fp := fingerprint(cp)
	b.buckets[fp] = append(b.buckets[fp], id)
	return id, true
}

// Register inserts content at an explicit id during decode, enforcing
// that ids are assigned densely (id must be exactly the next unused
// id). It is an error to re-register an id that already exists.
func (b *Blocks) Register(id uint32, content []byte) error {
	if int(id) != len(b.content) {
		return fmt.Errorf("blockdict: block id %d is not the next expected id %d", id, len(b.content))
	}
	cp := append([]byte(nil), content...)
	b.content = append(b.content, cp)
	b.buckets[fingerprint(cp)] = append(b.buckets[fingerprint(cp)], id)
	return nil
}

// Get returns the content registered at id.
func (b *Blocks) Get(id uint32) ([]byte, bool) {
	if int(id) >= len(b.content) {
		return nil, false
	}
	return b.content[id], true
}

// Len returns the number of distinct blocks known (including the
// reserved zero block).
func (b *Blocks) Len() int { return len(b.content) }

// BlockStats summarizes a Blocks dictionary's fingerprint bucket
// distribution, useful for judging how much SipHash bucket contention
// the index is absorbing.
type BlockStats struct {
	Count          int
	Buckets        int
	MaxBucketDepth int
}

// Stats computes BlockStats for b.
func (b *Blocks) Stats() BlockStats {
	depths := make([]int, 0, len(b.buckets))
	for _, ids := range maps.Values(b.buckets) {
		depths = append(depths, len(ids))
	}
	var maxDepth int
	if len(depths) > 0 {
		maxDepth = slices.Max(depths)
	}
	return BlockStats{Count: len(b.content), Buckets: len(b.buckets), MaxBucketDepth: maxDepth}
}

// SuperBlocks is the super-block-level (size S = blocksPerSuper*B)
// content dictionary. Rather than storing a copy of each super-block's
// raw bytes, it stores the block-id sequence that composes it and
// reconstructs content on demand (via a Blocks dictionary) only when
// a fingerprint bucket needs a byte-exact comparison.
type SuperBlocks struct {
	blocksPerSuper int
	sequences      [][]uint32
	buckets        map[uint64][]uint32
}

// NewSuperBlocks creates a SuperBlocks dictionary with the reserved
// all-zero super-block (blocksPerSuper copies of block id 0)
// registered at id 0.
func NewSuperBlocks(blocksPerSuper int) *SuperBlocks {
	zero := make([]uint32, blocksPerSuper)
	sb := &SuperBlocks{
		blocksPerSuper: blocksPerSuper,
		sequences:      [][]uint32{zero},
		buckets:        make(map[uint64][]uint32),
	}
	// the fingerprint bucket for id 0's actual raw content (S zero
	// bytes) is seeded by Dict.New, which knows the concrete
	// super-block size; NewSuperBlocks only knows blocksPerSuper.
	return sb
}

// reconstructEquals reports whether the super-block stored at id is
// byte-for-byte equal to raw, using blocks to expand the id's block
// sequence.
func (sb *SuperBlocks) reconstructEquals(id uint32, raw []byte, blocks *Blocks) bool {
	var off int
	for _, bid := range sb.sequences[id] {
		content, ok := blocks.Get(bid)
		if !ok {
			return false
		}
		end := off + len(content)
		if end > len(raw) || !bytes.Equal(raw[off:end], content) {
			return false
		}
		off = end
	}
	return off == len(raw)
}

// Lookup reports the id of a super-block with these raw bytes, if
// known.
func (sb *SuperBlocks) Lookup(raw []byte, blocks *Blocks) (id uint32, ok bool) {
	fp := fingerprint(raw)
	for _, cand := range sb.buckets[fp] {
		if sb.reconstructEquals(cand, raw, blocks) {
			return cand, true
		}
	}
	return 0, false
}

// Register inserts a super-block's block-id sequence at an explicit
// id during decode, enforcing dense id assignment.
func (sb *SuperBlocks) Register(id uint32, blockIDs []uint32) error {
	if int(id) != len(sb.sequences) {
		return fmt.Errorf("blockdict: super-block id %d is not the next expected id %d", id, len(sb.sequences))
	}
	cp := append([]uint32(nil), blockIDs...)
	sb.sequences = append(sb.sequences, cp)
	return nil
}

// internNewID allocates the next id for a raw super-block with the
// given block-id sequence (encode path only), indexing it by the raw
// bytes' fingerprint.
func (sb *SuperBlocks) internNewID(raw []byte, blockIDs []uint32) uint32 {
	id := uint32(len(sb.sequences))
	cp := append([]uint32(nil), blockIDs...)
	sb.sequences = append(sb.sequences, cp)
	fp := fingerprint(raw)
	sb.buckets[fp] = append(sb.buckets[fp], id)
	return id
}

// Sequence returns the block-id sequence registered at id.
func (sb *SuperBlocks) Sequence(id uint32) ([]uint32, bool) {
	if int(id) >= len(sb.sequences) {
		return nil, false
	}
	return sb.sequences[id], true
}

// Len returns the number of distinct super-blocks known (including
// the reserved zero super-block).
func (sb *SuperBlocks) Len() int { return len(sb.sequences) }

// Dict is the two-level dictionary used by one encode or decode pass.
type Dict struct {
	BlockSize int
	Blocks    *Blocks
	Supers    *SuperBlocks
}

// New creates a Dict with both levels seeded with their reserved
// all-zero entries.
func New(blockSize, superBlockSize int) *Dict {
	blocksPerSuper := superBlockSize / blockSize
	d := &Dict{
		BlockSize: blockSize,
		Blocks:    NewBlocks(blockSize),
		Supers:    NewSuperBlocks(blocksPerSuper),
	}
	zero := make([]byte, superBlockSize)
	d.Supers.buckets[fingerprint(zero)] = []uint32{0}
	return d
}

// NewBlockIDs and NewSuperBlockEntry describe, respectively, a newly
// learned block and a newly learned super-block produced by a single
// InternSuper call, in the order they were first observed.
type NewBlockIDs struct {
	ID      uint32
	Content []byte
}

type NewSuperBlockEntry struct {
	ID       uint32
	BlockIDs []uint32
}

// InternSuper interns a raw super-block. If it is already known, it
// returns its id with no new entries. Otherwise it allocates a fresh
// super-block id, decomposes the content into blocks of BlockSize,
// interning any that are new, and returns everything the frame
// assembler needs to record as "newly learned" by this call.
func (d *Dict) InternSuper(raw []byte) (id uint32, newBlocks []NewBlockIDs, newSuper *NewSuperBlockEntry) {
	if existing, ok := d.Supers.Lookup(raw, d.Blocks); ok {
		return existing, nil, nil
	}
	blockIDs := make([]uint32, 0, len(raw)/d.BlockSize)
	for off := 0; off < len(raw); off += d.BlockSize {
		end := off + d.BlockSize
		if end > len(raw) {
			end = len(raw)
		}
		block := raw[off:end]
		bid, isNew := d.Blocks.Intern(block)
		if isNew {
			newBlocks = append(newBlocks, NewBlockIDs{ID: bid, Content: block})
		}
		blockIDs = append(blockIDs, bid)
	}
	sid := d.Supers.internNewID(raw, blockIDs)
	newSuper = &NewSuperBlockEntry{ID: sid, BlockIDs: blockIDs}
	return sid, newBlocks, newSuper
}

// Expand reconstructs a super-block's raw bytes by id.
func (d *Dict) Expand(id uint32) ([]byte, error) {
	seq, ok := d.Supers.Sequence(id)
	if !ok {
		return nil, fmt.Errorf("blockdict: unknown super-block id %d", id)
	}
	out := make([]byte, 0, len(seq)*d.BlockSize)
	for _, bid := range seq {
		content, ok := d.Blocks.Get(bid)
		if !ok {
			return nil, fmt.Errorf("blockdict: super-block %d references unknown block id %d", id, bid)
		}
		out = append(out, content...)
	}
	return out, nil
}
