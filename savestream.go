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

// Package savestream compresses a temporally ordered sequence of x86
// emulator savestates into a single self-contained binary stream, and
// decompresses that stream back into the same sequence. Buffers and
// the first 12 header bytes come back bit-identical; each info block
// is re-serialized as compact JSON with the same content, so its bytes
// (and the header's info-length field, which is rewritten to match)
// are identical only when the original was already in that form.
//
// Adjacent savestates tend to share most of their content. Encode
// exploits this with a two-level content-addressed block dictionary
// (see internal/blockdict) shared across the whole stream, plus a
// structural diff of each savestate's JSON info block (see
// internal/diffjson) against the previous one. Decode replays frames
// in order, rebuilding the dictionary and the info object as it goes.
//
// The package treats each savestate as an opaque, immutable byte
// sequence whose internal layout it understands (see internal/svstate
// and internal/align) and produces/consumes a single opaque stream of
// bytes (see internal/wire). File I/O, directory iteration, and
// argument parsing are the caller's job.
package savestream

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/SnellerInc/savestream/compr"
	"github.com/SnellerInc/savestream/internal/align"
	"github.com/SnellerInc/savestream/internal/blockdict"
	"github.com/SnellerInc/savestream/internal/diffjson"
	"github.com/SnellerInc/savestream/internal/svstate"
	"github.com/SnellerInc/savestream/internal/wire"
)

// Error kinds surfaced to callers, per the savestream error taxonomy.
// Use errors.Is to test for a specific kind; the wrapped error
// carries additional diagnostic detail.
var (
	ErrMalformedSavestate = errors.New("savestream: malformed savestate")
	ErrMalformedStream    = errors.New("savestream: malformed stream")
	ErrIndexOutOfRange    = errors.New("savestream: index out of range")
	ErrInvalidRange       = errors.New("savestream: invalid range")
	ErrInvalidConfig      = errors.New("savestream: invalid config")
)

// DefaultBlockSize and DefaultSuperBlockSize are the format-level
// constants this version of the codec is fixed to; they are not
// carried in the stream and must match between encode and decode.
const (
	DefaultBlockSize      = 256
	DefaultSuperBlockSize = 256 * DefaultBlockSize
)

// Config parameterizes the block dictionary's granularity.
type Config struct {
	BlockSize      int
	SuperBlockSize int
}

// DefaultConfig returns the fixed format defaults (block size 256,
// super-block size 65536).
func DefaultConfig() Config {
	return Config{BlockSize: DefaultBlockSize, SuperBlockSize: DefaultSuperBlockSize}
}

func (c Config) validate() error {
	if c.BlockSize <= 0 || c.SuperBlockSize <= 0 {
		return fmt.Errorf("%w: block_size and super_block_size must be positive", ErrInvalidConfig)
	}
	if c.SuperBlockSize%c.BlockSize != 0 {
		return fmt.Errorf("%w: super_block_size (%d) must be a multiple of block_size (%d)", ErrInvalidConfig, c.SuperBlockSize, c.BlockSize)
	}
	return nil
}

func (c Config) blocksPerSuper() int { return c.SuperBlockSize / c.BlockSize }

// registerLearned registers a frame's newly-learned blocks and
// super-blocks into dict, first checking that their empirical sizes
// agree with cfg. This is the supplemental block/super-block size
// negotiation check: spec.md fixes block_size/super_block_size as
// format-level constants not carried in the stream, but a stream
// encoded with different sizes than the caller configured would
// otherwise silently misinterpret content instead of failing fast.
func registerLearned(dict *blockdict.Dict, cfg Config, raw wire.RawFrame) error {
	blocksPerSuper := cfg.blocksPerSuper()
	for _, nb := range raw.NewBlocks {
		if len(nb.Content) != cfg.BlockSize {
			return fmt.Errorf("new block %d has length %d, configured block_size is %d", nb.ID, len(nb.Content), cfg.BlockSize)
		}
		if err := dict.Blocks.Register(nb.ID, nb.Content); err != nil {
			return err
		}
	}
	for _, ns := range raw.NewSuperBlocks {
		if len(ns.BlockIDs) != blocksPerSuper {
			return fmt.Errorf("new super-block %d has %d blocks, configured super_block_size/block_size is %d", ns.ID, len(ns.BlockIDs), blocksPerSuper)
		}
		if err := dict.Supers.Register(ns.ID, ns.BlockIDs); err != nil {
			return err
		}
	}
	return nil
}

func padToMultiple(buf []byte, size int) []byte {
	if size <= 0 {
		return buf
	}
	rem := len(buf) % size
	if rem == 0 {
		return buf
	}
	return append(buf, make([]byte, size-rem)...)
}

// Encode compresses an ordered sequence of savestates into a single
// savestream using the default configuration. See EncodeConfig to
// override the block/super-block sizes.
func Encode(states [][]byte) ([]byte, error) {
	return EncodeConfig(states, DefaultConfig())
}

// EncodeConfig is Encode with an explicit Config.
func EncodeConfig(states [][]byte, cfg Config) ([]byte, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dict := blockdict.New(cfg.BlockSize, cfg.SuperBlockSize)
	var prevInfo any = map[string]any{}
	frames := make([]wire.RawFrame, 0, len(states))

	for i, state := range states {
		comps, err := svstate.Split(state)
		if err != nil {
			return nil, fmt.Errorf("%w: savestate %d: %v", ErrMalformedSavestate, i, err)
		}
		infoVal, err := diffjson.DecodeValue(comps.Info)
		if err != nil {
			return nil, fmt.Errorf("%w: savestate %d info: %v", ErrMalformedSavestate, i, err)
		}
		aligned, err := align.Align(comps.Info, comps.Buffer, cfg.BlockSize)
		if err != nil {
			return nil, fmt.Errorf("%w: savestate %d: %v", ErrMalformedSavestate, i, err)
		}
		padded := padToMultiple(aligned, cfg.SuperBlockSize)

		frame := wire.RawFrame{HeaderBlock: comps.Header}
		for off := 0; off < len(padded); off += cfg.SuperBlockSize {
			sb := padded[off : off+cfg.SuperBlockSize]
			sid, newBlocks, newSuper := dict.InternSuper(sb)
			frame.SuperSequence = append(frame.SuperSequence, sid)
			for _, nb := range newBlocks {
				frame.NewBlocks = append(frame.NewBlocks, wire.BlockEntry{ID: nb.ID, Content: nb.Content})
			}
			if newSuper != nil {
				frame.NewSuperBlocks = append(frame.NewSuperBlocks, wire.SuperEntry{ID: newSuper.ID, BlockIDs: newSuper.BlockIDs})
			}
		}

		ops := diffjson.Diff(prevInfo, infoVal)
		patch, err := diffjson.Marshal(ops)
		if err != nil {
			return nil, fmt.Errorf("%w: savestate %d info patch: %v", ErrMalformedSavestate, i, err)
		}
		frame.InfoPatch = patch
		prevInfo = infoVal

		frames = append(frames, frame)
	}

	streamID := uuid.New()
	out, err := wire.Encode(streamID, compr.S2, frames)
	if err != nil {
		return nil, fmt.Errorf("savestream: encoding stream: %w", err)
	}
	return out, nil
}

// Decoder yields savestates from a stream one at a time, in order,
// rebuilding the shared block dictionary and info object as it goes.
// It is single-pass: each call to Next advances the cursor.
type Decoder struct {
	c    *wire.Container
	cfg  Config
	dict *blockdict.Dict
	info any
	idx  int
}

// NewDecoder opens stream for sequential decoding.
func NewDecoder(stream []byte) (*Decoder, error) {
	return NewDecoderConfig(stream, DefaultConfig())
}

// NewDecoderConfig is NewDecoder with an explicit Config.
func NewDecoderConfig(stream []byte, cfg Config) (*Decoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c, err := wire.Open(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStream, err)
	}
	return &Decoder{
		c:    c,
		cfg:  cfg,
		dict: blockdict.New(cfg.BlockSize, cfg.SuperBlockSize),
		info: map[string]any{},
	}, nil
}

// Len returns the total number of frames (savestates) in the stream.
func (d *Decoder) Len() int { return d.c.Len() }

// Next decodes and returns the next savestate. ok is false once every
// frame has been yielded; err is non-nil only on malformed input.
func (d *Decoder) Next() (state []byte, ok bool, err error) {
	if d.idx >= d.c.Len() {
		return nil, false, nil
	}
	state, err = d.advance()
	if err != nil {
		return nil, false, err
	}
	d.idx++
	return state, true, nil
}

func (d *Decoder) advance() ([]byte, error) {
	raw, err := d.c.Frame(d.idx)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrMalformedStream, d.idx, err)
	}

	if err := registerLearned(d.dict, d.cfg, raw); err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrMalformedStream, d.idx, err)
	}

	padded := make([]byte, 0, len(raw.SuperSequence)*d.cfg.SuperBlockSize)
	for _, sid := range raw.SuperSequence {
		sb, err := d.dict.Expand(sid)
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrMalformedStream, d.idx, err)
		}
		padded = append(padded, sb...)
	}

	ops, err := diffjson.Unmarshal(raw.InfoPatch)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d info_patch: %v", ErrMalformedStream, d.idx, err)
	}
	newInfo, err := diffjson.Apply(d.info, ops)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: applying info_patch: %v", ErrMalformedStream, d.idx, err)
	}
	d.info = newInfo

	infoBytes, err := diffjson.EncodeValue(d.info)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: re-serializing info: %v", ErrMalformedStream, d.idx, err)
	}

	buffer, err := align.Unalign(infoBytes, padded, d.cfg.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrMalformedStream, d.idx, err)
	}

	var prefix [12]byte
	copy(prefix[:], raw.HeaderBlock[:12])
	header := svstate.MakeHeader(prefix, int32(len(infoBytes)))

	return svstate.Recombine(header, infoBytes, buffer), nil
}

// DecodeAll drains stream into a slice of savestates, in order. It
// materializes the full sequence in memory; for large streams prefer
// NewDecoder's single-pass iteration.
func DecodeAll(stream []byte) ([][]byte, error) {
	return DecodeAllConfig(stream, DefaultConfig())
}

// DecodeAllConfig is DecodeAll with an explicit Config.
func DecodeAllConfig(stream []byte, cfg Config) ([][]byte, error) {
	dec, err := NewDecoderConfig(stream, cfg)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, dec.Len())
	for {
		state, ok, err := dec.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, state)
	}
}

// DecodeLen reports the number of savestates a stream holds, without
// reconstructing any of their buffers.
func DecodeLen(stream []byte) (int, error) {
	c, err := wire.Open(stream)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedStream, err)
	}
	return c.Len(), nil
}

// DecodeOne decodes and returns only the savestate at index, walking
// (and discarding) every frame before it, since the dictionary and
// info object are cumulative.
func DecodeOne(stream []byte, index int) ([]byte, error) {
	return DecodeOneConfig(stream, index, DefaultConfig())
}

// DecodeOneConfig is DecodeOne with an explicit Config.
func DecodeOneConfig(stream []byte, index int, cfg Config) ([]byte, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: negative index %d", ErrIndexOutOfRange, index)
	}
	dec, err := NewDecoderConfig(stream, cfg)
	if err != nil {
		return nil, err
	}
	if index >= dec.Len() {
		return nil, fmt.Errorf("%w: index %d, stream has %d savestates", ErrIndexOutOfRange, index, dec.Len())
	}
	for i := 0; i <= index; i++ {
		state, ok, err := dec.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: index %d", ErrIndexOutOfRange, index)
		}
		if i == index {
			return state, nil
		}
	}
	panic("unreachable")
}

// Trim re-encodes the savestates with indices in [start, end]
// (inclusive) as a new, independent stream. end may be nil to mean
// "to the last savestate". Trim necessarily resets the dictionary:
// the returned stream's first frame carries the full contents of the
// original start'th savestate, with an empty prior info.
func Trim(stream []byte, start int, end *int) ([]byte, error) {
	return TrimConfig(stream, start, end, DefaultConfig())
}

// TrimConfig is Trim with an explicit Config.
func TrimConfig(stream []byte, start int, end *int, cfg Config) ([]byte, error) {
	if start < 0 {
		return nil, fmt.Errorf("%w: negative start %d", ErrInvalidRange, start)
	}
	total, err := DecodeLen(stream)
	if err != nil {
		return nil, err
	}
	e := total - 1
	if end != nil {
		e = *end
	}
	if start > e || start >= total || e >= total {
		return nil, fmt.Errorf("%w: start=%d end=%d stream has %d savestates", ErrInvalidRange, start, e, total)
	}

	dec, err := NewDecoderConfig(stream, cfg)
	if err != nil {
		return nil, err
	}
	selected := make([][]byte, 0, e-start+1)
	for i := 0; i <= e; i++ {
		state, ok, err := dec.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: frame %d", ErrMalformedStream, i)
		}
		if i >= start {
			selected = append(selected, state)
		}
	}
	return EncodeConfig(selected, cfg)
}

// StreamStats summarizes a savestream for diagnostic purposes. It
// replays the dictionary's bookkeeping (new_blocks/new_super_blocks
// registration) but never reconstructs a savestate buffer.
type StreamStats struct {
	Count               int
	StreamBytes         int
	AverageBytes        float64
	DistinctBlocks      int
	DistinctSuperBlocks int
	MaxBlockBucketDepth int
}

// Stats reports summary statistics about a stream using the default
// configuration.
func Stats(stream []byte) (StreamStats, error) {
	return StatsConfig(stream, DefaultConfig())
}

// StatsConfig is Stats with an explicit Config.
func StatsConfig(stream []byte, cfg Config) (StreamStats, error) {
	if err := cfg.validate(); err != nil {
		return StreamStats{}, err
	}
	c, err := wire.Open(stream)
	if err != nil {
		return StreamStats{}, fmt.Errorf("%w: %v", ErrMalformedStream, err)
	}
	dict := blockdict.New(cfg.BlockSize, cfg.SuperBlockSize)
	for i := 0; i < c.Len(); i++ {
		raw, err := c.Frame(i)
		if err != nil {
			return StreamStats{}, fmt.Errorf("%w: frame %d: %v", ErrMalformedStream, i, err)
		}
		if err := registerLearned(dict, cfg, raw); err != nil {
			return StreamStats{}, fmt.Errorf("%w: frame %d: %v", ErrMalformedStream, i, err)
		}
	}
	blockStats := dict.Blocks.Stats()
	s := StreamStats{
		Count:               c.Len(),
		StreamBytes:         len(stream),
		DistinctBlocks:      blockStats.Count,
		DistinctSuperBlocks: dict.Supers.Len(),
		MaxBlockBucketDepth: blockStats.MaxBucketDepth,
	}
	if s.Count > 0 {
		s.AverageBytes = float64(len(stream)) / float64(s.Count)
	}
	return s, nil
}
