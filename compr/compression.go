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

// Package compr provides a unified interface wrapping third-party
// compression libraries, selected by a single-byte algorithm tag
// suitable for embedding directly in a binary container. It is used
// to compress the newly-learned block payloads a savestream frame
// carries, on top of (not instead of) the block/super-block dedup
// layer.
package compr

import (
	"fmt"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Algo identifies a compression algorithm by a single byte, so it can
// be stored directly as a container field.
type Algo byte

const (
	// None applies no compression; Compress/Decompress are no-ops.
	None Algo = iota
	// S2 is klauspost/compress/s2, tuned for speed over ratio; the
	// default for block payloads, most of which are already mostly
	// zero-padding by the time they reach this layer.
	S2
	// Zstd is klauspost/compress/zstd at its default level, used when
	// the caller prefers ratio over encode speed.
	Zstd
)

func (a Algo) String() string {
	switch a {
	case None:
		return "none"
	case S2:
		return "s2"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("compr.Algo(%d)", byte(a))
	}
}

// Compressor appends the compressed form of src to dst and returns
// the result.
type Compressor interface {
	Compress(src, dst []byte) []byte
}

// Decompressor decompresses src into a preallocated dst of the exact
// expected decompressed length. It errors if src does not decompress
// to exactly len(dst) bytes.
type Decompressor interface {
	Decompress(src, dst []byte) error
}

var zstdDecoder *zstd.Decoder

func init() {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDecoder = d
}

type noneCodec struct{}

func (noneCodec) Compress(src, dst []byte) []byte { return append(dst, src...) }

func (noneCodec) Decompress(src, dst []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("compr: none: expected %d bytes, got %d", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

type zstdCodec struct {
	enc *zstd.Encoder
}

func (z zstdCodec) Compress(src, dst []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (zstdCodec) Decompress(src, dst []byte) error {
	out, err := zstdDecoder.DecodeAll(src, dst[:0])
	if err != nil {
		return fmt.Errorf("compr: zstd: %w", err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("compr: zstd: expected %d bytes, got %d", len(dst), len(out))
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}

type s2Codec struct{}

func (s2Codec) Compress(src, dst []byte) []byte {
	return append(dst, s2.Encode(nil, src)...)
}

func (s2Codec) Decompress(src, dst []byte) error {
	out, err := s2.Decode(dst[:0:len(dst)], src)
	if err != nil {
		return fmt.Errorf("compr: s2: %w", err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("compr: s2: expected %d bytes, got %d", len(dst), len(out))
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}

// Codec bundles Compressor and Decompressor for one algorithm.
type Codec interface {
	Compressor
	Decompressor
}

// Get resolves an Algo to its Codec implementation.
func Get(a Algo) (Codec, error) {
	switch a {
	case None:
		return noneCodec{}, nil
	case S2:
		return s2Codec{}, nil
	case Zstd:
		w, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("compr: zstd writer: %w", err)
		}
		return zstdCodec{enc: w}, nil
	default:
		return nil, fmt.Errorf("compr: unknown algorithm %v", a)
	}
}
