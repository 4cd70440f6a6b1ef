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

// Package align expands and re-packs the buffer region of a savestate
// against the sub-buffer layout recorded in its info block.
package align

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// BufferInfo describes one named sub-buffer within a savestate's
// buffer region.
type BufferInfo struct {
	Offset int64
	Length int64
}

// ErrTiling is returned when buffer_infos does not tile the buffer
// region in order with no overlap and no gaps.
var ErrTiling = errors.New("align: buffer_infos does not tile the buffer region")

// ErrBufferInfos is returned when the info JSON has no usable
// buffer_infos array.
var ErrBufferInfos = errors.New("align: missing or malformed buffer_infos")

// ParseBufferInfos decodes the buffer_infos array out of an info JSON
// document and validates that its entries tile a contiguous region in
// order, with no gaps, overlaps, or negative offsets/lengths. It does
// not know the concrete buffer length; callers that have one (the
// savestate codec does) should additionally call CheckBounds.
func ParseBufferInfos(infoJSON []byte) ([]BufferInfo, error) {
	var doc struct {
		BufferInfos []struct {
			Offset json.Number `json:"offset"`
			Length json.Number `json:"length"`
		} `json:"buffer_infos"`
	}
	dec := json.NewDecoder(bytes.NewReader(infoJSON))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBufferInfos, err)
	}
	if doc.BufferInfos == nil {
		return nil, fmt.Errorf("%w: no buffer_infos field", ErrBufferInfos)
	}
	out := make([]BufferInfo, len(doc.BufferInfos))
	var cursor int64
	for i, bi := range doc.BufferInfos {
		offset, err := bi.Offset.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: buffer_infos[%d].offset: %v", ErrBufferInfos, i, err)
		}
		length, err := bi.Length.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: buffer_infos[%d].length: %v", ErrBufferInfos, i, err)
		}
		if offset < 0 || length < 0 {
			return nil, fmt.Errorf("%w: buffer_infos[%d] has negative offset/length", ErrTiling, i)
		}
		if offset != cursor {
			return nil, fmt.Errorf("%w: buffer_infos[%d] starts at %d, expected %d", ErrTiling, i, offset, cursor)
		}
		out[i] = BufferInfo{Offset: offset, Length: length}
		cursor += length
	}
	return out, nil
}

// CheckBounds verifies that the last buffer_info entry does not
// extend past a buffer region of the given length.
func CheckBounds(infos []BufferInfo, bufferLen int) error {
	var total int64
	for _, bi := range infos {
		total += bi.Length
	}
	if total > int64(bufferLen) {
		return fmt.Errorf("%w: buffer_infos span %d bytes, buffer has %d", ErrTiling, total, bufferLen)
	}
	return nil
}

func padded(length int64, blockSize int64) int64 {
	if blockSize <= 0 {
		return length
	}
	rem := length % blockSize
	if rem == 0 {
		return length
	}
	return length + (blockSize - rem)
}

// Align expands buffer, using the sub-buffer layout described by
// infoJSON, into the concatenation (in buffer_infos order) of each
// sub-buffer NUL-padded to a multiple of blockSize.
func Align(infoJSON []byte, buffer []byte, blockSize int) ([]byte, error) {
	infos, err := ParseBufferInfos(infoJSON)
	if err != nil {
		return nil, err
	}
	if err := CheckBounds(infos, len(buffer)); err != nil {
		return nil, err
	}
	return AlignInfos(infos, buffer, blockSize)
}

// AlignInfos is Align for a pre-parsed buffer_infos slice.
func AlignInfos(infos []BufferInfo, buffer []byte, blockSize int) ([]byte, error) {
	var total int64
	for _, bi := range infos {
		total += padded(bi.Length, int64(blockSize))
	}
	out := make([]byte, 0, total)
	for _, bi := range infos {
		sub := buffer[bi.Offset : bi.Offset+bi.Length]
		out = append(out, sub...)
		if pad := padded(bi.Length, int64(blockSize)) - bi.Length; pad > 0 {
			out = append(out, make([]byte, pad)...)
		}
	}
	return out, nil
}

// Unalign reverses Align: it walks buffer_infos in order, pulling
// Length bytes from aligned at a time and advancing the read cursor
// by Length rounded up to a multiple of blockSize.
func Unalign(infoJSON []byte, aligned []byte, blockSize int) ([]byte, error) {
	infos, err := ParseBufferInfos(infoJSON)
	if err != nil {
		return nil, err
	}
	return UnalignInfos(infos, aligned, blockSize)
}

// UnalignInfos is Unalign for a pre-parsed buffer_infos slice.
func UnalignInfos(infos []BufferInfo, aligned []byte, blockSize int) ([]byte, error) {
	var total int64
	for _, bi := range infos {
		total += bi.Length
	}
	out := make([]byte, 0, total)
	var cursor int64
	for i, bi := range infos {
		end := cursor + bi.Length
		if end > int64(len(aligned)) {
			return nil, fmt.Errorf("%w: buffer_infos[%d] reads past aligned buffer", ErrTiling, i)
		}
		out = append(out, aligned[cursor:end]...)
		cursor += padded(bi.Length, int64(blockSize))
	}
	return out, nil
}
