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

// Package svstate splits a raw x86 emulator savestate into its three
// regions (header, info, buffer) and recombines them.
package svstate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/SnellerInc/savestream/internal/align"
)

// HeaderSize is the fixed size of a savestate's header region.
const HeaderSize = 16

// ErrTooShort is returned when a savestate is smaller than HeaderSize.
var ErrTooShort = errors.New("svstate: savestate shorter than header")

// ErrInfoLength is returned when the header's info-length field is
// negative or would run past the end of the savestate.
var ErrInfoLength = errors.New("svstate: invalid info length in header")

// Components holds the three regions produced by Split.
type Components struct {
	Header [HeaderSize]byte
	Info   []byte
	Buffer []byte
}

// infoLen reads the little-endian int32 info length from bytes
// [12..16) of a 16-byte header.
func infoLen(header [HeaderSize]byte) int32 {
	return int32(binary.LittleEndian.Uint32(header[12:16]))
}

// Split divides a savestate into (header, info, buffer), validating
// the header's info length and the info block's JSON structure.
func Split(savestate []byte) (Components, error) {
	var c Components
	if len(savestate) < HeaderSize {
		return c, fmt.Errorf("%w: got %d bytes", ErrTooShort, len(savestate))
	}
	copy(c.Header[:], savestate[:HeaderSize])
	l := infoLen(c.Header)
	if l < 0 {
		return c, fmt.Errorf("%w: length %d is negative", ErrInfoLength, l)
	}
	infoEnd := HeaderSize + int(l)
	if infoEnd > len(savestate) {
		return c, fmt.Errorf("%w: header+info (%d) exceeds savestate length (%d)", ErrInfoLength, infoEnd, len(savestate))
	}
	c.Info = savestate[HeaderSize:infoEnd]
	if _, err := align.ParseBufferInfos(c.Info); err != nil {
		return Components{}, err
	}
	bufferStart := (infoEnd + 3) &^ 3
	if bufferStart > len(savestate) {
		// the 0-3 pad bytes themselves ran past the savestate
		return Components{}, fmt.Errorf("%w: padded info region exceeds savestate length", ErrInfoLength)
	}
	c.Buffer = savestate[bufferStart:]
	return c, nil
}

// Recombine concatenates header, info padded to a 4-byte boundary,
// and buffer. It trusts the caller that header's info-length field
// equals len(info); it does not recompute or rewrite it.
func Recombine(header [HeaderSize]byte, info []byte, buffer []byte) []byte {
	pad := (4 - (len(info) % 4)) % 4
	out := make([]byte, 0, HeaderSize+len(info)+pad+len(buffer))
	out = append(out, header[:]...)
	out = append(out, info...)
	out = append(out, make([]byte, pad)...)
	out = append(out, buffer...)
	return out
}

// MakeHeader builds a 16-byte header from 12 bytes of opaque prefix
// and the info length to stamp into the last 4 bytes.
func MakeHeader(prefix [12]byte, infoLength int32) [HeaderSize]byte {
	var h [HeaderSize]byte
	copy(h[:12], prefix[:])
	binary.LittleEndian.PutUint32(h[12:], uint32(infoLength))
	return h
}
