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

package compr

import (
	"bytes"
	"testing"
)

func TestAlgoString(t *testing.T) {
	cases := map[Algo]string{None: "none", S2: "s2", Zstd: "zstd"}
	for algo, want := range cases {
		if got := algo.String(); got != want {
			t.Errorf("Algo(%d).String() = %q, want %q", byte(algo), got, want)
		}
	}
	if got := Algo(99).String(); got == "none" || got == "s2" || got == "zstd" {
		t.Errorf("unknown Algo.String() = %q, want a fallback form", got)
	}
}

func TestRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	for _, algo := range []Algo{None, S2, Zstd} {
		t.Run(algo.String(), func(t *testing.T) {
			codec, err := Get(algo)
			if err != nil {
				t.Fatalf("Get(%v): %v", algo, err)
			}
			compressed := codec.Compress(src, nil)
			dst := make([]byte, len(src))
			if err := codec.Decompress(compressed, dst); err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(src, dst) {
				t.Fatalf("round trip mismatch for %v", algo)
			}
		})
	}
}

func TestCompressAppends(t *testing.T) {
	codec, err := Get(S2)
	if err != nil {
		t.Fatal(err)
	}
	prefix := []byte("prefix:")
	src := []byte("hello world")
	out := codec.Compress(src, append([]byte(nil), prefix...))
	if !bytes.HasPrefix(out, prefix) {
		t.Fatalf("Compress did not preserve dst prefix: %q", out)
	}
}

func TestDecompressLengthMismatch(t *testing.T) {
	for _, algo := range []Algo{None, S2, Zstd} {
		codec, err := Get(algo)
		if err != nil {
			t.Fatal(err)
		}
		compressed := codec.Compress([]byte("short"), nil)
		dst := make([]byte, 1000)
		if err := codec.Decompress(compressed, dst); err == nil {
			t.Errorf("%v: Decompress into a mismatched-length dst should error", algo)
		}
	}
}

func TestGetUnknownAlgo(t *testing.T) {
	if _, err := Get(Algo(200)); err == nil {
		t.Fatal("Get of an unknown algorithm should error")
	}
}

func TestEmptyInput(t *testing.T) {
	for _, algo := range []Algo{None, S2, Zstd} {
		codec, err := Get(algo)
		if err != nil {
			t.Fatal(err)
		}
		compressed := codec.Compress(nil, nil)
		dst := make([]byte, 0)
		if err := codec.Decompress(compressed, dst); err != nil {
			t.Errorf("%v: empty round trip: %v", algo, err)
		}
	}
}
