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

package blockdict

import (
	"bytes"
	"testing"
)

const (
	testBlockSize      = 16
	testBlocksPerSuper = 4
	testSuperBlockSize = testBlockSize * testBlocksPerSuper
)

func block(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, testBlockSize)
}

func super(blocks ...[]byte) []byte {
	var out []byte
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}

func TestZeroIDsReserved(t *testing.T) {
	d := New(testBlockSize, testSuperBlockSize)
	if d.Blocks.Len() != 1 || d.Supers.Len() != 1 {
		t.Fatalf("expected exactly the zero entries at construction, got Blocks.Len=%d Supers.Len=%d", d.Blocks.Len(), d.Supers.Len())
	}
	zeroSuper := make([]byte, testSuperBlockSize)
	id, newBlocks, newSuper := d.InternSuper(zeroSuper)
	if id != 0 {
		t.Errorf("interning the all-zero super-block should yield id 0, got %d", id)
	}
	if newBlocks != nil || newSuper != nil {
		t.Errorf("interning the all-zero super-block should learn nothing new, got %v %v", newBlocks, newSuper)
	}
}

func TestInternSuperDedup(t *testing.T) {
	d := New(testBlockSize, testSuperBlockSize)
	sb := super(block(1), block(2), block(1), block(3))

	id1, newBlocks1, newSuper1 := d.InternSuper(sb)
	if newSuper1 == nil {
		t.Fatal("first intern of a new super-block should report a new super entry")
	}
	if len(newBlocks1) != 3 {
		t.Fatalf("expected 3 distinct new blocks (1,2,3), got %d", len(newBlocks1))
	}

	id2, newBlocks2, newSuper2 := d.InternSuper(append([]byte(nil), sb...))
	if id2 != id1 {
		t.Errorf("re-interning identical content should return the same id: got %d, want %d", id2, id1)
	}
	if newBlocks2 != nil || newSuper2 != nil {
		t.Errorf("re-interning identical content should report nothing new")
	}
}

func TestInternSuperIDsAreDense(t *testing.T) {
	d := New(testBlockSize, testSuperBlockSize)
	var ids []uint32
	for i := byte(1); i <= 5; i++ {
		sb := super(block(i), block(i), block(i), block(i))
		id, _, _ := d.InternSuper(sb)
		ids = append(ids, id)
	}
	for i, id := range ids {
		if int(id) != i+1 { // id 0 is reserved for the zero super-block
			t.Errorf("ids[%d] = %d, want %d (dense assignment)", i, id, i+1)
		}
	}
}

func TestExpandReconstructsContent(t *testing.T) {
	d := New(testBlockSize, testSuperBlockSize)
	sb := super(block(9), block(8), block(7), block(6))
	id, _, _ := d.InternSuper(sb)

	got, err := d.Expand(id)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if !bytes.Equal(got, sb) {
		t.Errorf("Expand(InternSuper(sb)) != sb")
	}
}

func TestExpandUnknownID(t *testing.T) {
	d := New(testBlockSize, testSuperBlockSize)
	if _, err := d.Expand(999); err == nil {
		t.Fatal("expected an error expanding an unknown super-block id")
	}
}

func TestRegisterEnforcesDenseIDs(t *testing.T) {
	b := NewBlocks(testBlockSize) // id 0 is already taken by the reserved zero block
	if err := b.Register(5, block(5)); err == nil {
		t.Fatal("expected an error registering a non-contiguous id")
	}
	if err := b.Register(1, block(5)); err != nil {
		t.Fatalf("Register at the correct next id should succeed: %v", err)
	}
}

func TestBlocksInternReturnsExistingID(t *testing.T) {
	b := NewBlocks(testBlockSize)
	id1, isNew1 := b.Intern(block(7))
	if !isNew1 {
		t.Fatal("first Intern of new content should report isNew")
	}
	id2, isNew2 := b.Intern(block(7))
	if isNew2 {
		t.Fatal("second Intern of the same content should not report isNew")
	}
	if id1 != id2 {
		t.Errorf("Intern of identical content returned different ids: %d vs %d", id1, id2)
	}
}

func TestBlocksStatsCountsBucketDepth(t *testing.T) {
	b := NewBlocks(testBlockSize)
	for i := byte(1); i <= 10; i++ {
		b.Intern(block(i))
	}
	stats := b.Stats()
	if stats.Count != 11 { // 10 interned + the reserved zero block
		t.Errorf("Stats.Count = %d, want 11", stats.Count)
	}
	if stats.MaxBucketDepth < 1 {
		t.Errorf("Stats.MaxBucketDepth = %d, want at least 1", stats.MaxBucketDepth)
	}
}

func TestSuperBlocksIntegrityAcrossDifferentBlockOrderings(t *testing.T) {
	d := New(testBlockSize, testSuperBlockSize)
	a := super(block(1), block(2), block(3), block(4))
	b := super(block(4), block(3), block(2), block(1))

	idA, _, _ := d.InternSuper(a)
	idB, _, _ := d.InternSuper(b)
	if idA == idB {
		t.Fatal("distinct block orderings must not collapse to the same super-block id")
	}
}
