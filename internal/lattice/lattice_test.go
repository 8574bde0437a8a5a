package lattice

import "testing"

func bits(n uint, idx ...uint) *BitSet {
	b := NewEmpty(n)
	for _, i := range idx {
		b.Set(i)
	}
	return b
}

func TestImplies(t *testing.T) {
	a := bits(4, 0, 1, 2)
	b := bits(4, 1)
	if !Implies(a, b) {
		t.Fatalf("expected {0,1,2} to imply {1}")
	}
	c := bits(4, 3)
	if Implies(a, c) {
		t.Fatalf("did not expect {0,1,2} to imply {3}")
	}
}

func TestUnionChangeFlag(t *testing.T) {
	dst := bits(4, 0)
	changed := Union(dst, bits(4, 0))
	if changed {
		t.Fatalf("union with subset should not report a change")
	}
	changed = Union(dst, bits(4, 1))
	if !changed {
		t.Fatalf("union adding a new bit should report a change")
	}
	if !dst.Test(1) {
		t.Fatalf("expected bit 1 set after union")
	}
}

func TestSequenceSubtractsGuaranteedBits(t *testing.T) {
	n := uint(2)
	// p0 guarantees bit 0 in its postcondition.
	p0 := CondPair{Pre: bits(n), Post: bits(n, 0)}
	// p1 requires bit 0 (already guaranteed) and bit 1 (not guaranteed).
	p1 := CondPair{Pre: bits(n, 0, 1), Post: bits(n)}

	seq := Sequence(n, []CondPair{p0, p1})
	if seq.Pre.Test(0) {
		t.Fatalf("bit 0 should be subtracted: guaranteed by p0's postcondition")
	}
	if !seq.Pre.Test(1) {
		t.Fatalf("bit 1 should remain in the sequential precondition")
	}
	if !seq.Post.Test(0) {
		t.Fatalf("sequential postcondition should include p0's gen of bit 0")
	}
}

func TestIntersectAllIsMeetOfBranches(t *testing.T) {
	n := uint(3)
	then := bits(n, 0, 1)
	els := bits(n, 0, 2)
	joined := IntersectAll(n, []*BitSet{then, els})
	if !joined.Test(0) || joined.Test(1) || joined.Test(2) {
		t.Fatalf("expected only the common bit 0 to survive the join, got %v", joined)
	}
}

func TestIntersectAllEmptyIsUniverse(t *testing.T) {
	full := IntersectAll(3, nil)
	for i := uint(0); i < 3; i++ {
		if !full.Test(i) {
			t.Fatalf("intersection of zero sets should be the universal set")
		}
	}
}

func TestRelaxClearsBit(t *testing.T) {
	s := bits(2, 0, 1)
	Relax(0, s)
	if s.Test(0) {
		t.Fatalf("expected bit 0 cleared after Relax")
	}
	if !s.Test(1) {
		t.Fatalf("Relax must not touch unrelated bits")
	}
}
