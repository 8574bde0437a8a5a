// Package lattice implements the dataflow lattice that the condition
// synthesis and state propagation passes are built on: pairs of bit sets
// over a per-function universe of local-variable bit indices.
//
// A CondPair carries the precondition/postcondition of a single AST node;
// a StatePair carries its prestate/poststate across one iteration of
// propagation. Both are backed by github.com/bits-and-blooms/bitset, the
// external bitvector container this package treats as given (bit indices
// are dense, 0..N, one per local of the enclosing function).
//
// Every mutator below mirrors the teacher's vector-clock operations
// (Join, LessOrEqual) under set union/inclusion instead of point-wise
// maximum: Union is Join, Implies is the happens-before check, and the
// change-flag return convention used by Union/Intersect/Difference/Extend
// matches the teacher's habit of reporting whether a mutation actually
// moved the lattice forward, which is what the fixed-point loop in
// internal/propagate watches for.
package lattice

import "github.com/bits-and-blooms/bitset"

// BitSet is the set of local-variable bit indices this package operates
// on. It is a thin alias so call sites outside this package never need to
// import bits-and-blooms/bitset directly.
type BitSet = bitset.BitSet

// NewEmpty returns a zero-valued set of width n (no bits set).
func NewEmpty(n uint) *BitSet {
	return bitset.New(n)
}

// NewFull returns the universal set V = {0, ..., n-1}.
func NewFull(n uint) *BitSet {
	b := bitset.New(n)
	for i := uint(0); i < n; i++ {
		b.Set(i)
	}
	return b
}

// Clone returns an independent copy of b. A nil receiver clones to an
// empty set of width 0, which callers should avoid relying on; cells are
// always constructed with an explicit width (see annotate.newCell).
func Clone(b *BitSet) *BitSet {
	if b == nil {
		return bitset.New(0)
	}
	return b.Clone()
}

// Implies reports whether a implies b, i.e. b ⊆ a. This is the core
// verification predicate of spec.md §4.5: "prestate implies precondition"
// is Implies(prestate, precondition).
func Implies(a, b *BitSet) bool {
	return a.IsSuperSet(b)
}

// Union performs dst ← dst ∪ src in place and reports whether dst changed.
func Union(dst, src *BitSet) bool {
	before := dst.Clone()
	dst.InPlaceUnion(src)
	return !dst.Equal(before)
}

// Intersect performs dst ← dst ∩ src in place and reports whether dst
// changed.
func Intersect(dst, src *BitSet) bool {
	before := dst.Clone()
	dst.InPlaceIntersection(src)
	return !dst.Equal(before)
}

// Difference performs dst ← dst \ src in place and reports whether dst
// changed.
func Difference(dst, src *BitSet) bool {
	before := dst.Clone()
	dst.InPlaceDifference(src)
	return !dst.Equal(before)
}

// Extend is Union by another name, kept distinct because spec.md §4.1
// names it separately: propagation calls Extend when growing a state
// monotonically and relies on the same change flag to detect the fixed
// point. Behaviourally identical.
func Extend(dst, src *BitSet) bool {
	return Union(dst, src)
}

// Relax removes bit i from set, reflecting "forget that local i was
// initialised" on entry to the scope that declares it.
func Relax(i uint, set *BitSet) {
	set.Clear(i)
}

// CondPair is the (precondition, postcondition) bit-set pair attached to
// every expression, statement, and block (spec.md §3, "Condition pair").
type CondPair struct {
	Pre  *BitSet
	Post *BitSet
}

// NewCondPair returns a CondPair with both sides empty, width n.
func NewCondPair(n uint) CondPair {
	return CondPair{Pre: NewEmpty(n), Post: NewEmpty(n)}
}

// Clone returns an independent copy of pp.
func (pp CondPair) Clone() CondPair {
	return CondPair{Pre: Clone(pp.Pre), Post: Clone(pp.Post)}
}

// RequireAndPreserve adds bit i to both pp.Pre and pp.Post: "this node
// requires local i to already be initialised, and does not un-initialise
// it" (spec.md §4.1).
func RequireAndPreserve(i uint, pp CondPair) {
	pp.Pre.Set(i)
	pp.Post.Set(i)
}

// GenPostcond adds bit i to pp.Post and reports whether that changed
// anything — the "this node initialises local i" rule applied to
// assignment nodes in condition synthesis.
func GenPostcond(i uint, pp CondPair) bool {
	before := pp.Post.Test(i)
	pp.Post.Set(i)
	return !before
}

// StatePair is the (prestate, poststate) bit-set pair propagated to a
// fixed point by internal/propagate (spec.md §3, "State pair").
type StatePair struct {
	Pre  *BitSet
	Post *BitSet
}

// NewStatePair returns a StatePair with both sides empty, width n — the
// identity propagation starts from (spec.md §4.4: "the entry prestate is
// the empty set").
func NewStatePair(n uint) StatePair {
	return StatePair{Pre: NewEmpty(n), Post: NewEmpty(n)}
}

// GenPoststate adds bit i to sp.Post and reports whether that changed
// anything.
func GenPoststate(i uint, sp StatePair) bool {
	before := sp.Post.Test(i)
	sp.Post.Set(i)
	return !before
}

// Sequence computes the condition pair of executing pps[0], pps[1], ...
// in order, per the sequencing rule of spec.md §4.1:
//
//	pre  = p0.pre ∪ (p1.pre \ p0.post) ∪ (p2.pre \ (p0.post ∪ p1.post)) ∪ ...
//	post = p0.post ∪ p1.post ∪ ...
//
// A later step's precondition is subtracted wherever an earlier step
// already guarantees it. Sequence of zero elements returns the empty
// identity condition pair of width n.
func Sequence(n uint, pps []CondPair) CondPair {
	out := NewCondPair(n)
	guaranteed := NewEmpty(n)
	for _, pp := range pps {
		need := pp.Pre.Clone()
		need.InPlaceDifference(guaranteed)
		out.Pre.InPlaceUnion(need)
		out.Post.InPlaceUnion(pp.Post)
		guaranteed.InPlaceUnion(pp.Post)
	}
	return out
}

// IntersectAll returns the bitwise intersection of sets, the "meet of
// branches" join used for alternative-control-flow postconditions and
// poststates (spec.md §4.1 "Joining alternatives"). With zero inputs it
// returns the full universe of width n, the identity for intersection.
func IntersectAll(n uint, sets []*BitSet) *BitSet {
	if len(sets) == 0 {
		return NewFull(n)
	}
	out := sets[0].Clone()
	for _, s := range sets[1:] {
		out.InPlaceIntersection(s)
	}
	return out
}

// UnionAll returns the bitwise union of sets, width n if sets is empty.
func UnionAll(n uint, sets []*BitSet) *BitSet {
	out := NewEmpty(n)
	for _, s := range sets {
		out.InPlaceUnion(s)
	}
	return out
}
