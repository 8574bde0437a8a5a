// Package annotate implements the node-id-keyed annotation store of
// spec.md §3/§9: one lattice.Cell per expression, statement, and block of
// a function body, external to the go/ast tree itself (the "cleaner
// re-architecture" spec.md §9 recommends over embedding the annotation in
// the node).
//
// This is the teacher's shadow-memory pattern (internal/race/shadowmem's
// ShadowMemory.GetOrCreate/Get/Reset over a uintptr-keyed map) re-keyed
// from memory addresses to ast.Node identity and de-synchronised: spec.md
// §5 states the analyser is strictly single-threaded, so there is no
// sync.Map and no mutex here, just a plain map.
package annotate

import (
	"go/ast"

	"github.com/kolkov/tscheck/internal/lattice"
)

// Cell is the lattice cell of spec.md §3: a condition pair and a state
// pair, one per annotated node. Conditions are written once by
// internal/synth and never modified again; states grow monotonically
// under internal/propagate.
type Cell struct {
	Cond  lattice.CondPair
	State lattice.StatePair
}

// newCell returns a fresh cell with empty conditions and empty states,
// sized to width n (the enclosing function's local count).
func newCell(n uint) *Cell {
	return &Cell{
		Cond:  lattice.NewCondPair(n),
		State: lattice.NewStatePair(n),
	}
}

// Store is the per-function annotation store: one Store exists for the
// lifetime of analysing a single function, discarded afterwards (spec.md
// §3 "Lifecycle").
type Store struct {
	width uint
	cells map[ast.Node]*Cell
}

// NewStore returns an empty store sized for a function with width locals.
func NewStore(width uint) *Store {
	return &Store{width: width, cells: make(map[ast.Node]*Cell)}
}

// GetOrCreate returns the cell for n, allocating a fresh empty one on
// first access. This is the only way cells come into existence: the
// driver does not pre-populate the store node by node, it relies on
// internal/synth to call GetOrCreate for every node it annotates;
// internal/propagate and internal/verify only read cells back via Get.
// This stands in for spec.md §4.6 step 2's eager allocation and avoids
// a separate up-front tree walk.
func (s *Store) GetOrCreate(n ast.Node) *Cell {
	if c, ok := s.cells[n]; ok {
		return c
	}
	c := newCell(s.width)
	s.cells[n] = c
	return c
}

// Get returns the cell for n without creating one, and whether it
// existed. internal/propagate treats a missing cell as an internal
// invariant violation (spec.md §7) and panics; internal/verify skips
// nodes that have no cell.
func (s *Store) Get(n ast.Node) (*Cell, bool) {
	c, ok := s.cells[n]
	return c, ok
}

// Reset discards every cell, returning the store to its initial empty
// state. Used between test cases and between functions when a driver
// chooses to reuse a Store value instead of allocating a new one.
func (s *Store) Reset() {
	s.cells = make(map[ast.Node]*Cell)
}

// Width is the bit-vector width every cell in this store was allocated
// with.
func (s *Store) Width() uint {
	return s.width
}
