// Package propagate implements state propagation (spec.md §4.4):
// repeated forward propagation of prestate/poststate from the function
// entry until no annotation changes, given that internal/synth has
// already filled in every node's condition pair.
//
// The outer fixed-point loop is grounded on internal/race/detector.go's
// orchestration shape (a single owner repeatedly driving a bounded
// computation to completion) and on the original's
// find_pre_post_state_fn, which re-walks the body until
// set_prestate_ann/set_poststate_ann report no further change — the same
// termination argument spec.md §8 calls out (monotone, bounded by
// |annotations| × N).
package propagate

import (
	"go/ast"
	"go/token"
	"go/types"

	"github.com/kolkov/tscheck/internal/annotate"
	"github.com/kolkov/tscheck/internal/astutil"
	"github.com/kolkov/tscheck/internal/lattice"
	"github.com/kolkov/tscheck/internal/locals"
)

// iterationSlack is added to the 4n term of boundIterations' cap, a
// last-resort guard against an internal bug turning a terminating
// analysis into an infinite one; spec.md §8's termination bound is
// |annotations| × N + 1.
const iterationSlack = 16

// Run iterates state propagation over body to a fixed point and returns
// the number of outer iterations performed, for diagnostics/tests.
func Run(info *types.Info, table *locals.FunctionTable, store *annotate.Store, body *ast.BlockStmt) int {
	n := table.Size()
	bound := boundIterations(n)
	p := &pass{info: info, table: table, store: store, n: n}

	iterations := 0
	for {
		iterations++
		changed := p.propagateBlock(body, lattice.NewEmpty(n))
		if !changed {
			return iterations
		}
		if iterations > bound {
			panic("internal invariant violation: state propagation did not converge within its iteration cap")
		}
	}
}

// boundIterations returns the cap on outer fixed-point iterations for a
// function with n locals: 4n plus iterationSlack. The cap depends only on
// n, not on the number of annotated nodes, so it is not the
// |annotations| × N + 1 bound of the monotonicity argument; Run panics
// once the iteration count exceeds it.
func boundIterations(n uint) int {
	return int(4*n) + iterationSlack
}

type pass struct {
	info  *types.Info
	table *locals.FunctionTable
	store *annotate.Store
	n     uint
}

func (p *pass) cell(n ast.Node) *annotate.Cell {
	c, ok := p.store.Get(n)
	if !ok {
		panic("internal invariant violation: state propagation reached an unannotated node (condition synthesis must run first)")
	}
	return c
}

// extend grows a node's prestate/poststate annotations given the input
// prestate s and the freshly recomputed poststate out, returning true if
// either annotation grew.
func (p *pass) extend(n ast.Node, s, out *lattice.BitSet) bool {
	c := p.cell(n)
	changed := lattice.Extend(c.State.Pre, s)
	post := lattice.Clone(out)
	post.InPlaceUnion(c.Cond.Post)
	if lattice.Extend(c.State.Post, post) {
		changed = true
	}
	return changed
}

// ---- expressions ----------------------------------------------------

// expr propagates prestate s through e and returns (poststate, changed).
func (p *pass) expr(e ast.Expr, s *lattice.BitSet) (*lattice.BitSet, bool) {
	switch x := e.(type) {
	case *ast.Ident, *ast.BasicLit, *ast.FuncLit:
		changed := p.extend(e, s, s)
		return p.afterPost(e, s), changed

	case *ast.ParenExpr:
		out, changed := p.expr(x.X, s)
		c2 := p.extend(e, s, out)
		return p.afterPost(e, s), changed || c2

	case *ast.UnaryExpr:
		out, changed := p.expr(x.X, s)
		c2 := p.extend(e, s, out)
		return p.afterPost(e, s), changed || c2

	case *ast.StarExpr:
		out, changed := p.expr(x.X, s)
		c2 := p.extend(e, s, out)
		return p.afterPost(e, s), changed || c2

	case *ast.BinaryExpr:
		return p.seqExprs(e, s, x.X, x.Y)

	case *ast.CallExpr:
		return p.call(e, x, s)

	case *ast.IndexExpr:
		return p.seqExprs(e, s, x.X, x.Index)

	case *ast.IndexListExpr:
		return p.seqExprs(e, s, append([]ast.Expr{x.X}, x.Indices...)...)

	case *ast.SliceExpr:
		return p.seqExprs(e, s, x.X, x.Low, x.High, x.Max)

	case *ast.SelectorExpr:
		return p.seqExprs(e, s, x.X)

	case *ast.TypeAssertExpr:
		return p.seqExprs(e, s, x.X)

	case *ast.CompositeLit:
		elts := make([]ast.Expr, 0, len(x.Elts))
		for _, elt := range x.Elts {
			if kv, ok := elt.(*ast.KeyValueExpr); ok {
				elts = append(elts, kv.Value)
				continue
			}
			elts = append(elts, elt)
		}
		return p.seqExprs(e, s, elts...)

	case *ast.KeyValueExpr:
		return p.seqExprs(e, s, x.Value)

	default:
		changed := p.extend(e, s, s)
		return p.afterPost(e, s), changed
	}
}

// afterPost returns the node's own poststate (the propagated poststate ∪
// postcondition, accumulated over iterations), read back from the store
// after extend has updated it.
func (p *pass) afterPost(n ast.Node, s *lattice.BitSet) *lattice.BitSet {
	return lattice.Clone(p.cell(n).State.Post)
}

func (p *pass) seqExprs(owner ast.Node, s *lattice.BitSet, exprs ...ast.Expr) (*lattice.BitSet, bool) {
	changed := false
	cur := s
	for _, e := range exprs {
		if e == nil {
			continue
		}
		out, c := p.expr(e, cur)
		changed = changed || c
		cur = out
	}
	c2 := p.extend(owner, s, cur)
	return p.afterPost(owner, s), changed || c2
}

func (p *pass) call(owner ast.Node, c *ast.CallExpr, s *lattice.BitSet) (*lattice.BitSet, bool) {
	exprs := append([]ast.Expr{c.Fun}, c.Args...)
	return p.seqExprs(owner, s, exprs...)
}

// ---- statements -------------------------------------------------------

func (p *pass) stmtList(owner ast.Node, list []ast.Stmt, s *lattice.BitSet) (*lattice.BitSet, bool) {
	changed := false
	cur := s
	for _, st := range list {
		out, c := p.stmt(st, cur)
		changed = changed || c
		cur = out
	}
	if owner != nil {
		c2 := p.extend(owner, s, cur)
		changed = changed || c2
	}
	return cur, changed
}

func (p *pass) propagateBlock(b *ast.BlockStmt, s *lattice.BitSet) bool {
	out, changed := p.stmtList(b, b.List, s)
	c2 := p.extend(b, s, out)
	return changed || c2
}

func (p *pass) stmt(s ast.Stmt, in *lattice.BitSet) (*lattice.BitSet, bool) {
	switch st := s.(type) {
	case *ast.ExprStmt:
		return p.wrap(s, in, func() (*lattice.BitSet, bool) { return p.expr(st.X, in) })

	case *ast.EmptyStmt:
		changed := p.extend(s, in, in)
		return lattice.Clone(p.cell(s).State.Post), changed

	case *ast.LabeledStmt:
		return p.wrap(s, in, func() (*lattice.BitSet, bool) { return p.stmt(st.Stmt, in) })

	case *ast.DeclStmt:
		return p.declStmt(s, st, in)

	case *ast.AssignStmt:
		return p.assignStmt(s, st, in)

	case *ast.IncDecStmt:
		return p.wrap(s, in, func() (*lattice.BitSet, bool) { return p.expr(st.X, in) })

	case *ast.SendStmt:
		return p.wrap(s, in, func() (*lattice.BitSet, bool) { return p.seqExprs(s, in, st.Chan, st.Value) })

	case *ast.GoStmt:
		return p.wrap(s, in, func() (*lattice.BitSet, bool) { return p.call(s, st.Call, in) })

	case *ast.DeferStmt:
		return p.wrap(s, in, func() (*lattice.BitSet, bool) { return p.call(s, st.Call, in) })

	case *ast.ReturnStmt:
		out, changed := p.seqExprs(s, in, st.Results...)
		_ = out
		return lattice.Clone(p.cell(s).State.Post), changed

	case *ast.BranchStmt:
		changed := p.extend(s, in, in)
		return lattice.Clone(p.cell(s).State.Post), changed

	case *ast.BlockStmt:
		changed := p.propagateBlock(st, in)
		return lattice.Clone(p.cell(st).State.Post), changed

	case *ast.IfStmt:
		return p.ifStmt(s, st, in)

	case *ast.SwitchStmt:
		return p.switchStmt(s, st, in, nil)

	case *ast.TypeSwitchStmt:
		return p.typeSwitchStmt(s, st, in)

	case *ast.ForStmt:
		return p.forStmt(s, st, in)

	case *ast.RangeStmt:
		return p.rangeStmt(s, st, in)

	default:
		changed := p.extend(s, in, in)
		return lattice.Clone(p.cell(s).State.Post), changed
	}
}

func (p *pass) wrap(n ast.Node, in *lattice.BitSet, f func() (*lattice.BitSet, bool)) (*lattice.BitSet, bool) {
	out, changed := f()
	_ = out
	return lattice.Clone(p.cell(n).State.Post), changed
}

func (p *pass) declStmt(n ast.Node, d *ast.DeclStmt, in *lattice.BitSet) (*lattice.BitSet, bool) {
	gd, ok := d.Decl.(*ast.GenDecl)
	if !ok || gd.Tok != token.VAR {
		changed := p.extend(n, in, in)
		return lattice.Clone(p.cell(n).State.Post), changed
	}
	changed := false
	cur := in
	for _, spec := range gd.Specs {
		vs, ok := spec.(*ast.ValueSpec)
		if !ok || len(vs.Values) == 0 {
			continue
		}
		out, c := p.bindValues(vs.Names, vs.Values, cur)
		changed = changed || c
		cur = out
	}
	c2 := p.extend(n, in, cur)
	return lattice.Clone(p.cell(n).State.Post), changed || c2
}

// bindValues propagates the value expressions of a declaration/assignment
// left-to-right and gens the bound names' bits into the returned state,
// mirroring internal/synth's bindNames gen rule at the state level.
func (p *pass) bindValues(names []*ast.Ident, values []ast.Expr, s *lattice.BitSet) (*lattice.BitSet, bool) {
	changed := false
	cur := s
	if len(values) == len(names) {
		for i, name := range names {
			out, c := p.expr(values[i], cur)
			changed = changed || c
			cur = lattice.Clone(out)
			if v, ok := p.localVar(name); ok {
				bit, _ := p.table.BitIndex(v)
				if lattice.GenPoststate(bit, lattice.StatePair{Post: cur}) {
					changed = true
				}
			}
		}
		return cur, changed
	}
	if len(values) == 1 {
		out, c := p.expr(values[0], cur)
		changed = changed || c
		cur = lattice.Clone(out)
	}
	for _, name := range names {
		if v, ok := p.localVar(name); ok {
			bit, _ := p.table.BitIndex(v)
			if lattice.GenPoststate(bit, lattice.StatePair{Post: cur}) {
				changed = true
			}
		}
	}
	return cur, changed
}

func (p *pass) localVar(id *ast.Ident) (*types.Var, bool) {
	obj := p.info.Uses[id]
	if obj == nil {
		obj = p.info.Defs[id]
	}
	v, ok := obj.(*types.Var)
	if !ok {
		return nil, false
	}
	if !p.table.IsLocal(v) {
		return nil, false
	}
	return v, true
}

func (p *pass) assignStmt(n ast.Node, a *ast.AssignStmt, in *lattice.BitSet) (*lattice.BitSet, bool) {
	changed := false
	var out *lattice.BitSet

	switch {
	case a.Tok != token.ASSIGN && a.Tok != token.DEFINE:
		out, changed = p.seqExprs(n, in, a.Lhs[0], a.Rhs[0])

	case len(a.Lhs) == 1:
		if id, ok := a.Lhs[0].(*ast.Ident); ok {
			rhsOut, c := p.expr(a.Rhs[0], in)
			changed = c
			cur := lattice.Clone(rhsOut)
			if v, ok := p.localVar(id); ok {
				bit, _ := p.table.BitIndex(v)
				if lattice.GenPoststate(bit, lattice.StatePair{Post: cur}) {
					changed = true
				}
			}
			c2 := p.extend(n, in, cur)
			return lattice.Clone(p.cell(n).State.Post), changed || c2
		}
		out, changed = p.seqExprs(n, in, a.Lhs[0], a.Rhs[0])

	case len(a.Rhs) == len(a.Lhs):
		cur := in
		for i, lhs := range a.Lhs {
			if id, ok := lhs.(*ast.Ident); ok {
				rhsOut, c := p.expr(a.Rhs[i], cur)
				changed = changed || c
				cur = lattice.Clone(rhsOut)
				if v, ok := p.localVar(id); ok {
					bit, _ := p.table.BitIndex(v)
					if lattice.GenPoststate(bit, lattice.StatePair{Post: cur}) {
						changed = true
					}
				}
				continue
			}
			lOut, c := p.expr(lhs, cur)
			changed = changed || c
			rOut, c2 := p.expr(a.Rhs[i], lOut)
			changed = changed || c2
			cur = lattice.Clone(rOut)
		}
		out = cur

	default:
		names := make([]*ast.Ident, 0, len(a.Lhs))
		nonIdent := make([]ast.Expr, 0)
		for _, lhs := range a.Lhs {
			if id, ok := lhs.(*ast.Ident); ok {
				names = append(names, id)
			} else {
				nonIdent = append(nonIdent, lhs)
			}
		}
		bound, c := p.bindValues(names, a.Rhs, in)
		changed = c
		cur := bound
		for _, lhs := range nonIdent {
			o, c2 := p.expr(lhs, cur)
			changed = changed || c2
			cur = lattice.Clone(o)
		}
		out = cur
	}

	c2 := p.extend(n, in, out)
	return lattice.Clone(p.cell(n).State.Post), changed || c2
}

// ifStmt: then/else both propagate from the scrutinee's poststate; the
// combined poststate is their intersection (or the scrutinee's alone if
// there is no else), per spec.md §4.4.
func (p *pass) ifStmt(n ast.Node, st *ast.IfStmt, in *lattice.BitSet) (*lattice.BitSet, bool) {
	changed := false
	cur := in
	if st.Init != nil {
		out, c := p.stmt(st.Init, cur)
		changed = changed || c
		cur = out
	}
	condOut, c := p.expr(st.Cond, cur)
	changed = changed || c

	thenOut, c := p.stmt(st.Body, condOut)
	changed = changed || c

	var combined *lattice.BitSet
	if st.Else != nil {
		elseOut, c := p.stmt(st.Else, condOut)
		changed = changed || c
		combined = lattice.IntersectAll(p.n, []*lattice.BitSet{thenOut, elseOut})
	} else {
		combined = lattice.IntersectAll(p.n, []*lattice.BitSet{thenOut, condOut})
	}

	c2 := p.extend(n, in, combined)
	return lattice.Clone(p.cell(n).State.Post), changed || c2
}

// switchStmt: the scrutinee runs from in; each CaseClause body runs from
// the scrutinee's poststate; the node's poststate is the intersection of
// all clause poststates (plus the scrutinee's own poststate standing in
// for "no clause matched" when there is no default), per spec.md §4.4.
func (p *pass) switchStmt(n ast.Node, st *ast.SwitchStmt, in *lattice.BitSet, bindEach func(*ast.CaseClause, *lattice.BitSet) (*lattice.BitSet, bool)) (*lattice.BitSet, bool) {
	changed := false
	cur := in
	if st.Init != nil {
		out, c := p.stmt(st.Init, cur)
		changed = changed || c
		cur = out
	}
	scrutOut := cur
	if st.Tag != nil {
		out, c := p.expr(st.Tag, cur)
		changed = changed || c
		scrutOut = out
	}

	outs := make([]*lattice.BitSet, 0)
	hasDefault := false
	for _, stmt := range st.Body.List {
		cc, ok := stmt.(*ast.CaseClause)
		if !ok {
			continue
		}
		if cc.List == nil {
			hasDefault = true
		}
		entry := scrutOut
		if bindEach != nil {
			b, c := bindEach(cc, scrutOut)
			changed = changed || c
			entry = b
		}
		out, c := p.stmtList(cc, cc.Body, entry)
		changed = changed || c
		outs = append(outs, out)
	}
	if !hasDefault {
		outs = append(outs, scrutOut)
	}
	combined := lattice.IntersectAll(p.n, outs)
	c2 := p.extend(n, in, combined)
	return lattice.Clone(p.cell(n).State.Post), changed || c2
}

func (p *pass) typeSwitchStmt(n ast.Node, st *ast.TypeSwitchStmt, in *lattice.BitSet) (*lattice.BitSet, bool) {
	changed := false
	cur := in
	if st.Init != nil {
		out, c := p.stmt(st.Init, cur)
		changed = changed || c
		cur = out
	}

	var scrutOut *lattice.BitSet
	switch a := st.Assign.(type) {
	case *ast.ExprStmt:
		if ta, ok := a.X.(*ast.TypeAssertExpr); ok {
			out, c := p.expr(ta.X, cur)
			changed = changed || c
			scrutOut = out
		} else {
			scrutOut = cur
		}
	case *ast.AssignStmt:
		if ta, ok := a.Rhs[0].(*ast.TypeAssertExpr); ok {
			out, c := p.expr(ta.X, cur)
			changed = changed || c
			scrutOut = out
		} else {
			scrutOut = cur
		}
	default:
		scrutOut = cur
	}

	outs := make([]*lattice.BitSet, 0)
	hasDefault := false
	for _, stmt := range st.Body.List {
		cc, ok := stmt.(*ast.CaseClause)
		if !ok {
			continue
		}
		if cc.List == nil {
			hasDefault = true
		}
		entry := lattice.Clone(scrutOut)
		if v, ok := p.info.Implicits[cc].(*types.Var); ok && p.table.IsLocal(v) {
			bit, _ := p.table.BitIndex(v)
			if lattice.GenPoststate(bit, lattice.StatePair{Post: entry}) {
				changed = true
			}
		}
		out, c := p.stmtList(cc, cc.Body, entry)
		changed = changed || c
		outs = append(outs, out)
	}
	if !hasDefault {
		outs = append(outs, scrutOut)
	}
	combined := lattice.IntersectAll(p.n, outs)
	c2 := p.extend(n, in, combined)
	return lattice.Clone(p.cell(n).State.Post), changed || c2
}

// forStmt mirrors synth.forStmt's decomposition: a C-style for with
// Init/Post is sequence(Init, while(Cond, sequence(Body, Post))); a pure
// while/do-while is handled directly.
func (p *pass) forStmt(n ast.Node, st *ast.ForStmt, in *lattice.BitSet) (*lattice.BitSet, bool) {
	changed := false
	cur := in
	if st.Init != nil {
		out, c := p.stmt(st.Init, cur)
		changed = changed || c
		cur = out
	}

	var combined *lattice.BitSet
	if st.Cond != nil {
		condOut, c := p.expr(st.Cond, cur)
		changed = changed || c
		bodyOut, c2 := p.stmt(st.Body, condOut)
		changed = changed || c2
		postOut := bodyOut
		if st.Post != nil {
			o, c3 := p.stmt(st.Post, bodyOut)
			changed = changed || c3
			postOut = o
		}
		combined = lattice.IntersectAll(p.n, []*lattice.BitSet{condOut, postOut})
	} else {
		bodyOut, c := p.stmt(st.Body, cur)
		changed = changed || c
		postOut := bodyOut
		if st.Post != nil {
			o, c2 := p.stmt(st.Post, bodyOut)
			changed = changed || c2
			postOut = o
		}
		if astutil.HasNonlocalExits(st.Body) {
			combined = lattice.Clone(cur)
		} else {
			combined = postOut
		}
	}

	c2 := p.extend(n, in, combined)
	return lattice.Clone(p.cell(n).State.Post), changed || c2
}

// rangeStmt: iterator runs from in; body runs from the iterator's
// poststate with the range variable(s) gen'd first; combined poststate is
// their intersection (spec.md §4.4).
func (p *pass) rangeStmt(n ast.Node, st *ast.RangeStmt, in *lattice.BitSet) (*lattice.BitSet, bool) {
	changed := false
	iterOut, c := p.expr(st.X, in)
	changed = changed || c

	entry := lattice.Clone(iterOut)
	if st.Tok == token.DEFINE {
		for _, e := range []ast.Expr{st.Key, st.Value} {
			id, ok := e.(*ast.Ident)
			if !ok {
				continue
			}
			if v, ok := p.localVar(id); ok {
				bit, _ := p.table.BitIndex(v)
				if lattice.GenPoststate(bit, lattice.StatePair{Post: entry}) {
					changed = true
				}
			}
		}
	}
	bodyOut, c2 := p.stmt(st.Body, entry)
	changed = changed || c2

	combined := lattice.IntersectAll(p.n, []*lattice.BitSet{iterOut, bodyOut})
	c3 := p.extend(n, in, combined)
	return lattice.Clone(p.cell(n).State.Post), changed || c3
}
