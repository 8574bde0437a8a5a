// Package synth implements condition synthesis (spec.md §4.3): a single
// recursive walk over a function body that computes the precondition and
// postcondition of every expression, statement, and block, writing the
// result into an annotate.Store as it goes.
//
// This is a direct port of find_pre_post_expr/find_pre_post_stmt/
// find_pre_post_block from the original typestate checker, re-expressed
// against go/ast node kinds per the mapping table in SPEC_FULL.md §0. The
// traversal shape — one ast.Walk-style recursive descent recording
// results into a side table rather than mutating the tree — follows
// cmd/racedetector/instrument/visitor.go's two-pass philosophy (observe,
// don't mutate, the AST).
package synth

import (
	"go/ast"
	"go/token"
	"go/types"

	"github.com/kolkov/tscheck/internal/annotate"
	"github.com/kolkov/tscheck/internal/astutil"
	"github.com/kolkov/tscheck/internal/lattice"
	"github.com/kolkov/tscheck/internal/locals"
)

// pass holds the read-only context the recursive walk threads through.
type pass struct {
	info  *types.Info
	table *locals.FunctionTable
	store *annotate.Store
	n     uint
}

// Run synthesises conditions for every node of body and returns the
// body's own condition pair (the function's overall requirement/gen
// summary). table and store must already be sized for body's function
// (see internal/locals.FunctionTableMap.Build and annotate.NewStore).
func Run(info *types.Info, table *locals.FunctionTable, store *annotate.Store, body *ast.BlockStmt) lattice.CondPair {
	p := &pass{info: info, table: table, store: store, n: table.Size()}
	return p.block(body)
}

func (p *pass) identity() lattice.CondPair {
	return lattice.NewCondPair(p.n)
}

func (p *pass) record(n ast.Node, cp lattice.CondPair) lattice.CondPair {
	p.store.GetOrCreate(n).Cond = cp
	return cp
}

// seq is lattice.Sequence bound to this pass's width.
func (p *pass) seq(pps ...lattice.CondPair) lattice.CondPair {
	return lattice.Sequence(p.n, pps)
}

// localVar resolves id to a *types.Var local of the current function, if
// any (spec.md §6 "resolved-name map").
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

// exprList synthesises a left-to-right sequence of expressions, skipping
// nils (optional operands like a missing slice bound).
func (p *pass) exprList(exprs ...ast.Expr) lattice.CondPair {
	pps := make([]lattice.CondPair, 0, len(exprs))
	for _, e := range exprs {
		if e == nil {
			continue
		}
		pps = append(pps, p.expr(e))
	}
	return p.seq(pps...)
}

// ---- expressions ----------------------------------------------------

func (p *pass) expr(e ast.Expr) lattice.CondPair {
	switch x := e.(type) {
	case *ast.Ident:
		cp := p.identity()
		if v, ok := p.localVar(x); ok {
			bit, _ := p.table.BitIndex(v)
			lattice.RequireAndPreserve(bit, cp)
		}
		return p.record(e, cp)

	case *ast.BasicLit:
		return p.record(e, p.identity())

	case *ast.FuncLit:
		// Nested function item: analysed in isolation by the driver with
		// its own table (spec.md §3/§4.2). From the enclosing function's
		// perspective it is a leaf, same as calling an opaque callee
		// (spec.md §1 Non-goals: callees require/initialise nothing).
		return p.record(e, p.identity())

	case *ast.ParenExpr:
		cp := p.expr(x.X)
		return p.record(e, cp)

	case *ast.UnaryExpr:
		cp := p.exprList(x.X)
		return p.record(e, cp)

	case *ast.StarExpr:
		cp := p.exprList(x.X)
		return p.record(e, cp)

	case *ast.BinaryExpr:
		// &&/|| analysed as strict left-to-right composition (spec.md §9
		// Open Question, left unfixed here).
		cp := p.exprList(x.X, x.Y)
		return p.record(e, cp)

	case *ast.CallExpr:
		return p.record(e, p.call(x))

	case *ast.IndexExpr:
		cp := p.exprList(x.X, x.Index)
		return p.record(e, cp)

	case *ast.IndexListExpr:
		exprs := append([]ast.Expr{x.X}, x.Indices...)
		cp := p.exprList(exprs...)
		return p.record(e, cp)

	case *ast.SliceExpr:
		cp := p.exprList(x.X, x.Low, x.High, x.Max)
		return p.record(e, cp)

	case *ast.SelectorExpr:
		cp := p.exprList(x.X)
		return p.record(e, cp)

	case *ast.TypeAssertExpr:
		cp := p.exprList(x.X)
		return p.record(e, cp)

	case *ast.CompositeLit:
		pps := make([]lattice.CondPair, 0, len(x.Elts))
		for _, elt := range x.Elts {
			if kv, ok := elt.(*ast.KeyValueExpr); ok {
				pps = append(pps, p.expr(kv.Value))
				continue
			}
			pps = append(pps, p.expr(elt))
		}
		cp := p.seq(pps...)
		return p.record(e, cp)

	case *ast.KeyValueExpr:
		cp := p.exprList(x.Value)
		return p.record(e, cp)

	default:
		// Types, ellipses, and other non-value-producing expression
		// nodes contribute no condition.
		return p.record(e, p.identity())
	}
}

// call synthesises a *ast.CallExpr: left-to-right over the callee then
// the arguments (spec.md §4.3's call-composition rule), with one
// exception — a call to the builtin panic is "fail" (spec.md §4.3): its
// postcondition saturates to the universal set because control does not
// continue.
func (p *pass) call(c *ast.CallExpr) lattice.CondPair {
	args := p.exprList(c.Fun)
	argsCP := append([]lattice.CondPair{args}, p.argConds(c.Args)...)
	cp := p.seq(argsCP...)
	if p.isPanicCall(c) {
		cp.Post = lattice.NewFull(p.n)
	}
	return cp
}

func (p *pass) argConds(args []ast.Expr) []lattice.CondPair {
	out := make([]lattice.CondPair, 0, len(args))
	for _, a := range args {
		out = append(out, p.expr(a))
	}
	return out
}

func (p *pass) isPanicCall(c *ast.CallExpr) bool {
	id, ok := c.Fun.(*ast.Ident)
	if !ok || id.Name != "panic" {
		return false
	}
	b, ok := p.info.Uses[id].(*types.Builtin)
	return ok && b.Name() == "panic"
}

// ---- statements -------------------------------------------------------

// stmtList sequences a list of statements (a block's or case clause's
// body) into a single condition pair.
func (p *pass) stmtList(list []ast.Stmt) lattice.CondPair {
	pps := make([]lattice.CondPair, 0, len(list))
	for _, s := range list {
		pps = append(pps, p.stmt(s))
	}
	return p.seq(pps...)
}

func (p *pass) block(b *ast.BlockStmt) lattice.CondPair {
	cp := p.stmtList(b.List)
	return p.record(b, cp)
}

func (p *pass) stmt(s ast.Stmt) lattice.CondPair {
	switch st := s.(type) {
	case *ast.ExprStmt:
		cp := p.expr(st.X)
		return p.record(s, cp)

	case *ast.EmptyStmt:
		return p.record(s, p.identity())

	case *ast.LabeledStmt:
		cp := p.stmt(st.Stmt)
		return p.record(s, cp)

	case *ast.DeclStmt:
		cp := p.declStmt(st)
		return p.record(s, cp)

	case *ast.AssignStmt:
		cp := p.assignStmt(st)
		return p.record(s, cp)

	case *ast.IncDecStmt:
		cp := p.exprList(st.X)
		return p.record(s, cp)

	case *ast.SendStmt:
		cp := p.exprList(st.Chan, st.Value)
		return p.record(s, cp)

	case *ast.GoStmt:
		cp := p.call(st.Call)
		return p.record(s, cp)

	case *ast.DeferStmt:
		// Go-specific addition, not present in the original language:
		// a defer evaluates its call's arguments immediately, so it
		// composes exactly like an ordinary call (spec.md §4.3's
		// composition rule).
		cp := p.call(st.Call)
		return p.record(s, cp)

	case *ast.ReturnStmt:
		cp := p.exprList(st.Results...)
		cp.Post = lattice.NewFull(p.n)
		return p.record(s, cp)

	case *ast.BranchStmt:
		return p.record(s, p.identity())

	case *ast.BlockStmt:
		return p.block(st)

	case *ast.IfStmt:
		cp := p.ifStmt(st)
		return p.record(s, cp)

	case *ast.SwitchStmt:
		cp := p.switchStmt(st)
		return p.record(s, cp)

	case *ast.TypeSwitchStmt:
		cp := p.typeSwitchStmt(st)
		return p.record(s, cp)

	case *ast.ForStmt:
		cp := p.forStmt(st)
		return p.record(s, cp)

	case *ast.RangeStmt:
		cp := p.rangeStmt(st)
		return p.record(s, cp)

	default:
		return p.record(s, p.identity())
	}
}

// declStmt handles `var x T` / `var x T = e` / `var x, y = e1, e2`
// (spec.md's "let x;" / "let x = e").
func (p *pass) declStmt(d *ast.DeclStmt) lattice.CondPair {
	gd, ok := d.Decl.(*ast.GenDecl)
	if !ok || gd.Tok != token.VAR {
		return p.identity()
	}
	pps := make([]lattice.CondPair, 0, len(gd.Specs))
	for _, spec := range gd.Specs {
		vs, ok := spec.(*ast.ValueSpec)
		if !ok {
			continue
		}
		if len(vs.Values) == 0 {
			// `var x T` with no initialiser: declared, not initialised.
			continue
		}
		pps = append(pps, p.bindNames(vs.Names, vs.Values)...)
	}
	return p.seq(pps...)
}

// bindNames produces one condition pair per (name, value) pair of a
// declaration or assignment: the value's condition, with the bound
// name's bit gen'd into the postcondition when the name denotes a local
// (spec.md §4.3 assignment rule: "pre and post are inherited from rhs,
// and additionally bit(x) is added to post").
func (p *pass) bindNames(names []*ast.Ident, values []ast.Expr) []lattice.CondPair {
	out := make([]lattice.CondPair, 0, len(names))
	if len(values) == len(names) {
		for i, name := range names {
			cp := p.expr(values[i])
			p.genIdent(name, cp)
			out = append(out, cp)
		}
		return out
	}
	// Multi-value call assigned to multiple names: evaluate the single
	// right-hand side once, then gen every bound name (a Go-specific
	// generalisation of the single-lhs rule).
	var rhs lattice.CondPair
	if len(values) == 1 {
		rhs = p.expr(values[0])
	} else {
		rhs = p.identity()
	}
	for _, name := range names {
		p.genIdent(name, rhs)
	}
	out = append(out, rhs)
	return out
}

func (p *pass) genIdent(id *ast.Ident, cp lattice.CondPair) {
	if v, ok := p.localVar(id); ok {
		bit, _ := p.table.BitIndex(v)
		lattice.GenPostcond(bit, cp)
	}
}

// assignStmt handles `lhs = rhs`, `lhs := rhs`, `lhs op= rhs`, and their
// multi-value forms (spec.md §4.3 assignment + compound-assignment
// rules).
func (p *pass) assignStmt(a *ast.AssignStmt) lattice.CondPair {
	if a.Tok != token.ASSIGN && a.Tok != token.DEFINE {
		// Compound assignment: lhs must already be initialised, never
		// gen'd; sequence as an ordinary two-operand composition.
		return p.exprList(a.Lhs[0], a.Rhs[0])
	}

	if len(a.Lhs) == 1 {
		if id, ok := a.Lhs[0].(*ast.Ident); ok {
			cp := p.expr(a.Rhs[0])
			p.genIdent(id, cp)
			return cp
		}
		// Field, index, or deref assignment: ordinary two-operand
		// composition; neither side initialises a new local (spec.md
		// §4.3, §9 "side effects through aliases").
		return p.exprList(a.Lhs[0], a.Rhs[0])
	}

	if len(a.Rhs) == len(a.Lhs) {
		// Parallel assignment a, b = x, y: pair by position so a mixed
		// lhs (some idents, some field/index/deref targets) keeps each
		// rhs matched to its own lhs.
		pps := make([]lattice.CondPair, 0, len(a.Lhs))
		for i, lhs := range a.Lhs {
			if id, ok := lhs.(*ast.Ident); ok {
				cp := p.expr(a.Rhs[i])
				p.genIdent(id, cp)
				pps = append(pps, cp)
				continue
			}
			pps = append(pps, p.exprList(lhs, a.Rhs[i]))
		}
		return p.seq(pps...)
	}

	// Multi-value call assigned to multiple names: a, b := f(). A
	// Go-specific generalisation of the single-lhs rule — evaluate the
	// single right-hand side once, then gen every bound name.
	rhs := p.identity()
	if len(a.Rhs) == 1 {
		rhs = p.expr(a.Rhs[0])
	}
	nonIdentPPs := make([]lattice.CondPair, 0)
	for _, lhs := range a.Lhs {
		if id, ok := lhs.(*ast.Ident); ok {
			p.genIdent(id, rhs)
		} else {
			nonIdentPPs = append(nonIdentPPs, p.expr(lhs))
		}
	}
	pps := append([]lattice.CondPair{rhs}, nonIdentPPs...)
	return p.seq(pps...)
}

// ifStmt implements spec.md §4.3's conditional rule, unified for the
// presence or absence of an else branch: a missing else is treated as the
// identity condition pair (pre=post=∅), which makes the general formula
// degenerate exactly to "postcondition reduces to the poststate of the
// condition alone" when there is no else (see SPEC_FULL.md §0 and
// DESIGN.md).
func (p *pass) ifStmt(s *ast.IfStmt) lattice.CondPair {
	var initCP lattice.CondPair
	if s.Init != nil {
		initCP = p.stmt(s.Init)
	} else {
		initCP = p.identity()
	}

	cond := p.expr(s.Cond)
	then := p.block(s.Body)
	elseCP := p.identity()
	if s.Else != nil {
		elseCP = p.stmt(s.Else)
	}

	preThen := p.seq(cond, then).Pre
	preElse := p.seq(cond, elseCP).Pre
	pre := lattice.NewEmpty(p.n)
	pre.InPlaceUnion(preThen)
	pre.InPlaceUnion(preElse)

	thenPost := lattice.NewEmpty(p.n)
	thenPost.InPlaceUnion(cond.Post)
	thenPost.InPlaceUnion(then.Post)

	elsePost := lattice.NewEmpty(p.n)
	elsePost.InPlaceUnion(cond.Post)
	elsePost.InPlaceUnion(elseCP.Post)

	post := lattice.IntersectAll(p.n, []*lattice.BitSet{thenPost, elsePost})

	core := lattice.CondPair{Pre: pre, Post: post}
	return p.seq(initCP, core)
}

// switchStmt implements the "match" rule of spec.md §4.3, folding over
// CaseClause arms with the scrutinee's condition pair as the running
// antecedent. A switch with no `default` clause additionally intersects
// in the scrutinee's own postcondition, modelling the implicit "nothing
// matched" path exactly as ifStmt models a missing else.
func (p *pass) switchStmt(s *ast.SwitchStmt) lattice.CondPair {
	var initCP lattice.CondPair
	if s.Init != nil {
		initCP = p.stmt(s.Init)
	} else {
		initCP = p.identity()
	}

	scrutinee := p.identity()
	if s.Tag != nil {
		scrutinee = p.expr(s.Tag)
	}

	core := p.caseClauses(scrutinee, s.Body.List, nil)
	return p.seq(initCP, core)
}

// typeSwitchStmt is switchStmt's twin for `switch v := x.(type)`, which
// additionally binds a fresh local per clause (SPEC_FULL.md §0).
func (p *pass) typeSwitchStmt(s *ast.TypeSwitchStmt) lattice.CondPair {
	var initCP lattice.CondPair
	if s.Init != nil {
		initCP = p.stmt(s.Init)
	} else {
		initCP = p.identity()
	}

	var scrutinee lattice.CondPair
	switch a := s.Assign.(type) {
	case *ast.ExprStmt:
		if ta, ok := a.X.(*ast.TypeAssertExpr); ok {
			scrutinee = p.expr(ta.X)
		} else {
			scrutinee = p.identity()
		}
	case *ast.AssignStmt:
		if ta, ok := a.Rhs[0].(*ast.TypeAssertExpr); ok {
			scrutinee = p.expr(ta.X)
		} else {
			scrutinee = p.identity()
		}
	default:
		scrutinee = p.identity()
	}

	core := p.caseClauses(scrutinee, s.Body.List, func(cc *ast.CaseClause) lattice.CondPair {
		if v, ok := p.info.Implicits[cc].(*types.Var); ok && p.table.IsLocal(v) {
			bit, _ := p.table.BitIndex(v)
			cp := p.identity()
			lattice.GenPostcond(bit, cp)
			return cp
		}
		return p.identity()
	})
	return p.seq(initCP, core)
}

// caseClauses is the shared fold used by switchStmt/typeSwitchStmt.
// perClause, if non-nil, returns an extra condition pair to sequence in
// front of each clause's body (used by typeSwitchStmt to gen the bound
// variable).
func (p *pass) caseClauses(scrutinee lattice.CondPair, list []ast.Stmt, perClause func(*ast.CaseClause) lattice.CondPair) lattice.CondPair {
	preTotal := lattice.NewEmpty(p.n)
	preTotal.InPlaceUnion(scrutinee.Pre)
	postsToIntersect := make([]*lattice.BitSet, 0, len(list)+1)
	hasDefault := false

	for _, stmt := range list {
		cc, ok := stmt.(*ast.CaseClause)
		if !ok {
			continue
		}
		if cc.List == nil {
			hasDefault = true
		}
		bodyCP := p.stmtList(cc.Body)
		if perClause != nil {
			lead := perClause(cc)
			bodyCP = p.seq(lead, bodyCP)
		}
		p.store.GetOrCreate(cc).Cond = bodyCP

		seq := p.seq(scrutinee, bodyCP)
		preTotal.InPlaceUnion(seq.Pre)
		postsToIntersect = append(postsToIntersect, bodyCP.Post)
	}

	if !hasDefault {
		postsToIntersect = append(postsToIntersect, scrutinee.Post)
	}

	post := lattice.IntersectAll(p.n, postsToIntersect)
	return lattice.CondPair{Pre: preTotal, Post: post}
}

// forStmt implements the while/do-while/C-style-for rules of spec.md
// §4.3, unified: a C-style for with an Init and/or Post clause is
// decomposed into sequence(Init, while(Cond, sequence(Body, Post))),
// built from the existing primitives rather than a new rule
// (SPEC_FULL.md §0).
func (p *pass) forStmt(s *ast.ForStmt) lattice.CondPair {
	bodyCP := p.block(s.Body)

	if s.Init == nil && s.Post == nil {
		if s.Cond != nil {
			return p.whileLoop(s.Cond, bodyCP)
		}
		return p.doWhileLoop(s.Body, bodyCP)
	}

	var initCP lattice.CondPair
	if s.Init != nil {
		initCP = p.stmt(s.Init)
	} else {
		initCP = p.identity()
	}
	var postCP lattice.CondPair
	if s.Post != nil {
		postCP = p.stmt(s.Post)
	} else {
		postCP = p.identity()
	}
	innerBody := p.seq(bodyCP, postCP)

	var loop lattice.CondPair
	if s.Cond != nil {
		loop = p.whileLoop(s.Cond, innerBody)
	} else {
		loop = p.doWhileLoop(s.Body, innerBody)
	}
	return p.seq(initCP, loop)
}

// whileLoop: pre = sequence(test, body); post = test.post ∩ body.post
// (spec.md §4.3 "While loop").
func (p *pass) whileLoop(cond ast.Expr, bodyCP lattice.CondPair) lattice.CondPair {
	testCP := p.expr(cond)
	pre := p.seq(testCP, bodyCP).Pre
	post := lattice.IntersectAll(p.n, []*lattice.BitSet{testCP.Post, bodyCP.Post})
	return lattice.CondPair{Pre: pre, Post: post}
}

// doWhileLoop: the body always runs at least once; its postcondition is
// forced empty if the body contains a non-local exit (spec.md §4.3 "Do-
// while loop").
func (p *pass) doWhileLoop(body *ast.BlockStmt, bodyCP lattice.CondPair) lattice.CondPair {
	pre := lattice.Clone(bodyCP.Pre)
	var post *lattice.BitSet
	if astutil.HasNonlocalExits(body) {
		post = lattice.NewEmpty(p.n)
	} else {
		post = lattice.Clone(bodyCP.Post)
	}
	return lattice.CondPair{Pre: pre, Post: post}
}

// rangeStmt implements spec.md §4.3's for/for-each rule: the loop
// variable(s) are fresh locals declared by the header, gen'd before the
// body runs, and subtracted from the loop's own precondition because they
// are defined by the header rather than required externally.
func (p *pass) rangeStmt(s *ast.RangeStmt) lattice.CondPair {
	iterCP := p.expr(s.X)
	bodyStmts := p.block(s.Body)

	loopVarGen := p.identity()
	var loopBits []uint
	if s.Tok == token.DEFINE {
		for _, e := range []ast.Expr{s.Key, s.Value} {
			id, ok := e.(*ast.Ident)
			if !ok {
				continue
			}
			if v, ok := p.localVar(id); ok {
				bit, _ := p.table.BitIndex(v)
				lattice.GenPostcond(bit, loopVarGen)
				loopBits = append(loopBits, bit)
			}
		}
	}
	bodyCP := p.seq(loopVarGen, bodyStmts)

	pre := p.seq(iterCP, bodyCP).Pre
	for _, bit := range loopBits {
		lattice.Relax(bit, pre)
	}
	post := lattice.IntersectAll(p.n, []*lattice.BitSet{iterCP.Post, bodyCP.Post})
	return lattice.CondPair{Pre: pre, Post: post}
}
