// Package astutil implements small AST predicates shared by the
// condition-synthesis and state-propagation passes. spec.md §6 describes
// has_nonlocal_exits as supplied by the parser/name-resolver module; this
// corpus has no standalone resolver package to own it, so it lives here
// as a small leaf dependency both internal/synth and internal/propagate
// import, rather than being duplicated in each.
package astutil

import (
	"go/ast"
	"go/token"
)

// HasNonlocalExits reports whether block (or anything it transitively
// contains, not crossing function boundaries) reaches a break or
// continue that would escape block itself — spec.md §6's
// has_nonlocal_exits, used by the do-while rules of §4.3/§4.4.
//
// An unlabeled break/continue nested inside a further loop, switch, or
// select is absorbed by that nested construct and does not count; a
// labeled break/continue naming an outer label still escapes, so nested
// constructs are still walked, just restricted to labeled branches.
func HasNonlocalExits(block *ast.BlockStmt) bool {
	found := false
	var walk func(n ast.Node) bool
	walk = func(n ast.Node) bool {
		if found {
			return false
		}
		switch s := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.BranchStmt:
			if s.Tok == token.BREAK || s.Tok == token.CONTINUE {
				found = true
			}
			return false
		case *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
			absorbedExceptLabeled(n, &found)
			return false
		}
		return true
	}
	ast.Inspect(block, walk)
	return found
}

func absorbedExceptLabeled(n ast.Node, found *bool) {
	ast.Inspect(n, func(n2 ast.Node) bool {
		if *found {
			return false
		}
		if _, ok := n2.(*ast.FuncLit); ok {
			return false
		}
		if bs, ok := n2.(*ast.BranchStmt); ok && bs.Label != nil &&
			(bs.Tok == token.BREAK || bs.Tok == token.CONTINUE) {
			*found = true
		}
		return true
	})
}
