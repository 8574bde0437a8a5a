// Package verify implements the verification pass (spec.md §4.5): once
// condition synthesis and state propagation have both reached their fixed
// points, walk the function body once more and check that its prestate
// implies its precondition at every annotated statement and expression
// inside the body (the body block's own cell is skipped). The first node
// that fails is
// fatal (spec.md §4.5/§7): verification stops immediately rather than
// continuing to walk the rest of the function, so Run reports at most
// one Diagnostic per function.
//
// The fatal-stop is load-bearing, not cosmetic: a read of a local
// preserves its poststate (internal/synth's RequireAndPreserve rule), so
// a failing read still contributes {bit(x)} downstream. Continuing past
// it would make a second use of the same uninitialised local look
// satisfied by the first failing read's poststate, under-reporting real
// violations; it also means a single source-level use surfaces as one
// diagnostic instead of one per AST node it happens to be built from
// (identifier, call, statement).
//
// This is grounded on internal/race/detector.go's RaceReport construction
// (report.go's RaceReport/AccessInfo): a Diagnostic plays the same role a
// RaceReport does there, but carries a go/token.Pos instead of a
// goroutine stack trace, since a static definite-initialisation check has
// no runtime stack to capture.
package verify

import (
	"fmt"
	"go/ast"
	"go/token"

	"github.com/kolkov/tscheck/internal/annotate"
	"github.com/kolkov/tscheck/internal/lattice"
	"github.com/kolkov/tscheck/internal/locals"
)

// Diagnostic reports the first node whose prestate does not imply its
// precondition: some local the node requires to be initialised is not
// guaranteed initialised on every path reaching it.
type Diagnostic struct {
	Pos     token.Pos
	Func    string
	Message string
	Missing []string // names of the locals missing from the prestate
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Func, d.Message)
}

// Run walks body in AST visitation order and returns the first node whose
// prestate fails to imply its precondition, stopping there. funcName is
// recorded in Diagnostic.Func and appears in String(); internal/driver
// reports only Message at Pos via pass.Reportf, which supplies the
// file:line.
func Run(table *locals.FunctionTable, store *annotate.Store, body *ast.BlockStmt, funcName string) (Diagnostic, bool) {
	var found Diagnostic
	failed := false
	ast.Inspect(body, func(n ast.Node) bool {
		if failed || n == nil {
			return false
		}
		if _, ok := n.(*ast.FuncLit); ok {
			return false
		}
		if n == body {
			// The body's own cell is not checked, only the statements
			// and expressions inside it, so a failure is reported at
			// the offending statement rather than at the body's brace.
			return true
		}
		cell, ok := store.Get(n)
		if !ok {
			return true
		}
		if d, bad := checkNode(table, cell, n, funcName); bad {
			found = d
			failed = true
			return false
		}
		return true
	})
	return found, failed
}

func checkNode(table *locals.FunctionTable, cell *annotate.Cell, n ast.Node, funcName string) (Diagnostic, bool) {
	if lattice.Implies(cell.State.Pre, cell.Cond.Pre) {
		return Diagnostic{}, false
	}
	missingSet := cell.Cond.Pre.Clone()
	missingSet.InPlaceDifference(cell.State.Pre)

	names := make([]string, 0)
	for i, e := missingSet.NextSet(0); e; i, e = missingSet.NextSet(i + 1) {
		names = append(names, table.Name(i))
	}

	return Diagnostic{
		Pos:     n.Pos(),
		Func:    funcName,
		Message: fmt.Sprintf("use of possibly-uninitialised variable(s): %s", join(names)),
		Missing: names,
	}, true
}

func join(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
