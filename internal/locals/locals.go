// Package locals implements the per-function variable-numbering table of
// spec.md §4.2: a single tree walk that assigns a dense bit index
// 0, 1, 2, ... to every local variable syntactically declared inside a
// function body, skipping nested function items (they are numbered
// separately when their own analysis begins).
//
// The table doubles as the "resolved-name map" of spec.md §6: a local
// *ast.Ident resolves to a bit index only when go/types says it denotes a
// *types.Var that is not a parameter, receiver, named result, or
// package-level object — those are all "always initialised" per spec.md
// §1's Non-goals and are never entered into the table.
//
// This mirrors internal/race/goroutine/context.go's RaceContext: a small
// per-execution-unit table built once (Alloc) and read many times, except
// here the table is built by a single AST walk instead of being seeded at
// goroutine-start.
package locals

import (
	"go/ast"
	"go/types"
)

// VarInfo is the spec.md §3 "Variable-info" pair: a dense bit index plus
// the display name carried only for diagnostics.
type VarInfo struct {
	Bit  uint
	Name string
}

// FunctionTable is the per-function mapping from a local's *types.Var
// identity to its VarInfo, plus the inverse lookup diagnostics need
// (spec.md §3 "Function table").
type FunctionTable struct {
	byVar   map[*types.Var]VarInfo
	byBit   []VarInfo
	funcObj types.Object
}

// Size is the width N of every bit vector belonging to this function
// (spec.md §4.2 "size(table)").
func (t *FunctionTable) Size() uint {
	return uint(len(t.byBit))
}

// BitIndex returns the bit index assigned to v and true if v is a local
// of this function. Contract (spec.md §4.2): only call after IsLocal(v).
func (t *FunctionTable) BitIndex(v *types.Var) (uint, bool) {
	info, ok := t.byVar[v]
	if !ok {
		return 0, false
	}
	return info.Bit, true
}

// IsLocal reports whether v was numbered in this table, i.e. whether v is
// a local variable of the function this table was built for.
func (t *FunctionTable) IsLocal(v *types.Var) bool {
	_, ok := t.byVar[v]
	return ok
}

// Name returns the display name of bit index i, for diagnostics.
func (t *FunctionTable) Name(i uint) string {
	if i >= uint(len(t.byBit)) {
		return "<unknown>"
	}
	return t.byBit[i].Name
}

// FunctionTableMap is the process-wide mapping from function identifier
// (here, the *ast.FuncDecl or *ast.FuncLit node the driver discovers) to
// that function's FunctionTable (spec.md §3 "Function table map").
type FunctionTableMap struct {
	tables map[ast.Node]*FunctionTable
}

// NewFunctionTableMap returns an empty map, populated by the driver via Build.
func NewFunctionTableMap() *FunctionTableMap {
	return &FunctionTableMap{tables: make(map[ast.Node]*FunctionTable)}
}

// Lookup returns the FunctionTable registered for a function body's
// defining node (an *ast.FuncDecl or *ast.FuncLit).
func (m *FunctionTableMap) Lookup(decl ast.Node) (*FunctionTable, bool) {
	t, ok := m.tables[decl]
	return t, ok
}

// Build numbers the locals of a single function body and registers the
// resulting table under declNode (an *ast.FuncDecl or *ast.FuncLit). It
// does not descend into nested function literals — those are collected
// by a separate call to Build when the driver reaches them (spec.md §4.2:
// "The walk does NOT descend into nested function items").
func (m *FunctionTableMap) Build(declNode ast.Node, body *ast.BlockStmt, info *types.Info) *FunctionTable {
	t := &FunctionTable{byVar: make(map[*types.Var]VarInfo)}
	w := &numberingWalk{table: t, info: info}
	ast.Inspect(body, w.visit)
	m.tables[declNode] = t
	return t
}

// numberingWalk performs the single declaration-order walk of spec.md
// §4.2. It assigns the next bit index whenever it encounters a fresh
// *types.Var introduced by a local declaration form: `var x T`,
// `x := expr`, a range-loop variable, or a type-switch's bound
// identifier.
type numberingWalk struct {
	table *FunctionTable
	info  *types.Info
	next  uint
}

func (w *numberingWalk) add(v *types.Var) {
	if v == nil || v.Name() == "_" {
		return
	}
	if _, ok := w.table.byVar[v]; ok {
		return
	}
	info := VarInfo{Bit: w.next, Name: v.Name()}
	w.table.byVar[v] = info
	w.table.byBit = append(w.table.byBit, info)
	w.next++
}

func (w *numberingWalk) addIdent(id *ast.Ident) {
	if id == nil {
		return
	}
	if v, ok := w.info.Defs[id].(*types.Var); ok {
		w.add(v)
	}
}

func (w *numberingWalk) visit(n ast.Node) bool {
	switch s := n.(type) {
	case *ast.FuncLit:
		// Nested function item: gets its own table later. Do not
		// descend (spec.md §4.2).
		return false

	case *ast.DeclStmt:
		gd, ok := s.Decl.(*ast.GenDecl)
		if ok && gd.Tok.String() == "var" {
			for _, spec := range gd.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok {
					continue
				}
				for _, name := range vs.Names {
					w.addIdent(name)
				}
			}
		}

	case *ast.AssignStmt:
		if s.Tok.String() == ":=" {
			for _, lhs := range s.Lhs {
				if id, ok := lhs.(*ast.Ident); ok {
					w.addIdent(id)
				}
			}
		}

	case *ast.RangeStmt:
		if s.Tok.String() == ":=" {
			if id, ok := s.Key.(*ast.Ident); ok {
				w.addIdent(id)
			}
			if id, ok := s.Value.(*ast.Ident); ok {
				w.addIdent(id)
			}
		}

	case *ast.TypeSwitchStmt:
		// The `v := x.(type)` binding introduces one fresh local per
		// case clause, re-typed by go/types for each clause; all share
		// the declaring Ident's textual name but are distinct *types.Var
		// objects per clause body, numbered by the loop over the clause
		// list below from info.Implicits.
		if assign, ok := s.Assign.(*ast.AssignStmt); ok {
			for _, lhs := range assign.Lhs {
				if id, ok := lhs.(*ast.Ident); ok {
					w.addIdent(id)
				}
			}
		}
		for _, clause := range s.Body.List {
			cc, ok := clause.(*ast.CaseClause)
			if !ok {
				continue
			}
			if v, ok := w.info.Implicits[cc].(*types.Var); ok {
				w.add(v)
			}
		}
	}
	return true
}
