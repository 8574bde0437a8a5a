package synth

import (
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"testing"

	"github.com/kolkov/tscheck/internal/annotate"
	"github.com/kolkov/tscheck/internal/lattice"
	"github.com/kolkov/tscheck/internal/locals"
)

func build(t *testing.T, src string) (*ast.FuncDecl, *locals.FunctionTable, *annotate.Store, lattice.CondPair) {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "test.go", src, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	info := &types.Info{
		Defs:      make(map[*ast.Ident]types.Object),
		Uses:      make(map[*ast.Ident]types.Object),
		Implicits: make(map[ast.Node]types.Object),
	}
	conf := types.Config{Importer: importer.Default()}
	if _, err := conf.Check("test", fset, []*ast.File{f}, info); err != nil {
		t.Fatalf("typecheck: %v", err)
	}

	var fd *ast.FuncDecl
	for _, d := range f.Decls {
		if d2, ok := d.(*ast.FuncDecl); ok && d2.Name.Name == "f" {
			fd = d2
		}
	}
	if fd == nil {
		t.Fatal("function f not found")
	}

	tm := locals.NewFunctionTableMap()
	table := tm.Build(fd, fd.Body, info)
	store := annotate.NewStore(table.Size())
	cp := Run(info, table, store, fd.Body)
	return fd, table, store, cp
}

func bitOf(t *testing.T, table *locals.FunctionTable, name string) uint {
	t.Helper()
	for i := uint(0); i < table.Size(); i++ {
		if table.Name(i) == name {
			return i
		}
	}
	t.Fatalf("no local named %s", name)
	return 0
}

// scenario 1 of spec.md §8: declare, then assign, then use — accepted.
func TestAcceptedDeclareAssignUse(t *testing.T) {
	src := `package p
func log(int) {}
func f() {
	var x int
	x = 1
	log(x)
}
`
	fd, table, store, _ := build(t, src)
	xBit := bitOf(t, table, "x")

	// find the "log(x)" ExprStmt
	var useStmt ast.Stmt
	for _, s := range fd.Body.List {
		if es, ok := s.(*ast.ExprStmt); ok {
			useStmt = es
		}
	}
	cell, ok := store.Get(useStmt)
	if !ok {
		t.Fatal("no cell recorded for use statement")
	}
	if !cell.Cond.Pre.Test(xBit) {
		t.Fatalf("expected log(x) to require x initialised")
	}
}

// scenario 2 of spec.md §8: declare, use, then assign — rejected (the use
// statement's precondition requires x, which nothing upstream guarantees).
func TestRejectedUseBeforeAssign(t *testing.T) {
	src := `package p
func log(int) {}
func f() {
	var x int
	log(x)
	x = 1
}
`
	fd, table, store, bodyCP := build(t, src)
	xBit := bitOf(t, table, "x")

	var useStmt ast.Stmt
	for _, s := range fd.Body.List {
		if es, ok := s.(*ast.ExprStmt); ok {
			useStmt = es
		}
	}
	cell, ok := store.Get(useStmt)
	if !ok {
		t.Fatal("no cell recorded for use statement")
	}
	if !cell.Cond.Pre.Test(xBit) {
		t.Fatal("expected log(x) to require x initialised")
	}
	// The function body's own precondition must therefore also require x,
	// since nothing before the use guarantees it.
	if !bodyCP.Pre.Test(xBit) {
		t.Fatal("expected function body precondition to require x")
	}
}

func TestIfWithoutElseDoesNotGuaranteeAssignment(t *testing.T) {
	src := `package p
func log(int) {}
func f(cond bool) {
	var x int
	if cond {
		x = 1
	}
	log(x)
}
`
	fd, table, store, _ := build(t, src)
	xBit := bitOf(t, table, "x")

	var useStmt ast.Stmt
	for _, s := range fd.Body.List {
		if es, ok := s.(*ast.ExprStmt); ok {
			useStmt = es
		}
	}
	cell, _ := store.Get(useStmt)
	if !cell.Cond.Pre.Test(xBit) {
		t.Fatal("expected log(x) to require x")
	}

	var ifStmt *ast.IfStmt
	for _, s := range fd.Body.List {
		if is, ok := s.(*ast.IfStmt); ok {
			ifStmt = is
		}
	}
	ifCell, _ := store.Get(ifStmt)
	if ifCell.Cond.Post.Test(xBit) {
		t.Fatal("if-without-else must not guarantee x in its postcondition")
	}
}

func TestIfElseBothBranchesAssignGuaranteesPost(t *testing.T) {
	src := `package p
func log(int) {}
func f(cond bool) {
	var x int
	if cond {
		x = 1
	} else {
		x = 2
	}
	log(x)
}
`
	fd, table, store, _ := build(t, src)
	xBit := bitOf(t, table, "x")

	var ifStmt *ast.IfStmt
	for _, s := range fd.Body.List {
		if is, ok := s.(*ast.IfStmt); ok {
			ifStmt = is
		}
	}
	ifCell, _ := store.Get(ifStmt)
	if !ifCell.Cond.Post.Test(xBit) {
		t.Fatal("if/else where both branches assign x must guarantee x in its postcondition")
	}

	var useStmt ast.Stmt
	for _, s := range fd.Body.List {
		if es, ok := s.(*ast.ExprStmt); ok {
			useStmt = es
		}
	}
	useCell, _ := store.Get(useStmt)
	_ = useCell
}

func TestPanicSaturatesPostcondition(t *testing.T) {
	src := `package p
func f(cond bool) {
	var x int
	if cond {
		panic("no")
	} else {
		x = 1
	}
	_ = x
}
`
	fd, table, store, _ := build(t, src)
	xBit := bitOf(t, table, "x")

	var ifStmt *ast.IfStmt
	for _, s := range fd.Body.List {
		if is, ok := s.(*ast.IfStmt); ok {
			ifStmt = is
		}
	}
	ifCell, _ := store.Get(ifStmt)
	if !ifCell.Cond.Post.Test(xBit) {
		t.Fatal("panic branch should contribute the full universe to the join, so x is guaranteed via the else branch alone")
	}
}

func TestMultiAssignMixedLhsPairsByPosition(t *testing.T) {
	src := `package p
type box struct{ v int }
func f(b *box) int {
	var x int
	x, b.v = 1, 2
	return x
}
`
	fd, table, store, _ := build(t, src)
	xBit := bitOf(t, table, "x")

	var assign *ast.AssignStmt
	for _, s := range fd.Body.List {
		if a, ok := s.(*ast.AssignStmt); ok {
			assign = a
		}
	}
	cell, ok := store.Get(assign)
	if !ok {
		t.Fatal("no cell for assign statement")
	}
	if !cell.Cond.Post.Test(xBit) {
		t.Fatal("expected x to be gen'd by its paired rhs, independent of the mixed lhs field target")
	}
}

func TestDoWhileWithBreakDoesNotGuaranteePostcondition(t *testing.T) {
	src := `package p
func f(cond bool) {
	var x int
	for {
		x = 1
		if !cond {
			break
		}
	}
	_ = x
}
`
	fd, table, store, bodyCP := build(t, src)
	xBit := bitOf(t, table, "x")
	_ = table

	var forStmt *ast.ForStmt
	for _, s := range fd.Body.List {
		if fs, ok := s.(*ast.ForStmt); ok {
			forStmt = fs
		}
	}
	cell, _ := store.Get(forStmt)
	// The loop contains an unlabeled break, a nonlocal exit relative to the
	// loop body itself, so its postcondition must be forced empty even
	// though x is assigned unconditionally at the top of the body.
	if cell.Cond.Post.Test(xBit) {
		t.Fatal("a do-while loop whose body has a nonlocal exit must not guarantee x in its postcondition")
	}
	_ = bodyCP
}

func TestRangeLoopVariableRelaxedFromPrecondition(t *testing.T) {
	src := `package p
func use(int) {}
func f(xs []int) {
	for i, v := range xs {
		use(i)
		use(v)
	}
}
`
	fd, _, store, bodyCP := build(t, src)
	var rangeStmt *ast.RangeStmt
	for _, s := range fd.Body.List {
		if rs, ok := s.(*ast.RangeStmt); ok {
			rangeStmt = rs
		}
	}
	cell, ok := store.Get(rangeStmt)
	if !ok {
		t.Fatal("no cell for range statement")
	}
	// i and v are declared and gen'd by the header itself, so the range
	// statement's own precondition (and the enclosing function's) must not
	// require them even though the body uses both.
	if cell.Cond.Pre.Count() != 0 {
		t.Fatalf("expected range statement precondition to require nothing external, got %d bits set", cell.Cond.Pre.Count())
	}
	if bodyCP.Pre.Count() != 0 {
		t.Fatalf("expected function body precondition to require nothing, got %d bits set", bodyCP.Pre.Count())
	}
}
