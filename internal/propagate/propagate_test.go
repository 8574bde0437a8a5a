package propagate

import (
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"testing"

	"github.com/kolkov/tscheck/internal/annotate"
	"github.com/kolkov/tscheck/internal/locals"
	"github.com/kolkov/tscheck/internal/synth"
)

func build(t *testing.T, src string) (*ast.FuncDecl, *locals.FunctionTable, *annotate.Store) {
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
	synth.Run(info, table, store, fd.Body)
	Run(info, table, store, fd.Body)
	return fd, table, store
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

func TestAcceptedProgramReachesSatisfyingFixedPoint(t *testing.T) {
	src := `package p
func log(int) {}
func f() {
	var x int
	x = 1
	log(x)
}
`
	fd, table, store := build(t, src)
	xBit := bitOf(t, table, "x")

	var useStmt ast.Stmt
	for _, s := range fd.Body.List {
		if es, ok := s.(*ast.ExprStmt); ok {
			useStmt = es
		}
	}
	cell, _ := store.Get(useStmt)
	if !cell.State.Pre.Test(xBit) {
		t.Fatal("expected log(x)'s prestate to guarantee x after propagation")
	}
}

func TestRejectedProgramPrestateNeverGainsTheMissingBit(t *testing.T) {
	src := `package p
func log(int) {}
func f() {
	var x int
	log(x)
	x = 1
}
`
	fd, table, store := build(t, src)
	xBit := bitOf(t, table, "x")

	var useStmt ast.Stmt
	for _, s := range fd.Body.List {
		if es, ok := s.(*ast.ExprStmt); ok {
			useStmt = es
		}
	}
	cell, _ := store.Get(useStmt)
	if cell.State.Pre.Test(xBit) {
		t.Fatal("x is assigned after the use, so its prestate at the use must not contain x")
	}
}

func TestIfElseBothAssignJoinsToGuaranteedPoststate(t *testing.T) {
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
	fd, table, store := build(t, src)
	xBit := bitOf(t, table, "x")

	var useStmt ast.Stmt
	for _, s := range fd.Body.List {
		if es, ok := s.(*ast.ExprStmt); ok {
			useStmt = es
		}
	}
	cell, _ := store.Get(useStmt)
	if !cell.State.Pre.Test(xBit) {
		t.Fatal("expected x guaranteed at the use after an if/else where both branches assign it")
	}
}

func TestIfWithoutElseDoesNotGuaranteeAtUse(t *testing.T) {
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
	fd, table, store := build(t, src)
	xBit := bitOf(t, table, "x")

	var useStmt ast.Stmt
	for _, s := range fd.Body.List {
		if es, ok := s.(*ast.ExprStmt); ok {
			useStmt = es
		}
	}
	cell, _ := store.Get(useStmt)
	if cell.State.Pre.Test(xBit) {
		t.Fatal("an if without an else must not guarantee x when only one branch assigns it")
	}
}

func TestLoopBodyAssignmentDoesNotGuaranteeAfterLoop(t *testing.T) {
	src := `package p
func log(int) {}
func f(n int) {
	var x int
	for i := 0; i < n; i++ {
		x = i
	}
	_ = x
}
`
	fd, table, store := build(t, src)
	xBit := bitOf(t, table, "x")

	var assignAfterLoop ast.Stmt
	for _, s := range fd.Body.List {
		if as, ok := s.(*ast.AssignStmt); ok {
			assignAfterLoop = as
		}
	}
	cell, ok := store.Get(assignAfterLoop)
	if !ok {
		t.Fatal("no cell for the statement after the loop")
	}
	if cell.State.Pre.Test(xBit) {
		t.Fatal("a for-loop that may run zero times must not guarantee x after it")
	}
}
