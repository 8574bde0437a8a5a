// Package driver orchestrates the three analysis passes over every
// function in a package (spec.md §4.6): discover each function body
// (top-level FuncDecl, method, or nested FuncLit treated as its own
// item), build its FunctionTable, allocate a fresh annotation Store, and
// run synth → propagate → verify over it in order.
//
// This plays the role internal/race/detector.go's Detector plays for the
// teacher: the single owner that drives a bounded per-unit computation to
// completion and collects its findings, except the "unit" here is a
// function body discovered statically rather than a goroutine discovered
// at runtime. Analyzer wraps that orchestration as a
// golang.org/x/tools/go/analysis.Analyzer so it composes with the rest of
// the go/analysis ecosystem (go vet, golangci-lint, singlechecker).
package driver

import (
	"fmt"
	"go/ast"

	"github.com/sirupsen/logrus"
	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"

	"github.com/kolkov/tscheck/internal/annotate"
	"github.com/kolkov/tscheck/internal/locals"
	"github.com/kolkov/tscheck/internal/propagate"
	"github.com/kolkov/tscheck/internal/synth"
	"github.com/kolkov/tscheck/internal/verify"
)

// Analyzer is the tscheck definite-initialisation checker, runnable
// standalone via cmd/tscheck or composed into any analysis.Analyzer
// driver (multichecker, golangci-lint's analysis adapter, and so on).
var Analyzer = &analysis.Analyzer{
	Name:     "tscheck",
	Doc:      "reports local variables that may be read before they are definitely initialised",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

// funcUnit is one discovered analysis unit: either a *ast.FuncDecl or a
// *ast.FuncLit, together with the body it owns. spec.md §4.6 step 1 calls
// for discovering every function item, nested literals included, and
// analysing each with its own function table and store (step 2).
type funcUnit struct {
	decl ast.Node
	body *ast.BlockStmt
	name string
}

func run(pass *analysis.Pass) (interface{}, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	units := discover(insp, pass)
	tableMap := locals.NewFunctionTableMap()

	for _, u := range units {
		table := tableMap.Build(u.decl, u.body, pass.TypesInfo)
		store := annotate.NewStore(table.Size())

		synth.Run(pass.TypesInfo, table, store, u.body)
		iterations := propagate.Run(pass.TypesInfo, table, store, u.body)

		logrus.WithFields(logrus.Fields{
			"package":    pass.Pkg.Path(),
			"function":   u.name,
			"locals":     table.Size(),
			"iterations": iterations,
		}).Debug("propagated state to a fixed point")

		if d, failed := verify.Run(table, store, u.body, u.name); failed {
			pass.Reportf(d.Pos, "%s", d.Message)
		}
	}

	return nil, nil
}

// discover walks every file in the package once, collecting a funcUnit
// for each top-level function/method declaration with a body and each
// function literal, named for the per-function log entry and for
// Diagnostic.Func.
func discover(insp *inspector.Inspector, pass *analysis.Pass) []funcUnit {
	var units []funcUnit
	nodeFilter := []ast.Node{
		(*ast.FuncDecl)(nil),
		(*ast.FuncLit)(nil),
	}

	var litCounter int
	insp.Preorder(nodeFilter, func(n ast.Node) {
		switch f := n.(type) {
		case *ast.FuncDecl:
			if f.Body == nil {
				return
			}
			units = append(units, funcUnit{decl: f, body: f.Body, name: funcDeclName(f)})
		case *ast.FuncLit:
			litCounter++
			units = append(units, funcUnit{decl: f, body: f.Body, name: fmt.Sprintf("func literal #%d (%s)", litCounter, pass.Fset.Position(f.Pos()))})
		}
	})
	return units
}

func funcDeclName(f *ast.FuncDecl) string {
	if f.Recv != nil && len(f.Recv.List) > 0 {
		return fmt.Sprintf("(%s).%s", recvTypeString(f.Recv.List[0].Type), f.Name.Name)
	}
	return f.Name.Name
}

func recvTypeString(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.StarExpr:
		return "*" + recvTypeString(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return recvTypeString(t.X)
	case *ast.IndexListExpr:
		return recvTypeString(t.X)
	default:
		return "?"
	}
}
