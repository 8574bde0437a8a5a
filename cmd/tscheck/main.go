// Command tscheck reports local variables that may be read before they
// are definitely initialised on some control-flow path.
//
// It wraps internal/driver.Analyzer, the same analysis.Analyzer that
// golangci-lint or a multichecker could load directly; this binary gives
// it a Cobra front end in the teacher's style (cmd/racedetector split its
// build/run/test subcommands across files, dispatching from main.go).
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/kolkov/tscheck/internal/driver"
)

var (
	verbose bool
	jsonOut bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tscheck",
		Short: "Definite-initialisation checker for Go locals",
		Long: `tscheck reports every local variable that may be read before it is
definitely assigned on some path through the function, modelled as an
intraprocedural dataflow analysis over go/ast and go/types.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log the resolved module and per-function propagation details to stderr")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit analysis.Diagnostic results as JSON (passed through to the underlying singlechecker -json flag)")

	root.AddCommand(newCheckCmd())
	return root
}

// newCheckCmd wraps analysis's own flag/argument handling: singlechecker
// already knows how to parse Go package patterns and -json, so `check`
// delegates to it rather than reimplementing package loading.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [packages]",
		Short: "Run the definite-initialisation check over the given packages",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runArgs := make([]string, 0, len(args)+1)
			if jsonOut {
				runArgs = append(runArgs, "-json")
			}
			runArgs = append(runArgs, args...)

			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
				logrus.WithField("patterns", args).Debug("starting tscheck analysis")
				logModuleContext()
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}

			// singlechecker.Main parses os.Args directly and calls os.Exit
			// itself, so point it at our own argv slice before delegating.
			os.Args = append([]string{"tscheck"}, runArgs...)
			singlechecker.Main(driver.Analyzer)
			return nil
		},
	}
}
