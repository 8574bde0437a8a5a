package driver_test

import (
	"testing"

	"golang.org/x/tools/go/analysis/analysistest"

	"github.com/kolkov/tscheck/internal/driver"
)

func TestAnalyzer(t *testing.T) {
	testdata := analysistest.TestData()
	analysistest.Run(t, testdata, driver.Analyzer, "a")
}
