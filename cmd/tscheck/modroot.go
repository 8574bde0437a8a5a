package main

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/modfile"
)

// logModuleContext locates the nearest go.mod above the working directory
// and logs its module path at debug level, purely informational context
// for -v runs: which module tscheck believes it is analysing.
func logModuleContext() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	path, data, err := findAndReadGoMod(dir)
	if err != nil {
		logrus.WithError(err).Debug("no go.mod found above the working directory")
		return
	}
	mf, err := modfile.Parse(path, data, nil)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Debug("failed to parse go.mod")
		return
	}
	if mf.Module == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"module": mf.Module.Mod.Path,
		"go.mod": path,
	}).Debug("resolved module context")
}

// findAndReadGoMod walks upward from dir looking for a go.mod, the same
// directory-ascent find.BuildContext/go/build uses to locate a module
// root, stopping at the filesystem root.
func findAndReadGoMod(dir string) (string, []byte, error) {
	for {
		candidate := filepath.Join(dir, "go.mod")
		if data, err := os.ReadFile(candidate); err == nil {
			return candidate, data, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil, os.ErrNotExist
		}
		dir = parent
	}
}
