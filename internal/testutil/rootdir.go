package testutil

import (
	"path"
	"path/filepath"
	"runtime"
)

// RootDir returns the module root, for tests that load fixture files by a
// path relative to the repository rather than the package under test.
func RootDir() string {
	_, b, _, _ := runtime.Caller(0)
	d := path.Join(path.Dir(path.Dir(b)))
	return filepath.Dir(d)
}
