package profiles

import (
	"io/fs"
	"path/filepath"
)

// filepathWalkDirs calls fn once for root and every directory beneath it.
func filepathWalkDirs(root string, fn func(dir string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return fn(path)
	})
}
