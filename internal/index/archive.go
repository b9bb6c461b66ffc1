package index

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Archive writes a zip of the index's persisted storage in dir to w.
// Used by collection export; the caller is responsible for making sure no
// concurrent writes are in flight.
func Archive(dir string, w io.Writer) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat index storage: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("index storage %s is not a directory", dir)
	}

	zw := zip.NewWriter(w)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("adding %s to archive: %w", rel, err)
		}
		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer src.Close()
		if _, err := io.Copy(f, src); err != nil {
			return fmt.Errorf("writing %s to archive: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		zw.Close()
		return err
	}

	return zw.Close()
}
