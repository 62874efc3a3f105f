// Package storage provides image enumeration over the job's input root and
// an object store for publishing finished artifacts (local directory for
// development, S3 for production).
package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
}

// Folders commonly present in the root of external drives that must never be
// treated as survey data.
var excludedRootFolders = map[string]struct{}{
	"$RECYCLE.BIN":              {},
	"System Volume Information": {},
}

// FindImages recursively enumerates image files under root, returning sorted
// absolute paths with forward-slash separators. It fails when root does not
// exist or is not a directory.
func FindImages(root string) ([]string, error) {
	root = strings.TrimSuffix(strings.ReplaceAll(root, "\\", "/"), "/")

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("could not find input folder %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input path %s is not a directory", root)
	}

	var images []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			rel, relErr := filepath.Rel(root, path)
			if relErr == nil {
				if _, excluded := excludedRootFolders[rel]; excluded {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(d.Name()))]; !ok {
			return nil
		}
		images = append(images, filepath.ToSlash(path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate images under %s: %w", root, err)
	}

	sort.Strings(images)
	return images, nil
}
