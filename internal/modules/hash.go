package modules

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// HashDir returns a deterministic fingerprint of the files under dir
// whose base name matches one of the include patterns and none of the
// exclude patterns. Files are visited in sorted relative-path order and
// both the slash-separated relative path and the raw content feed the
// digest, so equivalent trees in different checkouts hash identically.
func HashDir(dir string, include, exclude []string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == HashConfigFilename {
			return nil
		}
		if !matchAny(include, name) || matchAny(exclude, name) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	digest := sha256.New()
	for _, rel := range files {
		digest.Write([]byte(rel))
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		digest.Write(content)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
