// Package walk lists the regular files below input directories.
package walk

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Filter selects files by base name. A nil Filter accepts every file.
type Filter func(name string) bool

// FS recursively walks root and yields the path of every regular file
// accepted by match, prefixed with name. Symlinks are not followed. Hidden
// files and directories are skipped, writers stage partial files there. An
// entry which can't be read is yielded as an error and the walk goes on.
func FS(ctx context.Context, root fs.FS, name string, match Filter) iter.Seq2[string, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(string, error) bool) {
		fn := func(p string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield(filepath.Join(name, p), err) {
					return fs.SkipAll
				}
				return nil
			}
			if p != "." && strings.HasPrefix(path.Base(p), ".") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if match != nil && !match(d.Name()) {
				return nil
			}
			if !yield(filepath.Join(name, p), nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// Dirs walks every directory through os.Root, so the walk can't escape it.
// A directory which can't be opened is yielded as an error.
func Dirs(ctx context.Context, match Filter, dirs ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, dir := range dirs {
			root, err := os.OpenRoot(dir)
			if err != nil {
				if !yield(dir, err) {
					return
				}
				continue
			}
			stop := false
			for p, err := range FS(ctx, root.FS(), root.Name(), match) {
				if !yield(p, err) {
					stop = true
					break
				}
			}
			_ = root.Close()
			if stop {
				return
			}
		}
	}
}
