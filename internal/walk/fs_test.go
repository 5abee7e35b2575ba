package walk_test

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/iota-xfel/iota/internal/walk"
)

func TestFS(t *testing.T) {
	t.Parallel()
	fsys := fstest.MapFS{
		"a.cbf":                {Data: []byte("a")},
		"run1/b.cbf":           {Data: []byte("b")},
		"run1/sub/c.h5":        {Data: []byte("c")},
		"run1/sub":             {Mode: os.ModeDir},
		"run1/notes.txt":       {Data: []byte("n")},
		"run1/.d.cbf.123.part": {Data: []byte("partial")},
		".staging/e.cbf":       {Data: []byte("e")},
		"run1/link.cbf":        {Mode: os.ModeSymlink, Data: []byte("a.cbf")},
	}
	cbfOrH5 := func(name string) bool {
		return strings.HasSuffix(name, ".cbf") || strings.HasSuffix(name, ".h5")
	}

	var testCases = []struct {
		scenario string
		given    walk.Filter
		then     []string
	}{
		{"filtered", cbfOrH5, []string{"/data/a.cbf", "/data/run1/b.cbf", "/data/run1/sub/c.h5"}},
		{"nil filter", nil, []string{"/data/a.cbf", "/data/run1/b.cbf", "/data/run1/notes.txt", "/data/run1/sub/c.h5"}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			var paths []string
			for p, err := range walk.FS(t.Context(), fsys, "/data", tc.given) {
				require.NoError(t, err)
				paths = append(paths, p)
			}
			slices.Sort(paths)
			require.Equal(t, tc.then, paths)
		})
	}
}

func TestFS_Stop(t *testing.T) {
	t.Parallel()
	fsys := fstest.MapFS{
		"1.cbf": {Data: []byte("1")},
		"2.cbf": {Data: []byte("2")},
		"3.cbf": {Data: []byte("3")},
	}
	n := 0
	for range walk.FS(t.Context(), fsys, "/data", nil) {
		n++
		break
	}
	require.Equal(t, 1, n)
}

func TestDirs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x", "1.img"), []byte("1"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(dir, "x", "1.img"), filepath.Join(dir, "link.img")))

	var paths []string
	var errs int
	for p, err := range walk.Dirs(t.Context(), nil, dir, filepath.Join(dir, "missing")) {
		if err != nil {
			errs++
			continue
		}
		paths = append(paths, p)
	}
	require.Equal(t, []string{filepath.Join(dir, "x", "1.img")}, paths)
	require.Equal(t, 1, errs)
}
