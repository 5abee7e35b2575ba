// Package input enumerates work items from directories, list files, single
// image files or a prior result set.
package input

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/walk"
)

// ListSuffix marks a text file holding one input path per line.
const ListSuffix = ".lst"

var imageExt = map[string]struct{}{
	".pickle": {},
	".mccd":   {},
	".cbf":    {},
	".img":    {},
	".h5":     {},
	".nxs":    {},
}

// IsImage reports whether path has one of the known image extensions.
func IsImage(path string) bool {
	_, ok := imageExt[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Enumerate returns the sorted, de-duplicated set of image paths found under
// sources. Unreadable entries inside a directory are logged and skipped, a
// source which doesn't exist is an error.
func Enumerate(ctx context.Context, sources []string) ([]string, error) {
	seen := make(map[string]struct{})
	var errs []error
	add := func(path string) {
		if !IsImage(path) {
			return
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = filepath.Clean(path)
		}
		seen[abs] = struct{}{}
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		info, err := os.Stat(src)
		if err != nil {
			errs = append(errs, fmt.Errorf("input %s: %w", src, err))
			continue
		}
		switch {
		case info.IsDir():
			for p, err := range walk.Dirs(ctx, IsImage, src) {
				if err != nil {
					slog.WarnContext(ctx, "skipping input entry", "source", src, "path", p, "error", err)
					continue
				}
				add(p)
			}
		case strings.EqualFold(filepath.Ext(src), ListSuffix):
			paths, err := ReadList(src)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, p := range paths {
				add(p)
			}
		default:
			if !IsImage(src) {
				slog.WarnContext(ctx, "input is not a known image format: ignoring", "path", src)
				continue
			}
			add(src)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

// Abs makes every path absolute against the current directory.
func Abs(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return paths, nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", p, err)
		}
		out[i] = abs
	}
	return out, nil
}

// ReadList parses a list file. Blank lines and lines starting with # are
// ignored.
func ReadList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read list %s: %w", path, err)
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read list %s: %w", path, err)
	}
	return out, nil
}

// WriteList stores the payload paths of items, one per line.
func WriteList(path string, items []model.WorkItem) error {
	var buf bytes.Buffer
	for _, it := range items {
		buf.WriteString(it.Payload.Path)
		buf.WriteByte('\n')
	}
	return atomicfile.Write(path, buf.Bytes())
}

// Items numbers paths as image items with contiguous ordinals starting at
// first. Total is the length of the batch.
func Items(paths []string, first int) []model.WorkItem {
	out := make([]model.WorkItem, len(paths))
	for i, p := range paths {
		out[i] = model.ImageItem(first+i, len(paths), p)
	}
	return out
}

// Remainder returns the paths of all which were not attempted, keeping
// the order of all.
func Remainder(all []string, attempted map[string]struct{}) []string {
	out := make([]string, 0, len(all))
	for _, p := range all {
		if _, ok := attempted[p]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Extend returns items for the paths not yet covered by existing. New
// ordinals continue after the highest existing one, so existing items are
// never renumbered.
func Extend(existing []model.WorkItem, paths []string) []model.WorkItem {
	known := make(map[string]struct{}, len(existing))
	last := 0
	for _, it := range existing {
		known[it.Payload.Source] = struct{}{}
		last = max(last, it.Ordinal)
	}
	return Items(Remainder(paths, known), last+1)
}

// Sample picks n paths at random and returns them sorted. n <= 0 or n >=
// len(paths) returns paths unchanged.
func Sample(paths []string, n int, rnd *rand.Rand) []string {
	if n <= 0 || n >= len(paths) {
		return paths
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	idx := rnd.Perm(len(paths))[:n]
	slices.Sort(idx)
	out := make([]string, n)
	for i, j := range idx {
		out[i] = paths[j]
	}
	return out
}

// FromResults turns the successful results of a previous run into object
// items, numbered from 1 in ordinal order of the originals.
func FromResults(results []model.Result) []model.WorkItem {
	var ok []model.Result
	for _, r := range results {
		if r.Succeeded() && r.ObjectPath != "" {
			ok = append(ok, r)
		}
	}
	slices.SortFunc(ok, func(a, b model.Result) int { return a.Ordinal - b.Ordinal })
	out := make([]model.WorkItem, len(ok))
	for i, r := range ok {
		out[i] = model.WorkItem{
			Ordinal: i + 1,
			Total:   len(ok),
			Payload: model.Payload{
				Kind:   model.PayloadObject,
				Path:   r.ObjectPath,
				Source: r.SourcePath,
			},
		}
	}
	return out
}
