// Package harvest discovers result objects written by workers.
package harvest

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/parallel"
	"github.com/iota-xfel/iota/internal/resultfile"
)

const defaultReaders = 4

// Harvester scans a result directory. Every file is read at most once per
// Harvester, including files which failed to decode.
type Harvester struct {
	dir     string
	readers int

	mx   sync.Mutex
	seen map[string]struct{}
}

func New(dir string) *Harvester {
	return &Harvester{
		dir:     dir,
		readers: defaultReaders,
		seen:    make(map[string]struct{}),
	}
}

func (h *Harvester) Dir() string {
	return h.dir
}

type candidate struct {
	name    string
	ordinal int
}

type scanned struct {
	candidate
	result model.Result
}

// Scan returns results found since the previous call whose ordinal is not in
// known, sorted by ordinal. Unreadable or corrupt files are logged and
// skipped for good. The returned error is set only when the directory itself
// can't be listed.
func (h *Harvester) Scan(ctx context.Context, known map[int]struct{}) ([]model.Result, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	h.mx.Lock()
	var todo []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := h.seen[name]; ok {
			continue
		}
		ordinal, ok := resultfile.Ordinal(name)
		if !ok {
			continue
		}
		if _, ok := known[ordinal]; ok {
			h.seen[name] = struct{}{}
			continue
		}
		todo = append(todo, candidate{name: name, ordinal: ordinal})
	}
	h.mx.Unlock()
	if len(todo) == 0 {
		return nil, nil
	}

	read := func(_ context.Context, c candidate) (scanned, error) {
		r, err := resultfile.Read(filepath.Join(h.dir, c.name))
		if err != nil {
			return scanned{candidate: c}, err
		}
		if r.Ordinal != c.ordinal {
			return scanned{candidate: c}, fmt.Errorf("%s: ordinal %d does not match file name", c.name, r.Ordinal)
		}
		return scanned{candidate: c, result: r}, nil
	}

	var out []model.Result
	got := make(map[int]struct{})
	readers := min(h.readers, len(todo))
	for s, err := range parallel.NewMap(ctx, readers, read).Iter(seq(todo)) {
		h.mx.Lock()
		h.seen[s.name] = struct{}{}
		h.mx.Unlock()
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable result", "file", s.name, "error", err)
			continue
		}
		if _, dup := got[s.result.Ordinal]; dup {
			slog.WarnContext(ctx, "duplicate result for ordinal", "file", s.name, "ordinal", s.result.Ordinal)
			continue
		}
		got[s.result.Ordinal] = struct{}{}
		out = append(out, s.result)
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	slices.SortFunc(out, func(a, b model.Result) int { return a.Ordinal - b.Ordinal })
	return out, nil
}

func seq[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}
