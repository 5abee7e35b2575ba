// Package aggregate keeps the progress of one run: the list of items, the
// harvested results and the counters derived from them.
package aggregate

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/iota-xfel/iota/internal/model"
)

type Counters struct {
	Dispatched   int                       `json:"dispatched"`
	Harvested    int                       `json:"harvested"`
	Succeeded    int                       `json:"succeeded"`
	Diffraction  int                       `json:"diffraction"` // imported without failure
	FailedByKind map[model.FailureKind]int `json:"failed_by_kind"`
}

// Aggregate is safe for concurrent use. Only the coordinator mutates it,
// readers such as the status server take copies.
type Aggregate struct {
	mx         sync.RWMutex
	items      []model.WorkItem
	ordinals   map[int]struct{}
	dispatched map[int]struct{}
	results    []model.Result
	folded     map[int]struct{}
	pending    []model.WorkItem
	counters   Counters
}

func New(items []model.WorkItem) *Aggregate {
	a := &Aggregate{
		ordinals:   make(map[int]struct{}),
		dispatched: make(map[int]struct{}),
		folded:     make(map[int]struct{}),
		counters:   Counters{FailedByKind: make(map[model.FailureKind]int)},
	}
	a.appendItems(items)
	return a
}

func (a *Aggregate) appendItems(items []model.WorkItem) {
	for _, it := range items {
		if _, ok := a.ordinals[it.Ordinal]; ok {
			continue
		}
		a.ordinals[it.Ordinal] = struct{}{}
		a.items = append(a.items, it)
	}
}

// Dispatch marks items as handed to a backend. Every item must be part of
// the image list.
func (a *Aggregate) Dispatch(items []model.WorkItem) error {
	a.mx.Lock()
	defer a.mx.Unlock()
	for _, it := range items {
		if _, ok := a.ordinals[it.Ordinal]; !ok {
			return fmt.Errorf("dispatching unknown ordinal %d", it.Ordinal)
		}
	}
	for _, it := range items {
		a.dispatched[it.Ordinal] = struct{}{}
	}
	a.counters.Dispatched = len(a.dispatched)
	return nil
}

// Fold adds results to the aggregate and returns how many were new. Results
// for ordinals already folded or never dispatched are ignored.
func (a *Aggregate) Fold(results ...model.Result) int {
	a.mx.Lock()
	defer a.mx.Unlock()
	n := 0
	for _, r := range results {
		if _, ok := a.folded[r.Ordinal]; ok {
			continue
		}
		if _, ok := a.dispatched[r.Ordinal]; !ok {
			continue
		}
		a.folded[r.Ordinal] = struct{}{}
		a.results = append(a.results, r)
		a.count(r)
		n++
	}
	return n
}

func (a *Aggregate) count(r model.Result) {
	a.counters.Harvested++
	switch {
	case r.Fail != nil:
		a.counters.FailedByKind[*r.Fail]++
	case r.Status == model.StatusFinal:
		a.counters.Succeeded++
	case r.Status == model.StatusImported:
		a.counters.Diffraction++
	}
}

func (a *Aggregate) IsComplete() bool {
	a.mx.RLock()
	defer a.mx.RUnlock()
	return a.counters.Harvested >= len(a.items)
}

func (a *Aggregate) Len() int {
	a.mx.RLock()
	defer a.mx.RUnlock()
	return len(a.items)
}

func (a *Aggregate) Harvested() int {
	a.mx.RLock()
	defer a.mx.RUnlock()
	return a.counters.Harvested
}

func (a *Aggregate) Counters() Counters {
	a.mx.RLock()
	defer a.mx.RUnlock()
	c := a.counters
	c.FailedByKind = maps.Clone(a.counters.FailedByKind)
	return c
}

func (a *Aggregate) Items() []model.WorkItem {
	a.mx.RLock()
	defer a.mx.RUnlock()
	return slices.Clone(a.items)
}

// Undispatched returns items of the image list no backend has seen yet.
func (a *Aggregate) Undispatched() []model.WorkItem {
	a.mx.RLock()
	defer a.mx.RUnlock()
	var out []model.WorkItem
	for _, it := range a.items {
		if _, ok := a.dispatched[it.Ordinal]; !ok {
			out = append(out, it)
		}
	}
	return out
}

// AddPending queues items discovered while watching. They become part of
// the image list on DrainPending.
func (a *Aggregate) AddPending(items ...model.WorkItem) {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.pending = append(a.pending, items...)
}

func (a *Aggregate) Pending() []model.WorkItem {
	a.mx.RLock()
	defer a.mx.RUnlock()
	return slices.Clone(a.pending)
}

// DrainPending moves pending items to the image list and returns them.
func (a *Aggregate) DrainPending() []model.WorkItem {
	a.mx.Lock()
	defer a.mx.Unlock()
	out := a.pending
	a.pending = nil
	a.appendItems(out)
	return out
}

// Extend appends items to the image list directly.
func (a *Aggregate) Extend(items []model.WorkItem) {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.appendItems(items)
}

// Known returns the ordinals already folded.
func (a *Aggregate) Known() map[int]struct{} {
	a.mx.RLock()
	defer a.mx.RUnlock()
	return maps.Clone(a.folded)
}

// Attempted returns source paths of every harvested result, successful or
// not. The path comes from the dispatched item, the one in the result is
// only used for ordinals the image list doesn't know.
func (a *Aggregate) Attempted() map[string]struct{} {
	a.mx.RLock()
	defer a.mx.RUnlock()
	sources := make(map[int]string, len(a.items))
	for _, it := range a.items {
		sources[it.Ordinal] = it.Payload.Source
	}
	out := make(map[string]struct{}, len(a.results))
	for _, r := range a.results {
		if src := sources[r.Ordinal]; src != "" {
			out[src] = struct{}{}
			continue
		}
		out[r.SourcePath] = struct{}{}
	}
	return out
}

// Results returns all folded results ordered by ordinal.
func (a *Aggregate) Results() []model.Result {
	a.mx.RLock()
	out := slices.Clone(a.results)
	a.mx.RUnlock()
	slices.SortFunc(out, func(x, y model.Result) int { return x.Ordinal - y.Ordinal })
	return out
}

// MaxOrdinal is the highest ordinal of the image list or pending items.
func (a *Aggregate) MaxOrdinal() int {
	a.mx.RLock()
	defer a.mx.RUnlock()
	m := 0
	for _, it := range a.items {
		m = max(m, it.Ordinal)
	}
	for _, it := range a.pending {
		m = max(m, it.Ordinal)
	}
	return m
}
