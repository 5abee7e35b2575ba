package aggregate

import (
	"slices"

	"github.com/iota-xfel/iota/internal/model"
)

// Snapshot is the serializable form of an Aggregate. Counters are derived on
// Restore and not stored.
type Snapshot struct {
	Items      []model.WorkItem `json:"items"`
	Dispatched []int            `json:"dispatched"`
	Results    []StoredResult   `json:"results"`
	Pending    []model.WorkItem `json:"pending,omitempty"`
}

// StoredResult keeps the object path, which is not part of the result file
// itself.
type StoredResult struct {
	model.Result
	ObjectPath string `json:"object_path,omitempty"`
}

func (a *Aggregate) Snapshot() Snapshot {
	a.mx.RLock()
	dispatched := make([]int, 0, len(a.dispatched))
	for o := range a.dispatched {
		dispatched = append(dispatched, o)
	}
	s := Snapshot{
		Items:      slices.Clone(a.items),
		Dispatched: dispatched,
		Pending:    slices.Clone(a.pending),
	}
	a.mx.RUnlock()
	slices.Sort(s.Dispatched)
	for _, r := range a.Results() {
		s.Results = append(s.Results, StoredResult{Result: r, ObjectPath: r.ObjectPath})
	}
	return s
}

// Restore rebuilds an Aggregate. Results are folded again, so a snapshot
// with duplicates restores the same counters as the one without.
func Restore(s Snapshot) *Aggregate {
	a := New(s.Items)
	for _, o := range s.Dispatched {
		if _, ok := a.ordinals[o]; ok {
			a.dispatched[o] = struct{}{}
		}
	}
	a.counters.Dispatched = len(a.dispatched)
	for _, sr := range s.Results {
		r := sr.Result
		r.ObjectPath = sr.ObjectPath
		a.Fold(r)
	}
	a.pending = slices.Clone(s.Pending)
	return a
}
