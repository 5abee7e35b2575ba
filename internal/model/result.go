package model

import (
	"fmt"
)

// ResultFormat tags every result object written to disk, readers refuse
// anything else.
const ResultFormat = "iota.result/v1"

type Status string

const (
	StatusImported Status = "imported"
	StatusFinal    Status = "final"
)

// FailureKind is the pipeline stage an item failed at. The order follows
// the pipeline.
type FailureKind int

const (
	FailTriage FailureKind = iota + 1
	FailSpotfinding
	FailIndexing
	FailIntegration
	FailFilter
)

var failureNames = [...]string{
	FailTriage:      "failed triage",
	FailSpotfinding: "failed spotfinding",
	FailIndexing:    "failed indexing",
	FailIntegration: "failed integration",
	FailFilter:      "failed filter",
}

// FailureKinds lists all kinds in pipeline order.
func FailureKinds() []FailureKind {
	return []FailureKind{FailTriage, FailSpotfinding, FailIndexing, FailIntegration, FailFilter}
}

func (k FailureKind) Valid() bool {
	return k >= FailTriage && k <= FailFilter
}

func (k FailureKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
	return failureNames[k]
}

func ParseFailureKind(s string) (FailureKind, error) {
	for _, k := range FailureKinds() {
		if failureNames[k] == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown failure kind %q", s)
}

func (k FailureKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid failure kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *FailureKind) UnmarshalText(text []byte) error {
	parsed, err := ParseFailureKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Fail is a convenience for building results in code and tests.
func Fail(k FailureKind) *FailureKind {
	return &k
}

type UnitCell [6]float64

type Metrics struct {
	StrongSpots  int       `json:"strong_spot_count" validate:"gte=0"`
	Resolution   float64   `json:"resolution" validate:"gte=0"`
	UnitCell     *UnitCell `json:"unit_cell,omitempty"`
	SpaceGroup   string    `json:"space_group,omitempty"`
	Observations int       `json:"observations,omitempty" validate:"gte=0"`
}

// Result is the object a worker writes exactly once for its WorkItem.
// The coordinator only ever reads it.
type Result struct {
	Format     string       `json:"format" validate:"eq=iota.result/v1"`
	Ordinal    int          `json:"ordinal" validate:"gte=1"`
	Status     Status       `json:"status" validate:"oneof=imported final"`
	Fail       *FailureKind `json:"fail"`
	Metrics    Metrics      `json:"metrics"`
	SourcePath string       `json:"source_path" validate:"required"`

	// ObjectPath is the file the result was read from.
	ObjectPath string `json:"-"`
}

// Succeeded reports a fully integrated item.
func (r Result) Succeeded() bool {
	return r.Fail == nil && r.Status == StatusFinal
}

// HasDiffraction reports an item which was imported without failure, which
// is the final outcome in convert-only runs.
func (r Result) HasDiffraction() bool {
	return r.Fail == nil && r.Status == StatusImported
}
