package aggregate

import (
	"fmt"

	"github.com/iota-xfel/iota/internal/model"
)

type Category struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

const (
	CategoryDiffraction  = "have diffraction"
	CategoryIntegrated   = "integrated"
	CategoryNotProcessed = "not processed"
)

// Summary breaks the image list down by outcome. Failure categories follow
// the pipeline order.
func (a *Aggregate) Summary() []Category {
	c := a.Counters()
	total := a.Len()
	out := []Category{{CategoryDiffraction, c.Diffraction}}
	for _, k := range model.FailureKinds() {
		out = append(out, Category{k.String(), c.FailedByKind[k]})
	}
	return append(out,
		Category{CategoryIntegrated, c.Succeeded},
		Category{CategoryNotProcessed, max(0, total-c.Harvested)},
	)
}

// Line is the one line progress report.
func (a *Aggregate) Line(convertOnly bool) string {
	c := a.Counters()
	total := a.Len()
	if convertOnly {
		return fmt.Sprintf("%d of %d images imported, %d have diffraction", c.Harvested, total, c.Diffraction)
	}
	return fmt.Sprintf("%d of %d images processed, %d successfully integrated", c.Harvested, total, c.Succeeded)
}

// Point is a per item metric sample.
type Point struct {
	Ordinal     int     `json:"ordinal"`
	StrongSpots int     `json:"strong_spots"`
	Resolution  float64 `json:"resolution"`
}

// Series holds the data a chart of the run is drawn from.
type Series struct {
	Points    []Point          `json:"points"`
	UnitCells []model.UnitCell `json:"unit_cells"`
}

func (a *Aggregate) Series() Series {
	var s Series
	for _, r := range a.Results() {
		s.Points = append(s.Points, Point{
			Ordinal:     r.Ordinal,
			StrongSpots: r.Metrics.StrongSpots,
			Resolution:  r.Metrics.Resolution,
		})
		if r.Succeeded() && r.Metrics.UnitCell != nil {
			s.UnitCells = append(s.UnitCells, *r.Metrics.UnitCell)
		}
	}
	return s
}
