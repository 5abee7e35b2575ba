package model

type PayloadKind string

const (
	PayloadImage  PayloadKind = "image"  // raw image file to import
	PayloadObject PayloadKind = "object" // result object re-run from a later stage
)

// Payload points a worker to its input. Source is the raw image path the
// item stands for and is what resume compares against harvested results.
type Payload struct {
	Kind   PayloadKind `json:"kind"`
	Path   string      `json:"path"`
	Source string      `json:"source"`
}

// WorkItem is one unit of dispatch. It is immutable once dispatched.
type WorkItem struct {
	Ordinal int     `json:"ordinal"`
	Total   int     `json:"total"`
	Payload Payload `json:"payload"`
}

func ImageItem(ordinal, total int, path string) WorkItem {
	return WorkItem{
		Ordinal: ordinal,
		Total:   total,
		Payload: Payload{Kind: PayloadImage, Path: path, Source: path},
	}
}
