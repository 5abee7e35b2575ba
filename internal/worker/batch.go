package worker

import (
	"fmt"

	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/model"
)

// Batch is the serialized form of a dispatch handed to an out of process
// driver.
type Batch struct {
	RunDir      string           `json:"run_dir"`
	Concurrency int              `json:"concurrency"`
	Kind        string           `json:"kind"`
	Items       []model.WorkItem `json:"items"`
}

func SaveBatch(path string, b Batch) error {
	return atomicfile.WriteJSON(path, b)
}

func LoadBatch(path string) (Batch, error) {
	var b Batch
	if err := atomicfile.ReadJSON(path, &b); err != nil {
		return Batch{}, fmt.Errorf("loading batch: %w", err)
	}
	return b, nil
}
