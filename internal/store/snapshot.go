package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/iota-xfel/iota/internal/aggregate"
	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/backend"
	"github.com/iota-xfel/iota/internal/model"
)

const SnapshotVersion = 1

var ErrNoSnapshot = errors.New("no snapshot")

// Snapshot is everything needed to reopen a run in a new process.
type Snapshot struct {
	Version   int                `json:"version"`
	RunID     string             `json:"run_id"`
	State     model.RunState     `json:"state"`
	Warning   string             `json:"warning,omitempty"`
	Config    model.Config       `json:"config"`
	Handles   []backend.Handle   `json:"handles,omitempty"`
	Aggregate aggregate.Snapshot `json:"aggregate"`
	Started   time.Time          `json:"started"`
	Saved     time.Time          `json:"saved"`
}

func SaveSnapshot(path string, s Snapshot) error {
	s.Version = SnapshotVersion
	if s.Saved.IsZero() {
		s.Saved = time.Now().UTC()
	}
	if err := atomicfile.WriteJSON(path, s); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func LoadSnapshot(path string) (Snapshot, error) {
	var s Snapshot
	err := atomicfile.ReadJSON(path, &s)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, path)
	case err != nil:
		return Snapshot{}, fmt.Errorf("loading snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("loading snapshot: unsupported version %d", s.Version)
	}
	return s, nil
}
