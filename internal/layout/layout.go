// Package layout knows the directory structure of a run.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/iota-xfel/iota/internal/atomicfile"
)

// File names inside a run directory.
const (
	AbortFile    = "abort.tmp"   // abort requested
	AbortedFile  = "aborted.tmp" // abort confirmed by the driver
	FinishFile   = "finish.cfg"  // external batch drained
	SnapshotFile = "run.json"
	LogFile      = "iota.log"
	InputList    = "input_images.lst"
	BatchFile    = "iter_%03d.json"
	ConfigFile   = "init.json"
	SchedLogFile = "sched.log"
)

const integrationDir = "integration"

type RunPaths struct {
	Root    string
	Number  int
	Objects string // result objects written by workers
	Final   string
	Tmp     string
}

func BuildRunPaths(root string) RunPaths {
	n, _ := strconv.Atoi(filepath.Base(root))
	return RunPaths{
		Root:    root,
		Number:  n,
		Objects: filepath.Join(root, "image_objects"),
		Final:   filepath.Join(root, "final"),
		Tmp:     filepath.Join(root, "tmp"),
	}
}

func (p RunPaths) Abort() string { return filepath.Join(p.Root, AbortFile) }
func (p RunPaths) Aborted() string { return filepath.Join(p.Root, AbortedFile) }
func (p RunPaths) Finish() string { return filepath.Join(p.Root, FinishFile) }
func (p RunPaths) Snapshot() string { return filepath.Join(p.Root, SnapshotFile) }
func (p RunPaths) Log() string { return filepath.Join(p.Root, LogFile) }
func (p RunPaths) InputList() string { return filepath.Join(p.Root, InputList) }
func (p RunPaths) Batch(seq int) string { return filepath.Join(p.Tmp, fmt.Sprintf(BatchFile, seq)) }
func (p RunPaths) Config() string { return filepath.Join(p.Tmp, ConfigFile) }
func (p RunPaths) SchedLog() string { return filepath.Join(p.Root, SchedLogFile) }
func (p RunPaths) AbortRequested() bool { return atomicfile.Exists(p.Abort()) }
func (p RunPaths) AbortConfirmed() bool { return atomicfile.Exists(p.Aborted()) }
func (p RunPaths) Finished() bool { return atomicfile.Exists(p.Finish()) }

// Ensure creates the sub directories.
func (p RunPaths) Ensure() error {
	for _, dir := range []string{p.Objects, p.Final, p.Tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create run dir %s: %w", dir, err)
		}
	}
	return nil
}

// ClearSentinels removes the abort and finish markers of a previous attempt.
func (p RunPaths) ClearSentinels() error {
	var errs []error
	for _, f := range []string{p.Abort(), p.Aborted(), p.Finish()} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p RunPaths) RemoveTmp() error {
	return os.RemoveAll(p.Tmp)
}

// NewRun creates the next numbered run directory <output>/integration/NNN.
func NewRun(output string) (RunPaths, error) {
	base := filepath.Join(output, integrationDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return RunPaths{}, fmt.Errorf("create %s: %w", base, err)
	}
	for range 16 {
		next, err := nextNumber(base)
		if err != nil {
			return RunPaths{}, err
		}
		root := filepath.Join(base, fmt.Sprintf("%03d", next))
		err = os.Mkdir(root, 0o755)
		if errors.Is(err, os.ErrExist) {
			// a concurrent iota took the number
			continue
		}
		if err != nil {
			return RunPaths{}, fmt.Errorf("create run dir: %w", err)
		}
		paths := BuildRunPaths(root)
		return paths, paths.Ensure()
	}
	return RunPaths{}, fmt.Errorf("can't allocate a run number in %s", base)
}

// Open returns paths of an existing run directory.
func Open(root string) (RunPaths, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return RunPaths{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return RunPaths{}, fmt.Errorf("open run: %w", err)
	}
	if !info.IsDir() {
		return RunPaths{}, fmt.Errorf("open run: %s is not a directory", abs)
	}
	return BuildRunPaths(abs), nil
}

func nextNumber(base string) (int, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}
	last := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil {
			last = max(last, n)
		}
	}
	return last + 1, nil
}
