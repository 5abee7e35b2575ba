// Package resultfile defines where workers put result objects and how they
// are encoded on disk.
package resultfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/model"
)

// Ext is the extension of every result object.
const Ext = ".result"

var validate = validator.New()

// Name derives the file name from the item identity:
// <ordinal as 6 digits>_<source stem>.result.
func Name(item model.WorkItem) string {
	stem := strings.TrimSuffix(filepath.Base(item.Payload.Source), filepath.Ext(item.Payload.Source))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		stem = "item"
	}
	return fmt.Sprintf("%06d_%s%s", item.Ordinal, stem, Ext)
}

func Path(dir string, item model.WorkItem) string {
	return filepath.Join(dir, Name(item))
}

// Ordinal parses the ordinal from a result file name. It returns false for
// names which don't follow the convention.
func Ordinal(name string) (int, bool) {
	name = filepath.Base(name)
	if !strings.HasSuffix(name, Ext) || strings.HasPrefix(name, ".") {
		return 0, false
	}
	num, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Write stores r for item in dir. The result format, ordinal and source
// path are taken from the item, whatever the worker reported.
func Write(dir string, item model.WorkItem, r model.Result) (string, error) {
	r.Format = model.ResultFormat
	r.Ordinal = item.Ordinal
	if item.Payload.Source != "" {
		r.SourcePath = item.Payload.Source
	}
	if err := validate.Struct(r); err != nil {
		return "", fmt.Errorf("result %d: %w", item.Ordinal, err)
	}
	path := Path(dir, item)
	if err := atomicfile.WriteJSON(path, r); err != nil {
		return "", fmt.Errorf("result %d: %w", item.Ordinal, err)
	}
	return path, nil
}

func Read(path string) (model.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Result{}, err
	}
	r, err := Decode(data)
	if err != nil {
		return model.Result{}, fmt.Errorf("%s: %w", path, err)
	}
	r.ObjectPath = path
	return r, nil
}

// Decode parses and validates a result object.
func Decode(data []byte) (model.Result, error) {
	var probe struct {
		Format string `json:"format"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return model.Result{}, fmt.Errorf("decode result: %w", err)
	}
	if probe.Format != model.ResultFormat {
		return model.Result{}, fmt.Errorf("%w: %q", model.ErrUnsupportedFormat, probe.Format)
	}

	var r model.Result
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&r); err != nil {
		return model.Result{}, fmt.Errorf("decode result: %w", err)
	}
	if err := validate.Struct(r); err != nil {
		return model.Result{}, fmt.Errorf("invalid result: %w", err)
	}
	return r, nil
}
