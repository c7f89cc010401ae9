package bounds

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// FileName is the name of the persisted bounds file inside a seed directory.
const FileName = "action_min_max.bin"

// Save writes the bounds to path as two binary-encoded vectors (min, then max).
// Bounds are immutable once written: Save fails if path already exists.
func Save(path string, b ActionBounds) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid bounds: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create bounds directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".bounds-*")
	if err != nil {
		return fmt.Errorf("failed to create temp bounds file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if _, err := mat.NewVecDense(b.Dim(), b.Min).MarshalBinaryTo(w); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode min bounds: %w", err)
	}
	if _, err := mat.NewVecDense(b.Dim(), b.Max).MarshalBinaryTo(w); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode max bounds: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write bounds: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close bounds file: %w", err)
	}

	// Link fails if path exists, which keeps an earlier run's bounds intact.
	if err := os.Link(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to publish bounds file: %w", err)
	}
	return nil
}

// Load reads bounds previously written by Save.
func Load(path string) (ActionBounds, error) {
	f, err := os.Open(path)
	if err != nil {
		return ActionBounds{}, fmt.Errorf("failed to open bounds file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var lo, hi mat.VecDense
	if _, err := lo.UnmarshalBinaryFrom(r); err != nil {
		return ActionBounds{}, fmt.Errorf("failed to decode min bounds: %w", err)
	}
	if _, err := hi.UnmarshalBinaryFrom(r); err != nil {
		return ActionBounds{}, fmt.Errorf("failed to decode max bounds: %w", err)
	}

	b := ActionBounds{
		Min: mat.Col(nil, 0, &lo),
		Max: mat.Col(nil, 0, &hi),
	}
	if err := b.Validate(); err != nil {
		return ActionBounds{}, fmt.Errorf("bounds file %s is corrupt: %w", path, err)
	}
	return b, nil
}
