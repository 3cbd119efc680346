package caseload

import (
	"fmt"

	"ctorganprep/internal/models"
)

// Composites maps a composite organ name to the unilateral masks it is built
// from. Names not in the map stand for themselves.
type Composites map[string][]string

// DefaultComposites covers the paired organs of the abdominal label set
func DefaultComposites() Composites {
	return Composites{
		"kidneys": {"kidney_left", "kidney_right"},
	}
}

// Constituents returns the mask names that make up organ
func (c Composites) Constituents(organ string) []string {
	if parts, ok := c[organ]; ok && len(parts) > 0 {
		return parts
	}
	return []string{organ}
}

// Validate rejects empty or self-referencing entries
func (c Composites) Validate() error {
	for name, parts := range c {
		if len(parts) == 0 {
			return fmt.Errorf("composite organ %q has no constituents", name)
		}
		for _, p := range parts {
			if p == name || p == "" {
				return fmt.Errorf("composite organ %q has invalid constituent %q", name, p)
			}
		}
	}
	return nil
}

// MergeMasks combines co-registered masks by voxel-wise maximum. The first
// mask's affine and header are kept.
func MergeMasks(masks ...*models.Volume) (*models.Volume, error) {
	if len(masks) == 0 {
		return nil, fmt.Errorf("%w: no masks to merge", models.ErrPrecondition)
	}
	out := masks[0].Clone()
	for _, m := range masks[1:] {
		if err := out.CheckShape(m); err != nil {
			return nil, fmt.Errorf("merging masks: %w", err)
		}
		for i, v := range m.Data {
			if v > out.Data[i] {
				out.Data[i] = v
			}
		}
	}
	return out, nil
}
