// Package suppress derives the organ-hidden variant of a CT image used as an
// alternate model input.
package suppress

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"ctorganprep/internal/models"
)

// Suppress returns a copy of image where every voxel with mask value 1 holds
// the minimum intensity of the original image. Neither input is modified.
func Suppress(image, mask *models.Volume) (*models.Volume, error) {
	if image == nil || mask == nil || len(image.Data) == 0 {
		return nil, fmt.Errorf("%w: suppression needs an image and a mask", models.ErrPrecondition)
	}
	if err := image.CheckShape(mask); err != nil {
		return nil, err
	}

	floor := floats.Min(image.Data)
	out := image.Clone()
	for i, m := range mask.Data {
		if m == 1 {
			out.Data[i] = floor
		}
	}
	return out, nil
}
