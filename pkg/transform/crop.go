package transform

import (
	"fmt"

	"ctorganprep/internal/models"
)

// ForegroundBox returns the tight half-open box around every voxel > 0. ok is
// false when there is no such voxel.
func ForegroundBox(t *models.ChannelTensor) (box models.BoundingBox, ok bool) {
	lo := t.Shape
	var hi models.Shape
	for d := 0; d < t.Shape[0]; d++ {
		for h := 0; h < t.Shape[1]; h++ {
			row := t.Index(d, h, 0)
			for w := 0; w < t.Shape[2]; w++ {
				if t.Data[row+w] <= 0 {
					continue
				}
				ok = true
				idx := [3]int{d, h, w}
				for a := 0; a < 3; a++ {
					if idx[a] < lo[a] {
						lo[a] = idx[a]
					}
					if idx[a]+1 > hi[a] {
						hi[a] = idx[a] + 1
					}
				}
			}
		}
	}
	if !ok {
		return models.BoundingBox{}, false
	}
	return models.BoundingBox{Start: lo, End: hi}, true
}

// Crop copies the region inside box into a new tensor
func Crop(t *models.ChannelTensor, box models.BoundingBox) (*models.ChannelTensor, error) {
	if !box.Within(t.Shape) {
		return nil, fmt.Errorf("%w: crop box %v outside grid %s", models.ErrGeometryMismatch, box, t.Shape)
	}
	size := box.Size()
	out := models.NewChannelTensor(size)
	for d := 0; d < size[0]; d++ {
		for h := 0; h < size[1]; h++ {
			src := t.Index(box.Start[0]+d, box.Start[1]+h, box.Start[2])
			copy(out.Data[out.Index(d, h, 0):out.Index(d, h, 0)+size[2]], t.Data[src:src+size[2]])
		}
	}
	return out, nil
}

// Pad places t at box.Start inside a zero tensor of shape full. It inverts
// Crop for the same box.
func Pad(t *models.ChannelTensor, box models.BoundingBox, full models.Shape) (*models.ChannelTensor, error) {
	if !box.Within(full) || box.Size() != t.Shape {
		return nil, fmt.Errorf("%w: cannot place %s at %v inside %s", models.ErrGeometryMismatch, t.Shape, box, full)
	}
	out := models.NewChannelTensor(full)
	size := t.Shape
	for d := 0; d < size[0]; d++ {
		for h := 0; h < size[1]; h++ {
			dst := out.Index(box.Start[0]+d, box.Start[1]+h, box.Start[2])
			src := t.Index(d, h, 0)
			copy(out.Data[dst:dst+size[2]], t.Data[src:src+size[2]])
		}
	}
	return out, nil
}
