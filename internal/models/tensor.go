package models

import "fmt"

// ChannelTensor is a single-channel volume laid out as (1, D, H, W) with W
// varying fastest. D is the volume's third axis, H its first and W its second.
// Masks use the same type with 0/1 values.
type ChannelTensor struct {
	Data  []float64
	Shape Shape
}

// NewChannelTensor allocates a zero-filled tensor of shape (1, D, H, W)
func NewChannelTensor(shape Shape) *ChannelTensor {
	return &ChannelTensor{
		Data:  make([]float64, shape.Len()),
		Shape: shape,
	}
}

// Dims returns the full (C, D, H, W) shape
func (t *ChannelTensor) Dims() [4]int {
	return [4]int{1, t.Shape[0], t.Shape[1], t.Shape[2]}
}

// Index returns the flat offset of element (d, h, w)
func (t *ChannelTensor) Index(d, h, w int) int {
	return (d*t.Shape[1]+h)*t.Shape[2] + w
}

// At returns element (d, h, w)
func (t *ChannelTensor) At(d, h, w int) float64 {
	return t.Data[t.Index(d, h, w)]
}

// Set stores element (d, h, w)
func (t *ChannelTensor) Set(d, h, w int, value float64) {
	t.Data[t.Index(d, h, w)] = value
}

// Empty reports a nil or zero-sized tensor
func (t *ChannelTensor) Empty() bool {
	return t == nil || len(t.Data) == 0
}

// Clone returns a deep copy
func (t *ChannelTensor) Clone() *ChannelTensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &ChannelTensor{Data: data, Shape: t.Shape}
}

// CheckShape verifies two tensors share a grid
func (t *ChannelTensor) CheckShape(o *ChannelTensor) error {
	if t.Shape != o.Shape || len(t.Data) != len(o.Data) {
		return fmt.Errorf("%w: tensor shape %s vs %s", ErrGeometryMismatch, t.Shape, o.Shape)
	}
	return nil
}

// FromVolume moves the volume's last axis first: (X, Y, Z) becomes
// (1, Z, X, Y).
func FromVolume(v *Volume) *ChannelTensor {
	nx, ny, nz := v.Dims[0], v.Dims[1], v.Dims[2]
	t := NewChannelTensor(Shape{nz, nx, ny})
	for z := 0; z < nz; z++ {
		for x := 0; x < nx; x++ {
			row := t.Index(z, x, 0)
			for y := 0; y < ny; y++ {
				t.Data[row+y] = v.Data[x+nx*(y+ny*z)]
			}
		}
	}
	return t
}

// ToVolumeData strips the channel axis and moves depth last, the exact
// inverse of FromVolume. It returns voxel data in volume order and its
// (X, Y, Z) dims.
func (t *ChannelTensor) ToVolumeData() ([]float64, Shape) {
	nz, nx, ny := t.Shape[0], t.Shape[1], t.Shape[2]
	dims := Shape{nx, ny, nz}
	data := make([]float64, dims.Len())
	for z := 0; z < nz; z++ {
		for x := 0; x < nx; x++ {
			row := t.Index(z, x, 0)
			for y := 0; y < ny; y++ {
				data[x+nx*(y+ny*z)] = t.Data[row+y]
			}
		}
	}
	return data, dims
}

// ToVolume wraps ToVolumeData with the given geometry
func (t *ChannelTensor) ToVolume(affine Affine, header Header) *Volume {
	data, dims := t.ToVolumeData()
	return &Volume{Data: data, Dims: dims, Affine: affine, Header: header}
}

// BoundingBox is a half-open box [Start, End) over a tensor's (D, H, W) axes.
type BoundingBox struct {
	Start Shape
	End   Shape
}

// FullBox covers the whole grid
func FullBox(s Shape) BoundingBox {
	return BoundingBox{End: s}
}

// Size returns the extent along each axis
func (b BoundingBox) Size() Shape {
	return Shape{b.End[0] - b.Start[0], b.End[1] - b.Start[1], b.End[2] - b.Start[2]}
}

// Within reports whether the box is non-empty and fits inside s
func (b BoundingBox) Within(s Shape) bool {
	for i := 0; i < 3; i++ {
		if b.Start[i] < 0 || b.End[i] > s[i] || b.Start[i] >= b.End[i] {
			return false
		}
	}
	return true
}
