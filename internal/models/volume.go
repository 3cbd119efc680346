package models

import (
	"bytes"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Shape is a 3D grid size. For a Volume it is (X, Y, Z) in file order, for a
// ChannelTensor it is (D, H, W).
type Shape [3]int

// Len returns the number of voxels in the grid
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// Valid reports whether every axis is positive
func (s Shape) Valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

// Affine is the 4x4 voxel-index to physical-space transform of a volume.
// It is treated as immutable once attached to a Volume.
type Affine struct {
	m *mat.Dense
}

// NewAffine builds an affine from 16 row-major values
func NewAffine(values []float64) (Affine, error) {
	if len(values) != 16 {
		return Affine{}, fmt.Errorf("affine needs 16 values, got %d", len(values))
	}
	data := make([]float64, 16)
	copy(data, values)
	return Affine{m: mat.NewDense(4, 4, data)}, nil
}

// IdentityAffine returns the identity transform
func IdentityAffine() Affine {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return Affine{m: m}
}

// DiagonalAffine returns a scaling affine with the given voxel spacing
func DiagonalAffine(spacing [3]float64) Affine {
	a := IdentityAffine()
	for i := 0; i < 3; i++ {
		a.m.Set(i, i, spacing[i])
	}
	return a
}

// IsZero reports whether the affine was never set
func (a Affine) IsZero() bool {
	return a.m == nil
}

// At returns element (i, j). A zero Affine reads as identity.
func (a Affine) At(i, j int) float64 {
	if a.m == nil {
		if i == j {
			return 1
		}
		return 0
	}
	return a.m.At(i, j)
}

// Matrix exposes the affine as a read-only gonum matrix
func (a Affine) Matrix() mat.Matrix {
	if a.m == nil {
		return IdentityAffine().m
	}
	return a.m
}

// Values returns the 16 row-major entries
func (a Affine) Values() []float64 {
	out := make([]float64, 16)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = a.At(i, j)
		}
	}
	return out
}

// Equal reports exact element-wise equality
func (a Affine) Equal(b Affine) bool {
	return mat.Equal(a.Matrix(), b.Matrix())
}

// EqualApprox reports equality within tol, for affines that went through
// float32 header storage.
func (a Affine) EqualApprox(b Affine, tol float64) bool {
	return mat.EqualApprox(a.Matrix(), b.Matrix(), tol)
}

// Spacing returns the physical length of one step along each voxel axis
func (a Affine) Spacing() [3]float64 {
	var out [3]float64
	m := a.Matrix()
	for j := 0; j < 3; j++ {
		col := mat.Col(nil, j, m)
		out[j] = floats.Norm(col[:3], 2)
	}
	return out
}

// Header holds the on-disk format header of a volume exactly as it was read.
// The pipeline never edits it; writers derive per-file fields from it.
type Header struct {
	Raw []byte
}

// IsZero reports whether no header bytes are attached
func (h Header) IsZero() bool {
	return len(h.Raw) == 0
}

// Equal reports byte-identical headers
func (h Header) Equal(o Header) bool {
	return bytes.Equal(h.Raw, o.Raw)
}

// Volume is a 3D voxel grid with its geometry, as produced by file I/O.
type Volume struct {
	// Data is stored with X varying fastest, then Y, then Z
	Data []float64

	// Dims is (X, Y, Z)
	Dims Shape

	Affine Affine
	Header Header
}

// NewVolume allocates a zero-filled volume
func NewVolume(dims Shape, affine Affine, header Header) *Volume {
	return &Volume{
		Data:   make([]float64, dims.Len()),
		Dims:   dims,
		Affine: affine,
		Header: header,
	}
}

// Index returns the flat offset of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return x + v.Dims[0]*(y+v.Dims[1]*z)
}

// At returns the voxel value at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a voxel value at (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Clone copies the voxel data. Affine and header are shared since neither is
// ever mutated.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Data: data, Dims: v.Dims, Affine: v.Affine, Header: v.Header}
}

// AnyNonZero reports whether at least one voxel is non-zero
func (v *Volume) AnyNonZero() bool {
	for _, val := range v.Data {
		if val != 0 {
			return true
		}
	}
	return false
}

// CheckShape verifies that two volumes share a voxel grid
func (v *Volume) CheckShape(o *Volume) error {
	if v.Dims != o.Dims || len(v.Data) != len(o.Data) {
		return fmt.Errorf("%w: shape %s vs %s", ErrGeometryMismatch, v.Dims, o.Dims)
	}
	return nil
}

// CheckAligned verifies that two volumes share both grid and affine
func (v *Volume) CheckAligned(o *Volume, tol float64) error {
	if err := v.CheckShape(o); err != nil {
		return err
	}
	if !v.Affine.EqualApprox(o.Affine, tol) {
		return fmt.Errorf("%w: affines differ", ErrGeometryMismatch)
	}
	return nil
}
