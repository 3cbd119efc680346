package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelTensorAxisOrder(t *testing.T) {
	v := NewVolume(Shape{4, 3, 2}, IdentityAffine(), Header{})
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	tensor := FromVolume(v)
	assert.Equal(t, [4]int{1, 2, 4, 3}, tensor.Dims())

	// depth comes from the volume's third axis, height from the first
	for z := 0; z < 2; z++ {
		for x := 0; x < 4; x++ {
			for y := 0; y < 3; y++ {
				assert.Equal(t, v.At(x, y, z), tensor.At(z, x, y))
			}
		}
	}

	data, dims := tensor.ToVolumeData()
	assert.Equal(t, v.Dims, dims)
	assert.Equal(t, v.Data, data)
}

func TestVolumeCloneDoesNotAlias(t *testing.T) {
	v := NewVolume(Shape{2, 2, 2}, IdentityAffine(), Header{Raw: []byte{1, 2, 3}})
	c := v.Clone()
	c.Data[0] = 7

	assert.Equal(t, 0.0, v.Data[0])
	assert.True(t, c.Header.Equal(v.Header))
	assert.True(t, c.Affine.Equal(v.Affine))
}

func TestAffine(t *testing.T) {
	a := DiagonalAffine([3]float64{0.8, 0.8, 2.5})
	spacing := a.Spacing()
	assert.InDeltaSlice(t, []float64{0.8, 0.8, 2.5}, spacing[:], 1e-12)

	_, err := NewAffine([]float64{1, 2})
	require.Error(t, err)

	var zero Affine
	assert.True(t, zero.IsZero())
	assert.True(t, zero.Equal(IdentityAffine()))
}

func TestCheckAligned(t *testing.T) {
	a := NewVolume(Shape{2, 2, 2}, IdentityAffine(), Header{})
	b := NewVolume(Shape{2, 2, 3}, IdentityAffine(), Header{})
	assert.True(t, errors.Is(a.CheckAligned(b, 1e-4), ErrGeometryMismatch))

	c := NewVolume(Shape{2, 2, 2}, DiagonalAffine([3]float64{2, 2, 2}), Header{})
	assert.True(t, errors.Is(a.CheckAligned(c, 1e-4), ErrGeometryMismatch))

	d := NewVolume(Shape{2, 2, 2}, IdentityAffine(), Header{})
	assert.NoError(t, a.CheckAligned(d, 1e-4))
}

func TestBoundingBox(t *testing.T) {
	b := BoundingBox{Start: Shape{1, 2, 3}, End: Shape{4, 6, 8}}
	assert.Equal(t, Shape{3, 4, 5}, b.Size())
	assert.True(t, b.Within(Shape{4, 6, 8}))
	assert.False(t, b.Within(Shape{4, 6, 7}))
	assert.Equal(t, Shape{5, 5, 5}, FullBox(Shape{5, 5, 5}).Size())
}
