package suppress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctorganprep/internal/models"
)

func TestSuppress(t *testing.T) {
	dims := models.Shape{4, 3, 2}
	image := models.NewVolume(dims, models.IdentityAffine(), models.Header{Raw: []byte("hdr")})
	mask := models.NewVolume(dims, models.IdentityAffine(), models.Header{})
	for i := range image.Data {
		image.Data[i] = float64(i*10) - 50
		if i%5 == 1 {
			mask.Data[i] = 1
		}
	}
	// the minimum sits under the mask: suppression must still use it
	mask.Data[0] = 1
	original := image.Clone()

	out, err := Suppress(image, mask)
	require.NoError(t, err)

	for i := range out.Data {
		if mask.Data[i] == 1 {
			assert.Equal(t, -50.0, out.Data[i])
		} else {
			assert.Equal(t, original.Data[i], out.Data[i])
		}
	}
	assert.Equal(t, original.Data, image.Data, "input must not be modified")
	assert.True(t, out.Header.Equal(image.Header))
	assert.True(t, out.Affine.Equal(image.Affine))
}

func TestSuppressEmptyMaskIsCopy(t *testing.T) {
	dims := models.Shape{2, 2, 2}
	image := models.NewVolume(dims, models.IdentityAffine(), models.Header{})
	image.Data[3] = 9
	out, err := Suppress(image, models.NewVolume(dims, models.IdentityAffine(), models.Header{}))
	require.NoError(t, err)
	assert.Equal(t, image.Data, out.Data)

	out.Data[3] = 0
	assert.Equal(t, 9.0, image.Data[3])
}

func TestSuppressShapeMismatch(t *testing.T) {
	a := models.NewVolume(models.Shape{2, 2, 2}, models.IdentityAffine(), models.Header{})
	b := models.NewVolume(models.Shape{2, 2, 1}, models.IdentityAffine(), models.Header{})
	_, err := Suppress(a, b)
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)

	_, err = Suppress(nil, b)
	assert.ErrorIs(t, err, models.ErrPrecondition)
}
