package transform

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctorganprep/internal/models"
)

// centredCube returns a tensor of the given shape holding value inside a
// centred cube of the given size and zero elsewhere.
func centredCube(shape, size models.Shape, value float64) *models.ChannelTensor {
	t := models.NewChannelTensor(shape)
	var start models.Shape
	for a := 0; a < 3; a++ {
		start[a] = (shape[a] - size[a]) / 2
	}
	for d := start[0]; d < start[0]+size[0]; d++ {
		for h := start[1]; h < start[1]+size[1]; h++ {
			for w := start[2]; w < start[2]+size[2]; w++ {
				t.Set(d, h, w, value)
			}
		}
	}
	return t
}

func newTestPipeline(t *testing.T, mutate func(*Params)) *Pipeline {
	params := DefaultParams()
	params.NumCores = 4
	if mutate != nil {
		mutate(&params)
	}
	p, err := New(params)
	require.NoError(t, err)
	return p
}

func TestForwardInverseCentredCube(t *testing.T) {
	shape := models.Shape{64, 128, 128}
	image := centredCube(shape, models.Shape{32, 64, 64}, 1.0)
	mask := centredCube(shape, models.Shape{16, 32, 32}, 1.0)
	p := newTestPipeline(t, nil)

	res, err := p.Forward(context.Background(), image, mask)
	require.NoError(t, err)

	// the crop follows the image's foreground, not the mask's
	assert.Equal(t, models.BoundingBox{
		Start: models.Shape{16, 32, 32},
		End:   models.Shape{48, 96, 96},
	}, res.State.Box)
	assert.False(t, res.State.FallbackCrop)
	assert.Equal(t, models.Shape{32, 256, 256}, res.Image.Shape)
	assert.Equal(t, models.Shape{32, 256, 256}, res.Mask.Shape)
	assert.Equal(t, [3]float64{1, 4, 4}, res.State.Scale)

	for _, v := range res.Mask.Data {
		require.True(t, v == 0 || v == 1)
	}

	inverted, err := p.Inverse(context.Background(), res.State, res.Mask)
	require.NoError(t, err)
	require.Equal(t, shape, inverted.Shape)

	agree := 0
	for i := range mask.Data {
		if mask.Data[i] == inverted.Data[i] {
			agree++
		}
	}
	assert.Greater(t, float64(agree)/float64(len(mask.Data)), 0.99)
}

func TestForwardDoesNotMutateInputs(t *testing.T) {
	shape := models.Shape{8, 12, 10}
	image := centredCube(shape, models.Shape{4, 6, 6}, 300)
	mask := centredCube(shape, models.Shape{2, 2, 2}, 1)
	imageBefore, maskBefore := image.Clone(), mask.Clone()

	p := newTestPipeline(t, func(p *Params) { p.TargetShape = models.Shape{4, 16, 16} })
	_, err := p.Forward(context.Background(), image, mask)
	require.NoError(t, err)

	assert.Equal(t, imageBefore.Data, image.Data)
	assert.Equal(t, maskBefore.Data, mask.Data)
}

func TestForwardReportsProgress(t *testing.T) {
	var mu sync.Mutex
	totals := map[int]int{}
	params := DefaultParams()
	params.TargetShape = models.Shape{4, 8, 8}
	params.NumCores = 2
	p, err := New(params, WithProgress(func(completed, total int) {
		mu.Lock()
		defer mu.Unlock()
		totals[total] = max(totals[total], completed)
	}))
	require.NoError(t, err)

	shape := models.Shape{6, 10, 10}
	_, err = p.Forward(context.Background(), centredCube(shape, models.Shape{4, 6, 6}, 300), centredCube(shape, models.Shape{2, 2, 2}, 1))
	require.NoError(t, err)
	assert.Equal(t, map[int]int{4: 4}, totals, "every target plane of the image and mask resize is reported")
}

func TestRoundTripShapeIrregularGrid(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, shape := range []models.Shape{{13, 27, 19}, {40, 9, 33}, {5, 5, 5}} {
		image := models.NewChannelTensor(shape)
		mask := models.NewChannelTensor(shape)
		for i := range image.Data {
			image.Data[i] = rng.NormFloat64()*200 - 100
			if rng.IntN(4) == 0 {
				mask.Data[i] = 1
			}
		}
		p := newTestPipeline(t, func(p *Params) { p.TargetShape = models.Shape{8, 32, 32} })

		res, err := p.Forward(context.Background(), image, mask)
		require.NoError(t, err)

		predicted := models.NewChannelTensor(res.State.TargetShape)
		inverted, err := p.Inverse(context.Background(), res.State, predicted)
		require.NoError(t, err)
		assert.Equal(t, shape, inverted.Shape)
	}
}

func TestInverseRequiresForwardState(t *testing.T) {
	p := newTestPipeline(t, nil)
	_, err := p.Inverse(context.Background(), State{}, models.NewChannelTensor(models.Shape{32, 256, 256}))
	assert.ErrorIs(t, err, models.ErrPrecondition)
}

func TestInverseRejectsWrongPredictionShape(t *testing.T) {
	shape := models.Shape{6, 6, 6}
	p := newTestPipeline(t, func(p *Params) { p.TargetShape = models.Shape{4, 4, 4} })
	res, err := p.Forward(context.Background(), centredCube(shape, models.Shape{4, 4, 4}, 5), models.NewChannelTensor(shape))
	require.NoError(t, err)

	_, err = p.Inverse(context.Background(), res.State, models.NewChannelTensor(models.Shape{4, 4, 5}))
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)
}

func TestForwardRejectsMismatchedPair(t *testing.T) {
	p := newTestPipeline(t, nil)
	_, err := p.Forward(context.Background(),
		models.NewChannelTensor(models.Shape{4, 4, 4}),
		models.NewChannelTensor(models.Shape{4, 4, 5}))
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)

	_, err = p.Forward(context.Background(), nil, models.NewChannelTensor(models.Shape{4, 4, 4}))
	assert.ErrorIs(t, err, models.ErrPrecondition)
}

func TestEmptyForegroundPolicies(t *testing.T) {
	shape := models.Shape{4, 6, 6}
	blank := models.NewChannelTensor(shape)
	mask := models.NewChannelTensor(shape)

	t.Run("full extent", func(t *testing.T) {
		p := newTestPipeline(t, func(p *Params) { p.TargetShape = models.Shape{2, 3, 3} })
		res, err := p.Forward(context.Background(), blank, mask)
		require.NoError(t, err)
		assert.True(t, res.State.FallbackCrop)
		assert.Equal(t, models.FullBox(shape), res.State.Box)

		inverted, err := p.Inverse(context.Background(), res.State, res.Mask)
		require.NoError(t, err)
		assert.Equal(t, shape, inverted.Shape)
	})

	t.Run("error", func(t *testing.T) {
		p := newTestPipeline(t, func(p *Params) { p.EmptyForeground = FailOnEmpty })
		_, err := p.Forward(context.Background(), blank, mask)
		assert.ErrorIs(t, err, models.ErrEmptyForeground)
	})
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero target", func(p *Params) { p.TargetShape = models.Shape{0, 256, 256} }},
		{"inverted window", func(p *Params) { p.LowerPercentile, p.UpperPercentile = 90, 10 }},
		{"upper above 100", func(p *Params) { p.UpperPercentile = 101 }},
		{"unknown policy", func(p *Params) { p.EmptyForeground = "skip" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultParams()
			tt.mutate(&params)
			_, err := New(params)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, DefaultParams().Validate())
}
