package transform

import (
	"fmt"
	"math"
	"sort"

	"ctorganprep/internal/models"
)

// Percentiles returns the requested percentiles (0-100) of data. The rank
// h = (n-1)*p/100 is interpolated linearly between its neighbouring order
// statistics, as numpy's default "linear" method does.
func Percentiles(data []float64, ps ...float64) ([]float64, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: percentile of empty data", models.ErrPrecondition)
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	out := make([]float64, len(ps))
	for i, p := range ps {
		if p < 0 || p > 100 {
			return nil, fmt.Errorf("percentile %v out of range [0, 100]", p)
		}
		out[i] = linearRank(sorted, p)
	}
	return out, nil
}

func linearRank(sorted []float64, p float64) float64 {
	h := float64(len(sorted)-1) * p / 100
	lo, hi := int(math.Floor(h)), int(math.Ceil(h))
	if lo == hi {
		return sorted[lo]
	}
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// NormalizeIntensity maps the lower percentile to 0 and the upper to 1,
// clipping everything outside. When both percentiles coincide the values are
// only shifted by the lower bound before clipping.
func NormalizeIntensity(t *models.ChannelTensor, lower, upper float64) (*models.ChannelTensor, error) {
	bounds, err := Percentiles(t.Data, lower, upper)
	if err != nil {
		return nil, err
	}
	lo, hi := bounds[0], bounds[1]

	out := models.NewChannelTensor(t.Shape)
	scale := 1.0
	if hi != lo {
		scale = 1 / (hi - lo)
	}
	for i, v := range t.Data {
		out.Data[i] = clip01((v - lo) * scale)
	}
	return out, nil
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
