// Package quality scores how well a mask survives a forward/inverse round
// trip, or how close a prediction is to its reference.
package quality

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"ctorganprep/internal/models"
)

// Metrics holds the comparison of a reference mask against a candidate
type Metrics struct {
	// Dice is the overlap coefficient of the foreground (> 0.5) voxels. Two
	// empty masks score 1.
	Dice float64

	// Agreement is the fraction of voxels with identical binary labels
	Agreement float64

	// RMSE is the root mean square difference of the raw values
	RMSE float64

	// SSIM is the global structural similarity of the raw values, assuming a
	// dynamic range of 1
	SSIM float64
}

// Compare scores candidate against reference. Both must have the same length.
func Compare(reference, candidate []float64) (Metrics, error) {
	if len(reference) != len(candidate) {
		return Metrics{}, fmt.Errorf("%w: %d voxels vs %d",
			models.ErrGeometryMismatch, len(reference), len(candidate))
	}
	if len(reference) == 0 {
		return Metrics{}, fmt.Errorf("%w: nothing to compare", models.ErrPrecondition)
	}
	return Metrics{
		Dice:      Dice(reference, candidate),
		Agreement: Agreement(reference, candidate),
		RMSE:      RMSE(reference, candidate),
		SSIM:      SSIM(reference, candidate),
	}, nil
}

// CompareTensors is Compare for two tensors of the same shape
func CompareTensors(reference, candidate *models.ChannelTensor) (Metrics, error) {
	if reference.Empty() || candidate.Empty() {
		return Metrics{}, fmt.Errorf("%w: nothing to compare", models.ErrPrecondition)
	}
	if err := reference.CheckShape(candidate); err != nil {
		return Metrics{}, err
	}
	return Compare(reference.Data, candidate.Data)
}

func isSet(v float64) bool {
	return v > 0.5
}

// Dice computes 2|A∩B| / (|A|+|B|) over binarized inputs
func Dice(a, b []float64) float64 {
	var inter, total int
	for i := range a {
		sa, sb := isSet(a[i]), isSet(b[i])
		if sa {
			total++
		}
		if sb {
			total++
		}
		if sa && sb {
			inter++
		}
	}
	if total == 0 {
		return 1
	}
	return 2 * float64(inter) / float64(total)
}

// Agreement is the fraction of voxels whose binarized labels match
func Agreement(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	same := 0
	for i := range a {
		if isSet(a[i]) == isSet(b[i]) {
			same++
		}
	}
	return float64(same) / float64(len(a))
}

// RMSE computes the root mean square error
func RMSE(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n == 0 {
		return 0
	}
	mse := 0.0
	for i := 0; i < n; i++ {
		diff := a[i] - b[i]
		mse += diff * diff
	}
	return math.Sqrt(mse / float64(n))
}

// SSIM computes a single-window structural similarity index
func SSIM(a, b []float64) float64 {
	const k1, k2 = 0.01, 0.03
	c1 := k1 * k1
	c2 := k2 * k2

	n := len(a)
	if n != len(b) || n < 2 {
		return 0
	}

	muX := stat.Mean(a, nil)
	muY := stat.Mean(b, nil)
	sigmaX := stat.Variance(a, nil)
	sigmaY := stat.Variance(b, nil)
	sigmaXY := stat.Covariance(a, b, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// Summary averages metrics over a batch of cases
type Summary struct {
	Cases         int
	MeanDice      float64
	MinDice       float64
	MeanAgreement float64
	MeanRMSE      float64
}

// Summarize aggregates per-case metrics
func Summarize(all []Metrics) Summary {
	if len(all) == 0 {
		return Summary{}
	}
	dice := make([]float64, len(all))
	agreement := make([]float64, len(all))
	rmse := make([]float64, len(all))
	minDice := math.Inf(1)
	for i, m := range all {
		dice[i] = m.Dice
		agreement[i] = m.Agreement
		rmse[i] = m.RMSE
		minDice = math.Min(minDice, m.Dice)
	}
	return Summary{
		Cases:         len(all),
		MeanDice:      stat.Mean(dice, nil),
		MinDice:       minDice,
		MeanAgreement: stat.Mean(agreement, nil),
		MeanRMSE:      stat.Mean(rmse, nil),
	}
}
