// Package interpolation resizes single-channel 3D tensors onto an arbitrary
// target grid with trilinear or nearest-neighbour sampling.
package interpolation

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"ctorganprep/internal/models"
)

// Mode selects the sampling strategy
type Mode int

const (
	// Nearest copies the closest source voxel; output values are a subset of
	// input values, so binary masks stay binary.
	Nearest Mode = iota

	// Trilinear blends the eight surrounding voxels using half-pixel
	// centres (align_corners=false).
	Trilinear
)

func (m Mode) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Trilinear:
		return "trilinear"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ProgressCallback reports how many output depth planes are finished
type ProgressCallback func(completed, total int)

// Resampler computes output depth planes in parallel. It holds no per-call
// state and may be shared.
type Resampler struct {
	numCores int
	progress ProgressCallback
}

// NewResampler creates a resampler using up to numCores goroutines. Values
// below one mean all available CPUs.
func NewResampler(numCores int) *Resampler {
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}
	return &Resampler{numCores: numCores}
}

// SetProgressCallback installs a callback invoked after each finished plane
func (r *Resampler) SetProgressCallback(cb ProgressCallback) {
	r.progress = cb
}

// Scale returns the per-axis factor target/source
func Scale(src, target models.Shape) [3]float64 {
	var s [3]float64
	for i := 0; i < 3; i++ {
		s[i] = float64(target[i]) / float64(src[i])
	}
	return s
}

// Resize returns a new tensor of the target shape. src is not modified.
func (r *Resampler) Resize(ctx context.Context, src *models.ChannelTensor, target models.Shape, mode Mode) (*models.ChannelTensor, error) {
	if src.Empty() || !src.Shape.Valid() {
		return nil, fmt.Errorf("%w: cannot resize empty tensor", models.ErrPrecondition)
	}
	if !target.Valid() {
		return nil, fmt.Errorf("invalid target shape %s", target)
	}
	if src.Shape == target {
		return src.Clone(), nil
	}

	out := models.NewChannelTensor(target)
	var plane func(d int)

	switch mode {
	case Nearest:
		idxD := nearestIndices(src.Shape[0], target[0])
		idxH := nearestIndices(src.Shape[1], target[1])
		idxW := nearestIndices(src.Shape[2], target[2])
		plane = func(d int) {
			for h := 0; h < target[1]; h++ {
				row := out.Index(d, h, 0)
				srcRow := src.Index(idxD[d], idxH[h], 0)
				for w := 0; w < target[2]; w++ {
					out.Data[row+w] = src.Data[srcRow+idxW[w]]
				}
			}
		}
	case Trilinear:
		wd := linearWeights(src.Shape[0], target[0])
		wh := linearWeights(src.Shape[1], target[1])
		ww := linearWeights(src.Shape[2], target[2])
		plane = func(d int) {
			d0, d1, ld := wd.lo[d], wd.hi[d], wd.frac[d]
			for h := 0; h < target[1]; h++ {
				h0, h1, lh := wh.lo[h], wh.hi[h], wh.frac[h]
				row := out.Index(d, h, 0)
				r00 := src.Index(d0, h0, 0)
				r01 := src.Index(d0, h1, 0)
				r10 := src.Index(d1, h0, 0)
				r11 := src.Index(d1, h1, 0)
				for w := 0; w < target[2]; w++ {
					w0, w1, lw := ww.lo[w], ww.hi[w], ww.frac[w]
					c00 := lerp(src.Data[r00+w0], src.Data[r00+w1], lw)
					c01 := lerp(src.Data[r01+w0], src.Data[r01+w1], lw)
					c10 := lerp(src.Data[r10+w0], src.Data[r10+w1], lw)
					c11 := lerp(src.Data[r11+w0], src.Data[r11+w1], lw)
					out.Data[row+w] = lerp(lerp(c00, c01, lh), lerp(c10, c11, lh), ld)
				}
			}
		}
	default:
		return nil, fmt.Errorf("unsupported interpolation mode %s", mode)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.numCores)
	var completed atomic.Int64
	for d := 0; d < target[0]; d++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			plane(d)
			if r.progress != nil {
				r.progress(int(completed.Add(1)), target[0])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resize to %s interrupted: %w", target, err)
	}
	return out, nil
}

// nearestIndices maps every output index to floor(i * in / out)
func nearestIndices(in, out int) []int {
	idx := make([]int, out)
	scale := float64(in) / float64(out)
	for i := range idx {
		s := int(math.Floor(float64(i) * scale))
		if s > in-1 {
			s = in - 1
		}
		idx[i] = s
	}
	return idx
}

type axisWeights struct {
	lo, hi []int
	frac   []float64
}

// linearWeights uses half-pixel centres: src = (i + 0.5) * in/out - 0.5,
// clamped to the valid range.
func linearWeights(in, out int) axisWeights {
	aw := axisWeights{
		lo:   make([]int, out),
		hi:   make([]int, out),
		frac: make([]float64, out),
	}
	scale := float64(in) / float64(out)
	for i := 0; i < out; i++ {
		src := (float64(i)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		lo := int(math.Floor(src))
		if lo > in-1 {
			lo = in - 1
		}
		hi := lo + 1
		if hi > in-1 {
			hi = in - 1
		}
		aw.lo[i] = lo
		aw.hi[i] = hi
		aw.frac[i] = src - float64(lo)
		if hi == lo {
			aw.frac[i] = 0
		}
	}
	return aw
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
