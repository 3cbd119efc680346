// Package transform implements the invertible geometry pipeline applied to a
// CT image and its organ mask before they are handed to a model:
//
//  1. intensity normalization of the image to [0, 1] between two percentiles
//  2. a joint crop of image and mask to the image's non-zero bounding box
//  3. a joint resize to a fixed grid, trilinear for the image and nearest for
//     the mask
//
// Forward returns the transformed pair together with a State that Inverse
// needs to map a prediction on the fixed grid back onto the original grid.
package transform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"ctorganprep/internal/models"
	"ctorganprep/pkg/interpolation"
)

// EmptyForegroundPolicy decides what the crop stage does when the normalized
// image has no voxel above zero.
type EmptyForegroundPolicy string

const (
	// KeepFullExtent skips the crop and marks the State as a fallback crop
	KeepFullExtent EmptyForegroundPolicy = "full"

	// FailOnEmpty returns models.ErrEmptyForeground
	FailOnEmpty EmptyForegroundPolicy = "error"
)

// Params holds the pipeline configuration
type Params struct {
	// TargetShape is the (D, H, W) grid every case is resized to
	TargetShape models.Shape

	// LowerPercentile and UpperPercentile (0-100) bound the intensity window
	LowerPercentile float64
	UpperPercentile float64

	EmptyForeground EmptyForegroundPolicy

	// NumCores bounds the goroutines used per resize; <1 means all CPUs
	NumCores int
}

// DefaultParams returns the 0.5/99.5 percentile window and a 32x256x256 grid
func DefaultParams() Params {
	return Params{
		TargetShape:     models.Shape{32, 256, 256},
		LowerPercentile: 0.5,
		UpperPercentile: 99.5,
		EmptyForeground: KeepFullExtent,
	}
}

// Validate rejects unusable parameters
func (p Params) Validate() error {
	if !p.TargetShape.Valid() {
		return fmt.Errorf("invalid target shape %s", p.TargetShape)
	}
	if p.LowerPercentile < 0 || p.UpperPercentile > 100 || p.LowerPercentile >= p.UpperPercentile {
		return fmt.Errorf("invalid percentile window [%v, %v]", p.LowerPercentile, p.UpperPercentile)
	}
	switch p.EmptyForeground {
	case KeepFullExtent, FailOnEmpty:
	default:
		return fmt.Errorf("unknown empty foreground policy %q", p.EmptyForeground)
	}
	return nil
}

// State records what Forward did to the grid. The zero value is not a valid
// state; only states returned by Forward may be passed to Inverse.
type State struct {
	// OriginalShape is the (D, H, W) grid before cropping
	OriginalShape models.Shape

	// Box is the crop region inside OriginalShape
	Box models.BoundingBox

	// TargetShape is the grid after resizing
	TargetShape models.Shape

	// Scale is TargetShape / Box.Size() per axis
	Scale [3]float64

	// FallbackCrop is set when the image had no foreground and the full
	// extent was kept
	FallbackCrop bool

	valid bool
}

// Valid reports whether the state came from a forward pass
func (s State) Valid() bool {
	return s.valid
}

// CroppedShape is the grid between the crop and resize stages
func (s State) CroppedShape() models.Shape {
	return s.Box.Size()
}

// Result is the output of one forward pass
type Result struct {
	Image *models.ChannelTensor
	Mask  *models.ChannelTensor
	State State
}

// Pipeline applies the forward and inverse transforms. It keeps no per-case
// state, so one Pipeline can serve any number of cases.
type Pipeline struct {
	params    Params
	resampler *interpolation.Resampler
	logger    *slog.Logger
}

type Option func(*Pipeline)

// WithLogger sets the logger used for stage timings and fallbacks
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithProgress reports finished output planes of every resize
func WithProgress(cb interpolation.ProgressCallback) Option {
	return func(p *Pipeline) {
		p.resampler.SetProgressCallback(cb)
	}
}

// New validates params and builds a pipeline
func New(params Params, opts ...Option) (*Pipeline, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		params:    params,
		resampler: interpolation.NewResampler(params.NumCores),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Forward normalizes, crops and resizes an image/mask pair. Neither input is
// modified.
func (p *Pipeline) Forward(ctx context.Context, image, mask *models.ChannelTensor) (*Result, error) {
	if image.Empty() || mask.Empty() {
		return nil, fmt.Errorf("%w: forward needs both image and mask", models.ErrPrecondition)
	}
	if err := image.CheckShape(mask); err != nil {
		return nil, err
	}
	start := time.Now()

	normalized, err := NormalizeIntensity(image, p.params.LowerPercentile, p.params.UpperPercentile)
	if err != nil {
		return nil, fmt.Errorf("intensity normalization: %w", err)
	}

	state := State{OriginalShape: image.Shape, TargetShape: p.params.TargetShape}
	box, ok := ForegroundBox(normalized)
	if !ok {
		if p.params.EmptyForeground == FailOnEmpty {
			return nil, fmt.Errorf("foreground crop: %w", models.ErrEmptyForeground)
		}
		p.logger.Warn("image has no foreground, keeping full extent", "shape", image.Shape.String())
		box = models.FullBox(image.Shape)
		state.FallbackCrop = true
	}
	state.Box = box

	croppedImage, err := Crop(normalized, box)
	if err != nil {
		return nil, fmt.Errorf("foreground crop: %w", err)
	}
	croppedMask, err := Crop(mask, box)
	if err != nil {
		return nil, fmt.Errorf("foreground crop: %w", err)
	}

	outImage, err := p.resampler.Resize(ctx, croppedImage, p.params.TargetShape, interpolation.Trilinear)
	if err != nil {
		return nil, fmt.Errorf("resample image: %w", err)
	}
	outMask, err := p.resampler.Resize(ctx, croppedMask, p.params.TargetShape, interpolation.Nearest)
	if err != nil {
		return nil, fmt.Errorf("resample mask: %w", err)
	}
	state.Scale = interpolation.Scale(box.Size(), p.params.TargetShape)
	state.valid = true

	p.logger.Debug("forward transform done",
		"original", image.Shape.String(),
		"cropped", box.Size().String(),
		"target", p.params.TargetShape.String(),
		"elapsed", time.Since(start))

	return &Result{Image: outImage, Mask: outMask, State: state}, nil
}

// Inverse maps a mask predicted on the target grid back onto the original
// grid: nearest-neighbour resize to the crop size, then zero padding outside
// the crop box. Intensity normalization has no mask counterpart and is not
// undone.
func (p *Pipeline) Inverse(ctx context.Context, state State, predicted *models.ChannelTensor) (*models.ChannelTensor, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: inverse called without a forward state", models.ErrPrecondition)
	}
	if predicted.Empty() {
		return nil, fmt.Errorf("%w: no prediction to invert", models.ErrPrecondition)
	}
	if predicted.Shape != state.TargetShape {
		return nil, fmt.Errorf("%w: prediction shape %s, forward produced %s",
			models.ErrGeometryMismatch, predicted.Shape, state.TargetShape)
	}

	restored, err := p.resampler.Resize(ctx, predicted, state.CroppedShape(), interpolation.Nearest)
	if err != nil {
		return nil, fmt.Errorf("inverse resample: %w", err)
	}
	full, err := Pad(restored, state.Box, state.OriginalShape)
	if err != nil {
		return nil, fmt.Errorf("inverse crop: %w", err)
	}
	return full, nil
}
