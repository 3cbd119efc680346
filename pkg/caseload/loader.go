// Package caseload opens one CT case: it resolves and reads the image and
// organ mask, merges composite organ masks, derives the organ-suppressed image
// and runs both image variants through the geometry pipeline.
package caseload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"ctorganprep/internal/models"
	"ctorganprep/pkg/suppress"
	"ctorganprep/pkg/transform"
)

// VolumeExt is the file extension of every volume in a case
const VolumeExt = ".nii.gz"

// Stage names reported in CaseError
const (
	StageLoadImage         = "load image"
	StageLoadMask          = "load mask"
	StageGeometry          = "check geometry"
	StageSuppress          = "suppress organ"
	StageForward           = "forward transform"
	StageForwardSuppressed = "forward transform (suppressed)"
)

// VolumeLoader reads a volume file. nifti.Codec implements it.
type VolumeLoader interface {
	LoadVolume(path string) (*models.Volume, error)
}

// CaseError ties a failure to the case and the stage it happened in
type CaseError struct {
	CaseID string
	Stage  string
	Err    error
}

func (e *CaseError) Error() string {
	return fmt.Sprintf("case %s: %s: %v", e.CaseID, e.Stage, e.Err)
}

func (e *CaseError) Unwrap() error {
	return e.Err
}

// Request names the files of one case
type Request struct {
	// CasePath is the case directory; its last segment is the case id
	CasePath string

	// ImageName is the image file stem, e.g. "ct"
	ImageName string

	// MaskName is the organ, possibly a composite such as "kidneys"
	MaskName string

	// MaskPath overrides the directory holding the segmentations folder
	MaskPath string
}

func (r Request) maskDir() string {
	if r.MaskPath != "" {
		return r.MaskPath
	}
	return r.CasePath
}

// Bundle is everything produced for one case. It is owned by the caller for
// the lifetime of the case and must not be shared across cases.
type Bundle struct {
	CaseID    string
	ImagePath string

	Image      *models.Volume
	Mask       *models.Volume
	Suppressed *models.Volume

	// Transformed is the forward result of (image, mask)
	Transformed *transform.Result

	// SuppressedTransformed is the forward result of (suppressed, mask),
	// with its own State
	SuppressedTransformed *transform.Result

	Affine models.Affine
	Header models.Header

	// MaskPresent is true when the mask has at least one non-zero voxel
	MaskPresent bool
}

// Release drops the voxel buffers once the case has been written
func (b *Bundle) Release() {
	b.Image = nil
	b.Mask = nil
	b.Suppressed = nil
	b.Transformed = nil
	b.SuppressedTransformed = nil
}

// Loader opens cases. It is stateless between calls.
type Loader struct {
	volumes         VolumeLoader
	pipeline        *transform.Pipeline
	resolvers       []Resolver
	composites      Composites
	segmentationDir string
	affineTol       float64
	logger          *slog.Logger
}

type Option func(*Loader)

// WithSearchRoots appends fallback roots tried after the case directory
func WithSearchRoots(roots ...string) Option {
	return func(l *Loader) {
		for _, root := range roots {
			if root != "" {
				l.resolvers = append(l.resolvers, SearchRootResolver{Root: root})
			}
		}
	}
}

// WithResolvers replaces the image resolution strategies
func WithResolvers(resolvers ...Resolver) Option {
	return func(l *Loader) {
		l.resolvers = resolvers
	}
}

// WithComposites replaces the composite organ table
func WithComposites(c Composites) Option {
	return func(l *Loader) {
		l.composites = c
	}
}

// WithSegmentationDir sets the folder, relative to the mask directory, that
// holds per-organ masks
func WithSegmentationDir(dir string) Option {
	return func(l *Loader) {
		l.segmentationDir = dir
	}
}

// WithAffineTolerance sets the allowed element difference between image and
// mask affines
func WithAffineTolerance(tol float64) Option {
	return func(l *Loader) {
		l.affineTol = tol
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// New builds a loader around a volume reader and a pipeline
func New(volumes VolumeLoader, pipeline *transform.Pipeline, opts ...Option) (*Loader, error) {
	if volumes == nil {
		return nil, fmt.Errorf("volume loader is required")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	l := &Loader{
		volumes:         volumes,
		pipeline:        pipeline,
		resolvers:       []Resolver{PrimaryResolver{}},
		composites:      DefaultComposites(),
		segmentationDir: "segmentations",
		affineTol:       1e-3,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.resolvers) == 0 {
		return nil, fmt.Errorf("at least one image resolver is required")
	}
	if err := l.composites.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load opens a case and runs both forward passes
func (l *Loader) Load(ctx context.Context, req Request) (*Bundle, error) {
	caseID := CaseID(req.CasePath)
	fail := func(stage string, err error) (*Bundle, error) {
		return nil, &CaseError{CaseID: caseID, Stage: stage, Err: err}
	}

	imagePath, err := ResolveFirst(l.resolvers, req.CasePath, req.ImageName+VolumeExt)
	if err != nil {
		return fail(StageLoadImage, err)
	}
	image, err := l.volumes.LoadVolume(imagePath)
	if err != nil {
		return fail(StageLoadImage, err)
	}
	l.logger.Info("loaded image", "case", caseID, "path", imagePath, "dims", image.Dims.String())

	mask, err := l.LoadMask(req.maskDir(), req.MaskName)
	if err != nil {
		return fail(StageLoadMask, err)
	}
	if err := image.CheckAligned(mask, l.affineTol); err != nil {
		return fail(StageGeometry, err)
	}

	suppressed, err := suppress.Suppress(image, mask)
	if err != nil {
		return fail(StageSuppress, err)
	}

	maskTensor := models.FromVolume(mask)
	transformed, err := l.pipeline.Forward(ctx, models.FromVolume(image), maskTensor)
	if err != nil {
		return fail(StageForward, err)
	}
	suppressedTransformed, err := l.pipeline.Forward(ctx, models.FromVolume(suppressed), maskTensor)
	if err != nil {
		return fail(StageForwardSuppressed, err)
	}

	b := &Bundle{
		CaseID:                caseID,
		ImagePath:             imagePath,
		Image:                 image,
		Mask:                  mask,
		Suppressed:            suppressed,
		Transformed:           transformed,
		SuppressedTransformed: suppressedTransformed,
		Affine:                image.Affine,
		Header:                image.Header,
		MaskPresent:           mask.AnyNonZero(),
	}
	l.logger.Info("case ready", "case", caseID, "organ", req.MaskName,
		"mask_present", b.MaskPresent, "crop", transformed.State.CroppedShape().String())
	return b, nil
}

// LoadMask reads the mask of organ from dir, merging composite organs. A
// missing mask is always an error.
func (l *Loader) LoadMask(dir, organ string) (*models.Volume, error) {
	parts := l.composites.Constituents(organ)
	masks := make([]*models.Volume, 0, len(parts))
	for _, name := range parts {
		m, err := l.volumes.LoadVolume(filepath.Join(dir, l.segmentationDir, name+VolumeExt))
		if err != nil {
			return nil, fmt.Errorf("mask %s: %w", name, err)
		}
		masks = append(masks, m)
	}
	if len(masks) == 1 {
		return masks[0], nil
	}
	merged, err := MergeMasks(masks...)
	if err != nil {
		return nil, fmt.Errorf("composite organ %s: %w", organ, err)
	}
	return merged, nil
}

// MaskPresence reports whether the organ mask of a case has any foreground
func (l *Loader) MaskPresence(casePath, organ string) (bool, error) {
	mask, err := l.LoadMask(casePath, organ)
	if err != nil {
		return false, &CaseError{CaseID: CaseID(casePath), Stage: StageLoadMask, Err: err}
	}
	return mask.AnyNonZero(), nil
}
