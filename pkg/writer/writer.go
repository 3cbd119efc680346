// Package writer stores pipeline outputs as NIfTI volumes carrying the
// geometry of the case they came from.
package writer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"ctorganprep/internal/models"
	"ctorganprep/pkg/nifti"
	"ctorganprep/pkg/transform"
)

// BinarizeThreshold splits an inverted prediction into background and organ
const BinarizeThreshold = 0.5

// VolumeSaver writes a volume with the given voxel type. nifti.Codec
// implements it.
type VolumeSaver interface {
	SaveVolume(path string, v *models.Volume, dtype nifti.Datatype) error
}

// Inverter maps a prediction back to the original grid
type Inverter interface {
	Inverse(ctx context.Context, state transform.State, predicted *models.ChannelTensor) (*models.ChannelTensor, error)
}

// Options controls optional outputs of WriteInverted
type Options struct {
	// Debug also writes the prediction on the target grid next to the output
	Debug bool
}

// Writer saves inverted predictions and forward-transformed pairs
type Writer struct {
	saver    VolumeSaver
	inverter Inverter
	logger   *slog.Logger
}

type Option func(*Writer)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

func New(saver VolumeSaver, inverter Inverter, opts ...Option) (*Writer, error) {
	if saver == nil {
		return nil, fmt.Errorf("volume saver is required")
	}
	if inverter == nil {
		return nil, fmt.Errorf("inverter is required")
	}
	w := &Writer{
		saver:    saver,
		inverter: inverter,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// WriteInverted inverts predicted using state, binarizes it and saves it as
// uint8 with the original affine and header.
func (w *Writer) WriteInverted(ctx context.Context, state transform.State, predicted *models.ChannelTensor,
	affine models.Affine, header models.Header, outputPath string, opts Options) error {
	if predicted.Empty() {
		return fmt.Errorf("%w: no prediction to write", models.ErrPrecondition)
	}

	// Nothing is written unless the inverse succeeds.
	inverted, err := w.inverter.Inverse(ctx, state, predicted)
	if err != nil {
		return err
	}

	if opts.Debug {
		debug := predicted.ToVolume(affine, header)
		if err := w.saver.SaveVolume(DebugPath(outputPath), debug, nifti.Float32); err != nil {
			return fmt.Errorf("error writing debug prediction: %w", err)
		}
	}
	out := inverted.ToVolume(affine, header)
	Binarize(out.Data, BinarizeThreshold)

	if err := w.saver.SaveVolume(outputPath, out, nifti.Uint8); err != nil {
		return fmt.Errorf("error writing inverted mask: %w", err)
	}
	w.logger.Info("wrote inverted mask", "path", outputPath, "dims", out.Dims.String())
	return nil
}

// WriteTransformed saves a forward result as <image>_tf.nii.gz and
// <image>_<mask>_tf.nii.gz under outputDir.
func (w *Writer) WriteTransformed(result *transform.Result, affine models.Affine, header models.Header,
	outputDir, imageName, maskName string) error {
	if result == nil || result.Image.Empty() || result.Mask.Empty() {
		return fmt.Errorf("%w: no forward result to write", models.ErrPrecondition)
	}

	imagePath, maskPath := TransformedPaths(outputDir, imageName, maskName)
	if err := w.saver.SaveVolume(imagePath, result.Image.ToVolume(affine, header), nifti.Float32); err != nil {
		return fmt.Errorf("error writing transformed image: %w", err)
	}
	if err := w.saver.SaveVolume(maskPath, result.Mask.ToVolume(affine, header), nifti.Uint8); err != nil {
		return fmt.Errorf("error writing transformed mask: %w", err)
	}
	w.logger.Info("wrote transformed pair", "image", imagePath, "mask", maskPath)
	return nil
}

// Binarize sets values above threshold to 1 and the rest to 0, in place
func Binarize(data []float64, threshold float64) {
	for i, v := range data {
		if v > threshold {
			data[i] = 1
		} else {
			data[i] = 0
		}
	}
}

// DebugPath returns the sibling of outputPath used for the target-grid
// prediction: seg.nii.gz becomes seg_tf.nii.gz.
func DebugPath(outputPath string) string {
	stem, ext := splitExt(outputPath)
	return stem + "_tf" + ext
}

// TransformedPaths returns the image and mask file names used by
// WriteTransformed
func TransformedPaths(outputDir, imageName, maskName string) (string, string) {
	image := filepath.Join(outputDir, imageName+"_tf.nii.gz")
	mask := filepath.Join(outputDir, imageName+"_"+maskName+"_tf.nii.gz")
	return image, mask
}

func splitExt(path string) (string, string) {
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext), ext
		}
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext), ext
}
