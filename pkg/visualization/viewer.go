// Package visualization renders CT volumes for review: windowed slices,
// frontal mean projections with an optional organ overlay, and PNG output.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"ctorganprep/internal/models"
)

// Window maps Hounsfield units to display intensity
type Window struct {
	Level float64
	Width float64
}

// BoneWindow is the preset used for the review renders
var BoneWindow = Window{Level: 400, Width: 1800}

// Apply returns v mapped into [0, 1]
func (w Window) Apply(v float64) float64 {
	if w.Width <= 0 {
		if v >= w.Level {
			return 1
		}
		return 0
	}
	lo := w.Level - w.Width/2
	return math.Max(0, math.Min(1, (v-lo)/w.Width))
}

// OverlayColor is blended over voxels covered by the mask
var OverlayColor = color.RGBA{R: 255, A: 255}

// OverlayAlpha is the opacity of the mask overlay
const OverlayAlpha = 0.4

// Viewer renders slices and projections of a CT volume
type Viewer struct {
	volume *models.Volume
	window Window
}

// NewViewer creates a viewer using the bone window
func NewViewer(volume *models.Volume) *Viewer {
	return &Viewer{volume: volume, window: BoneWindow}
}

// SetWindow changes the display window
func (v *Viewer) SetWindow(w Window) {
	v.window = w
}

func parseAxis(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// planeAxes returns the volume axes drawn as image columns and rows when
// looking along axis
func planeAxes(axis int) (cols, rows int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}

func (v *Viewer) voxel(axis, position, col, row int) float64 {
	var p [3]int
	p[axis] = position
	c, r := planeAxes(axis)
	p[c] = col
	p[r] = row
	return v.volume.At(p[0], p[1], p[2])
}

// ExtractSlice extracts a windowed 2D slice. Rows run from the top of the
// patient down, so the last index of the row axis is drawn first.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	a, err := parseAxis(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= v.volume.Dims[a] {
		return nil, fmt.Errorf("position %d outside [0, %d) on axis %s", position, v.volume.Dims[a], axis)
	}

	c, r := planeAxes(a)
	w, h := v.volume.Dims[c], v.volume.Dims[r]
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			value := v.window.Apply(v.voxel(a, position, col, row))
			img.SetGray16(col, h-1-row, color.Gray16{Y: uint16(value * 65535)})
		}
	}
	return img, nil
}

// RenderProjection draws the mean intensity along axis through the windowed
// volume, tints rays that hit mask in red and scales the result so its
// longer side is size pixels, keeping the physical aspect ratio from the
// affine. mask may be nil.
func (v *Viewer) RenderProjection(mask *models.Volume, axis, size int) (image.Image, error) {
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("invalid projection axis %d", axis)
	}
	if size <= 0 {
		return nil, fmt.Errorf("render size must be positive")
	}
	if mask != nil {
		if err := v.volume.CheckShape(mask); err != nil {
			return nil, err
		}
	}

	c, r := planeAxes(axis)
	w, h := v.volume.Dims[c], v.volume.Dims[r]
	depth := v.volume.Dims[axis]
	src := image.NewRGBA(image.Rect(0, 0, w, h))
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			sum := 0.0
			hit := false
			for p := 0; p < depth; p++ {
				sum += v.voxel(axis, p, col, row)
				if mask != nil && !hit {
					var q [3]int
					q[axis], q[c], q[r] = p, col, row
					hit = mask.At(q[0], q[1], q[2]) > 0
				}
			}
			gray := v.window.Apply(sum / float64(depth))
			src.SetRGBA(col, h-1-row, shade(gray, hit))
		}
	}

	outW, outH := fitSize(w, h, v.volume.Affine.Spacing(), c, r, size)
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

func shade(gray float64, overlay bool) color.RGBA {
	g := gray * 255
	if !overlay {
		return color.RGBA{R: uint8(g), G: uint8(g), B: uint8(g), A: 255}
	}
	blend := func(base float64, tint uint8) uint8 {
		return uint8(base*(1-OverlayAlpha) + float64(tint)*OverlayAlpha)
	}
	return color.RGBA{
		R: blend(g, OverlayColor.R),
		G: blend(g, OverlayColor.G),
		B: blend(g, OverlayColor.B),
		A: 255,
	}
}

// fitSize returns output dimensions whose longer side is size, following the
// physical extent of the plane
func fitSize(w, h int, spacing [3]float64, cols, rows, size int) (int, int) {
	physW := float64(w) * spacing[cols]
	physH := float64(h) * spacing[rows]
	if physW <= 0 || physH <= 0 {
		physW, physH = float64(w), float64(h)
	}
	if physW >= physH {
		return size, max(1, int(math.Round(float64(size)*physH/physW)))
	}
	return max(1, int(math.Round(float64(size)*physW/physH))), size
}

// SavePNG writes img to filename, creating parent directories
func SavePNG(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	a, err := parseAxis(axis)
	if err != nil {
		return err
	}
	for pos := 0; pos < v.volume.Dims[a]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := SavePNG(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// ProjectionName is the file name of the plain frontal render of a case
func ProjectionName(caseID string) string {
	return caseID + "_ct_window_bone_axis_1.png"
}

// OrganProjectionName is the per-organ variant of ProjectionName, used when
// the plain render is missing
func OrganProjectionName(caseID, organ string) string {
	return caseID + "_ct_window_bone_axis_1_" + organ + ".png"
}

// OverlayName is the file name of the render with the organ mask overlaid
func OverlayName(caseID, organ string) string {
	return caseID + "_overlay_window_bone_axis_1_" + organ + "_y1.png"
}
