package caseload

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctorganprep/internal/models"
	"ctorganprep/pkg/nifti"
	"ctorganprep/pkg/transform"
)

var testDims = models.Shape{12, 10, 8}

func testHeader() models.Header {
	return nifti.NewHeader(testDims, [3]float64{1, 1, 2})
}

func testAffine() models.Affine {
	return models.DiagonalAffine([3]float64{1, 1, 2})
}

// writeVolume stores a volume built by fill under dir/name.nii.gz
func writeVolume(t *testing.T, path string, fill func(x, y, z int) float64) {
	t.Helper()
	v := models.NewVolume(testDims, testAffine(), testHeader())
	for z := 0; z < testDims[2]; z++ {
		for y := 0; y < testDims[1]; y++ {
			for x := 0; x < testDims[0]; x++ {
				v.Set(x, y, z, fill(x, y, z))
			}
		}
	}
	require.NoError(t, nifti.Save(path, v, nifti.Float32))
}

func inBox(x, y, z, x0, x1, y0, y1, z0, z1 int) bool {
	return x >= x0 && x < x1 && y >= y0 && y < y1 && z >= z0 && z < z1
}

func ctFill(x, y, z int) float64 {
	if inBox(x, y, z, 2, 10, 2, 8, 1, 7) {
		return 40 + float64(x)
	}
	return -1000
}

func leftKidney(x, y, z int) float64 {
	if inBox(x, y, z, 3, 5, 3, 6, 2, 5) {
		return 1
	}
	return 0
}

func rightKidney(x, y, z int) float64 {
	if inBox(x, y, z, 4, 8, 3, 6, 2, 5) {
		return 1
	}
	return 0
}

func writeCase(t *testing.T, root, caseID string, withImage bool) string {
	t.Helper()
	dir := filepath.Join(root, caseID)
	if withImage {
		writeVolume(t, filepath.Join(dir, "ct.nii.gz"), ctFill)
	}
	seg := filepath.Join(dir, "segmentations")
	writeVolume(t, filepath.Join(seg, "liver.nii.gz"), func(x, y, z int) float64 {
		if inBox(x, y, z, 4, 6, 4, 6, 3, 5) {
			return 1
		}
		return 0
	})
	writeVolume(t, filepath.Join(seg, "kidney_left.nii.gz"), leftKidney)
	writeVolume(t, filepath.Join(seg, "kidney_right.nii.gz"), rightKidney)
	writeVolume(t, filepath.Join(seg, "spleen.nii.gz"), func(x, y, z int) float64 { return 0 })
	return dir
}

func newTestLoader(t *testing.T, opts ...Option) *Loader {
	t.Helper()
	params := transform.DefaultParams()
	params.TargetShape = models.Shape{4, 16, 16}
	params.NumCores = 2
	p, err := transform.New(params)
	require.NoError(t, err)
	l, err := New(nifti.Codec{}, p, opts...)
	require.NoError(t, err)
	return l
}

func TestLoadCase(t *testing.T) {
	dir := writeCase(t, t.TempDir(), "BDMAP_00000001", true)
	l := newTestLoader(t)

	b, err := l.Load(context.Background(), Request{CasePath: dir, ImageName: "ct", MaskName: "liver"})
	require.NoError(t, err)

	assert.Equal(t, "BDMAP_00000001", b.CaseID)
	assert.True(t, b.MaskPresent)
	assert.True(t, b.Header.Equal(testHeader()))
	assert.True(t, b.Affine.EqualApprox(testAffine(), 1e-6))

	// both variants get their own forward pass on the same target grid
	require.NotNil(t, b.Transformed)
	require.NotNil(t, b.SuppressedTransformed)
	assert.Equal(t, models.Shape{4, 16, 16}, b.Transformed.Image.Shape)
	assert.Equal(t, models.Shape{4, 16, 16}, b.SuppressedTransformed.Image.Shape)
	assert.True(t, b.Transformed.State.Valid())
	assert.True(t, b.SuppressedTransformed.State.Valid())

	// suppressed voxels carry the image minimum
	idx := b.Image.Index(4, 4, 3)
	assert.Equal(t, 1.0, b.Mask.Data[idx])
	assert.Equal(t, -1000.0, b.Suppressed.Data[idx])
	assert.Equal(t, 44.0, b.Image.Data[idx])

	b.Release()
	assert.Nil(t, b.Image)
	assert.Nil(t, b.Transformed)
}

func TestLoadMergesBilateralOrgan(t *testing.T) {
	dir := writeCase(t, t.TempDir(), "case", true)
	l := newTestLoader(t)

	mask, err := l.LoadMask(dir, "kidneys")
	require.NoError(t, err)

	for z := 0; z < testDims[2]; z++ {
		for y := 0; y < testDims[1]; y++ {
			for x := 0; x < testDims[0]; x++ {
				want := 0.0
				if leftKidney(x, y, z) == 1 || rightKidney(x, y, z) == 1 {
					want = 1
				}
				require.Equal(t, want, mask.At(x, y, z), "voxel %d,%d,%d", x, y, z)
			}
		}
	}
	assert.True(t, mask.Header.Equal(testHeader()))
}

func TestMergeMasksDisjointAndOverlapping(t *testing.T) {
	dims := models.Shape{4, 1, 1}
	left := models.NewVolume(dims, models.IdentityAffine(), models.Header{Raw: []byte("left")})
	right := models.NewVolume(dims, models.DiagonalAffine([3]float64{2, 2, 2}), models.Header{Raw: []byte("right")})

	left.Data = []float64{1, 0, 0, 0}
	right.Data = []float64{0, 0, 1, 0}
	merged, err := MergeMasks(left, right)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 1, 0}, merged.Data)
	assert.Equal(t, "left", string(merged.Header.Raw))
	assert.True(t, merged.Affine.Equal(left.Affine))

	right.Data = []float64{1, 1, 0, 0}
	merged, err = MergeMasks(left, right)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 0, 0}, merged.Data)
	assert.Equal(t, []float64{1, 0, 0, 0}, left.Data, "inputs are not modified")

	_, err = MergeMasks(left, models.NewVolume(models.Shape{2, 2, 1}, models.IdentityAffine(), models.Header{}))
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)
}

func TestMaskPresentFlag(t *testing.T) {
	dir := writeCase(t, t.TempDir(), "case", true)
	single := filepath.Join(dir, "segmentations", "pancreas.nii.gz")
	writeVolume(t, single, func(x, y, z int) float64 {
		if x == 5 && y == 5 && z == 3 {
			return 1
		}
		return 0
	})
	l := newTestLoader(t)

	b, err := l.Load(context.Background(), Request{CasePath: dir, ImageName: "ct", MaskName: "spleen"})
	require.NoError(t, err)
	assert.False(t, b.MaskPresent)

	b, err = l.Load(context.Background(), Request{CasePath: dir, ImageName: "ct", MaskName: "pancreas"})
	require.NoError(t, err)
	assert.True(t, b.MaskPresent)

	present, err := l.MaskPresence(dir, "kidneys")
	require.NoError(t, err)
	assert.True(t, present)
}

func TestLoadFallsBackToSearchRoot(t *testing.T) {
	primary := t.TempDir()
	atlas := t.TempDir()
	// masks live in the primary case dir, the image only in the atlas root
	dir := writeCase(t, primary, "BDMAP_00000042", false)
	writeVolume(t, filepath.Join(atlas, "BDMAP_00000042", "ct.nii.gz"), ctFill)

	l := newTestLoader(t, WithSearchRoots(atlas))
	b, err := l.Load(context.Background(), Request{CasePath: dir, ImageName: "ct", MaskName: "liver"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(atlas, "BDMAP_00000042", "ct.nii.gz"), b.ImagePath)
}

func TestLoadImageNotFound(t *testing.T) {
	dir := writeCase(t, t.TempDir(), "BDMAP_00000007", false)
	l := newTestLoader(t, WithSearchRoots(t.TempDir()))

	_, err := l.Load(context.Background(), Request{CasePath: dir, ImageName: "ct", MaskName: "liver"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)

	var caseErr *CaseError
	require.True(t, errors.As(err, &caseErr))
	assert.Equal(t, "BDMAP_00000007", caseErr.CaseID)
	assert.Equal(t, StageLoadImage, caseErr.Stage)
	assert.Contains(t, err.Error(), "search root")
}

func TestLoadMaskNotFoundIsFatal(t *testing.T) {
	dir := writeCase(t, t.TempDir(), "case", true)
	l := newTestLoader(t)

	_, err := l.Load(context.Background(), Request{CasePath: dir, ImageName: "ct", MaskName: "stomach"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	var caseErr *CaseError
	require.True(t, errors.As(err, &caseErr))
	assert.Equal(t, StageLoadMask, caseErr.Stage)
}

func TestLoadUsesExplicitMaskPath(t *testing.T) {
	root := t.TempDir()
	imageOnly := filepath.Join(root, "images", "case")
	writeVolume(t, filepath.Join(imageOnly, "ct.nii.gz"), ctFill)
	maskDir := writeCase(t, filepath.Join(root, "labels"), "case", false)

	l := newTestLoader(t)
	b, err := l.Load(context.Background(), Request{
		CasePath: imageOnly, ImageName: "ct", MaskName: "liver", MaskPath: maskDir,
	})
	require.NoError(t, err)
	assert.True(t, b.MaskPresent)
}

func TestLoadRejectsMisalignedMask(t *testing.T) {
	dir := writeCase(t, t.TempDir(), "case", true)
	shifted := models.NewVolume(testDims, models.DiagonalAffine([3]float64{1, 1, 3}), testHeader())
	require.NoError(t, nifti.Save(filepath.Join(dir, "segmentations", "aorta.nii.gz"), shifted, nifti.Uint8))

	l := newTestLoader(t)
	_, err := l.Load(context.Background(), Request{CasePath: dir, ImageName: "ct", MaskName: "aorta"})
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)
}

func TestCompositesConfiguration(t *testing.T) {
	c := Composites{"lungs": {"lung_left", "lung_right"}}
	assert.Equal(t, []string{"lung_left", "lung_right"}, c.Constituents("lungs"))
	assert.Equal(t, []string{"liver"}, c.Constituents("liver"))
	assert.NoError(t, c.Validate())

	assert.Error(t, Composites{"x": {}}.Validate())
	assert.Error(t, Composites{"x": {"x"}}.Validate())

	_, err := New(nifti.Codec{}, nil)
	assert.Error(t, err)
}

func TestResolveFirstOrder(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeVolume(t, filepath.Join(a, "c1", "ct.nii.gz"), ctFill)
	writeVolume(t, filepath.Join(b, "c1", "ct.nii.gz"), ctFill)

	path, err := ResolveFirst([]Resolver{SearchRootResolver{Root: a}, SearchRootResolver{Root: b}}, "/data/c1", "ct.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a, "c1", "ct.nii.gz"), path)

	_, err = ResolveFirst([]Resolver{PrimaryResolver{}}, filepath.Join(a, "c2"), "ct.nii.gz")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
