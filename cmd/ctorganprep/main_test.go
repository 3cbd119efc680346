package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctorganprep/internal/models"
	"ctorganprep/pkg/caseload"
	"ctorganprep/pkg/config"
	"ctorganprep/pkg/nifti"
	"ctorganprep/pkg/transform"
	"ctorganprep/pkg/writer"
)

type recordingSaver struct {
	paths []string
}

func (r *recordingSaver) SaveVolume(path string, v *models.Volume, dtype nifti.Datatype) error {
	r.paths = append(r.paths, path)
	return nil
}

func forwardBundle(t *testing.T) (*transform.Pipeline, *caseload.Bundle) {
	params := transform.DefaultParams()
	params.TargetShape = models.Shape{4, 8, 8}
	params.NumCores = 2
	p, err := transform.New(params)
	require.NoError(t, err)

	dims := models.Shape{10, 12, 6}
	spacing := [3]float64{0.8, 0.8, 2.5}
	image := models.NewVolume(dims, models.DiagonalAffine(spacing), nifti.NewHeader(dims, spacing))
	mask := models.NewVolume(dims, image.Affine, image.Header)
	for z := 1; z < 5; z++ {
		for y := 2; y < 10; y++ {
			for x := 2; x < 8; x++ {
				image.Set(x, y, z, 200)
				mask.Set(x, y, z, 1)
			}
		}
	}
	res, err := p.Forward(context.Background(), models.FromVolume(image), models.FromVolume(mask))
	require.NoError(t, err)
	return p, &caseload.Bundle{CaseID: "case_0001", Transformed: res, Affine: image.Affine, Header: image.Header}
}

func TestInvertCaseSaveTransformed(t *testing.T) {
	p, b := forwardBundle(t)
	req := caseload.Request{CasePath: "case_0001", ImageName: "ct", MaskName: "liver"}
	out := filepath.Join("results", "case_0001", "liver_inverted.nii.gz")

	tests := []struct {
		name            string
		saveTransformed bool
		want            []string
	}{
		{"inverted only", false, []string{out}},
		{"with transformed pair", true, []string{
			out,
			filepath.Join("results", "case_0001", "ct_tf.nii.gz"),
			filepath.Join("results", "case_0001", "ct_liver_tf.nii.gz"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Output.SaveTransformed = tt.saveTransformed
			saver := &recordingSaver{}
			w, err := writer.New(saver, p)
			require.NoError(t, err)

			require.NoError(t, invertCase(context.Background(), cfg, w, b, req, b.Transformed.Mask, out, false))
			assert.Equal(t, tt.want, saver.paths)
		})
	}
}

func TestInvertCaseDebugFromConfig(t *testing.T) {
	p, b := forwardBundle(t)
	cfg := config.DefaultConfig()
	cfg.Output.DebugInverted = true
	saver := &recordingSaver{}
	w, err := writer.New(saver, p)
	require.NoError(t, err)

	req := caseload.Request{CasePath: "case_0001", ImageName: "ct", MaskName: "liver"}
	require.NoError(t, invertCase(context.Background(), cfg, w, b, req, b.Transformed.Mask, "liver.nii.gz", false))
	assert.Equal(t, []string{"liver_tf.nii.gz", "liver.nii.gz"}, saver.paths)
}

func TestInvertCaseWrapsCaseError(t *testing.T) {
	p, b := forwardBundle(t)
	b.Transformed = &transform.Result{Image: b.Transformed.Image, Mask: b.Transformed.Mask}
	w, err := writer.New(&recordingSaver{}, p)
	require.NoError(t, err)

	err = invertCase(context.Background(), config.DefaultConfig(), w, b, caseload.Request{}, b.Transformed.Mask, "x.nii.gz", false)
	var caseErr *caseload.CaseError
	require.ErrorAs(t, err, &caseErr)
	assert.Equal(t, "case_0001", caseErr.CaseID)
	assert.ErrorIs(t, err, models.ErrPrecondition)
}
