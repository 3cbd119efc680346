// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). It keeps the source header bytes untouched on the loaded Volume
// and rebuilds only the grid, type and sform fields when writing.
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"ctorganprep/internal/models"
)

// Codec adapts the package functions to the loader/saver interfaces used by
// the case loader and result writer.
type Codec struct{}

// LoadVolume implements caseload.VolumeLoader
func (Codec) LoadVolume(path string) (*models.Volume, error) {
	return Load(path)
}

// SaveVolume implements writer.VolumeSaver
func (Codec) SaveVolume(path string, v *models.Volume, dtype Datatype) error {
	return Save(path, v, dtype)
}

// Load reads a volume from disk. A missing file yields models.ErrNotFound.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, path)
		}
		return nil, fmt.Errorf("error opening volume: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if isGzip(path) {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading volume %s: %w", path, err)
	}
	v, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", path, err)
	}
	return v, nil
}

// Decode parses an uncompressed single-file NIfTI-1 image
func Decode(raw []byte) (*models.Volume, error) {
	h, order, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	dims, err := h.dims()
	if err != nil {
		return nil, err
	}
	dtype := Datatype(h.Datatype)
	width := int(dtype.Bitpix()) / 8
	if width == 0 {
		return nil, fmt.Errorf("unsupported datatype %s", dtype)
	}

	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	n := dims.Len()
	if len(raw) < offset+n*width {
		return nil, fmt.Errorf("truncated voxel data: want %d bytes, have %d", n*width, len(raw)-offset)
	}

	data := make([]float64, n)
	if err := decodeVoxels(raw[offset:offset+n*width], order, dtype, data); err != nil {
		return nil, err
	}

	// scl_slope of zero means no scaling
	if slope := float64(h.SclSlope); slope != 0 && !math.IsNaN(slope) && (slope != 1 || h.SclInter != 0) {
		inter := float64(h.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	header := make([]byte, headerSize)
	copy(header, raw[:headerSize])
	return &models.Volume{
		Data:   data,
		Dims:   dims,
		Affine: h.affine(),
		Header: models.Header{Raw: header},
	}, nil
}

// Save writes a volume, overwriting any existing file. The volume's header is
// used as the template for the file header; the volume itself is not changed.
func Save(path string, v *models.Volume, dtype Datatype) error {
	if len(v.Data) != v.Dims.Len() {
		return fmt.Errorf("%w: %d voxels for grid %s", models.ErrGeometryMismatch, len(v.Data), v.Dims)
	}
	encoded, err := Encode(v, dtype)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating volume file: %w", err)
	}
	defer f.Close()

	if !isGzip(path) {
		if _, err := f.Write(encoded); err != nil {
			return fmt.Errorf("error writing volume %s: %w", path, err)
		}
		return f.Close()
	}

	zw := gzip.NewWriter(f)
	if _, err := zw.Write(encoded); err != nil {
		return fmt.Errorf("error compressing volume %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("error finishing gzip stream %s: %w", path, err)
	}
	return f.Close()
}

// Encode serialises a volume into an uncompressed single-file image
func Encode(v *models.Volume, dtype Datatype) ([]byte, error) {
	if dtype.Bitpix() == 0 {
		return nil, fmt.Errorf("unsupported datatype %s", dtype)
	}
	h, err := forWrite(v.Header, v.Dims, dtype, v.Affine)
	if err != nil {
		return nil, err
	}
	hdr, err := h.encode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(dataOffset + len(v.Data)*int(dtype.Bitpix())/8)
	buf.Write(hdr)
	buf.Write([]byte{0, 0, 0, 0}) // no extensions
	if err := encodeVoxels(&buf, dtype, v.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVoxels(b []byte, order binary.ByteOrder, dtype Datatype, out []float64) error {
	switch dtype {
	case Uint8:
		for i := range out {
			out[i] = float64(b[i])
		}
	case Int8:
		for i := range out {
			out[i] = float64(int8(b[i]))
		}
	case Int16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(b[2*i:])))
		}
	case Uint16:
		for i := range out {
			out[i] = float64(order.Uint16(b[2*i:]))
		}
	case Int32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(b[4*i:])))
		}
	case Uint32:
		for i := range out {
			out[i] = float64(order.Uint32(b[4*i:]))
		}
	case Float32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(b[4*i:])))
		}
	case Float64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(b[8*i:]))
		}
	default:
		return fmt.Errorf("unsupported datatype %s", dtype)
	}
	return nil
}

func encodeVoxels(w *bytes.Buffer, dtype Datatype, data []float64) error {
	le := binary.LittleEndian
	var scratch [8]byte
	for _, v := range data {
		switch dtype {
		case Uint8:
			w.WriteByte(uint8(clampRound(v, 0, math.MaxUint8)))
		case Int8:
			w.WriteByte(byte(int8(clampRound(v, math.MinInt8, math.MaxInt8))))
		case Int16:
			le.PutUint16(scratch[:], uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
			w.Write(scratch[:2])
		case Uint16:
			le.PutUint16(scratch[:], uint16(clampRound(v, 0, math.MaxUint16)))
			w.Write(scratch[:2])
		case Int32:
			le.PutUint32(scratch[:], uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
			w.Write(scratch[:4])
		case Uint32:
			le.PutUint32(scratch[:], uint32(clampRound(v, 0, math.MaxUint32)))
			w.Write(scratch[:4])
		case Float32:
			le.PutUint32(scratch[:], math.Float32bits(float32(v)))
			w.Write(scratch[:4])
		case Float64:
			le.PutUint64(scratch[:], math.Float64bits(v))
			w.Write(scratch[:8])
		default:
			return fmt.Errorf("unsupported datatype %s", dtype)
		}
	}
	return nil
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}
