package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"ctorganprep/internal/models"
)

const (
	headerSize = 348
	dataOffset = 352
)

// Datatype is the NIfTI-1 voxel type code
type Datatype int16

const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Int8    Datatype = 256
	Uint16  Datatype = 512
	Uint32  Datatype = 768
)

// Bitpix returns the storage width in bits, or 0 for unsupported types
func (d Datatype) Bitpix() int16 {
	switch d {
	case Uint8, Int8:
		return 8
	case Int16, Uint16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Float64:
		return 64
	}
	return 0
}

func (d Datatype) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	}
	return fmt.Sprintf("datatype(%d)", int16(d))
}

// header1 mirrors the 348-byte NIfTI-1 header field by field
type header1 struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// byteOrder detects the header endianness from sizeof_hdr
func byteOrder(raw []byte) (binary.ByteOrder, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("header too short: %d bytes", len(raw))
	}
	switch {
	case binary.LittleEndian.Uint32(raw[:4]) == headerSize:
		return binary.LittleEndian, nil
	case binary.BigEndian.Uint32(raw[:4]) == headerSize:
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("not a NIfTI-1 header")
}

func decodeHeader(raw []byte) (*header1, binary.ByteOrder, error) {
	order, err := byteOrder(raw)
	if err != nil {
		return nil, nil, err
	}
	h := &header1{}
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, h); err != nil {
		return nil, nil, fmt.Errorf("error decoding header: %w", err)
	}
	return h, order, nil
}

func (h *header1) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("error encoding header: %w", err)
	}
	return buf.Bytes(), nil
}

// NewHeader builds a minimal single-file NIfTI-1 header for a float32 volume
// with the given grid and spacing and an aligned sform.
func NewHeader(dims models.Shape, spacing [3]float64) models.Header {
	h := &header1{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  int16(Float32),
		Bitpix:    Float32.Bitpix(),
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: 2 | 8, // mm, seconds
		QformCode: 1,
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim[0] = 3
	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		h.Dim[i+1] = int16(dims[i])
		h.Pixdim[i+1] = float32(spacing[i])
	}
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
	}
	h.SrowX = [4]float32{float32(spacing[0]), 0, 0, 0}
	h.SrowY = [4]float32{0, float32(spacing[1]), 0, 0}
	h.SrowZ = [4]float32{0, 0, float32(spacing[2]), 0}

	raw, err := h.encode()
	if err != nil {
		// a fixed-size struct cannot fail to encode into a buffer
		panic(err)
	}
	return models.Header{Raw: raw}
}

// dims returns the 3D grid, rejecting images with more than one volume
func (h *header1) dims() (models.Shape, error) {
	n := int(h.Dim[0])
	if n < 1 || n > 7 {
		return models.Shape{}, fmt.Errorf("invalid dim[0] = %d", n)
	}
	var s models.Shape
	for i := 0; i < 3; i++ {
		s[i] = 1
		if i < n && h.Dim[i+1] > 0 {
			s[i] = int(h.Dim[i+1])
		}
	}
	for i := 4; i <= n; i++ {
		if h.Dim[i] > 1 {
			return models.Shape{}, fmt.Errorf("unsupported %dD image with dim[%d] = %d", n, i, h.Dim[i])
		}
	}
	return s, nil
}

// affine follows the NIfTI-1 precedence: sform, then qform, then pixdim.
func (h *header1) affine() models.Affine {
	if h.SformCode > 0 {
		vals := make([]float64, 0, 16)
		for _, row := range [][4]float32{h.SrowX, h.SrowY, h.SrowZ} {
			for _, v := range row {
				vals = append(vals, float64(v))
			}
		}
		vals = append(vals, 0, 0, 0, 1)
		a, _ := models.NewAffine(vals)
		return a
	}
	if h.QformCode > 0 {
		return h.qformAffine()
	}
	return models.DiagonalAffine([3]float64{
		nonZero(h.Pixdim[1]), nonZero(h.Pixdim[2]), nonZero(h.Pixdim[3]),
	})
}

func (h *header1) qformAffine() models.Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation; renormalise b, c, d
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	dx, dy, dz := nonZero(h.Pixdim[1]), nonZero(h.Pixdim[2]), qfac*nonZero(h.Pixdim[3])

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	offset := [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)}
	vals := make([]float64, 0, 16)
	for i := 0; i < 3; i++ {
		vals = append(vals, r[i][0]*dx, r[i][1]*dy, r[i][2]*dz, offset[i])
	}
	vals = append(vals, 0, 0, 0, 1)
	aff, _ := models.NewAffine(vals)
	return aff
}

// forWrite derives the header of an output file from the source header:
// grid, type and sform follow the data being written, everything else is
// carried over.
func forWrite(src models.Header, dims models.Shape, dtype Datatype, affine models.Affine) (*header1, error) {
	var h *header1
	if src.IsZero() {
		decoded, _, err := decodeHeader(NewHeader(dims, affine.Spacing()).Raw)
		if err != nil {
			return nil, err
		}
		h = decoded
	} else {
		decoded, _, err := decodeHeader(src.Raw)
		if err != nil {
			return nil, err
		}
		h = decoded
	}

	h.SizeofHdr = headerSize
	h.Dim[0] = 3
	for i := 0; i < 3; i++ {
		h.Dim[i+1] = int16(dims[i])
	}
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
	}
	h.Datatype = int16(dtype)
	h.Bitpix = dtype.Bitpix()
	h.VoxOffset = dataOffset
	h.SclSlope = 1
	h.SclInter = 0
	h.Magic = [4]byte{'n', '+', '1', 0}

	vals := affine.Values()
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(vals[j])
		h.SrowY[j] = float32(vals[4+j])
		h.SrowZ[j] = float32(vals[8+j])
	}
	if h.SformCode <= 0 {
		h.SformCode = 2 // aligned
	}
	return h, nil
}

func nonZero(v float32) float64 {
	if v == 0 {
		return 1
	}
	return math.Abs(float64(v))
}
