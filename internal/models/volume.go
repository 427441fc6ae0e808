package models

import (
	"bytes"
	"math/bits"

	"github.com/pkg/errors"
)

// NIfTI-1 datatype codes.
const (
	DTUint8      int16 = 2
	DTInt16      int16 = 4
	DTInt32      int16 = 8
	DTFloat32    int16 = 16
	DTComplex64  int16 = 32
	DTFloat64    int16 = 64
	DTRGB24      int16 = 128
	DTInt8       int16 = 256
	DTUint16     int16 = 512
	DTUint32     int16 = 768
	DTInt64      int16 = 1024
	DTUint64     int16 = 1280
	DTFloat128   int16 = 1536
	DTComplex128 int16 = 1792
	DTComplex256 int16 = 2048
	DTRGBA32     int16 = 2304
)

// datatypeBitpix is the storage width of every NIfTI-1 datatype.
var datatypeBitpix = map[int16]int16{
	DTUint8:      8,
	DTInt16:      16,
	DTInt32:      32,
	DTFloat32:    32,
	DTComplex64:  64,
	DTFloat64:    64,
	DTRGB24:      24,
	DTInt8:       8,
	DTUint16:     16,
	DTUint32:     32,
	DTInt64:      64,
	DTUint64:     64,
	DTFloat128:   128,
	DTComplex128: 128,
	DTComplex256: 256,
	DTRGBA32:     32,
}

// DatatypeBitpix returns the number of bits per voxel for a NIfTI datatype code.
func DatatypeBitpix(code int16) (int16, bool) {
	b, ok := datatypeBitpix[code]
	return b, ok
}

// NIfTI-1 transform codes and units.
const (
	XformUnknown     int16 = 0
	XformScannerAnat int16 = 1

	UnitsMM  byte = 2
	UnitsSec byte = 8
)

// HeaderSize is the size of the NIfTI-1 header in bytes.
const HeaderSize = 348

// MagicSingleFile is the magic string of a single-file (.nii) NIfTI-1 image.
var MagicSingleFile = [4]byte{'n', '+', '1', 0}

// NiftiHeader is the fixed NIfTI-1 header. Field order and widths match the on-disk
// layout exactly so the struct can be read and written with encoding/binary.
type NiftiHeader struct {
	SizeofHdr    int32
	DataType     [10]byte
	DbName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte

	// Dim[0] is the number of dimensions, Dim[1..Dim[0]] the extent of each axis
	Dim [8]int16

	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16

	// Datatype is the NIfTI datatype code of each voxel
	Datatype int16

	// Bitpix is the number of bits per voxel
	Bitpix     int16
	SliceStart int16

	// Pixdim[0] is the qform handedness factor qfac, Pixdim[1..] the voxel spacing
	Pixdim [8]float32

	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte

	QformCode int16
	SformCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QoffsetX float32
	QoffsetY float32
	QoffsetZ float32

	SrowX [4]float32
	SrowY [4]float32
	SrowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// Dims returns the axis extents Dim[1..Dim[0]].
func (h *NiftiHeader) Dims() ([]int, error) {
	n := int(h.Dim[0])
	if n < 1 || n > 7 {
		return nil, errors.Wrapf(ErrMalformedPayload, "dim[0] = %d, want 1..7", n)
	}
	dims := make([]int, n)
	for i := range dims {
		if h.Dim[i+1] < 1 {
			return nil, errors.Wrapf(ErrMalformedPayload, "dim[%d] = %d, want >= 1", i+1, h.Dim[i+1])
		}
		dims[i] = int(h.Dim[i+1])
	}
	return dims, nil
}

// Description returns Descrip up to the first NUL byte.
func (h *NiftiHeader) Description() string {
	return cString(h.Descrip[:])
}

// SetDescription stores s in Descrip, truncated to fit with a terminating NUL.
func (h *NiftiHeader) SetDescription(s string) {
	h.Descrip = [80]byte{}
	copy(h.Descrip[:len(h.Descrip)-1], s)
}

// DataLength returns the number of data bytes implied by the header.
func (h *NiftiHeader) DataLength() (uint64, error) {
	dims, err := h.Dims()
	if err != nil {
		return 0, err
	}
	bitpix, ok := DatatypeBitpix(h.Datatype)
	if !ok {
		return 0, errors.Wrapf(ErrUnsupportedComponentType, "nifti datatype %d", h.Datatype)
	}
	if h.Bitpix != bitpix {
		return 0, errors.Wrapf(ErrMalformedPayload, "bitpix %d does not match datatype %d (%d bits)", h.Bitpix, h.Datatype, bitpix)
	}

	n := uint64(bitpix / 8)
	for _, d := range dims {
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 {
			return 0, errors.Wrap(ErrMalformedPayload, "data length overflows uint64")
		}
		n = lo
	}
	return n, nil
}

// Volume is the header plus flat voxel buffer held by the viewer for a loaded
// NIfTI image.
type Volume struct {
	// Header is the NIfTI-1 header
	Header NiftiHeader

	// Data is the voxel buffer in little-endian byte order
	Data []byte
}

// Validate checks that the header extents and datatype agree with the buffer.
func (v *Volume) Validate() error {
	want, err := v.Header.DataLength()
	if err != nil {
		return err
	}
	if uint64(len(v.Data)) != want {
		return errors.Wrapf(ErrMalformedPayload, "volume data has %d bytes, header requires %d", len(v.Data), want)
	}
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
