package models

import (
	"encoding/binary"
	"math"
	"math/bits"
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

// ComponentType is the numeric type of a single pixel component.
type ComponentType string

// Component types understood by the bridge. The string values are the ones used
// on the wire by ITK-Wasm.
const (
	Int8    ComponentType = "int8"
	UInt8   ComponentType = "uint8"
	Int16   ComponentType = "int16"
	UInt16  ComponentType = "uint16"
	Int32   ComponentType = "int32"
	UInt32  ComponentType = "uint32"
	Int64   ComponentType = "int64"
	UInt64  ComponentType = "uint64"
	Float32 ComponentType = "float32"
	Float64 ComponentType = "float64"
)

var componentSizes = map[ComponentType]int{
	Int8:    1,
	UInt8:   1,
	Int16:   2,
	UInt16:  2,
	Int32:   4,
	UInt32:  4,
	Int64:   8,
	UInt64:  8,
	Float32: 4,
	Float64: 8,
}

// Size returns the width of the component type in bytes.
func (c ComponentType) Size() (int, error) {
	n, ok := componentSizes[c]
	if !ok {
		return 0, errors.Wrapf(ErrUnsupportedComponentType, "component type %q", string(c))
	}
	return n, nil
}

// PixelType describes how the components of a pixel are interpreted.
type PixelType string

const (
	Scalar PixelType = "Scalar"
	RGB    PixelType = "RGB"
	RGBA   PixelType = "RGBA"
	Vector PixelType = "Vector"
)

// ImageType is the ITK-Wasm image type descriptor.
type ImageType struct {
	// Dimension is the number of image axes
	Dimension int

	// ComponentType is the numeric type of each pixel component
	ComponentType ComponentType

	// PixelType is the interpretation of the pixel components
	PixelType PixelType

	// Components is the number of components per pixel (1 for scalar images)
	Components int
}

// Image is the structured, self-describing image model used by ITK-Wasm.
//
// Voxels are stored in Data in row-major order with axis 0 varying fastest, the
// same order NIfTI uses, so conversions never reorder the buffer.
type Image struct {
	// ImageType describes the pixel layout
	ImageType ImageType

	// Name is a free-form label carried with the image
	Name string

	// Origin is the physical position of the first voxel, one entry per axis
	Origin []float64

	// Spacing is the physical distance between voxels, one entry per axis
	Spacing []float64

	// Direction is the d×d matrix of axis cosines in row-major order:
	// Direction[r*d+c] is the component along physical axis r of image axis c
	Direction []float64

	// Size is the number of voxels along each axis
	Size []uint64

	// Data is the little-endian pixel buffer
	Data []byte

	// Unknown holds wire fields this package does not interpret, keyed by field
	// name, as raw encoded items. They are re-emitted verbatim on encode.
	Unknown map[string][]byte
}

// components returns the number of components per pixel, treating 0 as 1.
func (t ImageType) components() int {
	if t.Components <= 0 {
		return 1
	}
	return t.Components
}

// NumberOfPixels returns the product of Size.
func (img *Image) NumberOfPixels() (uint64, error) {
	return pixelCount(img.Size)
}

// ExpectedDataLength returns the buffer length implied by Size and ImageType.
func (img *Image) ExpectedDataLength() (uint64, error) {
	width, err := img.ImageType.ComponentType.Size()
	if err != nil {
		return 0, err
	}
	n, err := img.NumberOfPixels()
	if err != nil {
		return 0, err
	}
	hi, total := bits.Mul64(n, uint64(width*img.ImageType.components()))
	if hi != 0 {
		return 0, errors.Wrap(ErrMalformedPayload, "buffer length overflows uint64")
	}
	return total, nil
}

// Validate checks the structural invariants of the image. All violations are
// reported together, wrapped in ErrMalformedPayload; an unknown component type is
// reported as ErrUnsupportedComponentType.
func (img *Image) Validate() error {
	if _, err := img.ImageType.ComponentType.Size(); err != nil {
		return err
	}

	d := len(img.Size)
	var errs error
	if d == 0 {
		errs = multierr.Append(errs, errors.New("size is empty"))
	}
	if img.ImageType.Dimension != d {
		errs = multierr.Append(errs, errors.Errorf("dimension %d does not match %d size entries", img.ImageType.Dimension, d))
	}
	if len(img.Spacing) != d {
		errs = multierr.Append(errs, errors.Errorf("spacing has %d entries, want %d", len(img.Spacing), d))
	}
	if len(img.Origin) != d {
		errs = multierr.Append(errs, errors.Errorf("origin has %d entries, want %d", len(img.Origin), d))
	}
	if len(img.Direction) != d*d {
		errs = multierr.Append(errs, errors.Errorf("direction has %d entries, want %d", len(img.Direction), d*d))
	} else if d > 0 && mat.Det(mat.NewDense(d, d, slices.Clone(img.Direction))) == 0 {
		errs = multierr.Append(errs, errors.New("direction matrix is singular"))
	}
	if img.ImageType.Components < 0 {
		errs = multierr.Append(errs, errors.Errorf("negative component count %d", img.ImageType.Components))
	}

	want, err := img.ExpectedDataLength()
	switch {
	case err != nil:
		errs = multierr.Append(errs, err)
	case uint64(len(img.Data)) != want:
		errs = multierr.Append(errs, errors.Errorf("data has %d bytes, size and component type require %d", len(img.Data), want))
	}

	if errs != nil {
		return errors.Wrap(ErrMalformedPayload, errs.Error())
	}
	return nil
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	out := *img
	out.Origin = slices.Clone(img.Origin)
	out.Spacing = slices.Clone(img.Spacing)
	out.Direction = slices.Clone(img.Direction)
	out.Size = slices.Clone(img.Size)
	out.Data = slices.Clone(img.Data)
	out.Unknown = cloneUnknown(img.Unknown)
	return &out
}

// Samples decodes the pixel buffer into float64 values, one per component.
func (img *Image) Samples() ([]float64, error) {
	return DecodeSamples(img.Data, img.ImageType.ComponentType)
}

// DecodeSamples converts a little-endian buffer of the given component type into
// float64 values.
func DecodeSamples(data []byte, ct ComponentType) ([]float64, error) {
	width, err := ct.Size()
	if err != nil {
		return nil, err
	}
	if len(data)%width != 0 {
		return nil, errors.Wrapf(ErrMalformedPayload, "%d bytes is not a whole number of %s values", len(data), ct)
	}

	out := make([]float64, len(data)/width)
	le := binary.LittleEndian
	for i := range out {
		b := data[i*width:]
		switch ct {
		case Int8:
			out[i] = float64(int8(b[0]))
		case UInt8:
			out[i] = float64(b[0])
		case Int16:
			out[i] = float64(int16(le.Uint16(b)))
		case UInt16:
			out[i] = float64(le.Uint16(b))
		case Int32:
			out[i] = float64(int32(le.Uint32(b)))
		case UInt32:
			out[i] = float64(le.Uint32(b))
		case Int64:
			out[i] = float64(int64(le.Uint64(b)))
		case UInt64:
			out[i] = float64(le.Uint64(b))
		case Float32:
			out[i] = float64(math.Float32frombits(le.Uint32(b)))
		case Float64:
			out[i] = math.Float64frombits(le.Uint64(b))
		}
	}
	return out, nil
}

// IdentityDirection returns the row-major d×d identity matrix.
func IdentityDirection(d int) []float64 {
	dir := make([]float64, d*d)
	for i := 0; i < d; i++ {
		dir[i*d+i] = 1
	}
	return dir
}

func pixelCount(size []uint64) (uint64, error) {
	n := uint64(1)
	for _, s := range size {
		hi, lo := bits.Mul64(n, s)
		if hi != 0 {
			return 0, errors.Wrap(ErrMalformedPayload, "pixel count overflows uint64")
		}
		n = lo
	}
	return n, nil
}

func cloneUnknown(in map[string][]byte) map[string][]byte {
	if in == nil {
		return nil
	}
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}
