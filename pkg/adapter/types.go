package adapter

import (
	"github.com/pkg/errors"

	"iwibridge/internal/models"
)

// typeMapping pairs a NIfTI datatype code with the ITK-Wasm pixel layout it stores.
type typeMapping struct {
	Datatype      int16
	ComponentType models.ComponentType
	PixelType     models.PixelType
	Components    int
}

// typeTable is the complete set of conversions. Datatypes that are absent
// (complex, float128) and pixel layouts that are absent (vectors, tensors) are
// rejected with ErrUnsupportedComponentType in both directions.
var typeTable = []typeMapping{
	{models.DTUint8, models.UInt8, models.Scalar, 1},
	{models.DTInt8, models.Int8, models.Scalar, 1},
	{models.DTInt16, models.Int16, models.Scalar, 1},
	{models.DTUint16, models.UInt16, models.Scalar, 1},
	{models.DTInt32, models.Int32, models.Scalar, 1},
	{models.DTUint32, models.UInt32, models.Scalar, 1},
	{models.DTInt64, models.Int64, models.Scalar, 1},
	{models.DTUint64, models.UInt64, models.Scalar, 1},
	{models.DTFloat32, models.Float32, models.Scalar, 1},
	{models.DTFloat64, models.Float64, models.Scalar, 1},
	{models.DTRGB24, models.UInt8, models.RGB, 3},
	{models.DTRGBA32, models.UInt8, models.RGBA, 4},
}

// ImageTypeForDatatype returns the pixel layout stored by a NIfTI datatype code.
func ImageTypeForDatatype(code int16) (models.ImageType, error) {
	for _, m := range typeTable {
		if m.Datatype == code {
			return models.ImageType{
				ComponentType: m.ComponentType,
				PixelType:     m.PixelType,
				Components:    m.Components,
			}, nil
		}
	}
	return models.ImageType{}, errors.Wrapf(models.ErrUnsupportedComponentType, "nifti datatype %d", code)
}

// DatatypeForImageType returns the NIfTI datatype code storing a pixel layout.
// An empty pixel type and a zero component count are read as a scalar.
func DatatypeForImageType(t models.ImageType) (int16, error) {
	pixel := t.PixelType
	if pixel == "" {
		pixel = models.Scalar
	}
	components := t.Components
	if components == 0 {
		components = 1
	}

	for _, m := range typeTable {
		if m.ComponentType == t.ComponentType && m.PixelType == pixel && m.Components == components {
			return m.Datatype, nil
		}
	}
	return 0, errors.Wrapf(models.ErrUnsupportedComponentType,
		"%s pixels with %d %s components", pixel, components, t.ComponentType)
}
