package codec

import (
	"math"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"iwibridge/internal/models"
)

// ITK-Wasm image field names.
const (
	fieldImageType = "imageType"
	fieldName      = "name"
	fieldOrigin    = "origin"
	fieldSpacing   = "spacing"
	fieldDirection = "direction"
	fieldSize      = "size"
	fieldData      = "data"

	fieldDimension     = "dimension"
	fieldComponentType = "componentType"
	fieldPixelType     = "pixelType"
	fieldComponents    = "components"
)

var knownFields = map[string]bool{
	fieldImageType: true,
	fieldName:      true,
	fieldOrigin:    true,
	fieldSpacing:   true,
	fieldDirection: true,
	fieldSize:      true,
	fieldData:      true,
}

// Encode validates img, narrows its size and serializes it. A dimension above
// MaxSafeInteger fails with ErrSizeOverflow.
func Encode(img *models.Image) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	narrowed, err := models.Narrow(img)
	if err != nil {
		return nil, err
	}
	return EncodeNarrowed(narrowed)
}

// Decode parses a payload, widens its size and validates the result. Missing
// required fields and length mismatches fail with ErrMalformedPayload.
func Decode(data []byte) (*models.Image, error) {
	narrowed, err := DecodeNarrowed(data)
	if err != nil {
		return nil, err
	}
	img, err := models.Widen(narrowed)
	if err != nil {
		return nil, err
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// EncodeNarrowed serializes an image whose size is already narrowed. This is the
// form exchanged with the external shrink transform.
func EncodeNarrowed(n *models.NarrowedImage) ([]byte, error) {
	size := make([]uint64, len(n.Size))
	for i, s := range n.Size {
		w, err := models.WidenDimension(s)
		if err != nil {
			return nil, errors.Wrapf(err, "size[%d]", i)
		}
		size[i] = w
	}
	data, err := TypedArrayTag(n.ImageType.ComponentType, n.Data)
	if err != nil {
		return nil, err
	}

	components := n.ImageType.Components
	if components == 0 {
		components = 1
	}
	pixelType := n.ImageType.PixelType
	if pixelType == "" {
		pixelType = models.Scalar
	}

	fields := make(map[string]any, len(knownFields)+len(n.Unknown))
	for k, v := range n.Unknown {
		fields[k] = cbor.RawMessage(v)
	}
	fields[fieldImageType] = map[string]any{
		fieldDimension:     n.ImageType.Dimension,
		fieldComponentType: string(n.ImageType.ComponentType),
		fieldPixelType:     string(pixelType),
		fieldComponents:    components,
	}
	fields[fieldName] = n.Name
	fields[fieldOrigin] = orEmpty(n.Origin)
	fields[fieldSpacing] = orEmpty(n.Spacing)
	fields[fieldDirection] = cbor.Tag{Number: littleEndianTags[models.Float64], Content: float64LE(n.Direction)}
	fields[fieldSize] = size
	fields[fieldData] = data

	out, err := Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encoding image")
	}
	return out, nil
}

// DecodeNarrowed parses a payload without widening or validating it.
//
// Only size, imageType.componentType and data are required. A missing dimension
// is taken from the size, missing geometry defaults to zero origin, unit spacing
// and identity direction, a missing pixel type to a scalar with one component.
func DecodeNarrowed(payload []byte) (*models.NarrowedImage, error) {
	fields, err := Fields(payload)
	if err != nil {
		return nil, err
	}
	for _, required := range []string{fieldImageType, fieldSize, fieldData} {
		if _, ok := fields[required]; !ok {
			return nil, errors.Wrapf(models.ErrMalformedPayload, "missing field %q", required)
		}
	}

	n := &models.NarrowedImage{}
	if n.ImageType, err = decodeImageType(fields[fieldImageType]); err != nil {
		return nil, err
	}

	v, err := Value(fields[fieldSize])
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, errors.Wrapf(models.ErrMalformedPayload, "size is %T, want an array", v)
	}
	n.Size = make([]float64, len(items))
	for i, item := range items {
		if n.Size[i], err = Dimension(item); err != nil {
			return nil, errors.Wrapf(err, "size[%d]", i)
		}
	}
	d := len(n.Size)
	if n.ImageType.Dimension == 0 {
		n.ImageType.Dimension = d
	}

	if v, err = Value(fields[fieldData]); err != nil {
		return nil, err
	}
	ct, data, err := TypedArray(v)
	if err != nil {
		return nil, errors.Wrap(err, "data")
	}
	if ct != "" && ct != n.ImageType.ComponentType {
		return nil, errors.Wrapf(models.ErrMalformedPayload, "data is a %s typed array, component type is %s", ct, n.ImageType.ComponentType)
	}
	n.Data = slices.Clone(data)

	if n.Origin, err = optionalNumbers(fields, fieldOrigin, make([]float64, d)); err != nil {
		return nil, err
	}
	spacing := make([]float64, d)
	for i := range spacing {
		spacing[i] = 1
	}
	if n.Spacing, err = optionalNumbers(fields, fieldSpacing, spacing); err != nil {
		return nil, err
	}
	if n.Direction, err = optionalNumbers(fields, fieldDirection, models.IdentityDirection(d)); err != nil {
		return nil, err
	}

	if raw, ok := fields[fieldName]; ok {
		if v, err = Value(raw); err != nil {
			return nil, err
		}
		switch name := v.(type) {
		case string:
			n.Name = name
		case nil:
		default:
			return nil, errors.Wrapf(models.ErrMalformedPayload, "name is %T, want a string", v)
		}
	}

	for k, raw := range fields {
		if knownFields[k] {
			continue
		}
		if n.Unknown == nil {
			n.Unknown = make(map[string][]byte)
		}
		n.Unknown[k] = slices.Clone([]byte(raw))
	}
	return n, nil
}

func decodeImageType(raw cbor.RawMessage) (models.ImageType, error) {
	var t models.ImageType
	var fields map[string]cbor.RawMessage
	if err := Unmarshal(raw, &fields); err != nil {
		return t, errors.Wrap(err, "imageType")
	}

	ctRaw, ok := fields[fieldComponentType]
	if !ok {
		return t, errors.Wrap(models.ErrMalformedPayload, "missing field \"imageType.componentType\"")
	}
	var ct string
	if err := Unmarshal(ctRaw, &ct); err != nil {
		return t, errors.Wrap(err, "imageType.componentType")
	}
	t.ComponentType = models.ComponentType(ct)
	if _, err := t.ComponentType.Size(); err != nil {
		return t, err
	}

	t.PixelType = models.Scalar
	if raw, ok := fields[fieldPixelType]; ok {
		var pt string
		if err := Unmarshal(raw, &pt); err != nil {
			return t, errors.Wrap(err, "imageType.pixelType")
		}
		t.PixelType = models.PixelType(pt)
	}

	t.Components = 1
	for name, dst := range map[string]*int{fieldDimension: &t.Dimension, fieldComponents: &t.Components} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		v, err := Value(raw)
		if err != nil {
			return t, err
		}
		f, err := Number(v)
		if err != nil {
			return t, errors.Wrapf(err, "imageType.%s", name)
		}
		if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
			return t, errors.Wrapf(models.ErrMalformedPayload, "imageType.%s = %v", name, f)
		}
		*dst = int(f)
	}
	return t, nil
}

func optionalNumbers(fields map[string]cbor.RawMessage, name string, fallback []float64) ([]float64, error) {
	raw, ok := fields[name]
	if !ok {
		return fallback, nil
	}
	v, err := Value(raw)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return fallback, nil
	}
	values, err := Numbers(v)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	return values, nil
}

func orEmpty(values []float64) []float64 {
	if values == nil {
		return []float64{}
	}
	return values
}
