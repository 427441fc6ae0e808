package codec

import (
	"encoding/binary"
	"math"
	"math/big"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"iwibridge/internal/models"
)

// typedArray describes an RFC 8746 typed array tag.
type typedArray struct {
	ComponentType models.ComponentType
	BigEndian     bool
}

var typedArrayTags = map[uint64]typedArray{
	64: {models.UInt8, false},
	65: {models.UInt16, true},
	66: {models.UInt32, true},
	67: {models.UInt64, true},
	68: {models.UInt8, false}, // clamped
	69: {models.UInt16, false},
	70: {models.UInt32, false},
	71: {models.UInt64, false},
	72: {models.Int8, false},
	73: {models.Int16, true},
	74: {models.Int32, true},
	75: {models.Int64, true},
	77: {models.Int16, false},
	78: {models.Int32, false},
	79: {models.Int64, false},
	81: {models.Float32, true},
	82: {models.Float64, true},
	85: {models.Float32, false},
	86: {models.Float64, false},
}

var littleEndianTags = map[models.ComponentType]uint64{
	models.UInt8:   64,
	models.UInt16:  69,
	models.UInt32:  70,
	models.UInt64:  71,
	models.Int8:    72,
	models.Int16:   77,
	models.Int32:   78,
	models.Int64:   79,
	models.Float32: 85,
	models.Float64: 86,
}

// TypedArrayTag returns a little-endian typed array wrapping data.
func TypedArrayTag(ct models.ComponentType, data []byte) (cbor.Tag, error) {
	number, ok := littleEndianTags[ct]
	if !ok {
		return cbor.Tag{}, errors.Wrapf(models.ErrUnsupportedComponentType, "component type %q", string(ct))
	}
	return cbor.Tag{Number: number, Content: data}, nil
}

// TypedArray extracts a buffer from a decoded CBOR value. A plain byte string is
// returned as is with an empty component type. A typed array tag is returned with
// its element type and converted to little-endian.
func TypedArray(v any) (models.ComponentType, []byte, error) {
	switch t := v.(type) {
	case []byte:
		return "", t, nil
	case cbor.Tag:
		info, ok := typedArrayTags[t.Number]
		if !ok {
			return "", nil, errors.Wrapf(models.ErrMalformedPayload, "unsupported typed array tag %d", t.Number)
		}
		content, ok := t.Content.([]byte)
		if !ok {
			return "", nil, errors.Wrapf(models.ErrMalformedPayload, "typed array tag %d does not wrap a byte string", t.Number)
		}
		width, _ := info.ComponentType.Size()
		if len(content)%width != 0 {
			return "", nil, errors.Wrapf(models.ErrMalformedPayload, "typed array of %d bytes is not a whole number of %s", len(content), info.ComponentType)
		}
		if info.BigEndian && width > 1 {
			content = slices.Clone(content)
			for i := 0; i < len(content); i += width {
				slices.Reverse(content[i : i+width])
			}
		}
		return info.ComponentType, content, nil
	}
	return "", nil, errors.Wrapf(models.ErrMalformedPayload, "expected a byte string or typed array, got %T", v)
}

// Number converts a decoded CBOR number to float64.
func Number(v any) (float64, error) {
	switch n := v.(type) {
	case uint64:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case big.Int:
		f, _ := new(big.Float).SetInt(&n).Float64()
		return f, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, nil
	}
	return 0, errors.Wrapf(models.ErrMalformedPayload, "expected a number, got %T", v)
}

// Numbers converts a decoded CBOR array of numbers, or a numeric typed array, to
// float64 values.
func Numbers(v any) ([]float64, error) {
	if items, ok := v.([]any); ok {
		out := make([]float64, len(items))
		for i, item := range items {
			n, err := Number(item)
			if err != nil {
				return nil, errors.Wrapf(err, "element %d", i)
			}
			out[i] = n
		}
		return out, nil
	}

	ct, data, err := TypedArray(v)
	if err != nil {
		return nil, err
	}
	if ct == "" {
		return nil, errors.Wrap(models.ErrMalformedPayload, "untyped byte string where numbers were expected")
	}
	return models.DecodeSamples(data, ct)
}

// Dimension converts a decoded CBOR size entry to its narrowed float64 form
// without passing through a lossy conversion: integers above MaxSafeInteger fail
// with ErrSizeOverflow.
func Dimension(v any) (float64, error) {
	switch n := v.(type) {
	case uint64:
		if n > models.MaxSafeInteger {
			return 0, errors.Wrapf(models.ErrSizeOverflow, "dimension %d", n)
		}
		return float64(n), nil
	case int64:
		if n < 0 {
			return 0, errors.Wrapf(models.ErrMalformedPayload, "dimension %d is negative", n)
		}
		return float64(n), nil
	case big.Int:
		return bigDimension(&n)
	case *big.Int:
		return bigDimension(n)
	}
	return Number(v)
}

func bigDimension(n *big.Int) (float64, error) {
	if n.Sign() < 0 {
		return 0, errors.Wrapf(models.ErrMalformedPayload, "dimension %s is negative", n)
	}
	if !n.IsUint64() || n.Uint64() > models.MaxSafeInteger {
		return 0, errors.Wrapf(models.ErrSizeOverflow, "dimension %s", n)
	}
	return float64(n.Uint64()), nil
}

// float64LE packs values as little-endian float64.
func float64LE(values []float64) []byte {
	out := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}
