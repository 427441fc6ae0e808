package models

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// MaxSafeInteger is the largest integer a float64 represents exactly along with
// all of its predecessors (2^53-1). Dimensions above it cannot be narrowed.
const MaxSafeInteger = 1<<53 - 1

// NarrowedImage is an Image whose size has been narrowed to float64 so it can pass
// through transports that only carry double-precision numbers, such as the external
// shrink transform. Every other field has the same meaning as in Image.
type NarrowedImage struct {
	ImageType ImageType
	Name      string
	Origin    []float64
	Spacing   []float64
	Direction []float64
	Size      []float64
	Data      []byte
	Unknown   map[string][]byte
}

// Narrow returns a private copy of img with every size entry converted to float64.
// A dimension above MaxSafeInteger fails with ErrSizeOverflow instead of losing
// precision.
func Narrow(img *Image) (*NarrowedImage, error) {
	size := make([]float64, len(img.Size))
	for i, s := range img.Size {
		if s > MaxSafeInteger {
			return nil, errors.Wrapf(ErrSizeOverflow, "size[%d] = %d exceeds %d", i, s, uint64(MaxSafeInteger))
		}
		size[i] = float64(s)
	}

	return &NarrowedImage{
		ImageType: img.ImageType,
		Name:      img.Name,
		Origin:    slices.Clone(img.Origin),
		Spacing:   slices.Clone(img.Spacing),
		Direction: slices.Clone(img.Direction),
		Size:      size,
		Data:      slices.Clone(img.Data),
		Unknown:   cloneUnknown(img.Unknown),
	}, nil
}

// Widen returns a private copy of n with every size entry converted back to uint64.
// Entries above MaxSafeInteger fail with ErrSizeOverflow; negative, fractional or
// non-finite entries fail with ErrMalformedPayload.
func Widen(n *NarrowedImage) (*Image, error) {
	size := make([]uint64, len(n.Size))
	for i, s := range n.Size {
		w, err := WidenDimension(s)
		if err != nil {
			return nil, errors.Wrapf(err, "size[%d]", i)
		}
		size[i] = w
	}

	return &Image{
		ImageType: n.ImageType,
		Name:      n.Name,
		Origin:    slices.Clone(n.Origin),
		Spacing:   slices.Clone(n.Spacing),
		Direction: slices.Clone(n.Direction),
		Size:      size,
		Data:      slices.Clone(n.Data),
		Unknown:   cloneUnknown(n.Unknown),
	}, nil
}

// WidenDimension converts one narrowed dimension back to uint64.
func WidenDimension(s float64) (uint64, error) {
	switch {
	case math.IsNaN(s) || math.IsInf(s, 0):
		return 0, errors.Wrapf(ErrMalformedPayload, "dimension %v is not finite", s)
	case s < 0:
		return 0, errors.Wrapf(ErrMalformedPayload, "dimension %v is negative", s)
	case s != math.Trunc(s):
		return 0, errors.Wrapf(ErrMalformedPayload, "dimension %v is not an integer", s)
	case s > MaxSafeInteger:
		return 0, errors.Wrapf(ErrSizeOverflow, "dimension %v exceeds %d", s, uint64(MaxSafeInteger))
	}
	return uint64(s), nil
}
