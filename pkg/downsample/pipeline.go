// Package downsample runs an external bin-shrink transform over an image.
//
// The pipeline validates the shrink factors, hands a narrowed private copy of the
// image to a Shrinker, widens the result and checks it against the shape law
//
//	size[i] == ceil(src.size[i] / factors[i])
//
// (or the floor form, see Rounding). Any failure of the transform, and any result
// breaking that contract, is reported as a *models.DownsampleError.
package downsample

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"iwibridge/internal/models"
)

// Shrinker is the external downsampling transform. Shrink is called once per run
// and blocks until the result is available. It receives a private copy of the
// image.
type Shrinker interface {
	Shrink(img *models.NarrowedImage, factors []int) (*models.NarrowedImage, error)
}

// ShrinkerFunc adapts a function to the Shrinker interface.
type ShrinkerFunc func(img *models.NarrowedImage, factors []int) (*models.NarrowedImage, error)

// Shrink calls f.
func (f ShrinkerFunc) Shrink(img *models.NarrowedImage, factors []int) (*models.NarrowedImage, error) {
	return f(img, factors)
}

// Rounding selects the output extent the transform is expected to produce for an
// axis whose length is not a multiple of its factor.
type Rounding int

const (
	// RoundCeil keeps the partial bin at the end of the axis.
	RoundCeil Rounding = iota
	// RoundFloor drops the partial bin, never going below one voxel. ITK's
	// BinShrinkImageFilter behaves this way.
	RoundFloor
)

func (r Rounding) String() string {
	switch r {
	case RoundCeil:
		return "ceil"
	case RoundFloor:
		return "floor"
	}
	return fmt.Sprintf("Rounding(%d)", int(r))
}

// ParseRounding parses "ceil" or "floor". An empty string is RoundCeil.
func ParseRounding(s string) (Rounding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ceil":
		return RoundCeil, nil
	case "floor":
		return RoundFloor, nil
	}
	return RoundCeil, errors.Errorf("unknown rounding %q, want ceil or floor", s)
}

// ExpectedSize applies the shape law to size. The inputs must already be valid.
func ExpectedSize(size []uint64, factors []int, r Rounding) []uint64 {
	out := make([]uint64, len(size))
	for i, s := range size {
		f := uint64(factors[i])
		switch r {
		case RoundFloor:
			out[i] = max(s/f, 1)
		default:
			out[i] = s / f
			if s%f != 0 {
				out[i]++
			}
		}
	}
	return out
}

// ValidateFactors checks that there is one factor of at least 1 per axis.
func ValidateFactors(size []uint64, factors []int) error {
	if len(factors) != len(size) {
		return errors.Wrapf(models.ErrInvalidShrinkFactor, "%d factors for a %d dimensional image", len(factors), len(size))
	}
	for i, f := range factors {
		if f < 1 {
			return errors.Wrapf(models.ErrInvalidShrinkFactor, "factor %d is %d, want at least 1", i, f)
		}
	}
	return nil
}

// Pipeline downsamples images with a Shrinker.
type Pipeline struct {
	shrinker Shrinker
	rounding Rounding
	logger   *zap.Logger
}

// NewPipeline returns a pipeline verifying results with the given rounding. A nil
// logger disables logging.
func NewPipeline(shrinker Shrinker, rounding Rounding, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{shrinker: shrinker, rounding: rounding, logger: logger}
}

// Run downsamples src by factors. src is never modified; on error no image is
// returned.
func (p *Pipeline) Run(src *models.Image, factors []int) (*models.Image, error) {
	if src == nil {
		return nil, errors.Wrap(models.ErrMalformedPayload, "nil image")
	}
	if err := ValidateFactors(src.Size, factors); err != nil {
		return nil, err
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	narrowed, err := models.Narrow(src)
	if err != nil {
		return nil, err
	}
	want := ExpectedSize(src.Size, factors, p.rounding)

	p.logger.Info("shrinking image",
		zap.String("name", src.Name),
		zap.Uint64s("size", src.Size),
		zap.Ints("factors", factors),
		zap.Stringer("rounding", p.rounding))

	out, err := p.shrinker.Shrink(narrowed, slices.Clone(factors))
	if err != nil {
		return nil, &models.DownsampleError{Cause: err}
	}
	if out == nil {
		return nil, &models.DownsampleError{Cause: errors.New("transform returned no image")}
	}

	img, err := models.Widen(out)
	if err != nil {
		return nil, &models.DownsampleError{Cause: err}
	}
	if err := img.Validate(); err != nil {
		return nil, &models.DownsampleError{Cause: err}
	}
	if img.ImageType.ComponentType != src.ImageType.ComponentType || img.ImageType.Components != src.ImageType.Components {
		return nil, &models.DownsampleError{Cause: errors.Errorf("transform changed the pixel type from %d×%s to %d×%s",
			src.ImageType.Components, src.ImageType.ComponentType, img.ImageType.Components, img.ImageType.ComponentType)}
	}
	if !slices.Equal(img.Size, want) {
		return nil, &models.DownsampleError{Cause: errors.Errorf("transform returned size %v, want %v (%s rounding)", img.Size, want, p.rounding)}
	}

	p.logger.Info("shrunk image", zap.Uint64s("size", img.Size))
	return img, nil
}
