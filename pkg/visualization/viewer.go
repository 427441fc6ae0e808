// Package visualization writes grayscale previews of image volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"iwibridge/internal/models"
)

// Viewer extracts axis-aligned slices from a scalar 3D image.
type Viewer struct {
	// volumeData holds the voxel intensities, x varying fastest
	volumeData []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// intensity range used to normalise slices
	lo, hi float64
}

// NewViewer creates a viewer over a scalar image of dimension 2 or 3. A 2D image
// is treated as a single z slice.
func NewViewer(img *models.Image) (*Viewer, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if img.ImageType.Components != 1 {
		return nil, errors.Errorf("cannot preview %d component pixels", img.ImageType.Components)
	}
	d := len(img.Size)
	if d < 2 || d > 3 {
		return nil, errors.Errorf("cannot preview a %d dimensional image", d)
	}

	dims := []int{1, 1, 1}
	for i, s := range img.Size {
		if s > math.MaxInt32 {
			return nil, errors.Wrapf(models.ErrSizeOverflow, "size[%d] = %d", i, s)
		}
		dims[i] = int(s)
	}
	samples, err := img.Samples()
	if err != nil {
		return nil, err
	}

	v := &Viewer{
		volumeData: samples,
		width:      dims[0],
		height:     dims[1],
		depth:      dims[2],
	}
	if len(samples) > 0 {
		v.lo, v.hi = floats.Min(samples), floats.Max(samples)
	}
	return v, nil
}

// Dims returns the width, height and depth of the volume.
func (v *Viewer) Dims() (int, int, int) {
	return v.width, v.height, v.depth
}

// gray maps an intensity onto the full 16 bit range.
func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	n := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, n)) * 65535))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, errors.New("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return nil, errors.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				idx := z*v.width*v.height + y*v.width + position
				img.SetGray16(z, y, v.gray(v.volumeData[idx]))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, errors.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				idx := z*v.width*v.height + position*v.width + x
				img.SetGray16(x, z, v.gray(v.volumeData[idx]))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return nil, errors.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				idx := position*v.width*v.height + y*v.width + x
				img.SetGray16(x, y, v.gray(v.volumeData[idx]))
			}
		}

	default:
		return nil, errors.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		return errors.Wrapf(err, "encoding %s", filename)
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return 0, errors.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	return maxPos, nil
}
