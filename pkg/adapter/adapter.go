// Package adapter converts between the viewer's NIfTI volume model (header plus flat
// buffer) and the ITK-Wasm image model.
//
// Both models store voxels row-major with axis 0 varying fastest, so the pixel
// buffer is copied without reordering or byte swapping. The conversions are pure:
// inputs are never modified and every result owns freshly allocated buffers.
//
// Handedness: when ToImage is asked to flip, it negates physical axis 0 (row 0 of
// the direction matrix and the first origin coordinate). ToVolume never flips;
// callers that flipped on the way in apply FlipHandedness before ToVolume to undo
// it. The flip is its own inverse.
package adapter

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"iwibridge/internal/models"
)

// spatialDims is the number of axes NIfTI gives a physical orientation.
const spatialDims = 3

// maxDims is the number of axes a NIfTI-1 header can describe.
const maxDims = 7

// ToImage converts a NIfTI header and its voxel buffer into an Image.
//
// The orientation is taken from the sform when its code is set, otherwise from the
// qform, otherwise it is the identity with a zero origin. A transform whose block
// over the image axes is singular, such as the sform of a coronal 2D slice, is
// skipped in favour of the next one. Axes beyond the third get an identity
// direction and a zero origin. Spacing is the absolute value of pixdim, with 0
// replaced by 1.
func ToImage(hdr models.NiftiHeader, data []byte, flipHandedness bool) (*models.Image, error) {
	vol := models.Volume{Header: hdr, Data: data}
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	imageType, err := ImageTypeForDatatype(hdr.Datatype)
	if err != nil {
		return nil, err
	}
	dims, err := hdr.Dims()
	if err != nil {
		return nil, err
	}

	d := len(dims)
	imageType.Dimension = d
	img := &models.Image{
		ImageType: imageType,
		Name:      hdr.Description(),
		Spacing:   make([]float64, d),
		Size:      make([]uint64, d),
		Data:      slices.Clone(data),
	}
	for i, n := range dims {
		img.Size[i] = uint64(n)
		sp := math.Abs(float64(hdr.Pixdim[i+1]))
		if sp == 0 {
			sp = 1
		}
		img.Spacing[i] = sp
	}

	img.Direction, img.Origin = orientation(&hdr, d)

	if flipHandedness {
		flipAxis0(img)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// ToVolume converts an Image into a NIfTI header and voxel buffer.
//
// Both the sform (direction scaled by spacing) and the equivalent qform are written
// with the scanner-anatomical code. Extents must fit the int16 fields of the header.
func ToVolume(img *models.Image) (*models.Volume, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	datatype, err := DatatypeForImageType(img.ImageType)
	if err != nil {
		return nil, err
	}
	bitpix, _ := models.DatatypeBitpix(datatype)

	d := len(img.Size)
	if d > maxDims {
		return nil, errors.Wrapf(models.ErrMalformedPayload, "%d dimensions, nifti supports at most %d", d, maxDims)
	}

	var hdr models.NiftiHeader
	hdr.SizeofHdr = models.HeaderSize
	hdr.Regular = 'r'
	hdr.Datatype = datatype
	hdr.Bitpix = bitpix
	hdr.Dim[0] = int16(d)
	for i := 1; i < len(hdr.Dim); i++ {
		hdr.Dim[i] = 1
		hdr.Pixdim[i] = 1
	}
	for i, s := range img.Size {
		if s > math.MaxInt16 {
			return nil, errors.Wrapf(models.ErrSizeOverflow, "size[%d] = %d does not fit a nifti header", i, s)
		}
		hdr.Dim[i+1] = int16(s)
		hdr.Pixdim[i+1] = float32(img.Spacing[i])
	}
	hdr.SclSlope = 1
	hdr.XyztUnits = models.UnitsMM
	if d > spatialDims {
		hdr.XyztUnits |= models.UnitsSec
	}
	hdr.SetDescription(img.Name)

	rotation := mat.NewDense(spatialDims, spatialDims, models.IdentityDirection(spatialDims))
	scale := []float64{1, 1, 1}
	origin := make([]float64, spatialDims)
	for r := 0; r < min(d, spatialDims); r++ {
		scale[r] = img.Spacing[r]
		origin[r] = img.Origin[r]
		for c := 0; c < min(d, spatialDims); c++ {
			rotation.Set(r, c, img.Direction[r*d+c])
		}
	}

	var affine mat.Dense
	affine.Mul(rotation, mat.NewDiagDense(spatialDims, scale))
	rows := []*[4]float32{&hdr.SrowX, &hdr.SrowY, &hdr.SrowZ}
	for r, row := range rows {
		for c := 0; c < spatialDims; c++ {
			row[c] = float32(affine.At(r, c))
		}
		row[3] = float32(origin[r])
	}
	hdr.SformCode = models.XformScannerAnat

	b, c, qd, qfac := rotationToQuatern(rotation)
	hdr.QformCode = models.XformScannerAnat
	hdr.QuaternB, hdr.QuaternC, hdr.QuaternD = float32(b), float32(c), float32(qd)
	hdr.QoffsetX, hdr.QoffsetY, hdr.QoffsetZ = float32(origin[0]), float32(origin[1]), float32(origin[2])
	hdr.Pixdim[0] = float32(qfac)

	vol := &models.Volume{Header: hdr, Data: slices.Clone(img.Data)}
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	return vol, nil
}

// FlipHandedness returns a copy of img with physical axis 0 negated.
func FlipHandedness(img *models.Image) *models.Image {
	out := img.Clone()
	flipAxis0(out)
	return out
}

func flipAxis0(img *models.Image) {
	d := len(img.Size)
	if d == 0 || len(img.Direction) < d || len(img.Origin) == 0 {
		return
	}
	floats.Scale(-1, img.Direction[:d])
	img.Origin[0] = -img.Origin[0]
}

// orientation returns the d×d direction and the origin described by hdr: the
// sform, then the qform, then the identity with a zero origin.
func orientation(hdr *models.NiftiHeader, d int) ([]float64, []float64) {
	if hdr.SformCode > models.XformUnknown {
		rows := [][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
		affine := mat.NewDense(spatialDims, spatialDims, nil)
		origin := make([]float64, spatialDims)
		for r, row := range rows {
			for c := 0; c < spatialDims; c++ {
				affine.Set(r, c, float64(row[c]))
			}
			origin[r] = float64(row[3])
		}
		if dir, org, ok := embed(normalizeColumns(affine), origin, d); ok {
			return dir, org
		}
	}

	if hdr.QformCode > models.XformUnknown {
		rotation := quaternToRotation(
			float64(hdr.QuaternB), float64(hdr.QuaternC), float64(hdr.QuaternD), float64(hdr.Pixdim[0]))
		origin := []float64{float64(hdr.QoffsetX), float64(hdr.QoffsetY), float64(hdr.QoffsetZ)}
		if dir, org, ok := embed(rotation, origin, d); ok {
			return dir, org
		}
	}

	return models.IdentityDirection(d), make([]float64, d)
}

// embed places the top-left block of a 3x3 rotation into a d×d identity and the
// matching origin coordinates into a zero origin. It reports false when the
// resulting direction is singular.
func embed(rotation mat.Matrix, origin []float64, d int) ([]float64, []float64, bool) {
	dir := models.IdentityDirection(d)
	org := make([]float64, d)
	for r := 0; r < min(d, spatialDims); r++ {
		org[r] = origin[r]
		for c := 0; c < min(d, spatialDims); c++ {
			dir[r*d+c] = rotation.At(r, c)
		}
	}
	if mat.Det(mat.NewDense(d, d, slices.Clone(dir))) == 0 {
		return nil, nil, false
	}
	return dir, org, true
}

// normalizeColumns divides every column of m by its Euclidean norm. A zero column
// becomes the matching identity column.
func normalizeColumns(m *mat.Dense) *mat.Dense {
	rows, cols := m.Dims()
	for c := 0; c < cols; c++ {
		col := mat.Col(nil, c, m)
		norm := floats.Norm(col, 2)
		if norm == 0 {
			col = make([]float64, rows)
			col[c] = 1
		} else {
			floats.Scale(1/norm, col)
		}
		m.SetCol(c, col)
	}
	return m
}
