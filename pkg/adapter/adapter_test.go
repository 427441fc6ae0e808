package adapter

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"iwibridge/internal/models"
)

// createTestVolume creates a float32 volume with the given extents, a diagonal sform
// and voxel values equal to their linear index
func createTestVolume(dims ...int16) *models.Volume {
	n := 1
	var hdr models.NiftiHeader
	hdr.Dim[0] = int16(len(dims))
	for i, d := range dims {
		hdr.Dim[i+1] = d
		hdr.Pixdim[i+1] = float32(i + 1)
		n *= int(d)
	}
	hdr.Datatype = models.DTFloat32
	hdr.Bitpix = 32
	hdr.SformCode = models.XformScannerAnat
	hdr.SrowX = [4]float32{1, 0, 0, -90}
	hdr.SrowY = [4]float32{0, 2, 0, -126}
	hdr.SrowZ = [4]float32{0, 0, 3, -72}

	data := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(i)))
	}
	return &models.Volume{Header: hdr, Data: data}
}

func TestToImage(t *testing.T) {
	vol := createTestVolume(64, 64, 40)

	img, err := ToImage(vol.Header, vol.Data, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{64, 64, 40}, img.Size)
	assert.Equal(t, 3, img.ImageType.Dimension)
	assert.Equal(t, models.Float32, img.ImageType.ComponentType)
	assert.Equal(t, models.Scalar, img.ImageType.PixelType)
	assert.Equal(t, []float64{1, 2, 3}, img.Spacing)
	assert.Equal(t, []float64{-90, -126, -72}, img.Origin)
	assert.Equal(t, models.IdentityDirection(3), img.Direction)
	assert.Equal(t, vol.Data, img.Data)

	// The image owns its buffer
	img.Data[0] = 0xff
	assert.NotEqual(t, byte(0xff), vol.Data[0])
}

func TestAdapterInverse(t *testing.T) {
	for _, dims := range [][]int16{{7}, {5, 4}, {64, 64, 40}, {3, 4, 5, 2}} {
		vol := createTestVolume(dims...)
		img, err := ToImage(vol.Header, vol.Data, false)
		require.NoError(t, err)

		back, err := ToVolume(img)
		require.NoError(t, err)

		wantDims, err := vol.Header.Dims()
		require.NoError(t, err)
		gotDims, err := back.Header.Dims()
		require.NoError(t, err)
		assert.Equal(t, wantDims, gotDims)
		assert.Equal(t, vol.Header.Datatype, back.Header.Datatype)
		assert.Equal(t, vol.Data, back.Data)
	}
}

func TestToVolumeGeometry(t *testing.T) {
	vol := createTestVolume(4, 4, 4)
	img, err := ToImage(vol.Header, vol.Data, false)
	require.NoError(t, err)

	back, err := ToVolume(img)
	require.NoError(t, err)
	assert.Equal(t, vol.Header.SrowX, back.Header.SrowX)
	assert.Equal(t, vol.Header.SrowY, back.Header.SrowY)
	assert.Equal(t, vol.Header.SrowZ, back.Header.SrowZ)
	assert.Equal(t, float32(1), back.Header.Pixdim[0])
	assert.Equal(t, float32(-90), back.Header.QoffsetX)

	// The qform alone must describe the same orientation
	back.Header.SformCode = models.XformUnknown
	fromQform, err := ToImage(back.Header, back.Data, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, img.Direction, fromQform.Direction, 1e-6)
	assert.Equal(t, img.Origin, fromQform.Origin)
}

func TestObliqueQformRoundTrip(t *testing.T) {
	// 30 degree rotation about z combined with a reflection of the third axis
	s, c := math.Sin(math.Pi/6), math.Cos(math.Pi/6)
	rotation := mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, -1,
	})
	b, qc, qd, qfac := rotationToQuatern(rotation)
	assert.Equal(t, -1.0, qfac)

	got := quaternToRotation(b, qc, qd, qfac)
	assert.True(t, mat.EqualApprox(rotation, got, 1e-9))
}

func TestFlipHandedness(t *testing.T) {
	vol := createTestVolume(4, 4, 4)
	// Rotation in the xy plane scaled by the pixdim spacing of 1 and 2
	vol.Header.SrowX = [4]float32{0.8, 1.2, 0, 10}
	vol.Header.SrowY = [4]float32{-0.6, 1.6, 0, 20}

	plain, err := ToImage(vol.Header, vol.Data, false)
	require.NoError(t, err)
	flipped, err := ToImage(vol.Header, vol.Data, true)
	require.NoError(t, err)

	assert.Equal(t, -plain.Origin[0], flipped.Origin[0])
	assert.Equal(t, plain.Origin[1:], flipped.Origin[1:])
	for c := 0; c < 3; c++ {
		assert.Equal(t, -plain.Direction[c], flipped.Direction[c])
	}
	assert.Equal(t, plain.Direction[3:], flipped.Direction[3:])

	// Flipping twice is the identity and undoes the flip applied on the way in
	unflipped := FlipHandedness(flipped)
	assert.Equal(t, plain.Direction, unflipped.Direction)
	assert.Equal(t, plain.Origin, unflipped.Origin)
	assert.Equal(t, -plain.Origin[0], flipped.Origin[0], "FlipHandedness must not modify its input")

	back, err := ToVolume(unflipped)
	require.NoError(t, err)
	assert.InDeltaSlice(t, vol.Header.SrowX[:], back.Header.SrowX[:], 1e-6)
	assert.InDeltaSlice(t, vol.Header.SrowY[:], back.Header.SrowY[:], 1e-6)
}

func TestNoOrientation(t *testing.T) {
	vol := createTestVolume(2, 2, 2)
	vol.Header.SformCode = 0
	img, err := ToImage(vol.Header, vol.Data, false)
	require.NoError(t, err)
	assert.Equal(t, models.IdentityDirection(3), img.Direction)
	assert.Equal(t, []float64{0, 0, 0}, img.Origin)
}

// createCoronalSlice creates a 2x2 uint8 slice whose sform maps the second image
// axis onto physical z, leaving a singular block over the two image axes
func createCoronalSlice() *models.Volume {
	var hdr models.NiftiHeader
	hdr.Dim = [8]int16{2, 2, 2, 1, 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	hdr.Datatype = models.DTUint8
	hdr.Bitpix = 8
	hdr.SformCode = models.XformScannerAnat
	hdr.SrowX = [4]float32{1, 0, 0, 0}
	hdr.SrowY = [4]float32{0, 0, 1, 0}
	hdr.SrowZ = [4]float32{0, 1, 0, 0}
	return &models.Volume{Header: hdr, Data: []byte{1, 2, 3, 4}}
}

func TestCoronalSliceInverse(t *testing.T) {
	vol := createCoronalSlice()

	img, err := ToImage(vol.Header, vol.Data, false)
	require.NoError(t, err)
	assert.Equal(t, models.IdentityDirection(2), img.Direction)
	assert.Equal(t, []float64{0, 0}, img.Origin)

	back, err := ToVolume(img)
	require.NoError(t, err)
	assert.Equal(t, vol.Header.Dim, back.Header.Dim)
	assert.Equal(t, vol.Header.Datatype, back.Header.Datatype)
	assert.Equal(t, vol.Data, back.Data)
}

func TestSingularSformFallsBackToQform(t *testing.T) {
	vol := createCoronalSlice()
	vol.Header.QformCode = models.XformScannerAnat
	vol.Header.Pixdim[0] = 1
	vol.Header.QoffsetX, vol.Header.QoffsetY = 5, -7

	img, err := ToImage(vol.Header, vol.Data, false)
	require.NoError(t, err)
	assert.Equal(t, models.IdentityDirection(2), img.Direction)
	assert.Equal(t, []float64{5, -7}, img.Origin)

	// A degenerate 3D sform, two parallel columns, is skipped the same way
	vol = createTestVolume(2, 2, 2)
	vol.Header.SrowX = [4]float32{1, 1, 0, 0}
	vol.Header.SrowY = [4]float32{1, 1, 0, 0}
	vol.Header.QformCode = models.XformScannerAnat
	vol.Header.QoffsetZ = 3
	img, err = ToImage(vol.Header, vol.Data, false)
	require.NoError(t, err)
	assert.Equal(t, models.IdentityDirection(3), img.Direction)
	assert.Equal(t, []float64{0, 0, 3}, img.Origin)
}

func TestUnsupportedComponentType(t *testing.T) {
	vol := createTestVolume(2, 2)
	vol.Header.Datatype = models.DTComplex64
	vol.Header.Bitpix = 64
	vol.Data = make([]byte, 2*2*8)
	_, err := ToImage(vol.Header, vol.Data, false)
	assert.True(t, errors.Is(err, models.ErrUnsupportedComponentType))

	img, err := ToImage(createTestVolume(2, 2).Header, createTestVolume(2, 2).Data, false)
	require.NoError(t, err)
	img.ImageType.PixelType = models.Vector
	img.ImageType.Components = 2
	img.ImageType.ComponentType = models.Int16
	_, err = ToVolume(img)
	assert.True(t, errors.Is(err, models.ErrUnsupportedComponentType))
}

func TestTypeTableIsBijective(t *testing.T) {
	for _, m := range typeTable {
		it, err := ImageTypeForDatatype(m.Datatype)
		require.NoError(t, err)
		code, err := DatatypeForImageType(it)
		require.NoError(t, err)
		assert.Equal(t, m.Datatype, code)

		bitpix, ok := models.DatatypeBitpix(m.Datatype)
		require.True(t, ok)
		width, err := m.ComponentType.Size()
		require.NoError(t, err)
		assert.Equal(t, int(bitpix), width*m.Components*8)
	}
}

func TestRGB(t *testing.T) {
	var hdr models.NiftiHeader
	hdr.Dim = [8]int16{2, 2, 1, 1, 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	hdr.Datatype = models.DTRGB24
	hdr.Bitpix = 24
	data := []byte{255, 0, 0, 0, 255, 0}

	img, err := ToImage(hdr, data, false)
	require.NoError(t, err)
	assert.Equal(t, models.RGB, img.ImageType.PixelType)
	assert.Equal(t, 3, img.ImageType.Components)

	back, err := ToVolume(img)
	require.NoError(t, err)
	assert.Equal(t, models.DTRGB24, back.Header.Datatype)
	assert.Equal(t, data, back.Data)
}

func TestToVolumeOverflow(t *testing.T) {
	img := &models.Image{
		ImageType: models.ImageType{Dimension: 1, ComponentType: models.UInt8, PixelType: models.Scalar, Components: 1},
		Origin:    []float64{0},
		Spacing:   []float64{1},
		Direction: []float64{1},
		Size:      []uint64{40000},
		Data:      make([]byte, 40000),
	}
	_, err := ToVolume(img)
	assert.True(t, errors.Is(err, models.ErrSizeOverflow))
}
