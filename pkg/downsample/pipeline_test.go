package downsample

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iwibridge/internal/models"
	"iwibridge/pkg/adapter"
	"iwibridge/pkg/codec"
)

// createTestImage creates a float32 image whose voxel values are their linear index
func createTestImage(size ...uint64) *models.Image {
	n := uint64(1)
	for _, s := range size {
		n *= s
	}
	d := len(size)
	img := &models.Image{
		ImageType: models.ImageType{Dimension: d, ComponentType: models.Float32, PixelType: models.Scalar, Components: 1},
		Origin:    make([]float64, d),
		Spacing:   make([]float64, d),
		Direction: models.IdentityDirection(d),
		Size:      size,
		Data:      make([]byte, n*4),
	}
	for i := range img.Spacing {
		img.Spacing[i] = 1
	}
	for i := uint64(0); i < n; i++ {
		binary.LittleEndian.PutUint32(img.Data[i*4:], math.Float32bits(float32(i)))
	}
	return img
}

// binShrink averages float32 voxels over bins of factors, the reference behavior
// of the external transform
func binShrink(n *models.NarrowedImage, factors []int, r Rounding) (*models.NarrowedImage, error) {
	if n.ImageType.ComponentType != models.Float32 {
		return nil, fmt.Errorf("reference shrink only handles float32, got %s", n.ImageType.ComponentType)
	}
	d := len(n.Size)
	in := make([]int, d)
	out := make([]int, d)
	total := 1
	for i, s := range n.Size {
		in[i] = int(s)
		if r == RoundFloor {
			out[i] = max(in[i]/factors[i], 1)
		} else {
			out[i] = (in[i] + factors[i] - 1) / factors[i]
		}
		total *= out[i]
	}

	samples, err := models.DecodeSamples(n.Data, n.ImageType.ComponentType)
	if err != nil {
		return nil, err
	}
	sums := make([]float64, total)
	counts := make([]int, total)
	idx := make([]int, d)
	for _, v := range samples {
		o, stride, inside := 0, 1, true
		for a := 0; a < d; a++ {
			bin := idx[a] / factors[a]
			if bin >= out[a] {
				inside = false
			}
			o += bin * stride
			stride *= out[a]
		}
		if inside {
			sums[o] += v
			counts[o]++
		}
		for a := 0; a < d; a++ {
			idx[a]++
			if idx[a] < in[a] {
				break
			}
			idx[a] = 0
		}
	}

	res := &models.NarrowedImage{
		ImageType: n.ImageType,
		Name:      n.Name,
		Origin:    append([]float64{}, n.Origin...),
		Spacing:   make([]float64, d),
		Direction: append([]float64{}, n.Direction...),
		Size:      make([]float64, d),
		Data:      make([]byte, total*4),
	}
	for i := range out {
		res.Size[i] = float64(out[i])
		res.Spacing[i] = n.Spacing[i] * float64(factors[i])
	}
	for i := range sums {
		binary.LittleEndian.PutUint32(res.Data[i*4:], math.Float32bits(float32(sums[i]/float64(counts[i]))))
	}
	return res, nil
}

func referenceShrinker(r Rounding) Shrinker {
	return ShrinkerFunc(func(n *models.NarrowedImage, factors []int) (*models.NarrowedImage, error) {
		return binShrink(n, factors, r)
	})
}

func TestExpectedSize(t *testing.T) {
	for _, tc := range []struct {
		size    []uint64
		factors []int
		ceil    []uint64
		floor   []uint64
	}{
		{[]uint64{64, 64, 40}, []int{2, 2, 2}, []uint64{32, 32, 20}, []uint64{32, 32, 20}},
		{[]uint64{5}, []int{2}, []uint64{3}, []uint64{2}},
		{[]uint64{1, 3}, []int{4, 3}, []uint64{1, 1}, []uint64{1, 1}},
		{[]uint64{7, 9, 2}, []int{1, 4, 3}, []uint64{7, 3, 1}, []uint64{7, 2, 1}},
	} {
		assert.Equal(t, tc.ceil, ExpectedSize(tc.size, tc.factors, RoundCeil), "%v / %v", tc.size, tc.factors)
		assert.Equal(t, tc.floor, ExpectedSize(tc.size, tc.factors, RoundFloor), "%v / %v", tc.size, tc.factors)
	}
}

func TestShapeLaw(t *testing.T) {
	for s := uint64(1); s <= 40; s++ {
		for f := 1; f <= 9; f++ {
			out := ExpectedSize([]uint64{s}, []int{f}, RoundCeil)[0]
			assert.Equal(t, uint64(math.Ceil(float64(s)/float64(f))), out, "%d/%d", s, f)
			assert.GreaterOrEqual(t, out*uint64(f), s)
			assert.Less(t, (out-1)*uint64(f), s)
		}
	}
}

func TestParseRounding(t *testing.T) {
	for in, want := range map[string]Rounding{"": RoundCeil, "ceil": RoundCeil, "FLOOR": RoundFloor} {
		got, err := ParseRounding(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseRounding("round")
	assert.Error(t, err)
	assert.Equal(t, "floor", RoundFloor.String())
}

func TestDefaultRounding(t *testing.T) {
	assert.Equal(t, RoundFloor, DefaultRounding(nil))
	assert.Equal(t, RoundFloor, DefaultRounding([]string{DefaultCommand}))
	assert.Equal(t, RoundFloor, DefaultRounding([]string{"/opt/itk/bin/" + DefaultCommand, "-v"}))
	assert.Equal(t, RoundCeil, DefaultRounding([]string{"docker", "run", DefaultCommand}))
}

func TestRunInvalidFactors(t *testing.T) {
	called := false
	p := NewPipeline(ShrinkerFunc(func(*models.NarrowedImage, []int) (*models.NarrowedImage, error) {
		called = true
		return nil, nil
	}), RoundCeil, nil)

	img := createTestImage(4, 4, 4)
	for _, factors := range [][]int{nil, {2, 2}, {2, 2, 2, 2}, {2, 0, 2}, {-1, 2, 2}} {
		out, err := p.Run(img, factors)
		assert.Nil(t, out)
		assert.True(t, errors.Is(err, models.ErrInvalidShrinkFactor), "%v", factors)
	}
	assert.False(t, called)
}

func TestRunRejectsInvalidSource(t *testing.T) {
	p := NewPipeline(referenceShrinker(RoundCeil), RoundCeil, nil)
	img := createTestImage(4, 4)
	img.Data = img.Data[:10]
	_, err := p.Run(img, []int{2, 2})
	assert.True(t, errors.Is(err, models.ErrMalformedPayload))

	_, err = p.Run(nil, []int{2})
	assert.True(t, errors.Is(err, models.ErrMalformedPayload))
}

func TestRunFailureLeavesSourceUnchanged(t *testing.T) {
	cause := errors.New("out of memory")
	p := NewPipeline(ShrinkerFunc(func(n *models.NarrowedImage, factors []int) (*models.NarrowedImage, error) {
		// A misbehaving transform scribbling over its input
		n.Data[0] = 0xff
		n.Size[0] = 1
		n.Origin[0] = 42
		factors[0] = 99
		return nil, cause
	}), RoundCeil, nil)

	img := createTestImage(4, 4, 4)
	before := img.Clone()
	factors := []int{2, 2, 2}

	out, err := p.Run(img, factors)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, models.ErrDownsampleFailed))
	assert.True(t, errors.Is(err, cause))
	var dErr *models.DownsampleError
	require.True(t, errors.As(err, &dErr))
	assert.Equal(t, cause, dErr.Cause)

	assert.Equal(t, before, img)
	assert.Equal(t, []int{2, 2, 2}, factors)
}

func TestRunContractViolations(t *testing.T) {
	img := createTestImage(6, 6)

	for name, shrink := range map[string]ShrinkerFunc{
		"nil image": func(*models.NarrowedImage, []int) (*models.NarrowedImage, error) {
			return nil, nil
		},
		"wrong size": func(n *models.NarrowedImage, f []int) (*models.NarrowedImage, error) {
			return binShrink(n, []int{3, 3}, RoundCeil)
		},
		"fractional size": func(n *models.NarrowedImage, f []int) (*models.NarrowedImage, error) {
			out, err := binShrink(n, f, RoundCeil)
			out.Size[0] = 2.5
			return out, err
		},
		"short buffer": func(n *models.NarrowedImage, f []int) (*models.NarrowedImage, error) {
			out, err := binShrink(n, f, RoundCeil)
			out.Data = out.Data[:4]
			return out, err
		},
		"pixel type": func(n *models.NarrowedImage, f []int) (*models.NarrowedImage, error) {
			out, err := binShrink(n, f, RoundCeil)
			out.ImageType.ComponentType = models.UInt32
			return out, err
		},
	} {
		t.Run(name, func(t *testing.T) {
			out, err := NewPipeline(shrink, RoundCeil, nil).Run(img, []int{2, 2})
			assert.Nil(t, out)
			assert.True(t, errors.Is(err, models.ErrDownsampleFailed))
		})
	}
}

func TestRunRounding(t *testing.T) {
	img := createTestImage(5, 4)

	out, err := NewPipeline(referenceShrinker(RoundFloor), RoundFloor, nil).Run(img, []int{2, 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 2}, out.Size)

	out, err = NewPipeline(referenceShrinker(RoundCeil), RoundCeil, nil).Run(img, []int{2, 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 2}, out.Size)

	// A flooring transform breaks a ceil contract
	_, err = NewPipeline(referenceShrinker(RoundFloor), RoundCeil, nil).Run(img, []int{2, 2})
	assert.True(t, errors.Is(err, models.ErrDownsampleFailed))
}

func TestRunUnitFactors(t *testing.T) {
	img := createTestImage(3, 2, 2)
	out, err := NewPipeline(referenceShrinker(RoundCeil), RoundCeil, nil).Run(img, []int{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, img.Size, out.Size)
	assert.Equal(t, img.Data, out.Data)
}

// TestScenario follows a NIfTI volume through the codec, the pipeline and back
func TestScenario(t *testing.T) {
	var hdr models.NiftiHeader
	hdr.Dim = [8]int16{3, 64, 64, 40, 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	hdr.Datatype = models.DTFloat32
	hdr.Bitpix = 32
	src := createTestImage(64, 64, 40)

	img, err := adapter.ToImage(hdr, src.Data, false)
	require.NoError(t, err)

	payload, err := codec.Encode(img)
	require.NoError(t, err)
	decoded, err := codec.Decode(payload)
	require.NoError(t, err)

	out, err := NewPipeline(referenceShrinker(RoundCeil), RoundCeil, nil).Run(decoded, []int{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{32, 32, 20}, out.Size)
	assert.Equal(t, []float64{2, 2, 2}, out.Spacing)
	assert.Len(t, out.Data, 32*32*20*4)

	// The first bin averages x, y, z in {0, 1}: 0.5 + 32 + 2048
	first := math.Float32frombits(binary.LittleEndian.Uint32(out.Data))
	assert.Equal(t, float32(2080.5), first)

	payload, err = codec.Encode(out)
	require.NoError(t, err)
	again, err := codec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, out, again)

	vol, err := adapter.ToVolume(again)
	require.NoError(t, err)
	assert.Equal(t, [8]int16{3, 32, 32, 20, 1, 1, 1, 1}, vol.Header.Dim)

	// The source survived untouched
	assert.Equal(t, src.Data, decoded.Data)
	assert.Equal(t, []uint64{64, 64, 40}, decoded.Size)
}

func helperShrinker(t *testing.T, env ...string) *ExecShrinker {
	return &ExecShrinker{
		Command: []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:     append([]string{"GO_WANT_HELPER_PROCESS=1"}, env...),
		TempDir: t.TempDir(),
	}
}

func TestExecShrinker(t *testing.T) {
	img := createTestImage(6, 4, 3)
	shrinker := helperShrinker(t)

	out, err := NewPipeline(shrinker, RoundCeil, nil).Run(img, []int{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 2, 2}, out.Size)

	// The exchange directory is removed
	entries, err := os.ReadDir(shrinker.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecShrinkerFailure(t *testing.T) {
	img := createTestImage(4, 4)

	_, err := NewPipeline(helperShrinker(t, "HELPER_FAIL=1"), RoundCeil, nil).Run(img, []int{2, 2})
	assert.True(t, errors.Is(err, models.ErrDownsampleFailed))
	assert.Contains(t, err.Error(), "bin shrink exploded")

	missing := &ExecShrinker{Command: []string{"iwibridge-no-such-shrinker"}}
	_, err = NewPipeline(missing, RoundCeil, nil).Run(img, []int{2, 2})
	assert.True(t, errors.Is(err, models.ErrDownsampleFailed))
}

// TestHelperProcess is not a real test: it stands in for the bin-shrink
// executable when run by ExecShrinker.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 5 || args[3] != "--shrink-factors" {
		fmt.Fprintf(os.Stderr, "usage: input output --shrink-factors f...\n")
		os.Exit(2)
	}
	args = args[1:]
	if os.Getenv("HELPER_FAIL") == "1" {
		fmt.Fprintln(os.Stderr, "bin shrink exploded")
		os.Exit(3)
	}

	fail := func(err error) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fail(err)
	}
	n, err := codec.DecodeNarrowed(data)
	if err != nil {
		fail(err)
	}
	var factors []int
	for _, a := range args[3:] {
		f, err := strconv.Atoi(a)
		if err != nil {
			fail(err)
		}
		factors = append(factors, f)
	}
	out, err := binShrink(n, factors, RoundCeil)
	if err != nil {
		fail(err)
	}
	encoded, err := codec.EncodeNarrowed(out)
	if err != nil {
		fail(err)
	}
	if err := os.WriteFile(args[1], encoded, 0600); err != nil {
		fail(err)
	}
}
