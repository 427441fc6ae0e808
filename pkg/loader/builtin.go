package loader

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"iwibridge/pkg/adapter"
	"iwibridge/pkg/codec"
	"iwibridge/pkg/mesh"
	"iwibridge/pkg/nifti"
)

// Extensions of the ITK-Wasm container formats.
const (
	ImageExtension = "iwi.cbor"
	MeshExtension  = "iwm.cbor"
)

// Mapping is an extra registration of one of the built-in transforms. The target
// selects the transform: "nii" and "nii.gz" convert images, "mz3" and "stl"
// convert meshes.
type Mapping struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Options configures the built-in transforms.
type Options struct {
	// Compress gzips the converted files (.nii.gz, compressed mz3)
	Compress bool

	// FlipHandedness undoes the axis 0 flip applied when the image was built from
	// a NIfTI volume with the flip enabled
	FlipHandedness bool

	// Extra registrations, applied after the defaults
	Extra []Mapping
}

// IWIToNIfTI returns a transform converting an ITK-Wasm image into a NIfTI-1 file.
func IWIToNIfTI(opts Options) Transform {
	return func(data []byte) ([]byte, error) {
		img, err := codec.Decode(data)
		if err != nil {
			return nil, err
		}
		if opts.FlipHandedness {
			img = adapter.FlipHandedness(img)
		}
		vol, err := adapter.ToVolume(img)
		if err != nil {
			return nil, err
		}
		return nifti.Write(vol, opts.Compress)
	}
}

// IWMToSTL returns a transform converting an ITK-Wasm mesh into a binary STL file.
func IWMToSTL() Transform {
	return func(data []byte) ([]byte, error) {
		m, err := mesh.Decode(data)
		if err != nil {
			return nil, err
		}
		return mesh.ToSTL(m)
	}
}

// IWMToMZ3 returns a transform converting an ITK-Wasm mesh into an MZ3 file.
func IWMToMZ3(opts Options) Transform {
	return func(data []byte) ([]byte, error) {
		m, err := mesh.Decode(data)
		if err != nil {
			return nil, err
		}
		return mesh.ToMZ3(m, opts.Compress)
	}
}

// NewDefault returns a registry with the image and mesh loaders registered, plus
// any extra mappings from opts.
func NewDefault(opts Options, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(logger)

	imageTarget := "nii"
	if opts.Compress {
		imageTarget = "nii.gz"
	}
	mappings := append([]Mapping{
		{Source: ImageExtension, Target: imageTarget},
		{Source: MeshExtension, Target: "mz3"},
	}, opts.Extra...)

	for _, m := range mappings {
		var fn Transform
		switch NormalizeExtension(m.Target) {
		case "nii":
			o := opts
			o.Compress = false
			fn = IWIToNIfTI(o)
		case "nii.gz":
			o := opts
			o.Compress = true
			fn = IWIToNIfTI(o)
		case "mz3":
			fn = IWMToMZ3(opts)
		case "stl":
			fn = IWMToSTL()
		default:
			return nil, errors.Wrapf(ErrInvalidRegistration, "no built-in transform produces %q", m.Target)
		}
		if err := r.Register(m.Source, fn, m.Target); err != nil {
			return nil, err
		}
	}
	return r, nil
}
