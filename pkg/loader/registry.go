// Package loader maps file extensions the viewer cannot read to transforms that
// produce a format it can.
//
// A registration binds a source extension to a Transform and the extension of the
// bytes the transform returns. Dispatch picks the longest registered extension that
// is a suffix of the file name, so a registration for "iwi.cbor" wins over one for
// "cbor" whatever the order of registration.
package loader

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Transform converts the bytes of a source file into a complete file of the
// registration's target format.
type Transform func(data []byte) ([]byte, error)

// NativeExtensions is the closed set of formats the viewer loads without help.
// Every registration must target one of them.
var NativeExtensions = map[string]bool{
	// volumes
	"nii":    true,
	"nii.gz": true,
	"nrrd":   true,
	"nhdr":   true,
	"mgh":    true,
	"mgz":    true,
	"mha":    true,
	"mhd":    true,
	"head":   true,
	"v16":    true,
	"vmr":    true,
	"dcm":    true,
	"npy":    true,
	"npz":    true,
	// meshes
	"mz3":  true,
	"gii":  true,
	"obj":  true,
	"stl":  true,
	"vtk":  true,
	"ply":  true,
	"off":  true,
	"asc":  true,
	"byu":  true,
	"geo":  true,
	"x3d":  true,
	"jmsh": true,
	"bmsh": true,
	"srf":  true,
	// tractography
	"trk": true,
	"tck": true,
	"trx": true,
}

// ErrInvalidRegistration is returned by Register for empty extensions, a nil
// transform or a target the viewer cannot load.
var ErrInvalidRegistration = errors.New("invalid loader registration")

// Result is the output of a dispatched transform.
type Result struct {
	// Extension is the target extension of the registration that matched
	Extension string

	// Data is a complete file of the target format
	Data []byte
}

type registration struct {
	transform Transform
	target    string
}

// Registry holds loader registrations. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]registration
	logger  *zap.Logger
}

// NewRegistry returns an empty registry. A nil logger disables logging.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		loaders: make(map[string]registration),
		logger:  logger,
	}
}

// NormalizeExtension lower-cases ext and strips a leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// Register binds sourceExt to fn. Registering an extension again replaces the
// previous registration.
func (r *Registry) Register(sourceExt string, fn Transform, targetExt string) error {
	source := NormalizeExtension(sourceExt)
	target := NormalizeExtension(targetExt)
	if source == "" {
		return errors.Wrap(ErrInvalidRegistration, "empty source extension")
	}
	if fn == nil {
		return errors.Wrapf(ErrInvalidRegistration, "nil transform for %q", source)
	}
	if !NativeExtensions[target] {
		return errors.Wrapf(ErrInvalidRegistration, "target %q is not a native viewer format", targetExt)
	}

	r.mu.Lock()
	_, replaced := r.loaders[source]
	r.loaders[source] = registration{transform: fn, target: target}
	r.mu.Unlock()

	r.logger.Debug("registered loader",
		zap.String("source", source),
		zap.String("target", target),
		zap.Bool("replaced", replaced))
	return nil
}

// Match returns the longest registered extension that is a suffix of filename.
func (r *Registry) Match(filename string) (string, bool) {
	name := strings.ToLower(filename)

	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	for ext := range r.loaders {
		if len(ext) <= len(best) {
			continue
		}
		if name == ext || strings.HasSuffix(name, "."+ext) {
			best = ext
		}
	}
	return best, best != ""
}

// Dispatch runs the transform registered for the longest matching extension of
// filename. When nothing matches it returns ok == false and no error.
func (r *Registry) Dispatch(filename string, data []byte) (Result, bool, error) {
	ext, ok := r.Match(filename)
	if !ok {
		return Result{}, false, nil
	}

	r.mu.RLock()
	reg := r.loaders[ext]
	r.mu.RUnlock()

	r.logger.Debug("dispatching loader",
		zap.String("file", filename),
		zap.String("source", ext),
		zap.String("target", reg.target))

	out, err := reg.transform(data)
	if err != nil {
		return Result{}, true, errors.Wrapf(err, "%s loader for %s", ext, filename)
	}
	return Result{Extension: reg.target, Data: out}, true, nil
}

// Extensions returns the registered source extensions mapped to their targets,
// sorted by source.
func (r *Registry) Extensions() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([][2]string, 0, len(r.loaders))
	for source, reg := range r.loaders {
		out = append(out, [2]string{source, reg.target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
