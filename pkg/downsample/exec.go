package downsample

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"iwibridge/internal/models"
	"iwibridge/pkg/codec"
)

// DefaultCommand is the ITK-Wasm bin-shrink pipeline executable.
const DefaultCommand = "downsample-bin-shrink"

// DefaultRounding returns the output extent contract of a bin-shrink command:
// RoundFloor for DefaultCommand, which wraps ITK's BinShrinkImageFilter, and
// RoundCeil for anything else. An empty command means DefaultCommand.
func DefaultRounding(command []string) Rounding {
	if len(command) == 0 || filepath.Base(command[0]) == DefaultCommand {
		return RoundFloor
	}
	return RoundCeil
}

// ExecShrinker runs a bin-shrink executable that follows the ITK-Wasm pipeline
// calling convention:
//
//	<command> <input.iwi.cbor> <output.iwi.cbor> --shrink-factors f0 f1 ...
//
// Images are exchanged in their narrowed form through files in a private
// temporary directory that is removed afterwards.
type ExecShrinker struct {
	// Command is the executable followed by any leading arguments. Empty means
	// DefaultCommand looked up on PATH.
	Command []string

	// Env is appended to the environment of the current process
	Env []string

	// TempDir is the parent of the exchange directory, os.TempDir() when empty
	TempDir string

	Logger *zap.Logger
}

// Shrink implements Shrinker.
func (e *ExecShrinker) Shrink(img *models.NarrowedImage, factors []int) (*models.NarrowedImage, error) {
	argv := e.Command
	if len(argv) == 0 {
		argv = []string{DefaultCommand}
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, errors.Wrapf(err, "unable to find %s; alter PATH?", argv[0])
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	input, err := codec.EncodeNarrowed(img)
	if err != nil {
		return nil, errors.Wrap(err, "encoding shrink input")
	}

	dir, err := os.MkdirTemp(e.TempDir, "iwibridge-shrink-")
	if err != nil {
		return nil, errors.Wrap(err, "creating exchange directory")
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "input.iwi.cbor")
	outPath := filepath.Join(dir, "output.iwi.cbor")
	if err := os.WriteFile(inPath, input, 0600); err != nil {
		return nil, errors.Wrap(err, "writing shrink input")
	}

	args := append(append([]string{}, argv[1:]...), inPath, outPath, "--shrink-factors")
	for _, f := range factors {
		args = append(args, strconv.Itoa(f))
	}
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), e.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("running shrink command", zap.String("path", path), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, errors.Wrapf(err, "%s: %s", filepath.Base(path), msg)
		}
		return nil, errors.Wrap(err, filepath.Base(path))
	}

	output, err := os.ReadFile(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading shrink output")
	}
	out, err := codec.DecodeNarrowed(output)
	if err != nil {
		return nil, errors.Wrap(err, "decoding shrink output")
	}
	return out, nil
}
