package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"iwibridge/pkg/config"
	"iwibridge/pkg/downsample"
	"iwibridge/pkg/loader"
	"iwibridge/pkg/mesh"
	"iwibridge/pkg/visualization"
)

// step prints a numbered progress line when verbose output is on.
func (r *runner) step(n, total int, format string, args ...any) {
	if !r.cfg.Output.Verbose {
		return
	}
	fmt.Fprintf(r.out, "[%d/%d] %s\n", n, total, fmt.Sprintf(format, args...))
}

func args(c *cli.Context, n int) ([]string, error) {
	if c.NArg() != n {
		return nil, errors.Errorf("%s expects %d argument(s), got %d (usage: %s %s)",
			c.Command.Name, n, c.NArg(), c.Command.Name, c.Command.ArgsUsage)
	}
	return c.Args().Slice(), nil
}

// replaceExtension swaps the ext suffix of name (matched case-insensitively) for
// newExt.
func replaceExtension(name, ext, newExt string) string {
	if strings.HasSuffix(strings.ToLower(name), "."+ext) {
		name = name[:len(name)-len(ext)-1]
	}
	return name + "." + newExt
}

func (r *runner) load(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	input := a[0]

	registry, err := loader.NewDefault(r.cfg.LoaderOptions(), r.logger)
	if err != nil {
		return err
	}
	source, ok := registry.Match(input)
	if !ok {
		return errors.Errorf("no loader registered for %s", input)
	}

	r.step(1, 3, "Reading %s", input)
	data, err := os.ReadFile(input)
	if err != nil {
		return errors.Wrapf(err, "reading %s", input)
	}

	r.step(2, 3, "Converting %s (%s)", source, humanize.Bytes(uint64(len(data))))
	start := time.Now()
	res, _, err := registry.Dispatch(input, data)
	if err != nil {
		return err
	}

	output := c.String(flagOutput)
	if output == "" {
		output = replaceExtension(input, source, res.Extension)
	}
	r.step(3, 3, "Writing %s", output)
	if err := os.WriteFile(output, res.Data, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", output)
	}

	r.logger.Info("converted",
		zap.String("input", input),
		zap.String("output", output),
		zap.Duration("elapsed", time.Since(start)))
	fmt.Fprintf(r.out, "Wrote %s (%s)\n", output, humanize.Bytes(uint64(len(res.Data))))
	return nil
}

func (r *runner) loaders(c *cli.Context) error {
	if _, err := args(c, 0); err != nil {
		return err
	}
	registry, err := loader.NewDefault(r.cfg.LoaderOptions(), r.logger)
	if err != nil {
		return err
	}
	for _, e := range registry.Extensions() {
		fmt.Fprintf(r.out, "%-10s -> %s\n", e[0], e[1])
	}
	return nil
}

func (r *runner) toIWI(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	input := a[0]
	format, err := loader.ImageFormat(input)
	if err != nil {
		return err
	}
	if format == loader.ImageExtension {
		return errors.Errorf("%s is already an ITK-Wasm image", input)
	}

	output := c.String(flagOutput)
	if output == "" {
		output = replaceExtension(input, format, loader.ImageExtension)
	}

	r.step(1, 2, "Reading %s", input)
	img, err := loader.ReadImage(input, r.cfg.Adapter.FlipHandedness)
	if err != nil {
		return err
	}
	r.step(2, 2, "Writing %s", output)
	if err := loader.WriteImage(output, img, false); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Wrote %s\n", output)
	return nil
}

func (r *runner) downsample(c *cli.Context) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	input, output := a[0], a[1]
	if _, err := loader.ImageFormat(output); err != nil {
		return err
	}

	factors := r.cfg.Downsample.ShrinkFactors
	if c.IsSet(flagFactors) {
		factors = c.IntSlice(flagFactors)
	}
	if c.IsSet(flagCommand) {
		r.cfg.Downsample.Command = c.StringSlice(flagCommand)
	}
	if c.IsSet(flagRounding) {
		r.cfg.Downsample.Rounding = c.String(flagRounding)
	}
	command := r.cfg.Downsample.Command
	rounding, err := r.cfg.RoundingMode()
	if err != nil {
		return err
	}

	flip := r.cfg.Adapter.FlipHandedness
	r.step(1, 3, "Reading %s", input)
	src, err := loader.ReadImage(input, flip)
	if err != nil {
		return err
	}

	r.step(2, 3, "Shrinking %v by %v", src.Size, factors)
	start := time.Now()
	shrinker := &downsample.ExecShrinker{Command: command, Logger: r.logger}
	out, err := downsample.NewPipeline(shrinker, rounding, r.logger).Run(src, factors)
	if err != nil {
		return err
	}

	r.step(3, 3, "Writing %s", output)
	if err := loader.WriteImage(output, out, flip); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Shrunk %v to %v in %.2f seconds\n", src.Size, out.Size, time.Since(start).Seconds())
	return nil
}

func (r *runner) info(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	input := a[0]
	data, err := os.ReadFile(input)
	if err != nil {
		return errors.Wrapf(err, "reading %s", input)
	}

	if strings.HasSuffix(strings.ToLower(input), "."+loader.MeshExtension) {
		m, err := mesh.Decode(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Mesh:       %s\n", m.Name)
		fmt.Fprintf(r.out, "Dimension:  %d\n", m.Dimension)
		fmt.Fprintf(r.out, "Points:     %s\n", humanize.Comma(int64(m.NumberOfPoints)))
		fmt.Fprintf(r.out, "Cells:      %s\n", humanize.Comma(int64(m.NumberOfCells)))
		fmt.Fprintf(r.out, "File size:  %s\n", humanize.Bytes(uint64(len(data))))
		return nil
	}

	img, err := loader.DecodeImage(input, data, r.cfg.Adapter.FlipHandedness)
	if err != nil {
		return err
	}
	pixels, err := img.NumberOfPixels()
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Image:      %s\n", img.Name)
	fmt.Fprintf(r.out, "Type:       %s %s x%d\n", img.ImageType.PixelType, img.ImageType.ComponentType, img.ImageType.Components)
	fmt.Fprintf(r.out, "Size:       %v (%s voxels)\n", img.Size, humanize.Comma(int64(pixels)))
	fmt.Fprintf(r.out, "Spacing:    %v\n", img.Spacing)
	fmt.Fprintf(r.out, "Origin:     %v\n", img.Origin)
	fmt.Fprintf(r.out, "Direction:  %v\n", img.Direction)
	fmt.Fprintf(r.out, "Data:       %s\n", humanize.Bytes(uint64(len(img.Data))))
	if samples, err := img.Samples(); err == nil && len(samples) > 0 {
		mean, std := stat.MeanStdDev(samples, nil)
		fmt.Fprintf(r.out, "Intensity:  min %g, max %g, mean %g, std %g\n",
			floats.Min(samples), floats.Max(samples), mean, std)
	}
	fmt.Fprintf(r.out, "File size:  %s\n", humanize.Bytes(uint64(len(data))))
	if len(img.Unknown) > 0 {
		keys := make([]string, 0, len(img.Unknown))
		for k := range img.Unknown {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(r.out, "Extra:      %s\n", strings.Join(keys, ", "))
	}
	return nil
}

func (r *runner) preview(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	img, err := loader.ReadImage(a[0], r.cfg.Adapter.FlipHandedness)
	if err != nil {
		return err
	}
	viewer, err := visualization.NewViewer(img)
	if err != nil {
		return err
	}

	axis, dir := c.String(flagAxis), c.String(flagDir)
	n, err := viewer.SaveSliceSequence(axis, filepath.Join(dir, axis))
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Saved %d %s-axis slices to %s\n", n, axis, filepath.Join(dir, axis))
	return nil
}

func (r *runner) initConfig(c *cli.Context) error {
	path := c.String(flagConfig)
	if c.NArg() > 0 {
		path = c.Args().First()
	}
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("%s already exists", path)
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Wrote default configuration to %s\n", path)
	return nil
}
