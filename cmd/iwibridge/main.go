// Command iwibridge converts between ITK-Wasm and NIfTI images, converts ITK-Wasm
// meshes to MZ3 and runs the external bin-shrink downsampling on images.
package main

import (
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"iwibridge/pkg/config"
	"iwibridge/pkg/logging"
)

const (
	// Flags.
	flagConfig   = "config"
	flagDebug    = "debug"
	flagFlip     = "flip-handedness"
	flagCompress = "compress"
	flagOutput   = "output"
	flagFactors  = "factors"
	flagRounding = "rounding"
	flagCommand  = "command"
	flagAxis     = "axis"
	flagDir      = "dir"
)

// runner holds the state shared by the commands once flags are parsed.
type runner struct {
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
}

func newApp(out io.Writer) *cli.App {
	r := &runner{out: out}

	return &cli.App{
		Name:      "iwibridge",
		Usage:     "bridge ITK-Wasm images and meshes to NIfTI and MZ3",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "iwibridge.yaml",
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  flagFlip,
				Usage: "negate physical axis 0 between the NIfTI and ITK conventions",
			},
			&cli.BoolFlag{
				Name:  flagCompress,
				Usage: "gzip NIfTI and MZ3 output",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String(flagConfig))
			if err != nil {
				return err
			}
			if c.IsSet(flagFlip) {
				cfg.Adapter.FlipHandedness = c.Bool(flagFlip)
			}
			if c.IsSet(flagCompress) {
				cfg.Output.Compress = c.Bool(flagCompress)
			}
			level := cfg.Output.LogLevel
			if c.Bool(flagDebug) {
				level = "debug"
			}
			logger, err := logging.New(level, c.Bool(flagDebug))
			if err != nil {
				return err
			}
			r.cfg, r.logger = cfg, logger
			return nil
		},
		After: func(c *cli.Context) error {
			if r.logger != nil {
				_ = r.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "load",
				Usage:     "convert a file the viewer cannot read with the registered loaders",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "write to `FILE`"},
				},
				Action: r.load,
			},
			{
				Name:      "to-iwi",
				Usage:     "convert a NIfTI volume into an ITK-Wasm image",
				ArgsUsage: "<file.nii[.gz]>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "write to `FILE`"},
				},
				Action: r.toIWI,
			},
			{
				Name:      "downsample",
				Usage:     "shrink an image with the external bin-shrink transform",
				ArgsUsage: "<input> <output>",
				Flags: []cli.Flag{
					&cli.IntSliceFlag{Name: flagFactors, Aliases: []string{"f"}, Usage: "shrink factor per axis"},
					&cli.StringFlag{Name: flagRounding, Usage: "expected output extents: ceil or floor (default follows the command)"},
					&cli.StringSliceFlag{Name: flagCommand, Usage: "bin-shrink executable and leading arguments"},
				},
				Action: r.downsample,
			},
			{
				Name:   "loaders",
				Usage:  "list the registered loaders and the format each produces",
				Action: r.loaders,
			},
			{
				Name:      "info",
				Usage:     "print the header of an image or mesh",
				ArgsUsage: "<file>",
				Action:    r.info,
			},
			{
				Name:      "preview",
				Usage:     "write JPEG slices of a 3D image",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagAxis, Value: "z", Usage: "slice along x, y or z"},
					&cli.StringFlag{Name: flagDir, Value: "slices", Usage: "output `DIR`"},
				},
				Action: r.preview,
			},
			{
				Name:      "init-config",
				Usage:     "write the default configuration",
				ArgsUsage: "[file]",
				Action:    r.initConfig,
			},
		},
	}
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
