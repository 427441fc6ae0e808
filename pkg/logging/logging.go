// Package logging builds the zap loggers used by the command line tools.
package logging

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewConfig returns a console logger config at the given level. Logs go to stderr
// so converted data can be written to stdout. Development configs add caller
// information and stack traces on warnings.
func NewConfig(level string, development bool) (zap.Config, error) {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return zap.Config{}, errors.Wrapf(err, "log level %q", level)
		}
	}
	return zap.Config{
		Level:       lvl,
		Development: development,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableCaller:     !development,
		DisableStacktrace: !development,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}, nil
}

// New builds a logger named "iwibridge".
func New(level string, development bool) (*zap.Logger, error) {
	cfg, err := NewConfig(level, development)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return logger.Named("iwibridge"), nil
}
