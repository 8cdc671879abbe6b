package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const rootName = "billing"

// Options selects the level and encoding of the process logger.
type Options struct {
	Level string
	// Console switches to the human readable development encoder.
	Console bool
}

// New builds the root logger and installs it as the zap global. Sampling is
// off: the automation logs one line per processed item and none may be dropped.
func New(opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	text := strings.TrimSpace(opts.Level)
	if text == "" {
		text = "info"
	}
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	cfg := zap.NewProductionConfig()
	if opts.Console {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.NameKey = "component"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !opts.Console {
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	}

	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	log = log.Named(rootName)

	zap.ReplaceGlobals(log)
	return log, nil
}

// consoleEnvironment reports environments where people read the log directly.
func consoleEnvironment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "local", "dev", "development":
		return true
	}
	return false
}
