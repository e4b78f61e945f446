// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log encodings
const (
	EncodingJSON    = "json"
	EncodingConsole = "console"
)

// Options selects the logger's level and encoding
type Options struct {
	Verbose  bool
	Encoding string
	// OutputPaths defaults to stderr
	OutputPaths []string
}

// New builds a production logger writing to stderr, at debug level when
// verbose
func New(opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if opts.Verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	switch opts.Encoding {
	case "", EncodingJSON:
	case EncodingConsole:
		config.Encoding = EncodingConsole
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log encoding %q", opts.Encoding)
	}
	if len(opts.OutputPaths) > 0 {
		config.OutputPaths = opts.OutputPaths
	}
	config.EncoderConfig.TimeKey = "time"
	config.DisableStacktrace = !opts.Verbose

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
