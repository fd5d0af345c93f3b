// Package logging builds the zap logger shared by every component.
//
// Stdout belongs to the terminal UI and to the ACP transport, so logs are
// written as JSON lines to a file inside the data directory.
package logging

import (
	"path/filepath"

	"github.com/m4xw311/alang/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileName is the log file created inside the data directory.
const FileName = "alang.log"

// New returns a production logger writing to dir/alang.log. debug lowers the
// level to Debug.
func New(dir string, debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	path := filepath.Join(dir, FileName)
	config.OutputPaths = []string{path}
	config.ErrorOutputPaths = []string{path}

	logger, err := config.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize logger")
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
