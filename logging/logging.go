// Package logging wires up the structured logging stack shared by the
// rest of the module: github.com/pingcap/log (the same logger
// raft/raft.go already calls directly) backed by a zap core that fans
// out to stderr and a lumberjack-rotated file, mirroring how TinyKV's
// own server command wires its logging.
package logging

import (
	"os"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// FilePath, if non-empty, is the rotating log file path. When
	// empty, only stderr is used.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup installs a global pingcap/log logger built from opts and
// returns a restore func the caller should defer.
func Setup(opts Options) (func(), error) {
	level := zap.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, err
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}
	if opts.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 128),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 7),
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(lj), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	restore := log.ReplaceGlobals(logger, nil)
	return restore, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
