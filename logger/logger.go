// Package logger builds the zap loggers used across atom-rpc.
package logger

import (
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Format string

const (
	JSONFormat    Format = "json"
	ConsoleFormat Format = "console"
)

// Config describes the log output.
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format Format `mapstructure:"format"` // json or console
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: ConsoleFormat}
}

// New builds a logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", cfg.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")

	var enc zapcore.Encoder
	switch cfg.Format {
	case JSONFormat:
		enc = zapcore.NewJSONEncoder(encCfg)
	case ConsoleFormat, "":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, errors.Newf("unknown log format %q", cfg.Format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
