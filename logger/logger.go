package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/codesandbox/config"
)

// Logging modes accepted by New
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// NewFromConfig builds the logger described by the logging section of cfg
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New builds a zap logger for mode at level. Production emits JSON with an
// ISO8601 "timestamp" field, development emits colored console lines. Both
// write to stderr; stdout belongs to the MCP stdio transport and to the
// output of sandboxctl.
func New(mode, level string) (*zap.Logger, error) {
	cfg, err := modeConfig(mode)
	if err != nil {
		return nil, err
	}

	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = atomicLevel
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

func modeConfig(mode string) (zap.Config, error) {
	switch mode {
	case ModeDevelopment:
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg, nil
	case ModeProduction:
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg, nil
	default:
		return zap.Config{}, fmt.Errorf("invalid logging mode: %s, must be '%s' or '%s'", mode, ModeProduction, ModeDevelopment)
	}
}
