// Package logging provides zap logger helpers.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the logger flavour and optional rotating file output.
type Config struct {
	// Development switches to the colourised console encoder at debug level.
	Development bool `mapstructure:"development"`
	// File, when set, receives a JSON copy of every entry with size-based rotation.
	File string `mapstructure:"file"`
	// MaxSizeMB is the rotation threshold in megabytes.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups caps retained rotated files.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays caps the age of retained rotated files.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// New builds a zap.Logger configured for development or production, teeing
// into a rotating file when cfg.File is set.
func New(cfg Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Development {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err = zcfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
	} else {
		zcfg := zap.NewProductionConfig()
		zcfg.DisableStacktrace = false
		zcfg.EncoderConfig.TimeKey = "ts"
		logger, err = zcfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build prod logger: %w", err)
		}
	}
	if cfg.File == "" {
		return logger, nil
	}

	fileCore, err := newFileCore(cfg)
	if err != nil {
		return nil, err
	}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

func newFileCore(cfg Config) (zapcore.Core, error) {
	dir := filepath.Dir(cfg.File)
	if dir == "" {
		return nil, errors.New("log file directory is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	level := zap.InfoLevel
	if cfg.Development {
		level = zap.DebugLevel
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level), nil
}
