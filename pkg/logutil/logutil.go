// Copyright 2021 - 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the process-global logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error, panic, fatal.
	Level string `toml:"level"`
	// Format is console or json.
	Format string `toml:"format"`
	// Filename enables file output with rotation when non-empty.
	Filename string `toml:"filename"`
	// MaxSize is the maximum size in MB before the log rotates.
	MaxSize int `toml:"max-size"`
	// MaxDays is the retention of rotated files in days.
	MaxDays int `toml:"max-days"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `toml:"max-backups"`
}

var globalLogger atomic.Value // *zap.Logger

func init() {
	globalLogger.Store(newLogger(LogConfig{Level: "info", Format: "console"}))
}

// SetupLogger replaces the global logger according to conf.
func SetupLogger(conf LogConfig) {
	globalLogger.Store(newLogger(conf))
}

// GetGlobalLogger returns the global logger.
func GetGlobalLogger() *zap.Logger {
	return globalLogger.Load().(*zap.Logger)
}

func newLogger(conf LogConfig) *zap.Logger {
	level := zap.InfoLevel
	if conf.Level != "" {
		if err := level.Set(conf.Level); err != nil {
			level = zap.InfoLevel
		}
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if conf.Format == "json" {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	var sink zapcore.WriteSyncer
	if conf.Filename != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.Filename,
			MaxSize:    conf.MaxSize,
			MaxAge:     conf.MaxDays,
			MaxBackups: conf.MaxBackups,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(enc, sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Debug logs at debug level with the global logger.
func Debug(msg string, fields ...zap.Field) {
	GetGlobalLogger().Debug(msg, fields...)
}

// Info logs at info level with the global logger.
func Info(msg string, fields ...zap.Field) {
	GetGlobalLogger().Info(msg, fields...)
}

// Warn logs at warn level with the global logger.
func Warn(msg string, fields ...zap.Field) {
	GetGlobalLogger().Warn(msg, fields...)
}

// Error logs at error level with the global logger.
func Error(msg string, fields ...zap.Field) {
	GetGlobalLogger().Error(msg, fields...)
}

// Panic logs at panic level with the global logger.
func Panic(msg string, fields ...zap.Field) {
	GetGlobalLogger().Panic(msg, fields...)
}

// Fatal logs at fatal level with the global logger.
func Fatal(msg string, fields ...zap.Field) {
	GetGlobalLogger().Fatal(msg, fields...)
}
