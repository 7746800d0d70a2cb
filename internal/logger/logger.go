// Package logger builds the zap logger used across the daemon.
//
// Call Init once from main; components receive a *zap.Logger and name it
// after themselves. A nil logger passed to a component means "discard".
package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and minimum level.
type Config struct {
	// Env is "dev" (colored console) or "prod" (JSON). Default "prod".
	Env string
	// Level is debug, info, warn or error. Default info.
	Level string
	// ServiceName is attached to every entry when set.
	ServiceName string
	Version     string
}

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// Init builds the logger from cfg and installs it as the global logger.
func Init(cfg Config) *zap.Logger {
	l := New(cfg)
	mu.Lock()
	global = l
	mu.Unlock()
	return l
}

// L returns the global logger. It is a no-op logger until Init is called.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// New builds a logger without touching the global one.
func New(cfg Config) *zap.Logger {
	level := ParseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.EqualFold(cfg.Env, "dev") {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		l, _ = zap.NewProduction()
	}
	if cfg.ServiceName != "" {
		l = l.With(zap.String("service", cfg.ServiceName))
	}
	if cfg.Version != "" {
		l = l.With(zap.String("version", cfg.Version))
	}
	return l
}

// ParseLevel maps a level name to a zapcore.Level, defaulting to info.
func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
