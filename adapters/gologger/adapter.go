// Package gologger backs the glog contracts with zap.
package gologger

import (
	"context"
	"fmt"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
	"go.uber.org/zap"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// ZapLogger adapts a sugared zap logger to glog.Logger. Arguments are
// key/value pairs.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{sugar: logger.Sugar()}
}

// NewProduction builds a zap logger from a level name and an encoding of
// "json" or "console".
func NewProduction(level string, encoding string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(encoding), "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		atomic, err := zap.ParseAtomicLevel(strings.ToLower(trimmed))
		if err != nil {
			return nil, fmt.Errorf("gologger: invalid log level %q: %w", level, err)
		}
		cfg.Level = atomic
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("gologger: build zap logger: %w", err)
	}
	return NewZapLogger(logger), nil
}

func (l *ZapLogger) Trace(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l *ZapLogger) Fatal(msg string, args ...any) { l.sugar.Fatalw(msg, args...) }

func (l *ZapLogger) WithContext(context.Context) glog.Logger {
	return l
}

// Named returns a child logger tagged with name.
func (l *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.Named(name)}
}

func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// Provider hands out named children of one root logger.
type Provider struct {
	root *ZapLogger
}

func NewProvider(root *ZapLogger) *Provider {
	if root == nil {
		root = NewZapLogger(nil)
	}
	return &Provider{root: root}
}

func (p *Provider) GetLogger(name string) glog.Logger {
	name = strings.TrimSpace(name)
	if name == "" {
		return p.root
	}
	return p.root.Named(name)
}

var (
	_ glog.Logger         = (*ZapLogger)(nil)
	_ glog.LoggerProvider = (*Provider)(nil)
)
