// Package logging builds the service logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a sugared logger at level. Development loggers use colored
// console output, production loggers JSON.
func New(level string, development bool) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = !development

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// GoaAdapter lets goa middleware log through zap
type GoaAdapter struct {
	Logger *zap.SugaredLogger
}

// Log implements goa's middleware.Logger
func (a GoaAdapter) Log(keyvals ...interface{}) error {
	if len(keyvals)%2 == 1 {
		keyvals = append(keyvals, "(missing)")
	}
	msg := "http"
	for i := 0; i+1 < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok && k == "msg" {
			if s, ok := keyvals[i+1].(string); ok {
				msg = s
			}
			keyvals = append(keyvals[:i:i], keyvals[i+2:]...)
			break
		}
	}
	a.Logger.Infow(msg, keyvals...)
	return nil
}
