// Package logging builds the zap logger shared by every runtap component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a development logger for "debug" and a production logger at
// the requested level otherwise.
func New(level string) (*zap.Logger, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewDevelopment()
	case "", "info", "warn", "error":
		lvl, err := zapcore.ParseLevel(defaultLevel(level))
		if err != nil {
			return nil, err
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		return cfg.Build()
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
}

func defaultLevel(level string) string {
	if level == "" {
		return "info"
	}
	return strings.ToLower(level)
}
