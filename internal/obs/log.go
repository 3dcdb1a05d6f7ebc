// Package obs wires up the process-wide structured logger.
package obs

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.SugaredLogger
)

// L returns the process-wide logger, building it on first use.
func L() *zap.SugaredLogger {
	once.Do(func() {
		logger = build()
	})
	return logger
}

func build() *zap.SugaredLogger {
	var cfg zap.Config
	if os.Getenv("DISTCACHE_DEV_LOG") != "" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		// fall back to a no-op logger rather than crash the process over logging
		l = zap.NewNop()
	}
	return l.Sugar()
}

// Fatal marks a CRITICAL condition: the process may keep running, but
// forced termination is now required. Callers must not assume the
// process exits; they must stop relying on whatever invariant failed.
func Fatal(msg string, args ...interface{}) {
	L().Errorw(msg, append(args, "fatal_shutdown_required", true)...)
}
