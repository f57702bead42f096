package loom

import (
	"time"

	"github.com/ygrebnov/loom/metrics"
	"go.uber.org/zap"
)

// config holds EventLoop configuration.
type config struct {
	// ioWaitCap bounds how long a tick may sleep waiting for the next timer
	// deadline or an external wakeup (spec §4.1 step 3, sleep budget).
	// Default: 50ms.
	ioWaitCap time.Duration

	// metrics is the Provider instruments are recorded against. Nil means a
	// NoopProvider is used.
	// Default: nil (noop).
	metrics metrics.Provider

	// logger receives structured diagnostics for recovered panics and
	// manager errors. Nil means a no-op *zap.Logger is used.
	// Default: nil (noop).
	logger *zap.Logger
}

// defaultConfig centralizes default values for config. These defaults are
// applied by NewLoop before options are layered on top.
func defaultConfig() config {
	return config{
		ioWaitCap: 50 * time.Millisecond,
	}
}

// validateConfig performs lightweight invariant checks.
func validateConfig(cfg *config) error {
	if cfg.ioWaitCap < 0 {
		return ErrConfig
	}
	return nil
}
