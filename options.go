package loom

import (
	"time"

	"github.com/ygrebnov/loom/metrics"
	"go.uber.org/zap"
)

// Option configures an EventLoop. Use NewLoop(opts...) to construct one.
type Option func(*config)

// WithIOWaitCap sets the maximum duration a tick may sleep waiting for the
// next timer deadline or an external wakeup (spec §4.1 sleep budget).
func WithIOWaitCap(d time.Duration) Option {
	return func(c *config) { c.ioWaitCap = d }
}

// WithMetrics attaches a metrics.Provider the loop records its tick and task
// instruments against; the managers record none. Default is a no-op provider.
func WithMetrics(p metrics.Provider) Option {
	return func(c *config) { c.metrics = p }
}

// WithLogger attaches a *zap.Logger for recovered-panic and manager
// diagnostics. Default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.logger = log }
}
