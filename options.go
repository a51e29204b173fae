package procession

import (
	"time"

	"github.com/davidroman0O/retrypool"
)

type executiveConfig struct {
	logger      Logger
	pool        *retrypool.Pool[*stepTask]
	granularity time.Duration
	onStarted   func()
	onStopped   func()
}

type ExecutiveOption func(*executiveConfig)

func WithExecutiveLogger(l Logger) ExecutiveOption {
	return func(c *executiveConfig) {
		c.logger = l
	}
}

// WithStepPool runs ticks on the given pool instead of the shared one. The
// caller keeps ownership and closes it.
func WithStepPool(pool *retrypool.Pool[*stepTask]) ExecutiveOption {
	return func(c *executiveConfig) {
		c.pool = pool
	}
}

// WithTickGranularity overrides the floor between two ticks. Mostly useful
// to speed tests up; the default keeps immediate reruns off a hot spin.
func WithTickGranularity(d time.Duration) ExecutiveOption {
	return func(c *executiveConfig) {
		c.granularity = d
	}
}

func WithOnStarted(f func()) ExecutiveOption {
	return func(c *executiveConfig) {
		c.onStarted = f
	}
}

func WithOnStopped(f func()) ExecutiveOption {
	return func(c *executiveConfig) {
		c.onStopped = f
	}
}

type processConfig struct {
	logger      Logger
	pool        *retrypool.Pool[*stepTask]
	granularity time.Duration
}

type ProcessOption func(*processConfig)

func WithLogger(l Logger) ProcessOption {
	return func(c *processConfig) {
		c.logger = l
	}
}

// WithProcessStepPool runs the process's ticks on the given pool.
func WithProcessStepPool(pool *retrypool.Pool[*stepTask]) ProcessOption {
	return func(c *processConfig) {
		c.pool = pool
	}
}

// WithProcessTickGranularity overrides the tick floor of the underlying
// executive.
func WithProcessTickGranularity(d time.Duration) ProcessOption {
	return func(c *processConfig) {
		c.granularity = d
	}
}
