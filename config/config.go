// Package config holds the tablet engine's static configuration
// (assembled once at tablet construction) and the small subset of
// hot-reloadable knobs, replacing the teacher's FLAGS_* globals per
// the project's "Global flags" redesign note (spec.md §9).
package config

import (
	"sync/atomic"
	"time"
)

// Config is immutable once constructed and passed by value into every
// component that needs it.
type Config struct {
	// MaxClockSkew bounds the hybrid-time confidence window (C1).
	MaxClockSkew time.Duration
	// HeartbeatInterval is how often a transaction client heartbeats
	// its status tablet (C8, default 500ms per spec §3).
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a status tablet waits for a
	// heartbeat before aborting a transaction (C7; spec §4.7 requires
	// >= max_clock_skew + lease + slack, empirically >= 1s).
	HeartbeatTimeout time.Duration
	// IntentsFlushMaxDelay bounds how long the intent store may defer
	// flushing behind the committed store (C3 §4.3, default 2s).
	IntentsFlushMaxDelay time.Duration
	// BackfillBatchRows is the default number of rows per backfill
	// write batch (C10, default 128).
	BackfillBatchRows int
	// BackfillRowsPerSecond is the default per-tablet backfill
	// throttle; 0 disables throttling.
	BackfillRowsPerSecond int
}

// Default returns the engine's baseline configuration.
func Default() Config {
	return Config{
		MaxClockSkew:          500 * time.Millisecond,
		HeartbeatInterval:     500 * time.Millisecond,
		HeartbeatTimeout:      1 * time.Second,
		IntentsFlushMaxDelay:  2 * time.Second,
		BackfillBatchRows:     128,
		BackfillRowsPerSecond: 0,
	}
}

// RuntimeConfig holds knobs that may be swapped atomically while a
// tablet is running, without restarting it: flush thresholds, backfill
// rate, and a deferral flag, per spec.md §9.
type RuntimeConfig struct {
	value atomic.Pointer[runtimeValues]
}

type runtimeValues struct {
	IntentsFlushMaxDelay  time.Duration
	BackfillRowsPerSecond int
	DeferBackground       bool
}

// NewRuntimeConfig seeds a RuntimeConfig from a static Config.
func NewRuntimeConfig(cfg Config) *RuntimeConfig {
	var rc = &RuntimeConfig{}
	rc.value.Store(&runtimeValues{
		IntentsFlushMaxDelay:  cfg.IntentsFlushMaxDelay,
		BackfillRowsPerSecond: cfg.BackfillRowsPerSecond,
	})
	return rc
}

// IntentsFlushMaxDelay returns the current value of the knob.
func (rc *RuntimeConfig) IntentsFlushMaxDelay() time.Duration {
	return rc.value.Load().IntentsFlushMaxDelay
}

// BackfillRowsPerSecond returns the current value of the knob.
func (rc *RuntimeConfig) BackfillRowsPerSecond() int {
	return rc.value.Load().BackfillRowsPerSecond
}

// DeferBackground reports whether background cleanup (C3 SST drop,
// intent GC) should be deferred, e.g. during a backfill pass.
func (rc *RuntimeConfig) DeferBackground() bool {
	return rc.value.Load().DeferBackground
}

// Update atomically replaces the hot-reloadable knobs.
func (rc *RuntimeConfig) Update(mutate func(*runtimeValues)) {
	var cur = *rc.value.Load()
	mutate(&cur)
	rc.value.Store(&cur)
}

// SetDeferBackground toggles the deferral flag.
func (rc *RuntimeConfig) SetDeferBackground(defer_ bool) {
	rc.Update(func(v *runtimeValues) { v.DeferBackground = defer_ })
}
