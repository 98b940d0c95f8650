package config

import "time"

// GroupLimitConfig is the default {concurrency, frequency} shape the run
// command applies to the shared group it creates, unless a named profile
// overrides it. The pool's global group and task-exclusive groups do not
// read it.
type GroupLimitConfig struct {
	// ConcurrencyLimit is the maximum number of simultaneously outstanding
	// operations. Zero means unlimited.
	ConcurrencyLimit float64
	// FrequencyLimit is the maximum number of operation starts within
	// FrequencyWindow. Zero means unlimited.
	FrequencyLimit float64
	// FrequencyWindow is the sliding window FrequencyLimit is enforced
	// over.
	FrequencyWindow time.Duration
}

// DefaultGroupLimitConfig provides conservative defaults suitable for
// driving a remote API: a modest concurrency ceiling and a per-second
// frequency cap, matching what most rate-limited services document.
var DefaultGroupLimitConfig = GroupLimitConfig{
	ConcurrencyLimit: 20,
	FrequencyLimit:   20,
	FrequencyWindow:  time.Second,
}
