package longpoll

import (
	"sync"
	"time"
)

// Decision is the debouncer verdict for one update.
type Decision int

const (
	// DecisionForward marks the first update of a key.
	DecisionForward Decision = iota
	// DecisionCacheAndLog marks a repeated update that is still propagated.
	DecisionCacheAndLog
	// DecisionSuppress drops the update.
	DecisionSuppress
)

func (d Decision) String() string {
	switch d {
	case DecisionForward:
		return "forward"
	case DecisionCacheAndLog:
		return "cache"
	default:
		return "suppress"
	}
}

// Propagates reports whether the update must reach the sink.
func (d Decision) Propagates() bool {
	return d != DecisionSuppress
}

// DebounceConfig tunes the per-key rate limit.
type DebounceConfig struct {
	Window     time.Duration
	MaxUpdates int
	// CarryOver seeds the repeat count of a new window that follows a hot one.
	CarryOver int
}

// DefaultDebounceConfig returns a 30s window with at most 10 updates.
func DefaultDebounceConfig() DebounceConfig {
	return DebounceConfig{
		Window:     30 * time.Second,
		MaxUpdates: 10,
		CarryOver:  8,
	}
}

type cacheEntry struct {
	value       string
	windowStart time.Time
	repeatCount int
}

// Debouncer rate-limits repeated updates per key.
type Debouncer struct {
	mu      sync.Mutex
	cfg     DebounceConfig
	now     func() time.Time
	entries map[string]*cacheEntry
}

// NewDebouncer constructs a debouncer. Zero config values fall back to defaults.
func NewDebouncer(cfg DebounceConfig, now func() time.Time) *Debouncer {
	defaults := DefaultDebounceConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.MaxUpdates <= 0 {
		cfg.MaxUpdates = defaults.MaxUpdates
	}
	if cfg.CarryOver <= 0 || cfg.CarryOver > cfg.MaxUpdates {
		cfg.CarryOver = min(defaults.CarryOver, cfg.MaxUpdates)
	}
	if now == nil {
		now = time.Now
	}
	return &Debouncer{cfg: cfg, now: now, entries: make(map[string]*cacheEntry)}
}

// Observe records value for key and decides whether to propagate it.
func (d *Debouncer) Observe(key, value string) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	entry, ok := d.entries[key]
	if !ok {
		d.entries[key] = &cacheEntry{value: value, windowStart: now, repeatCount: 1}
		return DecisionForward
	}
	if entry.value == value {
		return DecisionSuppress
	}

	if now.Sub(entry.windowStart) <= d.cfg.Window {
		entry.repeatCount++
		entry.value = value
		if entry.repeatCount > d.cfg.MaxUpdates {
			return DecisionSuppress
		}
		return DecisionCacheAndLog
	}

	count := 1
	if entry.repeatCount > d.cfg.MaxUpdates {
		count = d.cfg.CarryOver
	}
	entry.value = value
	entry.windowStart = now
	entry.repeatCount = count
	return DecisionCacheAndLog
}

// Len returns the number of tracked keys.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
