package session

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/linchenxuan/conduit/network/protocol"
)

// IntervalCounter counts events in fixed windows. The window restarts at
// the first event observed after the previous one expired.
type IntervalCounter struct {
	interval time.Duration
	clock    clock.Clock
	start    time.Time
	count    int
}

// NewIntervalCounter returns a counter with windows of interval measured
// on clk.
func NewIntervalCounter(interval time.Duration, clk clock.Clock) *IntervalCounter {
	return &IntervalCounter{interval: interval, clock: clk}
}

// Incr records one event and returns the count in the current window.
func (c *IntervalCounter) Incr() int {
	now := c.clock.Now()
	if c.count == 0 || now.Sub(c.start) >= c.interval {
		c.start = now
		c.count = 0
	}
	c.count++
	return c.count
}

// Verdict is the rate limiter's decision for one packet.
type Verdict uint8

const (
	// VerdictPass hands the packet on.
	VerdictPass Verdict = iota
	// VerdictDrop discards the packet.
	VerdictDrop
	// VerdictKick ends the session for spam.
	VerdictKick
)

type kindCounter struct {
	limit   KindLimit
	counter *IntervalCounter
}

// RateLimiter applies the global limit and the per-kind overrides of a
// RateLimitConfig. It is used from a single goroutine.
type RateLimiter struct {
	cfg    RateLimitConfig
	clock  clock.Clock
	global *IntervalCounter
	kinds  map[protocol.Kind]*kindCounter
}

// NewRateLimiter returns a limiter for cfg. Per-kind counters are created
// on first use.
func NewRateLimiter(cfg RateLimitConfig, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		cfg:    cfg,
		clock:  clk,
		global: NewIntervalCounter(cfg.Interval, clk),
		kinds:  map[protocol.Kind]*kindCounter{},
	}
}

// Check counts one packet of kind. A global count above MaxRate kicks;
// a per-kind count above its override's MaxRate applies the override's
// action.
func (r *RateLimiter) Check(kind protocol.Kind) Verdict {
	if r.cfg.Enabled && r.global.Incr() > r.cfg.MaxRate {
		return VerdictKick
	}
	kc := r.lookup(kind)
	if kc == nil || kc.counter.Incr() <= kc.limit.MaxRate {
		return VerdictPass
	}
	if kc.limit.Action == ActionKick {
		return VerdictKick
	}
	return VerdictDrop
}

// lookup resolves kind to the first configured override along its
// ancestry and caches the answer, a nil counter included.
func (r *RateLimiter) lookup(kind protocol.Kind) *kindCounter {
	if kc, ok := r.kinds[kind]; ok {
		return kc
	}
	var kc *kindCounter
	for _, k := range kind.Ancestry() {
		limit, ok := r.cfg.Overrides[string(k)]
		if !ok {
			continue
		}
		if limit.Enabled {
			kc = &kindCounter{limit: limit, counter: NewIntervalCounter(limit.Interval, r.clock)}
		}
		break
	}
	r.kinds[kind] = kc
	return kc
}
