package chat

import (
	"math"
	"time"
)

// imagePrefillTokens is what one attached image costs the prompt.
const imagePrefillTokens = 257

// turnClock tracks the timestamps a turn's Stats are derived from.
type turnClock struct {
	start         time.Time
	first         time.Time
	firstSeen     bool
	prefillTokens int
	decodeTokens  int
}

// observe records a callback at now and reports whether it was the first.
// Every later callback counts as one decode token, the final one included.
func (c *turnClock) observe(now time.Time) bool {
	if !c.firstSeen {
		c.firstSeen = true
		c.first = now
		return true
	}
	c.decodeTokens++
	return false
}

func (c *turnClock) timeToFirstToken() time.Duration {
	if !c.firstSeen {
		return 0
	}
	return c.first.Sub(c.start)
}

func (c *turnClock) stats(done time.Time) Stats {
	ttft := c.timeToFirstToken().Seconds()
	return Stats{
		TimeToFirstToken: ttft,
		PrefillSpeed:     rate(float64(c.prefillTokens), ttft),
		DecodeSpeed:      rate(float64(c.decodeTokens), done.Sub(c.first).Seconds()),
		Latency:          done.Sub(c.start).Seconds(),
		PrefillTokens:    c.prefillTokens,
		DecodeTokens:     c.decodeTokens,
	}
}

// rate is n/secs, or 0 when that is not a finite number.
func rate(n, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	v := n / secs
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
