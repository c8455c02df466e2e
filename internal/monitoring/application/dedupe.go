package application

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
)

const dedupeCompactThreshold = 5000

// dedupeCache drops repeated (topic, payload) pairs seen within a window.
type dedupeCache struct {
	window float64
	seen   map[string]float64
}

func newDedupeCache(window float64) *dedupeCache {
	return &dedupeCache{window: window, seen: make(map[string]float64)}
}

func dedupeKey(topic, payload string) string {
	sum := sha1.Sum([]byte(topic + "|" + payload))
	return hex.EncodeToString(sum[:])
}

// Seen records the pair at ts and reports whether it repeats a recent one.
func (c *dedupeCache) Seen(topic, payload string, ts float64) bool {
	if c.window <= 0 {
		return false
	}
	key := dedupeKey(topic, payload)
	last, ok := c.seen[key]
	c.seen[key] = ts
	if len(c.seen) > dedupeCompactThreshold {
		c.compact(ts)
	}
	return ok && math.Abs(ts-last) <= c.window
}

func (c *dedupeCache) compact(now float64) {
	cutoff := now - 4*c.window
	for key, ts := range c.seen {
		if ts < cutoff {
			delete(c.seen, key)
		}
	}
}

// Len returns the number of tracked digests.
func (c *dedupeCache) Len() int {
	return len(c.seen)
}

func (c *dedupeCache) entries() map[string]float64 {
	out := make(map[string]float64, len(c.seen))
	for k, v := range c.seen {
		out[k] = v
	}
	return out
}

func (c *dedupeCache) restore(entries map[string]float64) {
	for k, v := range entries {
		c.seen[k] = v
	}
}
