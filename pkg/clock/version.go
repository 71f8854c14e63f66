// Package clock holds the monotonically increasing counters shared across tables.
package clock

import "sync/atomic"

// Version is a lock-free counter. Tables holding different locks bump it
// concurrently, so every mutation observes a distinct value.
type Version struct {
	v atomic.Uint64
}

func NewVersion(start uint64) *Version {
	c := &Version{}
	c.v.Store(start)
	return c
}

func (c *Version) Current() uint64 { return c.v.Load() }

// Tick consumes one version and returns it.
func (c *Version) Tick() uint64 { return c.v.Add(1) }

// Advance consumes n versions at once and returns the last of them.
func (c *Version) Advance(n uint64) uint64 { return c.v.Add(n) }

// Reset rewinds or forwards the counter, e.g. when a replica adopts a
// peer's version.
func (c *Version) Reset(v uint64) { c.v.Store(v) }
