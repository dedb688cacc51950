// Package testutil provides deterministic clocks, ID generators and an
// in-memory calibration store for tests.
package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a resettable logical clock for drift record
// sequence numbers. The first call to Next returns 1.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a clock starting at 0.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next increments and returns the sequence number.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the sequence number without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock to 0.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

// ManualTime is a wall clock that only moves when told to.
type ManualTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualTime starts the clock at t.
func NewManualTime(t time.Time) *ManualTime {
	return &ManualTime{now: t}
}

// Now returns the current time. Pass it where a func() time.Time is expected.
func (m *ManualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *ManualTime) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
