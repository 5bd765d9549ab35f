package dfu

import "sync/atomic"

// Counters tracks transfer statistics. All fields are safe for concurrent
// access.
type Counters struct {
	Transfers   atomic.Uint32 // Transfers started
	Completed   atomic.Uint32 // Transfers that sent the finish command
	Cancelled   atomic.Uint32 // Transfers stopped by context cancellation
	Failed      atomic.Uint32 // Transfers stopped by a transport error
	Chunks      atomic.Uint32 // Chunks written
	AckedWrites atomic.Uint32 // Chunks written with response
	Bytes       atomic.Uint64 // Payload bytes written
}

// CountersSnapshot is a plain-value copy of Counters.
type CountersSnapshot struct {
	Transfers   uint32 `json:"transfers"`
	Completed   uint32 `json:"completed"`
	Cancelled   uint32 `json:"cancelled"`
	Failed      uint32 `json:"failed"`
	Chunks      uint32 `json:"chunks"`
	AckedWrites uint32 `json:"acked_writes"`
	Bytes       uint64 `json:"bytes"`
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Transfers:   c.Transfers.Load(),
		Completed:   c.Completed.Load(),
		Cancelled:   c.Cancelled.Load(),
		Failed:      c.Failed.Load(),
		Chunks:      c.Chunks.Load(),
		AckedWrites: c.AckedWrites.Load(),
		Bytes:       c.Bytes.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.Transfers.Store(0)
	c.Completed.Store(0)
	c.Cancelled.Store(0)
	c.Failed.Store(0)
	c.Chunks.Store(0)
	c.AckedWrites.Store(0)
	c.Bytes.Store(0)
}
