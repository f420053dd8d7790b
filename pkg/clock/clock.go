// Package clock implements a Lamport logical clock.
//
// From Lamport (1978), two implementation rules govern the clock:
//
//	IR1 (internal event): Before any internal event, increment the clock.
//	IR2 (message receipt): On receiving a message with timestamp t,
//	     set the clock to max(own, t) + 1.
//
// The journal stamps every observed event with Tick, so events emitted by
// different goroutines get distinct, increasing timestamps. TotalOrderLess
// breaks ties deterministically by actor name, which gives every reader of
// the journal the same ordering.
//
// Unlike a per-process clock, a Clock here is shared by all goroutines that
// report events, so it is guarded by a mutex.
package clock

import "sync"

// Clock is a goroutine-safe Lamport logical clock. The zero value is ready
// to use.
type Clock struct {
	mu sync.Mutex
	ts int64
}

// Tick implements IR1: increment the clock before an internal event.
// Returns the new timestamp.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	return c.ts
}

// Receive implements IR2: set the clock to max(own, received) + 1.
// Returns the new timestamp.
func (c *Clock) Receive(received int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.ts {
		c.ts = received
	}
	c.ts++
	return c.ts
}

// Value returns the current clock value without advancing it.
func (c *Clock) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// Set initializes the clock to a specific value. Used to continue a run
// whose latest timestamp was read back from the journal.
func (c *Clock) Set(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts = v
}

// TotalOrderLess defines a deterministic total order over events.
// Event A is "less" than event B if:
//
//	tsA < tsB, or
//	tsA == tsB and actorA < actorB (lexicographic)
func TotalOrderLess(tsA int64, actorA string, tsB int64, actorB string) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return actorA < actorB
}
