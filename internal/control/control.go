// Package control implements the stop-request control channel (C6): an
// ephemeral, externally-settable signal the Task Executor polls between
// batches. Grounded on the teacher's CDCReplicationManager/StopChan
// pattern, but realized over sync.Map rather than a closed channel per
// task, since a closed channel cannot be "unclosed" for a task's next run
// and the signal must be settable from a goroutine other than the
// executor's own (an HTTP handler, a CLI command).
package control

import (
	"sync"
	"time"
)

type entry struct {
	requestedAt time.Time
	ttl         time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.requestedAt) > e.ttl
}

// Channel tracks stop requests keyed by the string callers pass as
// taskID; the executor and control.API pass the run's running_task_id.
type Channel struct {
	defaultTTL time.Duration
	flags      sync.Map // taskID string -> entry
}

// DefaultTTL is how long a stop request remains honored if never cleared,
// preventing a stale flag from one run silently stopping a later run of
// the same task ID.
const DefaultTTL = time.Hour

// New returns a Channel using DefaultTTL.
func New() *Channel {
	return &Channel{defaultTTL: DefaultTTL}
}

// NewWithTTL returns a Channel using a custom TTL, mainly for tests.
func NewWithTTL(ttl time.Duration) *Channel {
	return &Channel{defaultTTL: ttl}
}

// RequestStop marks taskID for a graceful stop at the next poll point.
func (c *Channel) RequestStop(taskID string) {
	c.flags.Store(taskID, entry{requestedAt: now(), ttl: c.defaultTTL})
}

// IsStopRequested reports whether taskID currently has a live stop
// request. An expired request is treated as absent and lazily evicted.
func (c *Channel) IsStopRequested(taskID string) bool {
	v, ok := c.flags.Load(taskID)
	if !ok {
		return false
	}
	e := v.(entry)
	if e.expired(now()) {
		c.flags.Delete(taskID)
		return false
	}
	return true
}

// Clear removes any stop request for taskID, called by the executor once
// it has honored the request and the task has come to rest.
func (c *Channel) Clear(taskID string) {
	c.flags.Delete(taskID)
}

// now is a var so tests can stub time without depending on real elapsed
// wall-clock time for TTL expiry assertions.
var now = time.Now
