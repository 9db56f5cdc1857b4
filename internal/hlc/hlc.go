// Package hlc implements the hybrid logical clock that orders every
// message and state write in the mesh (spec sec 4.A). A Clock is an
// actor: all mutation goes through a single mutex-guarded critical
// section so that successive Now() calls are strictly increasing (I1),
// matching the single-owner idiom the rest of this codebase uses for
// shared mutable state (see internal/signal/ntp.Checker in the teacher
// this package is grounded on).
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a HybridTimestamp (spec sec 3): wall_ms, counter, node_id,
// totally ordered lexicographically on that triple.
type Timestamp struct {
	WallMS  uint64 `json:"wall_ms"`
	Counter uint32 `json:"counter"`
	NodeID  string `json:"node_id"`
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d.%s", t.WallMS, t.Counter, t.NodeID)
}

// Compare implements the total order (wall_ms, counter, node_id).
// Negative if a < b, zero if equal, positive if a > b.
func Compare(a, b Timestamp) int {
	if a.WallMS != b.WallMS {
		if a.WallMS < b.WallMS {
			return -1
		}
		return 1
	}
	if a.Counter != b.Counter {
		if a.Counter < b.Counter {
			return -1
		}
		return 1
	}
	switch {
	case a.NodeID < b.NodeID:
		return -1
	case a.NodeID > b.NodeID:
		return 1
	default:
		return 0
	}
}

// Before reports whether a happened causally before b.
func Before(a, b Timestamp) bool { return Compare(a, b) < 0 }

// SkewWarning is delivered on the clock's error channel when a remote
// timestamp's wall_ms exceeds the local physical clock by more than the
// configured threshold. It is always Transient: the merge still proceeds.
type SkewWarning struct {
	Remote    Timestamp
	LocalWall uint64
	Skew      time.Duration
}

func (w SkewWarning) Error() string {
	return fmt.Sprintf("clock skew from node %s: remote wall_ms=%d exceeds local by %s", w.Remote.NodeID, w.Remote.WallMS, w.Skew)
}

const defaultSkewThreshold = 60 * time.Second

// PhysicalClock abstracts time.Now for deterministic tests.
type PhysicalClock interface {
	NowMS() uint64
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) NowMS() uint64 { return uint64(time.Now().UnixMilli()) }

// Clock is the single owner of this node's HLC state.
type Clock struct {
	mu sync.Mutex

	wallMS  uint64
	counter uint32
	nodeID  string

	physical  PhysicalClock
	threshold time.Duration
	warnings  chan<- error
}

// Option configures a Clock.
type Option func(*Clock)

// WithPhysicalClock overrides the physical time source (for tests).
func WithPhysicalClock(pc PhysicalClock) Option {
	return func(c *Clock) { c.physical = pc }
}

// WithSkewThreshold overrides the bounded-skew policy threshold.
func WithSkewThreshold(d time.Duration) Option {
	return func(c *Clock) { c.threshold = d }
}

// WithWarningChannel sets the channel ClockSkew warnings are sent on.
// Sends are non-blocking: a full channel drops the warning rather than
// stalling the merge.
func WithWarningChannel(ch chan<- error) Option {
	return func(c *Clock) { c.warnings = ch }
}

// New creates a Clock for nodeID, optionally seeded from persisted state
// (see Load in persist.go).
func New(nodeID string, seed Timestamp, opts ...Option) *Clock {
	c := &Clock{
		nodeID:   nodeID,
		physical: SystemClock{},
		threshold: defaultSkewThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	physNow := c.physical.NowMS()
	c.wallMS = max64(seed.WallMS, physNow)
	if c.wallMS == seed.WallMS && seed.NodeID == nodeID {
		c.counter = seed.Counter
	}
	return c
}

// Now mints the next HybridTimestamp for an outbound send (sec 4.A).
// Consecutive calls on the same Clock strictly increase (I1).
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.physical.NowMS()
	if t > c.wallMS {
		c.wallMS = t
		c.counter = 0
	} else {
		c.counter++
	}
	return Timestamp{WallMS: c.wallMS, Counter: c.counter, NodeID: c.nodeID}
}

// Observe merges a received remote timestamp into local state (sec
// 4.A). It never fails: a malformed or skewed remote clock only ever
// produces telemetry, never blocks delivery (sec 7).
func (c *Clock) Observe(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.physical.NowMS()
	maxWall := max64(c.wallMS, max64(remote.WallMS, t))

	// The three candidates are {local.counter, remote.counter, 0}, taken
	// only from whichever inputs actually contributed the max wall_ms
	// (sec 4.A); 0 is always an eligible candidate since physical time
	// contributes it whenever it alone reaches maxWall.
	var candidate uint32
	if c.wallMS == maxWall && c.counter > candidate {
		candidate = c.counter
	}
	if remote.WallMS == maxWall && remote.Counter > candidate {
		candidate = remote.Counter
	}

	c.wallMS = maxWall
	c.counter = candidate + 1

	if remote.WallMS > t && time.Duration(remote.WallMS-t)*time.Millisecond > c.threshold {
		c.emitSkew(SkewWarning{
			Remote:    remote,
			LocalWall: t,
			Skew:      time.Duration(remote.WallMS-t) * time.Millisecond,
		})
	}
}

func (c *Clock) emitSkew(w SkewWarning) {
	if c.warnings == nil {
		return
	}
	select {
	case c.warnings <- w:
	default:
	}
}

// Snapshot returns the current timestamp without advancing the counter,
// for persistence (see persist.go).
func (c *Clock) Snapshot() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{WallMS: c.wallMS, Counter: c.counter, NodeID: c.nodeID}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
