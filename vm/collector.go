package vm

import (
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("raya.gc")

// GCStats is a point-in-time summary of collector activity.
type GCStats struct {
	Cycles         uint64
	ObjectsFreed   uint64
	BytesReclaimed uint64
	LiveBytes      uint64
	LiveObjects    int
	Threshold      uint64
	LastPause      time.Duration
}

// collector drives stop-the-world mark-sweep over a Heap. All methods except
// noteAlloc assume the world is stopped; noteAlloc is only called by the
// worker that owns the allocating task, under the allocation path.
type collector struct {
	heap *Heap
	pins *pinSet

	// bytesSinceGC accumulates accounted allocation since the last cycle; a
	// cycle triggers when it exceeds threshold. Atomic because workers
	// allocate concurrently; threshold only changes with the world stopped.
	bytesSinceGC atomic.Uint64
	threshold    uint64
	maxThreshold uint64

	stats GCStats
}

func newCollector(heap *Heap, pins *pinSet, threshold, maxThreshold uint64) *collector {
	return &collector{
		heap:         heap,
		pins:         pins,
		threshold:    threshold,
		maxThreshold: maxThreshold,
	}
}

// noteAlloc records an allocation and reports whether a cycle is due.
func (c *collector) noteAlloc(size uint64) bool {
	return c.bytesSinceGC.Add(size) > c.threshold
}

// due re-checks the trigger with the world stopped, so a cycle that raced
// another worker's cycle is skipped instead of run back to back.
func (c *collector) due() bool {
	return c.bytesSinceGC.Load() > c.threshold
}

// collect runs one full mark-sweep cycle. roots must visit every root value:
// frames and terminal payloads of all live tasks, globals, and is augmented
// here with the native pin set. The world must be stopped.
func (c *collector) collect(roots func(visit func(Value))) {
	start := time.Now()
	c.heap.resetMarks()

	var worklist []Handle
	visit := func(v Value) {
		if !v.IsRef() {
			return
		}
		if h := v.Ref(); c.heap.mark(h) {
			worklist = append(worklist, h)
		}
	}

	roots(visit)
	c.pins.each(func(h Handle) {
		if c.heap.mark(h) {
			worklist = append(worklist, h)
		}
	})

	for len(worklist) > 0 {
		h := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		for _, v := range c.heap.Get(h).Fields {
			visit(v)
		}
	}

	freed, reclaimed := c.heap.sweep()
	c.bytesSinceGC.Store(0)

	// Grow the trigger only when the live set stays large after sweeping,
	// so a stable workload keeps a stable threshold.
	live := c.heap.LiveBytes()
	if live > c.threshold/2 && c.threshold < c.maxThreshold {
		c.threshold *= 2
		if c.threshold > c.maxThreshold {
			c.threshold = c.maxThreshold
		}
	}

	pause := time.Since(start)
	c.stats.Cycles++
	c.stats.ObjectsFreed += uint64(freed)
	c.stats.BytesReclaimed += reclaimed
	c.stats.LiveBytes = live
	c.stats.LiveObjects = c.heap.ObjectCount()
	c.stats.Threshold = c.threshold
	c.stats.LastPause = pause

	gcLog.Debugf("cycle %d: freed %d objects (%d bytes), live %d bytes, threshold %d, pause %s",
		c.stats.Cycles, freed, reclaimed, live, c.threshold, pause)
}

// snapshot returns a copy of the running statistics.
func (c *collector) snapshot() GCStats { return c.stats }
