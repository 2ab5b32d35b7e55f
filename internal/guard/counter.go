package guard

import (
	"context"
	"sort"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/metrics"
	"firestige.xyz/flowguard/internal/scheduler"
)

// RecordResult reports the outcome of EventCounter.Record.
type RecordResult struct {
	Count            int
	ThresholdCrossed bool
}

// CounterEntry is a point-in-time view of one counted key.
type CounterEntry struct {
	Key   core.FlowKey `json:"key"`
	Count int          `json:"count"`
}

// EventCounter counts recent events per flow key. Every counted event
// schedules exactly one decay of the same key after the ban duration in
// force when it was counted.
type EventCounter struct {
	shards *shardSet[int]
	sched  scheduler.Scheduler
	limits func() Limits
}

// NewEventCounter creates a counter spread over the given number of shards.
// limits is read on every Record so runtime changes apply to new entries.
func NewEventCounter(sched scheduler.Scheduler, shards int, limits func() Limits) *EventCounter {
	return &EventCounter{
		shards: newShardSet[int](shards),
		sched:  sched,
		limits: limits,
	}
}

// Record tallies one event for key. At or above the threshold it reports a
// crossing and leaves the count untouched.
func (c *EventCounter) Record(key core.FlowKey) RecordResult {
	lim := c.limits()
	sh := c.shards.get(key)

	sh.mu.Lock()
	n := sh.m[key]
	if n >= lim.MaxEvents {
		sh.mu.Unlock()
		return RecordResult{Count: n, ThresholdCrossed: true}
	}
	n++
	sh.m[key] = n
	sh.mu.Unlock()

	if n == 1 {
		metrics.GuardCounterEntries.Inc()
	}
	c.sched.Schedule(lim.BanDuration, scheduler.Job{
		Name: "decay",
		Key:  key.String(),
		Run: func(context.Context) error {
			c.decay(key)
			return nil
		},
	})
	return RecordResult{Count: n}
}

// decay takes back one event. The entry is deleted when it reaches zero.
func (c *EventCounter) decay(key core.FlowKey) {
	sh := c.shards.get(key)
	sh.mu.Lock()
	n, ok := sh.m[key]
	if !ok {
		sh.mu.Unlock()
		return
	}
	if n <= 1 {
		delete(sh.m, key)
		sh.mu.Unlock()
		metrics.GuardCounterEntries.Dec()
		return
	}
	sh.m[key] = n - 1
	sh.mu.Unlock()
}

// Count returns the current count of key (0 when absent).
func (c *EventCounter) Count(key core.FlowKey) int {
	sh := c.shards.get(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.m[key]
}

// Len returns the number of keys with a live count.
func (c *EventCounter) Len() int {
	n := 0
	c.shards.each(func(m map[core.FlowKey]int) { n += len(m) })
	return n
}

// Entries returns every live count, ordered by key.
func (c *EventCounter) Entries() []CounterEntry {
	var out []CounterEntry
	c.shards.each(func(m map[core.FlowKey]int) {
		for k, n := range m {
			out = append(out, CounterEntry{Key: k, Count: n})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}
