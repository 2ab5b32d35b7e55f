// Package eventbus dispatches keyed events to a fixed set of partitions.
// Events with the same key always land on the same partition and are
// handled in publish order; different keys are handled in parallel.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"
)

// Errors returned by Publish.
var (
	ErrClosed    = errors.New("event bus is closed")
	ErrQueueFull = errors.New("partition queue is full")
)

// Handler consumes one event.
type Handler[T any] func(ctx context.Context, event T) error

// Stats are the bus counters.
type Stats struct {
	PublishedCount int64 `json:"published"`
	ProcessedCount int64 `json:"processed"`
	DroppedCount   int64 `json:"dropped"`
	FailedCount    int64 `json:"failed"`
	PartitionCount int   `json:"partitions"`
	QueuedCount    []int `json:"queued"`
}

type partition[T any] struct {
	id    int
	queue chan T
}

// Bus is an in-memory partitioned event bus.
type Bus[T any] struct {
	partitions []*partition[T]
	hashRing   *hashring.HashRing
	nodeIndex  map[string]int
	handler    Handler[T]

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	publishedCount atomic.Int64
	processedCount atomic.Int64
	droppedCount   atomic.Int64
	failedCount    atomic.Int64
}

// New starts a bus with partitionCount consumers, each with a queue of
// queueSize events, all feeding handler.
func New[T any](partitionCount, queueSize int, handler Handler[T]) *Bus[T] {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus[T]{
		partitions: make([]*partition[T], partitionCount),
		nodeIndex:  make(map[string]int, partitionCount),
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
	}

	nodes := make([]string, partitionCount)
	for i := 0; i < partitionCount; i++ {
		nodes[i] = "partition-" + strconv.Itoa(i)
		b.nodeIndex[nodes[i]] = i
		b.partitions[i] = &partition[T]{id: i, queue: make(chan T, queueSize)}
	}
	b.hashRing = hashring.New(nodes)

	b.wg.Add(partitionCount)
	for _, p := range b.partitions {
		go b.runPartition(p)
	}
	return b
}

// Publish enqueues event on the partition owning key. It never blocks: a
// full partition drops the event and returns ErrQueueFull.
func (b *Bus[T]) Publish(key string, event T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	p := b.partitions[b.partitionID(key)]
	select {
	case p.queue <- event:
		b.publishedCount.Add(1)
		return nil
	default:
		b.droppedCount.Add(1)
		return fmt.Errorf("partition %d: %w", p.id, ErrQueueFull)
	}
}

// Close stops accepting events and waits until queued events are handled
// or ctx is done, in which case the remaining events are discarded.
func (b *Bus[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus[T]) Stats() Stats {
	s := Stats{
		PublishedCount: b.publishedCount.Load(),
		ProcessedCount: b.processedCount.Load(),
		DroppedCount:   b.droppedCount.Load(),
		FailedCount:    b.failedCount.Load(),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		s.QueuedCount[i] = len(p.queue)
	}
	return s
}

func (b *Bus[T]) partitionID(key string) int {
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	return b.nodeIndex[node]
}

func (b *Bus[T]) runPartition(p *partition[T]) {
	defer b.wg.Done()
	for event := range p.queue {
		if b.ctx.Err() != nil {
			continue
		}
		if err := b.handler(b.ctx, event); err != nil {
			b.failedCount.Add(1)
			slog.Debug("event handler failed", "partition", p.id, "error", err)
			continue
		}
		b.processedCount.Add(1)
	}
}
