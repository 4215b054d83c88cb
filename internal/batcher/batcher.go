package batcher

// ============================================================================
// Job Batcher
// Purpose: Accumulate activated jobs and hand them to a batch handler on a
//          size trigger or a max-wait trigger, whichever comes first
// ============================================================================

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler receives one drained batch. Errors are logged, never propagated.
type Handler[T any] func(batch []T) error

// Batcher queues items for a batch handler.
//
// Triggers:
// - size: queue length reaches minSize, the timer is cancelled
// - time: maxWait after the first item added to an empty queue
//
// The handler always receives the whole queue, exactly once per drain.
type Batcher[T any] struct {
	handler Handler[T]
	log     *slog.Logger

	mu       sync.Mutex
	queue    []T
	timer    *time.Timer
	timerGen uint64
	closed   bool

	// Configuration
	minSize int
	maxWait time.Duration

	wg sync.WaitGroup
}

// New creates a batcher.
//
// Parameters:
//
//	minSize - drain as soon as this many items are queued
//	maxWait - drain at most this long after the first queued item
func New[T any](minSize int, maxWait time.Duration, handler Handler[T], logger *slog.Logger) *Batcher[T] {
	if minSize < 1 {
		minSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher[T]{
		handler: handler,
		log:     logger.With("component", "batcher"),
		minSize: minSize,
		maxWait: maxWait,
	}
}

// Batch appends items and drains if the size trigger is reached.
func (b *Batcher[T]) Batch(items ...T) {
	if len(items) == 0 {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Warn("Batch after close, dropping items", "count", len(items))
		return
	}

	wasEmpty := len(b.queue) == 0
	b.queue = append(b.queue, items...)

	if len(b.queue) >= b.minSize {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.execute(batch, "size")
		return
	}

	if wasEmpty {
		b.timerGen++
		gen := b.timerGen
		b.timer = time.AfterFunc(b.maxWait, func() { b.onTimer(gen) })
	}
	b.mu.Unlock()
}

// Len returns the number of queued items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush drains whatever is queued now.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.execute(batch, "flush")
}

// Close flushes the queue, rejects further items and waits for running handlers.
func (b *Batcher[T]) Close() {
	b.mu.Lock()
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()

	b.execute(batch, "close")
	b.wg.Wait()
}

// ============================================================================
// Private Methods
// ============================================================================

func (b *Batcher[T]) onTimer(gen uint64) {
	b.mu.Lock()
	if gen != b.timerGen || b.timer == nil {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()
	b.execute(batch, "timeout")
}

// takeLocked empties the queue and disarms the timer.
func (b *Batcher[T]) takeLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++
	batch := b.queue
	b.queue = nil
	return batch
}

func (b *Batcher[T]) execute(batch []T, trigger string) {
	if len(batch) == 0 {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("Batch handler panicked", "trigger", trigger, "size", len(batch), "panic", fmt.Sprint(r))
			}
		}()

		b.log.Debug("Executing batch", "trigger", trigger, "size", len(batch))
		if err := b.handler(batch); err != nil {
			b.log.Error("Batch handler failed", "trigger", trigger, "size", len(batch), "error", err)
		}
	}()
}
