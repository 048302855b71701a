package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultLazyQueueDepth = 64

// writebackQueue is the bounded queue backing lazy writeback. One worker
// drains it per level. Overflow drops the writeback silently: evicted
// entries are regenerable, so losing a push costs a future cache miss,
// nothing more.
type writebackQueue struct {
	ch      chan *Entry
	next    Level
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	timeout time.Duration
}

func newWritebackQueue(next Level, depth int, logger *slog.Logger) *writebackQueue {
	if depth <= 0 {
		depth = defaultLazyQueueDepth
	}
	q := &writebackQueue{
		ch:      make(chan *Entry, depth),
		next:    next,
		logger:  logger,
		timeout: 30 * time.Second,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *writebackQueue) run() {
	defer q.wg.Done()
	for e := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.next.Put(ctx, e.Key, e.Data, e.Thumbnail)
		cancel()
		if err != nil {
			q.logger.Warn("lazy writeback failed",
				"level", q.next.ID(),
				"key", string(e.Key),
				"error", err,
			)
		}
	}
}

// enqueue offers an entry to the queue without blocking. Returns false if
// the queue is full and the writeback was dropped.
func (q *writebackQueue) enqueue(e *Entry) bool {
	select {
	case q.ch <- e:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// close stops the worker after draining queued entries best-effort.
func (q *writebackQueue) close() {
	q.once.Do(func() {
		close(q.ch)
	})
	q.wg.Wait()
}
