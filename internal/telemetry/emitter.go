package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emberhost/crucible/internal/model"
)

// Emitter receives finished execution metrics records.
type Emitter interface {
	Emit(ctx context.Context, m model.ExecutionMetrics) error
}

// Collector fans finished records out to an Emitter from a bounded buffer.
// Emit never blocks the caller: when the buffer is full the oldest pending
// record is dropped to make room.
type Collector struct {
	emitter Emitter
	logger  *slog.Logger

	mu     sync.Mutex
	buf    []model.ExecutionMetrics
	cap    int
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewCollector creates a collector draining into emitter with the given
// buffer capacity.
func NewCollector(emitter Emitter, capacity int, logger *slog.Logger) *Collector {
	if capacity <= 0 {
		capacity = 256
	}
	c := &Collector{
		emitter: emitter,
		logger:  logger,
		cap:     capacity,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.drain()
	return c
}

// Emit queues one record. Never blocks; returns immediately even when the
// drain loop is behind.
func (c *Collector) Emit(m model.ExecutionMetrics) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.buf) >= c.cap {
		c.buf = c.buf[1:]
		droppedRecords.Inc()
	}
	c.buf = append(c.buf, m)
	// Nonblocking wake under the lock so Close cannot close the channel
	// between the append and the send.
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.mu.Unlock()
}

func (c *Collector) drain() {
	defer close(c.done)
	for range c.wake {
		for {
			c.mu.Lock()
			if len(c.buf) == 0 {
				c.mu.Unlock()
				break
			}
			m := c.buf[0]
			c.buf = c.buf[1:]
			c.mu.Unlock()

			if err := c.emitter.Emit(context.Background(), m); err != nil {
				c.logger.Warn("emit metrics record failed", "request_id", m.RequestID, "error", err)
				emitFailures.Inc()
			} else {
				emittedRecords.Inc()
			}
		}
	}
}

// Close stops accepting records, drains what is buffered, and waits for the
// drain loop to exit.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	// One final wake so the loop flushes the tail before the channel closes.
	select {
	case c.wake <- struct{}{}:
	default:
	}
	close(c.wake)
	c.mu.Unlock()

	<-c.done
}

// Pending reports the number of buffered, not yet emitted records.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
