package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDrop signals that a failed task must not be retried. Handlers return it
// (wrapped or bare) when the failure is terminal.
var ErrDrop = errors.New("queue: drop task")

// Handler processes one claimed delivery. Returning a non-nil error other
// than ErrDrop requeues the task with backoff while attempts remain.
type Handler func(ctx context.Context, d Delivery) error

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	NumWorkers   int
	BatchSize    int
	PollInterval time.Duration
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns the settings used in production.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		NumWorkers:   8,
		BatchSize:    10,
		PollInterval: 250 * time.Millisecond,
		RetryBackoff: 15 * time.Second,
	}
}

// Consumer runs a pool of workers claiming tasks from one topic.
type Consumer struct {
	q       *Delayed
	topic   string
	handler Handler
	cfg     ConsumerConfig

	// Stats
	processed int64
	retried   int64
	dropped   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewConsumer creates a consumer for the topic. Zero-value config fields are
// replaced with defaults.
func NewConsumer(q *Delayed, topic string, handler Handler, cfg ConsumerConfig) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = def.NumWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	return &Consumer{q: q, topic: topic, handler: handler, cfg: cfg}
}

// Start launches the worker pool.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer for %s already running", c.topic)
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	log.Printf("[Consumer:%s] Starting %d workers (batch_size=%d)", c.topic, c.cfg.NumWorkers, c.cfg.BatchSize)

	for i := 0; i < c.cfg.NumWorkers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop drains the pool and blocks until all in-flight handlers return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	log.Printf("[Consumer:%s] Stopped. Processed: %d, retried: %d, dropped: %d",
		c.topic, atomic.LoadInt64(&c.processed), atomic.LoadInt64(&c.retried), atomic.LoadInt64(&c.dropped))
}

// Stats returns current counters.
func (c *Consumer) Stats() map[string]int64 {
	return map[string]int64{
		"processed": atomic.LoadInt64(&c.processed),
		"retried":   atomic.LoadInt64(&c.retried),
		"dropped":   atomic.LoadInt64(&c.dropped),
	}
}

func (c *Consumer) worker(n int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			deliveries, err := c.q.Claim(c.ctx, c.topic, c.cfg.BatchSize)
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				log.Printf("[Consumer:%s] Worker %d: claim error: %v", c.topic, n, err)
				time.Sleep(time.Second)
				continue
			}

			if len(deliveries) == 0 {
				time.Sleep(c.cfg.PollInterval)
				continue
			}

			for _, d := range deliveries {
				c.process(d)
			}
		}
	}
}

func (c *Consumer) process(d Delivery) {
	err := c.handler(c.ctx, d)
	if err == nil {
		atomic.AddInt64(&c.processed, 1)
		return
	}
	if errors.Is(err, ErrDrop) {
		atomic.AddInt64(&c.dropped, 1)
		return
	}

	backoff := time.Duration(d.Attempt) * c.cfg.RetryBackoff
	requeued, rqErr := c.q.Requeue(c.ctx, c.topic, d, backoff)
	if rqErr != nil {
		log.Printf("[Consumer:%s] Requeue error for task %s: %v", c.topic, d.ID, rqErr)
		atomic.AddInt64(&c.dropped, 1)
		return
	}
	if requeued {
		atomic.AddInt64(&c.retried, 1)
	} else {
		log.Printf("[Consumer:%s] Task %s exhausted %d attempts: %v", c.topic, d.ID, d.MaxAttempts, err)
		atomic.AddInt64(&c.dropped, 1)
	}
}
