package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

const defaultQueueCapacity = 256

// MemoryQueue is an in-process go-job queue. Nacked deliveries are requeued
// after their delay or moved to the dead letter list.
type MemoryQueue struct {
	ready chan *memoryDelivery

	mu          sync.Mutex
	closed      bool
	deadLetters []*job.ExecutionMessage
	pending     sync.WaitGroup
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &MemoryQueue{ready: make(chan *memoryDelivery, capacity)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if q == nil {
		return fmt.Errorf("scheduler: queue is nil")
	}
	if msg == nil {
		return fmt.Errorf("scheduler: execution message is required")
	}
	return q.push(ctx, &memoryDelivery{queue: q, msg: msg, attempt: 1})
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if q == nil {
		return nil, fmt.Errorf("scheduler: queue is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case delivery, ok := <-q.ready:
		if !ok {
			return nil, ErrQueueClosed
		}
		return delivery, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting messages once delayed requeues have drained.
func (q *MemoryQueue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.pending.Wait()
	close(q.ready)
}

func (q *MemoryQueue) DeadLetters() []*job.ExecutionMessage {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.deadLetters...)
}

func (q *MemoryQueue) push(ctx context.Context, delivery *memoryDelivery) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending.Add(1)
	q.mu.Unlock()
	defer q.pending.Done()

	select {
	case q.ready <- delivery:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) requeueAfter(delivery *memoryDelivery, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.pending.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		q.ready <- delivery
	}()
	return nil
}

func (q *MemoryQueue) deadLetter(msg *job.ExecutionMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetters = append(q.deadLetters, msg)
}

type memoryDelivery struct {
	queue   *MemoryQueue
	msg     *job.ExecutionMessage
	attempt int

	mu      sync.Mutex
	settled bool
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

// Attempt is 1 for the first delivery of a message.
func (d *memoryDelivery) Attempt() int {
	return d.attempt
}

func (d *memoryDelivery) Ack(context.Context) error {
	return d.settle()
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if err := d.settle(); err != nil {
		return err
	}
	switch opts.Disposition {
	case queue.NackDispositionDeadLetter:
		d.queue.deadLetter(d.msg)
		return nil
	case queue.NackDispositionRetry:
		next := &memoryDelivery{queue: d.queue, msg: d.msg, attempt: d.attempt + 1}
		return d.queue.requeueAfter(next, opts.Delay)
	default:
		// Failed: the message is dropped.
		return nil
	}
}

func (d *memoryDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return fmt.Errorf("scheduler: delivery already settled")
	}
	d.settled = true
	return nil
}

// attemptOf reads the delivery attempt when the backend exposes it.
func attemptOf(delivery queue.Delivery) int {
	if counted, ok := delivery.(interface{ Attempt() int }); ok {
		return counted.Attempt()
	}
	return 1
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
