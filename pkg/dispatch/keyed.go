package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("dispatcher closed")

// Task is one unit of work for a key.
type Task func(ctx context.Context)

// KeyedDispatcher runs tasks in FIFO order per key. Tasks for different
// keys run concurrently; tasks for the same key never overlap. A key's
// worker goroutine exits once its queue drains.
type KeyedDispatcher[K comparable] struct {
	mu      sync.Mutex
	queues  map[K][]Task
	running map[K]bool
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.SugaredLogger
}

func NewKeyedDispatcher[K comparable](logger *zap.SugaredLogger) *KeyedDispatcher[K] {
	ctx, cancel := context.WithCancel(context.Background())
	return &KeyedDispatcher[K]{
		queues:  make(map[K][]Task),
		running: make(map[K]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Submit appends task to key's queue.
func (d *KeyedDispatcher[K]) Submit(key K, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.queues[key] = append(d.queues[key], task)
	if !d.running[key] {
		d.running[key] = true
		d.wg.Add(1)
		go d.drain(key)
	}
	return nil
}

// Pending reports the number of queued, not yet started tasks for key.
func (d *KeyedDispatcher[K]) Pending(key K) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[key])
}

func (d *KeyedDispatcher[K]) drain(key K) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			delete(d.running, key)
			d.mu.Unlock()
			return
		}
		task := queue[0]
		queue[0] = nil
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		d.run(key, task)
	}
}

func (d *KeyedDispatcher[K]) run(key K, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("dispatch task panicked", "key", key, "panic", r)
		}
	}()
	task(d.ctx)
}

// Close rejects new tasks, cancels the context handed to running tasks and
// waits for workers to finish, or for ctx to expire.
func (d *KeyedDispatcher[K]) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for key := range d.queues {
		d.queues[key] = nil
	}
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until every task submitted for key before the call has run.
func (d *KeyedDispatcher[K]) Flush(ctx context.Context, key K) error {
	done := make(chan struct{})
	if err := d.Submit(key, func(context.Context) { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
