package notification

import (
	"context"
	"sync"
	"time"

	"realtime-chat/pkg/logger"
)

type job struct {
	userID string
	title  string
	body   string
	data   map[string]string
}

// AsyncDispatcher hands pushes to a pool of workers through a bounded
// queue. Notify never blocks: when the queue is full the push is dropped.
// Delivery is at most once and failures are only logged.
type AsyncDispatcher struct {
	next    Dispatcher
	queue   chan job
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsyncDispatcher(next Dispatcher, queueSize, workers int, timeout time.Duration) *AsyncDispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if workers <= 0 {
		workers = 1
	}

	d := &AsyncDispatcher{
		next:    next,
		queue:   make(chan job, queueSize),
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *AsyncDispatcher) Notify(_ context.Context, userID, title, body string, data map[string]string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		logger.Warn("Notification dispatcher closed, dropping push to %s", userID)
		return nil
	}

	select {
	case d.queue <- job{userID: userID, title: title, body: body, data: data}:
	default:
		logger.Warn("Notification queue full, dropping push to %s", userID)
	}
	return nil
}

func (d *AsyncDispatcher) worker() {
	defer d.wg.Done()

	for j := range d.queue {
		ctx := context.Background()
		cancel := func() {}
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		if err := d.next.Notify(ctx, j.userID, j.title, j.body, j.data); err != nil {
			logger.Error("Failed to notify user %s: %v", j.userID, err)
		}
		cancel()
	}
}

// Close stops accepting pushes and waits for queued ones to be sent.
func (d *AsyncDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}
