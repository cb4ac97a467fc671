// Package bridge implements the notification queue that connects the file
// transfer server to the chat broadcast loop. Producers on any goroutine
// publish serialized event lines; the single chat event loop consumes them
// by selecting on the wakeup channel and draining the queue.
package bridge

import "sync"

// Bridge is a multi-producer, single-consumer FIFO of opaque string
// messages with an associated wakeup signal. The zero value is not usable;
// call New.
type Bridge struct {
	mu     sync.Mutex
	queue  []string
	wakeup chan struct{}
}

// New creates an empty Bridge ready for concurrent publishers.
func New() *Bridge {
	return &Bridge{
		wakeup: make(chan struct{}, 1),
	}
}

// Publish appends msg to the queue and signals the consumer. It is safe to
// call from any number of goroutines and never blocks.
func (b *Bridge) Publish(msg string) {
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.wakeup <- struct{}{}:
	default:
	}
}

// Wakeup returns the channel the consumer selects on alongside its other
// event sources. A receive means at least one message may be queued.
func (b *Bridge) Wakeup() <-chan struct{} {
	return b.wakeup
}

// DrainWakeup clears any pending signal without touching the queue. The
// consumer must call it once per wakeup and then loop TryTake until the
// queue is empty; draining the queue completely after every signal is what
// prevents a concurrently published message from being missed.
func (b *Bridge) DrainWakeup() {
	select {
	case <-b.wakeup:
	default:
	}
}

// TryTake removes and returns the oldest queued message, if any. It never
// blocks.
func (b *Bridge) TryTake() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return "", false
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return msg, true
}

// Len reports the number of queued messages.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
