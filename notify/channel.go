// Package notify is the queue between the session's background loop and the
// application. A single mutex guards both the queue and the subscription tracker, so a
// batch is visible to PollNotify exactly when the tracker state it came from is.
package notify

import (
	"sync"

	"mini-s2s/message"
	"mini-s2s/subscription"
)

type Channel struct {
	mu      sync.Mutex
	tracker *subscription.Tracker
	status  message.SessionStatus
	queue   []message.NotifyResult
	ready   chan struct{}
	changed chan struct{}
}

func New(tracker *subscription.Tracker) *Channel {
	return &Channel{
		tracker: tracker,
		ready:   make(chan struct{}, 1),
		changed: make(chan struct{}),
	}
}

// Tx is the view of a Channel inside Commit.
type Tx struct {
	Tracker *subscription.Tracker
	c       *Channel
}

func (tx *Tx) Status() message.SessionStatus { return tx.c.status }

func (tx *Tx) SetStatus(s message.SessionStatus) { tx.c.status = s }

// Publish queues metas under the current status. Empty batches are not queued.
func (tx *Tx) Publish(metas []message.Meta) {
	if len(metas) == 0 {
		return
	}
	tx.c.queue = append(tx.c.queue, message.NotifyResult{Status: tx.c.status, Metas: metas})
}

// PublishStatus queues a batch with no entries, used to report session loss and
// recovery.
func (tx *Tx) PublishStatus() {
	tx.c.queue = append(tx.c.queue, message.NotifyResult{Status: tx.c.status})
}

// Commit runs fn under the channel lock. Waiters on Changed are woken afterwards and
// Ready fires if the queue is not empty.
func (c *Channel) Commit(fn func(tx *Tx)) {
	c.mu.Lock()
	fn(&Tx{Tracker: c.tracker, c: c})
	pending := len(c.queue) > 0
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	if pending {
		c.signal()
	}
}

// View runs fn under the channel lock. fn must not modify the tracker.
func (c *Channel) View(fn func(t *subscription.Tracker, status message.SessionStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.tracker, c.status)
}

// Poll pops the oldest batch. With an empty queue it returns the current status and
// false.
func (c *Channel) Poll() (message.NotifyResult, bool) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		s := c.status
		c.mu.Unlock()
		return message.NotifyResult{Status: s}, false
	}
	r := c.queue[0]
	c.queue[0] = message.NotifyResult{}
	c.queue = c.queue[1:]
	more := len(c.queue) > 0
	c.mu.Unlock()
	if more {
		c.signal()
	}
	return r, true
}

func (c *Channel) Status() message.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Len is the number of queued batches.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Ready receives a value when batches are pending. Signals coalesce: one receive may
// stand for several batches, so drain with Poll until it reports false.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

// Changed returns a channel closed by the next Commit.
func (c *Channel) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Channel) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}
