package matching

import "time"

// waiter is one outstanding match request in a category queue.
type waiter struct {
	userID     string
	category   Category
	enqueuedAt time.Time
}

// fifoQueue holds the waiting requests of one category in arrival order.
// Pairing always takes the oldest entry; there is no priority by balance or
// any other attribute.
type fifoQueue struct {
	items []*waiter
}

func newFifoQueue() *fifoQueue {
	return &fifoQueue{}
}

// push appends a waiter at the tail.
func (q *fifoQueue) push(w *waiter) {
	q.items = append(q.items, w)
}

// pushFront restores a waiter at the head, preserving its original position
// after a rolled-back pairing.
func (q *fifoQueue) pushFront(w *waiter) {
	q.items = append([]*waiter{w}, q.items...)
}

// popOldest removes and returns the head of the queue, or nil when empty.
func (q *fifoQueue) popOldest() *waiter {
	if len(q.items) == 0 {
		return nil
	}
	w := q.items[0]
	q.items = q.items[1:]
	return w
}

// remove deletes the waiter for the given user. Returns false if absent.
func (q *fifoQueue) remove(userID string) bool {
	for i, w := range q.items {
		if w.userID == userID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// contains reports whether the user has an entry in this queue.
func (q *fifoQueue) contains(userID string) bool {
	for _, w := range q.items {
		if w.userID == userID {
			return true
		}
	}
	return false
}

func (q *fifoQueue) len() int {
	return len(q.items)
}

// userIDs returns a snapshot of the queued user ids in FIFO order.
func (q *fifoQueue) userIDs() []string {
	ids := make([]string, len(q.items))
	for i, w := range q.items {
		ids[i] = w.userID
	}
	return ids
}
