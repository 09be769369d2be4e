package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFifoQueue_Order(t *testing.T) {
	q := newFifoQueue()
	q.push(&waiter{userID: "a", enqueuedAt: time.Now()})
	q.push(&waiter{userID: "b", enqueuedAt: time.Now()})
	q.push(&waiter{userID: "c", enqueuedAt: time.Now()})

	assert.Equal(t, []string{"a", "b", "c"}, q.userIDs())
	assert.Equal(t, "a", q.popOldest().userID)
	assert.Equal(t, "b", q.popOldest().userID)
	assert.Equal(t, 1, q.len())
}

func TestFifoQueue_PushFrontRestoresPosition(t *testing.T) {
	q := newFifoQueue()
	q.push(&waiter{userID: "a"})
	q.push(&waiter{userID: "b"})

	head := q.popOldest()
	q.pushFront(head)

	assert.Equal(t, []string{"a", "b"}, q.userIDs())
}

func TestFifoQueue_Remove(t *testing.T) {
	q := newFifoQueue()
	q.push(&waiter{userID: "a"})
	q.push(&waiter{userID: "b"})
	q.push(&waiter{userID: "c"})

	assert.True(t, q.remove("b"))
	assert.False(t, q.remove("b"))
	assert.Equal(t, []string{"a", "c"}, q.userIDs())
	assert.False(t, q.contains("b"))
	assert.True(t, q.contains("c"))
}

func TestFifoQueue_PopEmpty(t *testing.T) {
	q := newFifoQueue()
	assert.Nil(t, q.popOldest())
}
