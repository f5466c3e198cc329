package protocol

import "sync"

// Mailbox is a thread-safe deque used to hand packet envelopes between the I/O
// goroutines and the consumer. All operations take the one mutex; Wait
// re-checks emptiness in a loop around the condition variable so a push that
// races with entering the wait is never lost.
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func NewMailbox[T any]() *Mailbox[T] {
	m := &Mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Mailbox[T]) PushBack(item T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.items = append(m.items, item)
	m.cond.Broadcast()
}

// PushFront inserts ahead of everything queued. Exposed for priority-style
// insertion; plain FIFO is the norm.
func (m *Mailbox[T]) PushFront(item T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.items = append([]T{item}, m.items...)
	m.cond.Broadcast()
}

func (m *Mailbox[T]) PopFront() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	item := m.items[0]
	m.items = m.items[1:]
	return item, true
}

func (m *Mailbox[T]) PopBack() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	item := m.items[len(m.items)-1]
	m.items = m.items[:len(m.items)-1]
	return item, true
}

func (m *Mailbox[T]) Remove(index int) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if index < 0 || index >= len(m.items) {
		return zero, false
	}
	item := m.items[index]
	m.items = append(m.items[:index], m.items[index+1:]...)
	return item, true
}

// Wait blocks until the mailbox is non-empty. Returns false once the mailbox
// has been closed and drained.
func (m *Mailbox[T]) Wait() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) == 0 {
		if m.closed {
			return false
		}
		m.cond.Wait()
	}
	return true
}

func (m *Mailbox[T]) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) == 0
}

func (m *Mailbox[T]) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further pushes and wakes every waiter. Items already queued
// can still be popped.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}
