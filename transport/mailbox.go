package transport

import (
	"context"
	"io"
	"sync"
)

// mailbox is an unbounded FIFO queue; push never blocks.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) tryPop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	v := m.items[0]
	m.items[0] = zero
	m.items = m.items[1:]
	return v, true
}

// pop waits for the next item. Once done is closed the remaining items are
// still returned, followed by io.EOF.
func (m *mailbox[T]) pop(ctx context.Context, done <-chan struct{}) (T, error) {
	var zero T
	for {
		if v, ok := m.tryPop(); ok {
			return v, nil
		}
		select {
		case <-m.signal:
		case <-done:
			if v, ok := m.tryPop(); ok {
				return v, nil
			}
			return zero, io.EOF
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
