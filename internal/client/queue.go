package client

import "sync"

// DefaultQueueSize емкость очереди кадров
const DefaultQueueSize = 5

// FrameQueue ограниченная очередь неотправленных кадров.
// При переполнении вытесняется самый старый кадр.
type FrameQueue struct {
	mu    sync.Mutex
	items []Frame
	size  int
}

// NewFrameQueue создает очередь емкостью size
func NewFrameQueue(size int) *FrameQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &FrameQueue{
		items: make([]Frame, 0, size),
		size:  size,
	}
}

// Push добавляет кадр. Возвращает true, если ради него был вытеснен старый кадр.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.size {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		evicted = true
	}
	q.items = append(q.items, f)
	return evicted
}

// Drain забирает все кадры, от старых к новым
func (q *FrameQueue) Drain() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Frame, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	return out
}

// Len число кадров в очереди
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap емкость очереди
func (q *FrameQueue) Cap() int {
	return q.size
}
