package queue

import (
	"container/heap"

	"github.com/neeroai/messagebackbone/internal/models"
)

// priorityHeap orders QueuedMessages within a single priority level by
// created-at (FIFO), mirroring the Python original's heapq use
// (original_source/services/massive_queue_processor.py) via Go's
// container/heap — the idiomatic stdlib analogue of heapq, with no
// ecosystem priority-queue library present anywhere in the example pack.
type priorityHeap struct {
	items []*models.QueuedMessage
}

func (h *priorityHeap) Len() int { return len(h.items) }

func (h *priorityHeap) Less(i, j int) bool {
	return h.items[i].CreatedAt.Before(h.items[j].CreatedAt)
}

func (h *priorityHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *priorityHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*models.QueuedMessage))
}

func (h *priorityHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

func newPriorityHeap() *priorityHeap {
	h := &priorityHeap{}
	heap.Init(h)
	return h
}

func (h *priorityHeap) push(m *models.QueuedMessage) {
	heap.Push(h, m)
}

func (h *priorityHeap) pop() *models.QueuedMessage {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*models.QueuedMessage)
}
