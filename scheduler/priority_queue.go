package scheduler

import (
	"container/heap"

	"github.com/arannis/tidysort/core"
)

// readyItem is one entry in the ready-queue: the task plus a monotonic
// sequence number used as the tiebreaker for stable FIFO-within-priority
// ordering.
type readyItem struct {
	task  *core.Task
	seq   int64
	index int // heap.Interface bookkeeping
}

// readyHeap is a binary heap keyed on (priority ascending, creation
// sequence ascending), giving O(log n) admission and, paired with the
// index map in priorityQueue, O(log n) cancellation. Lower Priority
// ordinal is more urgent: critical < high < normal < low < background.
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x interface{}) {
	item := x.(*readyItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// priorityQueue is the Agent Manager's ready-queue: a stable priority
// queue ordered by (priority, creation time), with an index from task ID
// to heap entry supporting cancellation of a still-queued task without a
// linear scan.
type priorityQueue struct {
	heap    readyHeap
	byID    map[string]*readyItem
	nextSeq int64
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{byID: make(map[string]*readyItem)}
}

// Push inserts task into the ready-queue.
func (q *priorityQueue) Push(task *core.Task) {
	item := &readyItem{task: task, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, item)
	q.byID[task.ID] = item
}

// Peek returns the head of the queue (most urgent, earliest-created task)
// without removing it, or nil if the queue is empty.
func (q *priorityQueue) Peek() *core.Task {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0].task
}

// Pop removes and returns the head of the queue.
func (q *priorityQueue) Pop() *core.Task {
	if len(q.heap) == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*readyItem)
	delete(q.byID, item.task.ID)
	return item.task
}

// Remove removes the task with the given ID from the queue, if present,
// returning it and true, or nil and false if it was not queued.
func (q *priorityQueue) Remove(taskID string) (*core.Task, bool) {
	item, ok := q.byID[taskID]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, taskID)
	return item.task, true
}

// Len reports the current queue depth.
func (q *priorityQueue) Len() int { return len(q.heap) }
