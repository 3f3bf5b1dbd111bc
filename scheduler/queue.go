package scheduler

import (
	"container/heap"

	"github.com/gitmind-dev/gitmind/task"
)

// queueItem is one task waiting for dispatch. Grounded on the teacher's
// priorityQueueItem (concurrency/worker_pool.go), generalized from a raw
// int priority to task.Priority plus a FIFO tiebreak on SubmitTime so equal-
// priority tasks run in arrival order (spec §3 I2).
type queueItem struct {
	entry *task.LedgerEntry
	index int
}

// taskHeap is a container/heap.Interface over pending tasks: highest
// task.Priority first, earlier task.SubmitTime first within the same
// priority.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	pi, pj := h[i].entry.Task.Priority, h[j].entry.Task.Priority
	if pi != pj {
		return pi > pj
	}
	return h[i].entry.Task.SubmitTime.Before(h[j].entry.Task.SubmitTime)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// pendingQueue wraps taskHeap with lookup-by-id so Cancel can pull a task
// out of the middle of the queue without scanning it.
type pendingQueue struct {
	h     taskHeap
	index map[string]*queueItem
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{index: make(map[string]*queueItem)}
}

func (q *pendingQueue) push(entry *task.LedgerEntry) {
	item := &queueItem{entry: entry}
	heap.Push(&q.h, item)
	q.index[entry.Task.ID] = item
}

// peek returns the highest-priority entry without removing it.
func (q *pendingQueue) peek() (*task.LedgerEntry, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return q.h[0].entry, true
}

// pop removes and returns the highest-priority entry.
func (q *pendingQueue) pop() (*task.LedgerEntry, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.h).(*queueItem)
	delete(q.index, item.entry.Task.ID)
	return item.entry, true
}

// remove pulls taskID out of the queue regardless of position, for Cancel.
func (q *pendingQueue) remove(taskID string) bool {
	item, ok := q.index[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.h, item.index)
	delete(q.index, taskID)
	return true
}

func (q *pendingQueue) len() int { return q.h.Len() }
