// Package queue holds pending tasks in a bounded priority order: highest
// priority first, FIFO within a priority, with optional age-based boosting so
// low-priority tasks cannot starve.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/basket/conductor/internal/task"
)

// ErrQueueFull reports an enqueue above capacity.
var ErrQueueFull = errors.New("queue: full")

// ErrDuplicateTask reports an enqueue whose task_id is already resident.
var ErrDuplicateTask = errors.New("queue: duplicate task id")

// ErrClosed reports operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

type item struct {
	task       task.Task
	enqueuedAt time.Time
	seq        uint64
	index      int
}

// effectivePriority is the task priority plus the aging boost.
func (it *item) effectivePriority(agingFactor float64, now time.Time) float64 {
	base := float64(it.task.EffectivePriority())
	if agingFactor <= 0 {
		return base
	}
	return base + agingFactor*now.Sub(it.enqueuedAt).Minutes()
}

// taskHeap orders by effective priority descending, then enqueue sequence
// ascending. The comparison time is pinned per heap operation.
type taskHeap struct {
	items       []*item
	agingFactor float64
	now         time.Time
}

func (h *taskHeap) Len() int { return len(h.items) }

func (h *taskHeap) Less(i, j int) bool {
	pi := h.items[i].effectivePriority(h.agingFactor, h.now)
	pj := h.items[j].effectivePriority(h.agingFactor, h.now)
	if pi != pj {
		return pi > pj
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *taskHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *taskHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

// Entry is one introspection row from Snapshot.
type Entry struct {
	TaskID            string
	Priority          int
	EffectivePriority float64
	Age               time.Duration
}

// Queue is the bounded in-memory task queue. All methods are safe for
// concurrent use.
type Queue struct {
	mu       sync.Mutex
	heap     taskHeap
	resident map[string]struct{}
	maxSize  int
	seq      uint64
	closed   bool
	notEmpty chan struct{}
}

// New creates a queue bounded at maxSize entries. agingFactor adds that many
// effective-priority points per minute of queue age; zero disables aging.
func New(maxSize int, agingFactor float64) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Queue{
		heap:     taskHeap{agingFactor: agingFactor},
		resident: make(map[string]struct{}),
		maxSize:  maxSize,
		notEmpty: make(chan struct{}, 1),
	}
}

// Enqueue adds a task. It fails with ErrQueueFull at capacity and
// ErrDuplicateTask if the task_id is already resident.
func (q *Queue) Enqueue(t task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.heap.items) >= q.maxSize {
		return ErrQueueFull
	}
	if _, ok := q.resident[t.ID]; ok {
		return ErrDuplicateTask
	}

	q.seq++
	q.heap.now = time.Now()
	heap.Push(&q.heap, &item{task: t, enqueuedAt: q.heap.now, seq: q.seq})
	q.resident[t.ID] = struct{}{}

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the highest-priority task, blocking up to
// timeout. The second return is false when the queue stayed empty. Each task
// is handed out exactly once.
func (q *Queue) Dequeue(timeout time.Duration) (task.Task, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return task.Task{}, false
		}
		if len(q.heap.items) > 0 {
			q.heap.now = time.Now()
			if q.heap.agingFactor > 0 {
				// Aging shifts relative order over time; rebuild before popping.
				heap.Init(&q.heap)
			}
			it := heap.Pop(&q.heap).(*item)
			delete(q.resident, it.task.ID)
			q.mu.Unlock()
			return it.task, true
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return task.Task{}, false
		}
		wait := remaining
		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		select {
		case <-q.notEmpty:
		case <-time.After(wait):
		}
	}
}

// Size reports the number of pending tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap.items)
}

// Snapshot returns an introspection view of the pending tasks, ordered by
// current effective priority.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	entries := make([]Entry, 0, len(q.heap.items))
	for _, it := range q.heap.items {
		entries = append(entries, Entry{
			TaskID:            it.task.ID,
			Priority:          it.task.EffectivePriority(),
			EffectivePriority: it.effectivePriority(q.heap.agingFactor, now),
			Age:               now.Sub(it.enqueuedAt),
		})
	}
	sortEntries(entries)
	return entries
}

func sortEntries(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].EffectivePriority > entries[j-1].EffectivePriority; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Close marks the queue closed; pending Dequeue calls return immediately.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}
