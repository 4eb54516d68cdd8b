package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/conductor/internal/task"
)

func mk(id string, priority int) task.Task {
	return task.Task{ID: id, Type: task.TypeGeneric, Priority: priority}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := New(10, 0)
	for _, tk := range []task.Task{mk("A", 1), mk("B", 9), mk("C", 5)} {
		if err := q.Enqueue(tk); err != nil {
			t.Fatalf("enqueue %s: %v", tk.ID, err)
		}
	}

	var order []string
	for i := 0; i < 3; i++ {
		tk, ok := q.Dequeue(time.Second)
		if !ok {
			t.Fatalf("dequeue %d failed", i)
		}
		order = append(order, tk.ID)
	}
	want := []string{"B", "C", "A"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New(20, 0)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(mk(fmt.Sprintf("t%d", i), 5)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		tk, ok := q.Dequeue(time.Second)
		if !ok {
			t.Fatalf("dequeue %d failed", i)
		}
		if want := fmt.Sprintf("t%d", i); tk.ID != want {
			t.Fatalf("position %d = %s, want %s", i, tk.ID, want)
		}
	}
}

func TestQueue_FullRejectsEnqueue(t *testing.T) {
	q := New(2, 0)
	if err := q.Enqueue(mk("a", 5)); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := q.Enqueue(mk("b", 5)); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := q.Enqueue(mk("c", 5)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	// Draining one slot frees capacity.
	if _, ok := q.Dequeue(time.Second); !ok {
		t.Fatal("dequeue failed")
	}
	if err := q.Enqueue(mk("c", 5)); err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}
}

func TestQueue_DuplicateIDRejected(t *testing.T) {
	q := New(10, 0)
	if err := q.Enqueue(mk("same", 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(mk("same", 7)); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("err = %v, want ErrDuplicateTask", err)
	}
	// After the task leaves the queue the id may be reused.
	if _, ok := q.Dequeue(time.Second); !ok {
		t.Fatal("dequeue failed")
	}
	if err := q.Enqueue(mk("same", 7)); err != nil {
		t.Fatalf("re-enqueue after dequeue: %v", err)
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(10, 0)
	done := make(chan task.Task, 1)
	go func() {
		if tk, ok := q.Dequeue(2 * time.Second); ok {
			done <- tk
		}
	}()

	time.Sleep(100 * time.Millisecond)
	if err := q.Enqueue(mk("late", 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case tk := <-done:
		if tk.ID != "late" {
			t.Fatalf("got %s", tk.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestQueue_DequeueTimesOutEmpty(t *testing.T) {
	q := New(10, 0)
	start := time.Now()
	_, ok := q.Dequeue(150 * time.Millisecond)
	if ok {
		t.Fatal("unexpected task")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestQueue_AgingBoostsOldTasks(t *testing.T) {
	// 600 points per minute = 10 per second: an old low-priority task
	// overtakes a fresh high-priority one quickly.
	q := New(10, 600)
	if err := q.Enqueue(mk("old-low", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if err := q.Enqueue(mk("fresh-high", 9)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tk, ok := q.Dequeue(time.Second)
	if !ok {
		t.Fatal("dequeue failed")
	}
	if tk.ID != "old-low" {
		t.Fatalf("first = %s, want old-low (aging boost)", tk.ID)
	}
}

func TestQueue_Snapshot(t *testing.T) {
	q := New(10, 0)
	_ = q.Enqueue(mk("a", 2))
	_ = q.Enqueue(mk("b", 8))

	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len = %d", len(snap))
	}
	if snap[0].TaskID != "b" || snap[1].TaskID != "a" {
		t.Fatalf("snapshot order = %+v", snap)
	}
	if q.Size() != 2 {
		t.Fatalf("size = %d", q.Size())
	}
}

func TestQueue_CloseUnblocksDequeue(t *testing.T) {
	q := New(10, 0)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(5 * time.Second)
		done <- ok
	}()
	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected no task from closed queue")
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue not unblocked by close")
	}
}
