package framequeue

import (
	"testing"
	"time"
)

func TestCapacityValidation(t *testing.T) {
	if _, err := New[int](0); err == nil {
		t.Fatalf("expected error for capacity 0")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	q, err := New[string](2)
	if err != nil {
		t.Fatal(err)
	}
	q.Push("A")
	q.Push("B")
	q.Push("C")

	if got := q.Len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}
	first, ok := q.Pop()
	if !ok || first != "B" {
		t.Fatalf("first pop = %q ok=%t, want B", first, ok)
	}
	second, ok := q.Pop()
	if !ok || second != "C" {
		t.Fatalf("second pop = %q ok=%t, want C", second, ok)
	}
}

func TestRetainsLastCapacityItemsInOrder(t *testing.T) {
	q, _ := New[int](5)
	for i := 1; i <= 12; i++ {
		q.Push(i)
	}
	for want := 8; want <= 12; want++ {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("pop = %d ok=%t, want %d", got, ok, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained, len=%d", q.Len())
	}
}

func TestBlockedPopWakesOnPush(t *testing.T) {
	q, _ := New[int](1)
	got := make(chan int, 1)
	go func() {
		v, ok := q.Pop()
		if ok {
			got <- v
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Push(42)
	select {
	case v := <-got:
		if v != 42 {
			t.Fatalf("pop = %d, want 42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pop did not wake on push")
	}
}

func TestTerminateUnblocksAndStaysTerminated(t *testing.T) {
	q, _ := New[int](1)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Terminate()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("pop returned an item after terminate")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("terminate did not unblock pop")
	}

	// Idempotent, and future pops return immediately.
	q.Terminate()
	if _, ok := q.Pop(); ok {
		t.Fatalf("pop after terminate returned an item")
	}
	q.Push(7)
	if _, ok := q.Pop(); ok {
		t.Fatalf("push after terminate was accepted")
	}
}

func TestTerminateDiscardsQueuedItems(t *testing.T) {
	q, _ := New[int](4)
	q.Push(1)
	q.Push(2)
	q.Terminate()
	if _, ok := q.Pop(); ok {
		t.Fatalf("terminate must be a hard stop, not a drain")
	}
}
