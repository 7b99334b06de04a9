package orderedqueue

import (
	"testing"
	"time"
)

func TestPushAndRecvFIFO(t *testing.T) {
	q := New[int]()
	q.PushBack(1)
	q.PushBack(2)
	q.PushBack(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Recv()
		if !ok || got != want {
			t.Fatalf("Recv() = (%d, %v), want (%d, true)", got, ok, want)
		}
	}
}

func TestPushFrontTakesPriority(t *testing.T) {
	q := New[int]()
	q.PushBack(1)
	q.PushFront(2)

	got, _ := q.Recv()
	if got != 2 {
		t.Fatalf("Recv() = %d, want 2", got)
	}
}

func TestRecvBlocksUntilPush(t *testing.T) {
	q := New[int]()
	done := make(chan int, 1)
	go func() {
		v, _ := q.Recv()
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("Recv returned before any item was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	q.PushBack(42)
	select {
	case v := <-done:
		if v != 42 {
			t.Fatalf("got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after push")
	}
}

func TestCloseUnblocksRecvWhenEmpty(t *testing.T) {
	q := New[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Recv()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Recv should report false on a closed, empty queue")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Recv")
	}
}

func TestTryRecvNonBlocking(t *testing.T) {
	q := New[int]()
	if _, ok := q.TryRecv(); ok {
		t.Fatal("TryRecv on empty queue should report false")
	}
	q.PushBack(7)
	v, ok := q.TryRecv()
	if !ok || v != 7 {
		t.Fatalf("TryRecv() = (%d, %v), want (7, true)", v, ok)
	}
}

func TestSnapshotDoesNotRemoveItems(t *testing.T) {
	q := New[int]()
	q.PushBack(1)
	q.PushBack(2)

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0] != 1 || snap[1] != 2 {
		t.Fatalf("Snapshot() = %v, want [1 2]", snap)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() after Snapshot = %d, want 2", q.Len())
	}
}

func TestAddAllHoistingDeduplicatesAndPreservesOrder(t *testing.T) {
	q := New[string]()
	q.PushBack("a")
	q.PushBack("b")
	q.PushBack("c")

	equal := func(a, b string) bool { return a == b }
	keep := func(string) bool { return false }

	AddAllHoisting(q, []string{"b", "d"}, equal, keep)

	got := q.Snapshot()
	want := []string{"b", "d", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot() = %v, want %v", got, want)
		}
	}
}

func TestAddAllHoistingKeepsItemsAwaitingResponse(t *testing.T) {
	q := New[string]()
	q.PushBack("waiting")

	equal := func(a, b string) bool { return a == b }
	keep := func(existing string) bool { return existing == "waiting" }

	AddAllHoisting(q, []string{"waiting"}, equal, keep)

	got := q.Snapshot()
	want := []string{"waiting", "waiting"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
}
