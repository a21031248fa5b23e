package future

import (
	"context"
	"testing"
	"time"
)

func TestResolved(t *testing.T) {
	f := Resolved(42)
	if !f.Done() {
		t.Fatal("expected already-resolved future to report Done")
	}
	if got := Wait(f); got != 42 {
		t.Fatalf("Wait() = %d, want 42", got)
	}
}

func TestGoAndWait(t *testing.T) {
	f := Go(func() string {
		time.Sleep(10 * time.Millisecond)
		return "done"
	})
	if f.Done() {
		t.Fatal("future resolved before goroutine had a chance to run")
	}
	if got := Wait(f); got != "done" {
		t.Fatalf("Wait() = %q, want %q", got, "done")
	}
}

func TestAwaitContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f, _ := New[int]()
	cancel()
	if got := Await(ctx, f); got != 0 {
		t.Fatalf("Await() with cancelled context = %d, want zero value", got)
	}
}

func TestResolveOnlyOnce(t *testing.T) {
	f, resolve := New[int]()
	resolve(1)
	resolve(2)
	if got := Wait(f); got != 1 {
		t.Fatalf("Wait() = %d, want 1 (first resolve wins)", got)
	}
}

func TestThen(t *testing.T) {
	f := Resolved(10)
	g := Then(f, func(v int) int { return v * 2 })
	if got := Wait(g); got != 20 {
		t.Fatalf("Wait(Then) = %d, want 20", got)
	}
}
