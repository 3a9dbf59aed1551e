package queue

import (
	"fmt"
	"testing"
)

func TestRing_FIFO(t *testing.T) {
	r := New[int](10)

	for i := 0; i < 5; i++ {
		if _, evicted := r.Push(i); evicted {
			t.Fatalf("unexpected eviction pushing %d", i)
		}
	}

	for want := 0; want < 5; want++ {
		got, ok := r.Pop()
		if !ok {
			t.Fatalf("Pop returned empty at %d", want)
		}
		if got != want {
			t.Errorf("Pop = %d, want %d", got, want)
		}
	}

	if _, ok := r.Pop(); ok {
		t.Error("Pop on empty ring returned ok")
	}
}

func TestRing_EvictsOldestWhenFull(t *testing.T) {
	r := New[string](3)

	r.Push("a")
	r.Push("b")
	r.Push("c")

	old, evicted := r.Push("d")
	if !evicted {
		t.Fatal("expected eviction on full ring")
	}
	if old != "a" {
		t.Errorf("evicted %q, want oldest %q", old, "a")
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want capacity bound 3", r.Len())
	}

	got := r.Drain()
	want := []string{"b", "c", "d"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Drain = %v, want %v", got, want)
	}
	if r.Evicted() != 1 {
		t.Errorf("Evicted = %d, want 1", r.Evicted())
	}
}

func TestRing_NeverExceedsCapacity(t *testing.T) {
	r := New[int](4)

	for i := 0; i < 100; i++ {
		r.Push(i)
		if r.Len() > r.Cap() {
			t.Fatalf("Len %d exceeded capacity %d", r.Len(), r.Cap())
		}
	}

	got := r.Drain()
	want := []int{96, 97, 98, 99}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Drain = %v, want %v", got, want)
	}
}

func TestRing_PeekDoesNotRemove(t *testing.T) {
	r := New[int](2)
	r.Push(7)

	v, ok := r.Peek()
	if !ok || v != 7 {
		t.Fatalf("Peek = %d, %v; want 7, true", v, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len after Peek = %d, want 1", r.Len())
	}
}

func TestRing_WrapAround(t *testing.T) {
	r := New[int](3)

	// Interleave pushes and pops to force head/tail wrapping.
	for i := 0; i < 20; i++ {
		r.Push(i)
		if i%2 == 1 {
			r.Pop()
		}
	}

	prev := -1
	for {
		v, ok := r.Pop()
		if !ok {
			break
		}
		if v <= prev {
			t.Fatalf("order violated: %d after %d", v, prev)
		}
		prev = v
	}
}
