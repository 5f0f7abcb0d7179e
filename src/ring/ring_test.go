package ring

import "testing"

func TestRingOverwritesOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if !r.Full() {
		t.Fatalf("expected ring to be full")
	}
	got := r.Entries()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entries = %v, want %v", got, want)
		}
	}
	last, ok := r.Last()
	if !ok || last != 5 {
		t.Fatalf("Last() = %v, %v, want 5, true", last, ok)
	}
}

func TestRingEmpty(t *testing.T) {
	r := New[string](10)
	if !r.Empty() {
		t.Fatalf("expected empty ring")
	}
	if _, ok := r.Last(); ok {
		t.Fatalf("Last() on empty ring should report false")
	}
	if len(r.Entries()) != 0 {
		t.Fatalf("Entries() on empty ring should be empty")
	}
}

func TestRingBelowCapacity(t *testing.T) {
	r := New[int](5)
	r.Push(1)
	r.Push(2)
	if r.Full() {
		t.Fatalf("ring should not be full yet")
	}
	got := r.Entries()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("entries = %v, want [1 2]", got)
	}
}
