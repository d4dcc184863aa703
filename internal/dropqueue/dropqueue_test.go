package dropqueue

import "testing"

func TestAppendEvictsOldest(t *testing.T) {
	q := New[uint8](3)
	q.Append(1)
	q.Append(2)
	q.Append(3)
	if !q.Contains(1) {
		t.Fatal("expected 1 present before eviction")
	}
	q.Append(4)
	if q.Contains(1) {
		t.Fatal("expected 1 evicted")
	}
	for _, v := range []uint8{2, 3, 4} {
		if !q.Contains(v) {
			t.Fatalf("expected %d present", v)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected len 3, got %d", q.Len())
	}
}

func TestContainsEmpty(t *testing.T) {
	q := New[int](10)
	if q.Contains(0) {
		t.Fatal("expected empty queue to contain nothing")
	}
}

func TestDuplicateValuesSurviveSingleEviction(t *testing.T) {
	q := New[int](2)
	q.Append(5)
	q.Append(5)
	q.Append(6) // evicts one of the two 5s
	if !q.Contains(5) {
		t.Fatal("expected 5 still present (duplicate remaining)")
	}
	if !q.Contains(6) {
		t.Fatal("expected 6 present")
	}
}

func TestNewPanicsOnNonPositiveCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero capacity")
		}
	}()
	New[int](0)
}
