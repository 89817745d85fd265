package deferred

import "testing"

func TestDeferRunsInlineWhenReady(t *testing.T) {
	q := New()
	q.Ready()

	ran := false
	deferred := q.Defer(func() { ran = true })
	if deferred {
		t.Fatalf("expected request to run inline once ready")
	}
	if !ran {
		t.Fatalf("expected request to have run")
	}
}

func TestDeferQueuesBeforeReady(t *testing.T) {
	q := New()
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		deferred := q.Defer(func() { order = append(order, i) })
		if !deferred {
			t.Fatalf("expected request %d to be deferred", i)
		}
	}
	if len(order) != 0 {
		t.Fatalf("expected no requests to have run yet, got %v", order)
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 queued requests, got %d", q.Len())
	}

	q.Ready()
	if got := []int{0, 1, 2}; !intSliceEqual(order, got) {
		t.Fatalf("expected drain order %v, got %v", got, order)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after drain")
	}
}

func TestRequestsAfterReadyRunInline(t *testing.T) {
	q := New()
	q.Ready()

	var order []int
	for i := 0; i < 2; i++ {
		i := i
		q.Defer(func() { order = append(order, i) })
	}
	if !intSliceEqual(order, []int{0, 1}) {
		t.Fatalf("expected inline execution in call order, got %v", order)
	}
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
