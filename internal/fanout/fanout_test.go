package fanout

import "testing"

func TestBroadcastReachesEverySubscriberOfKey(t *testing.T) {
	f := New[string]()
	a := f.Subscribe("t1", 4)
	b := f.Subscribe("t1", 4)
	other := f.Subscribe("t2", 4)

	if n := f.Broadcast("t1", "hello"); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	for _, s := range []*Subscription[string]{a, b} {
		if got := <-s.C; got != "hello" {
			t.Errorf("expected hello, got %q", got)
		}
	}
	select {
	case v := <-other.C:
		t.Errorf("t2 subscriber received %q", v)
	default:
	}
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	f := New[int]()
	s := f.Subscribe("k", 1)
	s.Unsubscribe()
	s.Unsubscribe()
	if _, ok := <-s.C; ok {
		t.Error("expected closed channel")
	}
	if f.Count("k") != 0 || len(f.Keys()) != 0 {
		t.Error("expected key to be removed with its last subscriber")
	}
	if n := f.Broadcast("k", 1); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	f := New[int]()
	slow := f.Subscribe("k", 1)
	fast := f.Subscribe("k", 8)

	f.Broadcast("k", 1)
	f.Broadcast("k", 2)

	if f.Count("k") != 1 {
		t.Fatalf("expected slow subscriber dropped, %d remain", f.Count("k"))
	}
	if v := <-slow.C; v != 1 {
		t.Errorf("slow subscriber should keep buffered value, got %d", v)
	}
	if _, ok := <-slow.C; ok {
		t.Error("expected slow subscriber channel closed")
	}
	if a, b := <-fast.C, <-fast.C; a != 1 || b != 2 {
		t.Errorf("fast subscriber got %d,%d", a, b)
	}
}

func TestCloseKey(t *testing.T) {
	f := New[int]()
	a := f.Subscribe("k", 1)
	b := f.Subscribe("k", 1)
	f.Close("k")
	for _, s := range []*Subscription[int]{a, b} {
		if _, ok := <-s.C; ok {
			t.Error("expected closed channel")
		}
	}
	a.Unsubscribe()
}
