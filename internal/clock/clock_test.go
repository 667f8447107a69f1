package clock

import (
	"testing"
	"time"
)

func TestFakeFiresInOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	f := NewFake(start)

	var fired []time.Duration
	f.AfterFunc(30*time.Millisecond, func() { fired = append(fired, f.Now().Sub(start)) })
	f.AfterFunc(10*time.Millisecond, func() { fired = append(fired, f.Now().Sub(start)) })
	f.AfterFunc(90*time.Millisecond, func() { fired = append(fired, f.Now().Sub(start)) })

	f.Advance(50 * time.Millisecond)

	if len(fired) != 2 {
		t.Fatalf("Expected 2 timers fired, got %d", len(fired))
	}
	if fired[0] != 10*time.Millisecond || fired[1] != 30*time.Millisecond {
		t.Errorf("Timers fired at wrong times: %v", fired)
	}
	if f.Now().Sub(start) != 50*time.Millisecond {
		t.Errorf("Expected clock at +50ms, got %v", f.Now().Sub(start))
	}
	if f.Pending() != 1 {
		t.Errorf("Expected 1 pending timer, got %d", f.Pending())
	}
}

func TestFakeStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	called := false
	tm := f.AfterFunc(time.Millisecond, func() { called = true })

	if !tm.Stop() {
		t.Error("First Stop should report true")
	}
	if tm.Stop() {
		t.Error("Second Stop should report false")
	}
	f.Advance(time.Second)
	if called {
		t.Error("Stopped timer should not fire")
	}
}

func TestFakeTimerArmedDuringCallback(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	count := 0
	var arm func()
	arm = func() {
		count++
		if count < 3 {
			f.AfterFunc(10*time.Millisecond, arm)
		}
	}
	f.AfterFunc(10*time.Millisecond, arm)

	f.Advance(100 * time.Millisecond)
	if count != 3 {
		t.Errorf("Expected 3 chained firings, got %d", count)
	}
}
