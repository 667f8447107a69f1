package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterBurst(t *testing.T) {
	l := NewLimiter(1, 3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.AllowAt(now) {
			t.Fatalf("Message %d within burst should be allowed", i)
		}
	}
	if l.AllowAt(now) {
		t.Error("Expected message beyond burst to be rejected")
	}
	if !l.AllowAt(now.Add(time.Second)) {
		t.Error("Expected a token to refill after one second")
	}
}

func TestClientLimitersIsolation(t *testing.T) {
	cl := NewClientLimiters(1, 1)
	defer cl.Stop()

	if !cl.Allow("10.0.0.1") {
		t.Fatal("First request should be allowed")
	}
	if cl.Allow("10.0.0.1") {
		t.Error("Second immediate request should be limited")
	}
	if !cl.Allow("10.0.0.2") {
		t.Error("Other clients should have their own bucket")
	}

	if cl.Get("10.0.0.1") != cl.Get("10.0.0.1") {
		t.Error("Expected the same limiter for the same key")
	}

	cl.Remove("10.0.0.1")
	if cl.Len() != 1 {
		t.Errorf("Expected 1 limiter after remove, got %d", cl.Len())
	}
	cl.Stop()
}
