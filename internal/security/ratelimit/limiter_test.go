package ratelimit

import (
	"testing"
	"time"
)

func TestAllowEnforcesLimitPerKey(t *testing.T) {
	l := NewLimiter(3, time.Minute)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("operator-a") {
			t.Fatalf("expected request %d within limit", i+1)
		}
	}
	if l.Allow("operator-a") {
		t.Fatalf("expected request over limit to be blocked")
	}

	// Other keys have their own bucket.
	if !l.Allow("operator-b") {
		t.Fatalf("expected a different key to pass")
	}
}

func TestAllowSlidingWindowRecovers(t *testing.T) {
	l := NewLimiter(1, 50*time.Millisecond)
	defer l.Stop()

	if !l.Allow("operator") {
		t.Fatalf("expected first request to pass")
	}
	if l.Allow("operator") {
		t.Fatalf("expected second request inside window to be blocked")
	}

	time.Sleep(60 * time.Millisecond)
	if !l.Allow("operator") {
		t.Fatalf("expected request after window to pass")
	}
}

func TestAllowEmptyKeyPasses(t *testing.T) {
	l := NewLimiter(1, time.Minute)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("") {
			t.Fatalf("expected empty key to bypass limiting")
		}
	}
}

func TestAllowStrictIsIndependent(t *testing.T) {
	l := NewLimiter(100, time.Minute)
	defer l.Stop()

	// Exhaust the strict budget without touching the regular one.
	if !l.AllowStrict("user-1", 1, time.Minute) {
		t.Fatalf("expected first strict request to pass")
	}
	if l.AllowStrict("user-1", 1, time.Minute) {
		t.Fatalf("expected strict limit to block")
	}
	if !l.Allow("user-1") {
		t.Fatalf("expected regular bucket to be unaffected")
	}
}
