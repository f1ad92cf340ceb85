package appstoresync

import (
	"testing"
	"time"
)

func TestRetryPolicyDelayDoubles(t *testing.T) {
	p := defaultRetryPolicy()
	if p.delay(0) != 5*time.Second {
		t.Fatalf("delay(0) = %v", p.delay(0))
	}
	if p.delay(1) != 10*time.Second {
		t.Fatalf("delay(1) = %v", p.delay(1))
	}
	if p.delay(2) != 20*time.Second {
		t.Fatalf("delay(2) = %v", p.delay(2))
	}
	// Capped so a long retry loop cannot overflow into absurd waits.
	if p.delay(50) != p.delay(6) {
		t.Fatalf("delay(50) = %v, want cap at %v", p.delay(50), p.delay(6))
	}
}

func TestRetryPolicyStatusSets(t *testing.T) {
	p := defaultRetryPolicy()
	if !p.retryable(429) {
		t.Fatal("429 must be retryable")
	}
	if p.retryable(404) || p.accepted(404) {
		t.Fatal("404 is neither retryable nor accepted by default")
	}

	v := verifyRetryPolicy()
	if !v.accepted(429) {
		t.Fatal("verification must pass 429 through")
	}
	if v.retryable(429) {
		t.Fatal("verification must not burn retries on 429")
	}
}
